package llm

import (
	"errors"
	"fmt"
)

// ModelServiceError reports a failed inference call. StatusCode is set
// when the service answered with a non-2xx status; Err is set when the
// call failed before or after the HTTP exchange (network, encoding,
// decoding).
type ModelServiceError struct {
	StatusCode int
	Type       string // API error type, e.g. "overloaded_error"
	Message    string
	Body       string
	Err        error
}

func (e *ModelServiceError) Error() string {
	switch {
	case e.StatusCode != 0 && e.Message != "":
		return fmt.Sprintf("model service error %d (%s): %s", e.StatusCode, e.Type, e.Message)
	case e.StatusCode != 0:
		return fmt.Sprintf("model service error %d: %s", e.StatusCode, e.Body)
	case e.Err != nil:
		return fmt.Sprintf("model service error: %v", e.Err)
	default:
		return "model service error"
	}
}

func (e *ModelServiceError) Unwrap() error { return e.Err }

// IsModelServiceError reports whether err is or wraps a [*ModelServiceError].
func IsModelServiceError(err error) bool {
	var mse *ModelServiceError
	return errors.As(err, &mse)
}
