package mcp

import (
	"errors"
	"fmt"
)

// TransportError reports that the channel to the Tool Provider failed:
// it could not be opened, was closed, timed out, or a read or write
// failed. The session transitions to [StateFailed].
type TransportError struct {
	Op     string // "start", "send", "notify", "read", "close"
	Method string // JSON-RPC method in flight, if any
	Err    error
}

func (e *TransportError) Error() string {
	if e.Method != "" {
		return fmt.Sprintf("mcp transport %s %s: %v", e.Op, e.Method, e.Err)
	}
	return fmt.Sprintf("mcp transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ProtocolError reports a malformed or uncorrelated message from the
// Tool Provider. The session transitions to [StateFailed].
type ProtocolError struct {
	Method string
	ID     int64
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	msg := "mcp protocol error"
	if e.Method != "" {
		msg += " in " + e.Method
	}
	if e.ID != 0 {
		msg += fmt.Sprintf(" (id %d)", e.ID)
	}
	msg += ": " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// NotReadyError reports an operation attempted while the session was
// not in a state that allows it.
type NotReadyError struct {
	Op    string
	State State
}

func (e *NotReadyError) Error() string {
	return fmt.Sprintf("mcp session not ready for %s (state %s)", e.Op, e.State)
}

// IsTransportError reports whether err is or wraps a [*TransportError].
func IsTransportError(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// IsProtocolError reports whether err is or wraps a [*ProtocolError].
func IsProtocolError(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe)
}

// IsNotReady reports whether err is or wraps a [*NotReadyError].
func IsNotReady(err error) bool {
	var ne *NotReadyError
	return errors.As(err, &ne)
}

// IsRPCError reports whether err is or wraps a JSON-RPC error object
// returned by the Tool Provider.
func IsRPCError(err error) bool {
	var re *RPCError
	return errors.As(err, &re)
}

// errTransportClosed is the cause recorded when a transport is closed
// while requests are outstanding.
var errTransportClosed = errors.New("transport closed")
