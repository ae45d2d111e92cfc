package llm

import "context"

// Gateway issues inference requests to a Model Service. It is
// stateless: the whole conversation is passed on every call and no
// memory is kept between calls.
type Gateway interface {
	// Invoke sends conv and, when non-empty, the tool set, and returns
	// the decoded response. Failures are *ModelServiceError; there are
	// no retries.
	Invoke(ctx context.Context, conv []Message, tools []ToolDescriptor, maxTokens int) (*Response, error)
}

// CapabilityCall is a tool_use block projected into an invocation
// request. ID is the originating block's id and correlates the
// eventual tool_result.
type CapabilityCall struct {
	ID        string
	Name      string
	Arguments map[string]any
}

// ExtractCalls returns one CapabilityCall per tool_use block in resp,
// in block order. An empty result means the model is done.
func ExtractCalls(resp *Response) []CapabilityCall {
	if resp == nil {
		return nil
	}
	var calls []CapabilityCall
	for _, b := range resp.Content {
		tu, ok := b.(ToolUseBlock)
		if !ok {
			continue
		}
		args := tu.Input
		if args == nil {
			args = map[string]any{}
		}
		calls = append(calls, CapabilityCall{ID: tu.ID, Name: tu.Name, Arguments: args})
	}
	return calls
}
