// Package capability translates between the Tool Provider's capability
// dialect and the Model Service's tool dialect. Every function here is
// pure: same input, same output, no I/O.
package capability

import (
	"encoding/json"
	"slices"
	"strings"

	"github.com/nugget/hostbridge/internal/llm"
	"github.com/nugget/hostbridge/internal/mcp"
)

// Translate converts discovered descriptors into Model Service tool
// descriptors, one for one and in order. A missing description becomes
// the empty string and a missing schema an empty object schema. Schemas
// are deep-copied, so callers may mutate either side freely.
func Translate(descs []mcp.CapabilityDescriptor) []llm.ToolDescriptor {
	tools := make([]llm.ToolDescriptor, 0, len(descs))
	for _, d := range descs {
		tools = append(tools, llm.ToolDescriptor{
			Name:        d.Name,
			Description: d.Description,
			InputSchema: schemaOrDefault(d.InputSchema),
		})
	}
	return tools
}

func schemaOrDefault(schema map[string]any) map[string]any {
	if len(schema) == 0 {
		return map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		}
	}
	return deepCopy(schema).(map[string]any)
}

// deepCopy copies the JSON-shaped value v.
func deepCopy(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = deepCopy(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = deepCopy(val)
		}
		return out
	default:
		return v
	}
}

// FormatResult turns a capability result into the tool_result block for
// callID. Text entries are concatenated in order. When that yields an
// empty string the whole result is serialized instead, so nothing the
// provider said is silently dropped.
func FormatResult(callID string, res *mcp.CapabilityResult) llm.ToolResultBlock {
	if res == nil {
		res = &mcp.CapabilityResult{Content: []mcp.ResultContent{}}
	}

	var sb strings.Builder
	for _, c := range res.Content {
		if c.IsText() {
			sb.WriteString(c.Text)
		}
	}

	text := sb.String()
	if text == "" {
		text = fallback(res)
	}

	return llm.ToolResultBlock{
		ToolUseID: callID,
		Content:   text,
		IsError:   res.IsError,
	}
}

// fallback returns the canonical JSON form of res.
func fallback(res *mcp.CapabilityResult) string {
	out := *res
	if out.Content == nil {
		out.Content = []mcp.ResultContent{}
	}
	data, err := json.Marshal(out)
	if err != nil {
		// Raw entries are already valid JSON; this only trips on a
		// hand-built entry with invalid Raw bytes.
		return `{"content":[],"isError":` + boolString(res.IsError) + `}`
	}
	return string(data)
}

func boolString(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

// Select filters descriptors by name, preserving order. A non-empty
// include list keeps only the named capabilities; otherwise names in
// exclude are dropped.
func Select(descs []mcp.CapabilityDescriptor, include, exclude []string) []mcp.CapabilityDescriptor {
	if len(include) == 0 && len(exclude) == 0 {
		return descs
	}
	out := make([]mcp.CapabilityDescriptor, 0, len(descs))
	for _, d := range descs {
		if len(include) > 0 {
			if slices.Contains(include, d.Name) {
				out = append(out, d)
			}
			continue
		}
		if !slices.Contains(exclude, d.Name) {
			out = append(out, d)
		}
	}
	return out
}

// ErrorResult is the result reported to the model when a capability
// call fails without the provider producing a result of its own.
func ErrorResult(err error) *mcp.CapabilityResult {
	return &mcp.CapabilityResult{
		Content: []mcp.ResultContent{mcp.TextContent("Error: " + err.Error())},
		IsError: true,
	}
}
