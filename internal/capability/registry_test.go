package capability

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"testing"

	"github.com/nugget/hostbridge/internal/mcp"
)

func sampleDescriptors() []mcp.CapabilityDescriptor {
	return []mcp.CapabilityDescriptor{
		{
			Name:        "get_weather",
			Description: "Get current weather for a city",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"city": map[string]any{"type": "string", "description": "City name"},
				},
				"required": []any{"city"},
			},
		},
		{
			Name:        "calculate",
			Description: "Perform a mathematical calculation",
			InputSchema: map[string]any{
				"type":       "object",
				"properties": map[string]any{"expression": map[string]any{"type": "string"}},
			},
		},
		{Name: "bare"},
	}
}

func TestTranslatePreservesOrderAndNames(t *testing.T) {
	for n := 0; n <= 20; n++ {
		descs := make([]mcp.CapabilityDescriptor, n)
		for i := range descs {
			// Names deliberately not in sorted order.
			descs[i] = mcp.CapabilityDescriptor{Name: fmt.Sprintf("tool_%d", (i*7)%(n+1))}
		}

		tools := Translate(descs)
		if len(tools) != n {
			t.Fatalf("n=%d: got %d tools", n, len(tools))
		}
		for i := range descs {
			if tools[i].Name != descs[i].Name {
				t.Errorf("n=%d: tools[%d].Name = %q, want %q", n, i, tools[i].Name, descs[i].Name)
			}
		}
	}
}

func TestTranslateDefaults(t *testing.T) {
	tools := Translate(sampleDescriptors())

	bare := tools[2]
	if bare.Description != "" {
		t.Errorf("Description = %q, want empty", bare.Description)
	}
	want := map[string]any{"type": "object", "properties": map[string]any{}}
	if !reflect.DeepEqual(bare.InputSchema, want) {
		t.Errorf("InputSchema = %v, want %v", bare.InputSchema, want)
	}

	data, err := json.Marshal(bare)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(data) != `{"name":"bare","description":"","input_schema":{"properties":{},"type":"object"}}` {
		t.Errorf("wire form = %s", data)
	}

	if tools[0].Description != "Get current weather for a city" {
		t.Errorf("Description = %q", tools[0].Description)
	}
	if !reflect.DeepEqual(tools[0].InputSchema, sampleDescriptors()[0].InputSchema) {
		t.Errorf("schema not carried over: %v", tools[0].InputSchema)
	}
}

func TestTranslateIsPure(t *testing.T) {
	descs := sampleDescriptors()

	first := Translate(descs)
	// Mutating the output must not leak into the input or later calls.
	first[0].InputSchema["properties"].(map[string]any)["city"].(map[string]any)["type"] = "number"
	first[2].InputSchema["type"] = "array"

	second := Translate(descs)
	third := Translate(descs)
	if !reflect.DeepEqual(second, third) {
		t.Errorf("two translations differ:\n%v\n%v", second, third)
	}
	if !reflect.DeepEqual(descs, sampleDescriptors()) {
		t.Error("Translate output aliases its input")
	}
	if second[2].InputSchema["type"] != "object" {
		t.Error("default schema shared between translations")
	}
}

func TestFormatResultText(t *testing.T) {
	res := &mcp.CapabilityResult{Content: []mcp.ResultContent{mcp.TextContent("X")}}

	block := FormatResult("toolu_1", res)
	if block.ToolUseID != "toolu_1" || block.Content != "X" || block.IsError {
		t.Errorf("block = %+v, want {toolu_1 X false}", block)
	}
}

func TestFormatResultConcatenatesTextInOrder(t *testing.T) {
	var res mcp.CapabilityResult
	raw := `{"content":[{"type":"text","text":"a"},{"type":"image","data":"Zg=="},{"type":"text","text":"b"}]}`
	if err := json.Unmarshal([]byte(raw), &res); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if got := FormatResult("id", &res).Content; got != "ab" {
		t.Errorf("Content = %q, want ab", got)
	}
}

func TestFormatResultFallback(t *testing.T) {
	tests := []struct {
		name string
		res  *mcp.CapabilityResult
		want string
	}{
		{
			name: "empty error result",
			res:  &mcp.CapabilityResult{Content: []mcp.ResultContent{}, IsError: true},
			want: `{"content":[],"isError":true}`,
		},
		{
			name: "nil content",
			res:  &mcp.CapabilityResult{},
			want: `{"content":[],"isError":false}`,
		},
		{
			name: "empty text entry",
			res:  &mcp.CapabilityResult{Content: []mcp.ResultContent{mcp.TextContent("")}},
			want: `{"content":[{"type":"text"}],"isError":false}`,
		},
		{
			name: "nil result",
			res:  nil,
			want: `{"content":[],"isError":false}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			block := FormatResult("call", tt.res)
			if block.Content == "" {
				t.Fatal("fallback content is empty")
			}
			if block.Content != tt.want {
				t.Errorf("Content = %s, want %s", block.Content, tt.want)
			}
		})
	}
}

func TestFormatResultFallbackKeepsNonTextParts(t *testing.T) {
	var res mcp.CapabilityResult
	raw := `{"content":[{"type":"image","data":"Zg==","mimeType":"image/png"}],"isError":true}`
	if err := json.Unmarshal([]byte(raw), &res); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	block := FormatResult("call", &res)
	if !block.IsError {
		t.Error("IsError not carried over")
	}
	if !strings.Contains(block.Content, `"mimeType":"image/png"`) {
		t.Errorf("fallback dropped data: %s", block.Content)
	}
}

func TestSelect(t *testing.T) {
	descs := sampleDescriptors()
	names := func(ds []mcp.CapabilityDescriptor) string {
		var out []string
		for _, d := range ds {
			out = append(out, d.Name)
		}
		return strings.Join(out, ",")
	}

	tests := []struct {
		name             string
		include, exclude []string
		want             string
	}{
		{"no filters", nil, nil, "get_weather,calculate,bare"},
		{"include", []string{"bare", "get_weather"}, nil, "get_weather,bare"},
		{"exclude", nil, []string{"calculate"}, "get_weather,bare"},
		{"include wins", []string{"calculate"}, []string{"calculate"}, "calculate"},
		{"include unknown", []string{"nope"}, nil, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := names(Select(descs, tt.include, tt.exclude)); got != tt.want {
				t.Errorf("Select = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestErrorResult(t *testing.T) {
	res := ErrorResult(errors.New("Unknown tool: nope"))
	if !res.IsError {
		t.Error("IsError = false")
	}
	block := FormatResult("c", res)
	if block.Content != "Error: Unknown tool: nope" || !block.IsError {
		t.Errorf("block = %+v", block)
	}
}
