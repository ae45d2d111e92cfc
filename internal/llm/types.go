// Package llm is the Model Gateway: the typed conversation model
// (messages made of tagged content blocks) and a stateless client for
// the Anthropic Messages API.
package llm

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
)

// LevelTrace is below Debug, used for wire-level payload logging.
const LevelTrace = slog.Level(-8)

// Role is the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Block type discriminators as they appear on the wire.
const (
	BlockText       = "text"
	BlockToolUse    = "tool_use"
	BlockToolResult = "tool_result"
)

// ContentBlock is one element of a message. The set of implementations
// is closed: [TextBlock], [ToolUseBlock] and [ToolResultBlock].
type ContentBlock interface {
	// BlockType returns the wire discriminator.
	BlockType() string
	isContentBlock()
}

// TextBlock is plain text.
type TextBlock struct {
	Text string
}

// ToolUseBlock is a model-issued request to invoke a capability.
type ToolUseBlock struct {
	ID    string
	Name  string
	Input map[string]any
}

// ToolResultBlock reports the outcome of a tool_use back to the model.
// ToolUseID must equal the ID of the originating ToolUseBlock.
type ToolResultBlock struct {
	ToolUseID string
	Content   string
	IsError   bool
}

func (TextBlock) BlockType() string       { return BlockText }
func (ToolUseBlock) BlockType() string    { return BlockToolUse }
func (ToolResultBlock) BlockType() string { return BlockToolResult }

func (TextBlock) isContentBlock()       {}
func (ToolUseBlock) isContentBlock()    {}
func (ToolResultBlock) isContentBlock() {}

// MarshalJSON encodes the block in the Anthropic wire shape.
func (b TextBlock) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}{BlockText, b.Text})
}

// MarshalJSON encodes the block in the Anthropic wire shape. A nil
// Input is sent as an empty object.
func (b ToolUseBlock) MarshalJSON() ([]byte, error) {
	input := b.Input
	if input == nil {
		input = map[string]any{}
	}
	return json.Marshal(struct {
		Type  string         `json:"type"`
		ID    string         `json:"id"`
		Name  string         `json:"name"`
		Input map[string]any `json:"input"`
	}{BlockToolUse, b.ID, b.Name, input})
}

// MarshalJSON encodes the block in the Anthropic wire shape.
func (b ToolResultBlock) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type      string `json:"type"`
		ToolUseID string `json:"tool_use_id"`
		Content   string `json:"content"`
		IsError   bool   `json:"is_error,omitempty"`
	}{BlockToolResult, b.ToolUseID, b.Content, b.IsError})
}

// UnknownBlockError reports a content block type outside the closed set.
type UnknownBlockError struct {
	Type string
}

func (e *UnknownBlockError) Error() string {
	return fmt.Sprintf("unknown content block type %q", e.Type)
}

// wireBlock is the union of all block fields used for decoding.
type wireBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text"`
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Input     map[string]any  `json:"input"`
	ToolUseID string          `json:"tool_use_id"`
	Content   json.RawMessage `json:"content"`
	IsError   bool            `json:"is_error"`
}

// DecodeBlock decodes one content block, dispatching on its type.
func DecodeBlock(data []byte) (ContentBlock, error) {
	var w wireBlock
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("decode content block: %w", err)
	}
	switch w.Type {
	case BlockText:
		return TextBlock{Text: w.Text}, nil
	case BlockToolUse:
		if w.ID == "" || w.Name == "" {
			return nil, fmt.Errorf("tool_use block missing id or name")
		}
		input := w.Input
		if input == nil {
			input = map[string]any{}
		}
		return ToolUseBlock{ID: w.ID, Name: w.Name, Input: input}, nil
	case BlockToolResult:
		content, err := toolResultText(w.Content)
		if err != nil {
			return nil, err
		}
		return ToolResultBlock{ToolUseID: w.ToolUseID, Content: content, IsError: w.IsError}, nil
	default:
		return nil, &UnknownBlockError{Type: w.Type}
	}
}

// toolResultText accepts the string form of tool_result content and the
// list-of-text-blocks form the API also allows.
func toolResultText(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", nil
	}
	if raw[0] == '"' {
		var s string
		err := json.Unmarshal(raw, &s)
		return s, err
	}
	var parts []json.RawMessage
	if err := json.Unmarshal(raw, &parts); err != nil {
		return "", fmt.Errorf("decode tool_result content: %w", err)
	}
	var sb strings.Builder
	for _, p := range parts {
		b, err := DecodeBlock(p)
		if err != nil {
			return "", err
		}
		if tb, ok := b.(TextBlock); ok {
			sb.WriteString(tb.Text)
		}
	}
	return sb.String(), nil
}

// decodeBlocks decodes an ordered list of content blocks.
func decodeBlocks(raw []json.RawMessage) ([]ContentBlock, error) {
	blocks := make([]ContentBlock, 0, len(raw))
	for i, r := range raw {
		b, err := DecodeBlock(r)
		if err != nil {
			return nil, fmt.Errorf("content[%d]: %w", i, err)
		}
		blocks = append(blocks, b)
	}
	return blocks, nil
}

// Message is one turn of the conversation. Block order is significant.
type Message struct {
	Role    Role
	Content []ContentBlock
}

// UserText returns a user message holding a single text block.
func UserText(text string) Message {
	return Message{Role: RoleUser, Content: []ContentBlock{TextBlock{Text: text}}}
}

// MarshalJSON encodes the message with its ordered block list.
func (m Message) MarshalJSON() ([]byte, error) {
	content := m.Content
	if content == nil {
		content = []ContentBlock{}
	}
	return json.Marshal(struct {
		Role    Role           `json:"role"`
		Content []ContentBlock `json:"content"`
	}{m.Role, content})
}

// UnmarshalJSON decodes a message. String content is accepted as a
// single text block.
func (m *Message) UnmarshalJSON(data []byte) error {
	var w struct {
		Role    Role            `json:"role"`
		Content json.RawMessage `json:"content"`
	}
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	m.Role = w.Role
	m.Content = nil

	raw := bytes.TrimSpace(w.Content)
	if len(raw) > 0 && raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return err
		}
		m.Content = []ContentBlock{TextBlock{Text: s}}
		return nil
	}

	var parts []json.RawMessage
	if err := json.Unmarshal(raw, &parts); err != nil {
		return fmt.Errorf("decode message content: %w", err)
	}
	blocks, err := decodeBlocks(parts)
	if err != nil {
		return err
	}
	m.Content = blocks
	return nil
}

// ToolDescriptor is a capability in the Model Service dialect.
type ToolDescriptor struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

// Usage is token accounting reported by the Model Service.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Add returns the element-wise sum of u and o.
func (u Usage) Add(o Usage) Usage {
	return Usage{
		InputTokens:  u.InputTokens + o.InputTokens,
		OutputTokens: u.OutputTokens + o.OutputTokens,
	}
}

// Response is a decoded Model Service reply.
type Response struct {
	ID         string
	Model      string
	Role       Role
	Content    []ContentBlock
	StopReason string
	Usage      Usage
}

// Text concatenates the text blocks of the response in order.
func (r *Response) Text() string {
	if r == nil {
		return ""
	}
	var sb strings.Builder
	for _, b := range r.Content {
		if tb, ok := b.(TextBlock); ok {
			sb.WriteString(tb.Text)
		}
	}
	return sb.String()
}
