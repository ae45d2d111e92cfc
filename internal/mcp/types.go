package mcp

import (
	"encoding/json"
	"fmt"
)

// ProtocolVersion is the MCP protocol version the host advertises
// during initialization.
const ProtocolVersion = "2024-11-05"

// CapabilityDescriptor is a capability ("tool") as returned by
// tools/list. Descriptors are treated as immutable once discovered.
type CapabilityDescriptor struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"inputSchema,omitempty"`
}

// ContentKindText is the content type whose value is model-readable text.
const ContentKindText = "text"

// ResultContent is one entry of a tools/call result. Only text entries
// are decoded; everything else is kept as raw JSON so no information is
// lost when the result is serialized again.
type ResultContent struct {
	Type string
	Text string
	Raw  json.RawMessage
}

// TextContent returns a text result entry.
func TextContent(text string) ResultContent {
	return ResultContent{Type: ContentKindText, Text: text}
}

// IsText reports whether the entry carries text.
func (c ResultContent) IsText() bool {
	return c.Type == ContentKindText
}

// UnmarshalJSON decodes the type discriminator and, for text entries,
// the text value, retaining the original bytes.
func (c *ResultContent) UnmarshalJSON(data []byte) error {
	var head struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return fmt.Errorf("decode content entry: %w", err)
	}
	c.Type = head.Type
	c.Text = head.Text
	c.Raw = append(json.RawMessage(nil), data...)
	return nil
}

// MarshalJSON writes the original bytes when the entry was decoded from
// the wire, and a {type, text} object otherwise.
func (c ResultContent) MarshalJSON() ([]byte, error) {
	if len(c.Raw) > 0 {
		return c.Raw, nil
	}
	return json.Marshal(struct {
		Type string `json:"type"`
		Text string `json:"text,omitempty"`
	}{c.Type, c.Text})
}

// CapabilityResult is the decoded result of a tools/call request.
// IsError means the Tool Provider ran the capability and reports that
// it failed; the failure is ordinary content for the model to read.
type CapabilityResult struct {
	Content []ResultContent `json:"content"`
	IsError bool            `json:"isError"`
}

// ServerInfo identifies the Tool Provider.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}

// InitializeResult is the metadata negotiated during the handshake.
type InitializeResult struct {
	ProtocolVersion string         `json:"protocolVersion"`
	ServerInfo      ServerInfo     `json:"serverInfo"`
	Capabilities    map[string]any `json:"capabilities,omitempty"`
	Instructions    string         `json:"instructions,omitempty"`
}

// clientInfo identifies the host in the initialize request.
type clientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type initializeParams struct {
	ProtocolVersion string         `json:"protocolVersion"`
	Capabilities    map[string]any `json:"capabilities"`
	ClientInfo      clientInfo     `json:"clientInfo"`
}

type listToolsResult struct {
	Tools []CapabilityDescriptor `json:"tools"`
}

type callToolParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}
