package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/nugget/hostbridge/internal/httpkit"
)

const (
	// DefaultAnthropicURL is the Messages API endpoint base.
	DefaultAnthropicURL = "https://api.anthropic.com"
	// DefaultModel is used when AnthropicConfig.Model is empty.
	DefaultModel = "claude-sonnet-4-20250514"

	anthropicAPIVersion = "2023-06-01"
	messagesPath        = "/v1/messages"

	// inferenceHeaderTimeout allows for the whole generation to finish
	// before the non-streaming response headers are sent.
	inferenceHeaderTimeout = 120 * time.Second
)

// AnthropicConfig configures an [AnthropicClient].
type AnthropicConfig struct {
	APIKey  string
	Model   string
	BaseURL string

	// HTTPClient overrides the client built with httpkit.
	HTTPClient *http.Client
}

// AnthropicClient is a [Gateway] for the Anthropic Messages API.
type AnthropicClient struct {
	apiKey     string
	model      string
	endpoint   string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewAnthropicClient creates a new Anthropic client.
func NewAnthropicClient(cfg AnthropicConfig, logger *slog.Logger) *AnthropicClient {
	if logger == nil {
		logger = slog.Default()
	}
	model := cfg.Model
	if model == "" {
		model = DefaultModel
	}
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = DefaultAnthropicURL
	}

	client := cfg.HTTPClient
	if client == nil {
		client = httpkit.NewClient(
			httpkit.WithTimeout(0),
			httpkit.WithResponseHeaderTimeout(inferenceHeaderTimeout),
		)
	}

	return &AnthropicClient{
		apiKey:     cfg.APIKey,
		model:      model,
		endpoint:   base + messagesPath,
		httpClient: client,
		logger:     logger.With("provider", "anthropic"),
	}
}

// Model returns the model identifier sent with every request.
func (c *AnthropicClient) Model() string {
	return c.model
}

// Anthropic request/response types

type anthropicRequest struct {
	Model     string           `json:"model"`
	MaxTokens int              `json:"max_tokens"`
	Messages  []Message        `json:"messages"`
	Tools     []ToolDescriptor `json:"tools,omitempty"`
}

type anthropicResponse struct {
	ID         string            `json:"id"`
	Type       string            `json:"type"`
	Role       Role              `json:"role"`
	Content    []json.RawMessage `json:"content"`
	Model      string            `json:"model"`
	StopReason string            `json:"stop_reason"`
	Usage      Usage             `json:"usage"`
}

type anthropicError struct {
	Type  string `json:"type"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// Invoke sends one Messages API request. Tools are omitted from the
// request when empty.
func (c *AnthropicClient) Invoke(ctx context.Context, conv []Message, tools []ToolDescriptor, maxTokens int) (*Response, error) {
	if maxTokens <= 0 {
		return nil, &ModelServiceError{Err: fmt.Errorf("max tokens must be positive, got %d", maxTokens)}
	}
	if len(conv) == 0 {
		return nil, &ModelServiceError{Err: errors.New("empty conversation")}
	}

	req := anthropicRequest{
		Model:     c.model,
		MaxTokens: maxTokens,
		Messages:  conv,
		Tools:     tools,
	}

	c.logger.Debug("preparing request",
		"model", c.model,
		"messages", len(conv),
		"tools", len(tools),
		"max_tokens", maxTokens,
	)

	jsonData, err := json.Marshal(req)
	if err != nil {
		return nil, &ModelServiceError{Err: fmt.Errorf("marshal request: %w", err)}
	}

	c.logger.Log(ctx, LevelTrace, "request payload", "json", string(jsonData))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(jsonData))
	if err != nil {
		return nil, &ModelServiceError{Err: fmt.Errorf("create request: %w", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicAPIVersion)

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, &ModelServiceError{Err: fmt.Errorf("request failed: %w", err)}
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		errBody := httpkit.ReadErrorBody(resp.Body, 4096)
		c.logger.Error("API error", "status", resp.StatusCode, "body", errBody)
		return nil, newStatusError(resp.StatusCode, errBody)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, &ModelServiceError{Err: fmt.Errorf("read response: %w", err)}
	}
	c.logger.Log(ctx, LevelTrace, "response payload", "json", string(body))

	var wire anthropicResponse
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, &ModelServiceError{Err: fmt.Errorf("decode response: %w", err)}
	}
	blocks, err := decodeBlocks(wire.Content)
	if err != nil {
		return nil, &ModelServiceError{Err: fmt.Errorf("decode response: %w", err)}
	}

	result := &Response{
		ID:         wire.ID,
		Model:      wire.Model,
		Role:       wire.Role,
		Content:    blocks,
		StopReason: wire.StopReason,
		Usage:      wire.Usage,
	}

	c.logger.Debug("response received",
		"model", result.Model,
		"stop_reason", result.StopReason,
		"blocks", len(result.Content),
		"input_tokens", result.Usage.InputTokens,
		"output_tokens", result.Usage.OutputTokens,
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
	return result, nil
}

// newStatusError builds a ModelServiceError from a non-2xx reply,
// extracting the API error type and message when the body has them.
func newStatusError(status int, body string) *ModelServiceError {
	e := &ModelServiceError{StatusCode: status, Body: body}
	var ae anthropicError
	if err := json.Unmarshal([]byte(body), &ae); err == nil {
		e.Type = ae.Error.Type
		e.Message = ae.Error.Message
	}
	return e
}
