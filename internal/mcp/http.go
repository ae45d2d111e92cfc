package mcp

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
	"sync"

	"github.com/nugget/hostbridge/internal/httpkit"
)

// Session affinity headers. Servers implementing the streamable HTTP
// transport return Mcp-Session-Id; some older servers use Mcp-Session.
const (
	sessionHeader       = "Mcp-Session-Id"
	legacySessionHeader = "Mcp-Session"
)

// HTTPConfig configures an HTTP MCP transport that communicates with a
// remote MCP server over streamable HTTP (JSON-RPC over POST).
type HTTPConfig struct {
	// URL is the MCP server endpoint.
	URL string

	// Headers are additional HTTP headers sent with every request
	// (e.g., Authorization).
	Headers map[string]string

	// Client overrides the HTTP client. Nil builds one with httpkit.
	Client *http.Client

	// Logger is the structured logger for transport diagnostics.
	Logger *slog.Logger
}

// HTTPTransport communicates with an MCP server over streamable HTTP.
// Each JSON-RPC request is sent as an HTTP POST; the response comes
// back in the response body, either as one JSON object or as an SSE
// stream, so correlation is per round trip. Close aborts requests that
// are still in flight.
type HTTPTransport struct {
	url        string
	headers    map[string]string
	httpClient *http.Client
	logger     *slog.Logger

	// life is cancelled by Close.
	life   context.Context
	cancel context.CancelFunc

	mu        sync.RWMutex
	sessionID string
	closed    bool
}

// NewHTTPTransport creates an HTTP transport for the given config.
// Request deadlines come from the caller's context.
func NewHTTPTransport(cfg HTTPConfig) *HTTPTransport {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	client := cfg.Client
	if client == nil {
		client = httpkit.NewClient(httpkit.WithTimeout(0))
	}

	life, cancel := context.WithCancel(context.Background())
	return &HTTPTransport{
		url:        cfg.URL,
		headers:    cfg.Headers,
		httpClient: client,
		logger:     logger,
		life:       life,
		cancel:     cancel,
	}
}

// Send sends a JSON-RPC request via HTTP POST and returns the response.
func (t *HTTPTransport) Send(ctx context.Context, req *Request) (*Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, &TransportError{Op: "send", Method: req.Method, Err: fmt.Errorf("marshal request: %w", err)}
	}

	httpResp, release, err := t.post(ctx, body, "send", req.Method)
	if err != nil {
		return nil, err
	}
	defer release()
	defer httpkit.DrainAndClose(httpResp.Body, 1<<20)

	if httpResp.StatusCode != http.StatusOK {
		errBody := httpkit.ReadErrorBody(httpResp.Body, 1<<20)
		return nil, &TransportError{
			Op:     "send",
			Method: req.Method,
			Err:    fmt.Errorf("MCP server returned %d: %s", httpResp.StatusCode, errBody),
		}
	}

	var msg *incoming
	if strings.HasPrefix(httpResp.Header.Get("Content-Type"), "text/event-stream") {
		msg, err = t.readEventStream(httpResp.Body, req)
	} else {
		msg, err = t.readJSON(httpResp.Body, req)
	}
	if err != nil {
		return nil, err
	}

	id, ok := msg.responseID()
	if !ok || id != req.ID {
		return nil, &ProtocolError{
			Method: req.Method,
			ID:     req.ID,
			Reason: fmt.Sprintf("response id %s does not match request", string(msg.ID)),
		}
	}
	return msg.response(id), nil
}

func (t *HTTPTransport) readJSON(r io.Reader, req *Request) (*incoming, error) {
	respBody, err := io.ReadAll(io.LimitReader(r, 10<<20)) // 10 MiB limit
	if err != nil {
		return nil, t.readFailure(req.Method, fmt.Errorf("read response body: %w", err))
	}

	var msg incoming
	if err := json.Unmarshal(respBody, &msg); err != nil {
		return nil, &ProtocolError{Method: req.Method, ID: req.ID, Reason: "undecodable response", Err: err}
	}
	return &msg, nil
}

// readEventStream returns the first non-server message on an SSE
// response. Server notifications and requests sent ahead of it are
// logged and skipped.
func (t *HTTPTransport) readEventStream(r io.Reader, req *Request) (*incoming, error) {
	dec := newEventDecoder(r)
	for dec.Next() {
		data := dec.Data()
		if len(bytes.TrimSpace(data)) == 0 {
			continue
		}
		var msg incoming
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, &ProtocolError{Method: req.Method, ID: req.ID, Reason: "undecodable event", Err: err}
		}
		if msg.isServerMessage() {
			t.logger.Debug("skipping MCP server message", "method", msg.Method)
			continue
		}
		return &msg, nil
	}
	if err := dec.Err(); err != nil {
		return nil, t.readFailure(req.Method, fmt.Errorf("read event stream: %w", err))
	}
	return nil, &ProtocolError{Method: req.Method, ID: req.ID, Reason: "event stream ended without a response"}
}

// readFailure reports a body read error, naming Close as the cause when
// the transport was closed mid-read.
func (t *HTTPTransport) readFailure(method string, err error) error {
	if t.life.Err() != nil {
		return &TransportError{Op: "close", Method: method, Err: errTransportClosed}
	}
	return &TransportError{Op: "read", Method: method, Err: err}
}

// Notify sends a JSON-RPC notification via HTTP POST. No response
// content is expected, but the HTTP response status is checked.
func (t *HTTPTransport) Notify(ctx context.Context, notif *Notification) error {
	body, err := json.Marshal(notif)
	if err != nil {
		return &TransportError{Op: "notify", Method: notif.Method, Err: fmt.Errorf("marshal notification: %w", err)}
	}

	httpResp, release, err := t.post(ctx, body, "notify", notif.Method)
	if err != nil {
		return err
	}
	defer release()
	defer httpkit.DrainAndClose(httpResp.Body, 1<<20)

	// Accept 200 and 202 (accepted) for notifications.
	if httpResp.StatusCode != http.StatusOK && httpResp.StatusCode != http.StatusAccepted {
		errBody := httpkit.ReadErrorBody(httpResp.Body, 1<<20)
		return &TransportError{
			Op:     "notify",
			Method: notif.Method,
			Err:    fmt.Errorf("MCP server returned %d for notification: %s", httpResp.StatusCode, errBody),
		}
	}
	return nil
}

// post issues one JSON-RPC POST, applying configured headers and the
// session id, and records any session id the server returns. The
// request is bound to both ctx and the transport's lifetime; release
// must be called once the response body has been consumed.
func (t *HTTPTransport) post(ctx context.Context, body []byte, op, method string) (*http.Response, func(), error) {
	t.mu.RLock()
	closed, sessionID := t.closed, t.sessionID
	t.mu.RUnlock()
	if closed {
		return nil, nil, &TransportError{Op: op, Method: method, Err: errTransportClosed}
	}

	reqCtx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(t.life, cancel)
	release := func() {
		stop()
		cancel()
	}

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		release()
		return nil, nil, &TransportError{Op: op, Method: method, Err: fmt.Errorf("create HTTP request: %w", err)}
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json, text/event-stream")
	for k, v := range t.headers {
		httpReq.Header.Set(k, v)
	}
	if sessionID != "" {
		httpReq.Header.Set(sessionHeader, sessionID)
	}

	httpResp, err := t.httpClient.Do(httpReq)
	if err != nil {
		release()
		if t.life.Err() != nil && errors.Is(err, context.Canceled) {
			return nil, nil, &TransportError{Op: "close", Method: method, Err: errTransportClosed}
		}
		return nil, nil, &TransportError{Op: op, Method: method, Err: fmt.Errorf("HTTP request to %s: %w", t.url, err)}
	}

	sid := httpResp.Header.Get(sessionHeader)
	if sid == "" {
		sid = httpResp.Header.Get(legacySessionHeader)
	}
	if sid != "" && sid != sessionID {
		t.mu.Lock()
		t.sessionID = sid
		t.mu.Unlock()
		t.logger.Debug("MCP session id assigned", "session_id", sid)
	}

	return httpResp, release, nil
}

// Close marks the transport closed and aborts any request still in
// flight; those fail with a TransportError.
func (t *HTTPTransport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	t.cancel()
	t.httpClient.CloseIdleConnections()
	return nil
}
