package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nugget/hostbridge/internal/buildinfo"
	"github.com/nugget/hostbridge/internal/events"
)

// DefaultRequestTimeout bounds each request when SessionOptions does
// not set one.
const DefaultRequestTimeout = 30 * time.Second

// State is the lifecycle state of a [Session].
type State int32

const (
	// StateUninitialized is the state of a new session.
	StateUninitialized State = iota
	// StateHandshaking means initialize is in flight.
	StateHandshaking
	// StateReady means discovery and invocation are allowed.
	StateReady
	// StateClosed is terminal; the transport has been released.
	StateClosed
	// StateFailed means a transport or protocol fault made the
	// session unusable. Only Close is meaningful afterwards.
	StateFailed
)

// String returns the lower-case state name.
func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateHandshaking:
		return "handshaking"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// SessionOptions configures a [Session].
type SessionOptions struct {
	// Name labels the Tool Provider in logs and events.
	Name string

	// RequestTimeout bounds each request. Zero uses DefaultRequestTimeout.
	RequestTimeout time.Duration

	// ClientName and ClientVersion identify the host in the handshake.
	// Empty values use buildinfo.
	ClientName    string
	ClientVersion string

	Logger *slog.Logger
	Bus    *events.Bus
}

// Session is the protocol state machine for one Tool Provider. It owns
// its Transport and releases it in Close. All methods are safe for
// concurrent use; requests are correlated by id.
type Session struct {
	transport Transport
	name      string
	timeout   time.Duration
	client    clientInfo
	logger    *slog.Logger
	bus       *events.Bus

	nextID atomic.Int64

	mu    sync.Mutex
	state State
	meta  *InitializeResult

	closeOnce sync.Once
	closeErr  error
}

// NewSession creates a session over t. Nothing is sent until Initialize.
func NewSession(t Transport, opts SessionOptions) *Session {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := opts.RequestTimeout
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	client := clientInfo{Name: opts.ClientName, Version: opts.ClientVersion}
	if client.Name == "" {
		client.Name = buildinfo.ClientName
	}
	if client.Version == "" {
		client.Version = buildinfo.Version
	}
	return &Session{
		transport: t,
		name:      opts.Name,
		timeout:   timeout,
		client:    client,
		logger:    logger.With("mcp_server", opts.Name),
		bus:       opts.Bus,
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Metadata returns the negotiated handshake metadata, or nil before a
// successful Initialize.
func (s *Session) Metadata() *InitializeResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.meta
}

// Initialize performs the MCP handshake: an initialize request carrying
// the client identity, then the notifications/initialized notification.
// It is only valid on a new session.
func (s *Session) Initialize(ctx context.Context) (*InitializeResult, error) {
	s.mu.Lock()
	if s.state != StateUninitialized {
		st := s.state
		s.mu.Unlock()
		return nil, &NotReadyError{Op: MethodInitialize, State: st}
	}
	s.setStateLocked(StateHandshaking)
	s.mu.Unlock()

	params := initializeParams{
		ProtocolVersion: ProtocolVersion,
		Capabilities:    map[string]any{},
		ClientInfo:      s.client,
	}

	resp, err := s.request(ctx, MethodInitialize, params)
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, s.protocolFailure(MethodInitialize, resp.ID, "initialize rejected", resp.Error)
	}

	var result InitializeResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, s.protocolFailure(MethodInitialize, resp.ID, "undecodable initialize result", err)
	}
	switch {
	case result.ProtocolVersion == "":
		return nil, s.protocolFailure(MethodInitialize, resp.ID, "initialize result missing protocolVersion", nil)
	case result.ServerInfo.Name == "":
		return nil, s.protocolFailure(MethodInitialize, resp.ID, "initialize result missing serverInfo.name", nil)
	}

	if err := s.notify(ctx, MethodInitialized); err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.state != StateHandshaking {
		st := s.state
		s.mu.Unlock()
		return nil, &NotReadyError{Op: MethodInitialize, State: st}
	}
	s.meta = &result
	s.setStateLocked(StateReady)
	s.mu.Unlock()

	s.logger.Info("MCP server initialized",
		"server_name", result.ServerInfo.Name,
		"server_version", result.ServerInfo.Version,
		"protocol_version", result.ProtocolVersion,
	)
	return &result, nil
}

// ListCapabilities calls tools/list and returns the descriptors in the
// order the provider sent them.
func (s *Session) ListCapabilities(ctx context.Context) ([]CapabilityDescriptor, error) {
	if err := s.requireReady(MethodListTools); err != nil {
		return nil, err
	}

	resp, err := s.request(ctx, MethodListTools, nil)
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, s.protocolFailure(MethodListTools, resp.ID, "tools/list rejected", resp.Error)
	}

	var result listToolsResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, s.protocolFailure(MethodListTools, resp.ID, "undecodable tools/list result", err)
	}

	seen := make(map[string]struct{}, len(result.Tools))
	for _, d := range result.Tools {
		if d.Name == "" {
			return nil, s.protocolFailure(MethodListTools, resp.ID, "capability with empty name", nil)
		}
		if _, dup := seen[d.Name]; dup {
			return nil, s.protocolFailure(MethodListTools, resp.ID, fmt.Sprintf("duplicate capability %q", d.Name), nil)
		}
		seen[d.Name] = struct{}{}
	}

	s.logger.Info("discovered MCP capabilities", "count", len(result.Tools))
	if result.Tools == nil {
		result.Tools = []CapabilityDescriptor{}
	}
	return result.Tools, nil
}

// Invoke calls tools/call for one capability. Arguments are passed
// through unvalidated. A JSON-RPC error from the provider is returned
// as *RPCError and leaves the session Ready.
func (s *Session) Invoke(ctx context.Context, name string, args map[string]any) (*CapabilityResult, error) {
	if err := s.requireReady(MethodCallTool); err != nil {
		return nil, err
	}
	if args == nil {
		args = map[string]any{}
	}

	resp, err := s.request(ctx, MethodCallTool, callToolParams{Name: name, Arguments: args})
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		s.logger.Warn("MCP capability call rejected",
			"capability", name,
			"code", resp.Error.Code,
			"error", resp.Error.Message,
		)
		return nil, resp.Error
	}

	var result CapabilityResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, s.protocolFailure(MethodCallTool, resp.ID, fmt.Sprintf("undecodable result for %q", name), err)
	}
	if result.Content == nil {
		result.Content = []ResultContent{}
	}
	return &result, nil
}

// Close releases the transport exactly once and moves the session to
// StateClosed. It is safe to defer on every path.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.setStateLocked(StateClosed)
		s.mu.Unlock()

		s.logger.Info("closing MCP session")
		if err := s.transport.Close(); err != nil {
			s.closeErr = &TransportError{Op: "close", Err: err}
		}
	})
	return s.closeErr
}

func (s *Session) requireReady(op string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateReady {
		return &NotReadyError{Op: op, State: s.state}
	}
	return nil
}

// request sends one correlated request under the session's timeout.
// Channel and correlation faults fail the session; a JSON-RPC error
// object is left in the response for the caller to judge.
func (s *Session) request(ctx context.Context, method string, params any) (*Response, error) {
	id := s.nextID.Add(1)

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	s.publish(events.KindRequestSent, map[string]any{"method": method, "id": id})
	start := time.Now()

	resp, err := s.transport.Send(ctx, NewRequest(id, method, params))
	if err != nil {
		err = classify(method, err)
		s.failed(method, err)
		return nil, err
	}
	if resp.Error == nil && len(resp.Result) == 0 {
		return nil, s.protocolFailure(method, id, "response has neither result nor error", nil)
	}

	data := map[string]any{
		"method":      method,
		"id":          id,
		"duration_ms": time.Since(start).Milliseconds(),
	}
	if resp.Error != nil {
		data["rpc_error"] = resp.Error.Code
	}
	s.publish(events.KindResponseReceived, data)
	return resp, nil
}

func (s *Session) notify(ctx context.Context, method string) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if err := s.transport.Notify(ctx, NewNotification(method, nil)); err != nil {
		err = classify(method, err)
		s.failed(method, err)
		return err
	}
	return nil
}

// classify maps an arbitrary transport failure onto the error taxonomy.
func classify(method string, err error) error {
	var te *TransportError
	var pe *ProtocolError
	if errors.As(err, &te) || errors.As(err, &pe) {
		return err
	}
	return &TransportError{Op: "send", Method: method, Err: err}
}

func (s *Session) protocolFailure(method string, id int64, reason string, cause error) error {
	err := &ProtocolError{Method: method, ID: id, Reason: reason, Err: cause}
	s.failed(method, err)
	return err
}

// failed moves the session to StateFailed unless it is already closed.
func (s *Session) failed(method string, err error) {
	s.mu.Lock()
	if s.state != StateClosed {
		s.setStateLocked(StateFailed)
	}
	s.mu.Unlock()

	s.logger.Error("MCP session failed", "method", method, "error", err)
	s.publish(events.KindErrorRaised, map[string]any{"method": method, "error": err.Error()})
}

// setStateLocked records a transition. Caller must hold s.mu.
func (s *Session) setStateLocked(to State) {
	from := s.state
	if from == to {
		return
	}
	s.state = to
	s.publish(events.KindStateChanged, map[string]any{"from": from.String(), "to": to.String()})
}

func (s *Session) publish(kind string, data map[string]any) {
	if s.bus == nil {
		return
	}
	data["provider"] = s.name
	s.bus.Publish(events.NewEvent(events.SourceSession, kind, data))
}
