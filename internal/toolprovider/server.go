// Package toolprovider is a minimal MCP server speaking newline-delimited
// JSON-RPC 2.0 over a reader/writer pair. The host launches it as a
// subprocess for end-to-end runs.
package toolprovider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/nugget/hostbridge/internal/mcp"
)

// DefaultName is the serverInfo name reported during initialization.
const DefaultName = "simple-poc-server"

// Handler runs a tool with validated arguments. A returned error becomes
// an isError result rather than a protocol error.
type Handler func(ctx context.Context, args map[string]any) (string, error)

// Tool is a capability served by the provider.
type Tool struct {
	Name        string
	Description string
	InputSchema map[string]any
	Handler     Handler

	schema *jsonschema.Schema
}

// Server dispatches MCP requests to registered tools.
type Server struct {
	name    string
	version string
	logger  *slog.Logger

	mu    sync.RWMutex
	tools []*Tool
	index map[string]*Tool
}

// NewServer creates a server with no tools.
func NewServer(name, version string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		name:    name,
		version: version,
		logger:  logger.With("component", "toolprovider"),
		index:   make(map[string]*Tool),
	}
}

// Register adds a tool after compiling its input schema.
func (s *Server) Register(t Tool) error {
	if t.Name == "" {
		return errors.New("tool name is required")
	}
	if t.Handler == nil {
		return fmt.Errorf("tool %s: handler is required", t.Name)
	}
	if t.InputSchema == nil {
		t.InputSchema = map[string]any{"type": "object", "properties": map[string]any{}}
	}

	schema, err := compileSchema(t.Name, t.InputSchema)
	if err != nil {
		return err
	}
	t.schema = schema

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.index[t.Name]; dup {
		return fmt.Errorf("tool %s already registered", t.Name)
	}
	s.tools = append(s.tools, &t)
	s.index[t.Name] = &t
	return nil
}

func compileSchema(name string, schema map[string]any) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("tool %s: encode schema: %w", name, err)
	}
	url := name + ".schema.json"
	c := jsonschema.NewCompiler()
	if err := c.AddResource(url, bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("tool %s: schema resource: %w", name, err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("tool %s: compile schema: %w", name, err)
	}
	return compiled, nil
}

// request is an inbound JSON-RPC message. ID is kept raw so string and
// numeric ids are echoed unchanged; a missing ID marks a notification.
type request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *mcp.RPCError   `json:"error,omitempty"`
}

// Serve reads requests from r and writes responses to w until r is
// exhausted or ctx is cancelled. Requests are handled in arrival order.
func (s *Server) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	s.logger.Info("tool provider started", "name", s.name, "tools", s.toolNames())

	br := bufio.NewReaderSize(r, 1<<20)
	enc := json.NewEncoder(w)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		line, err := br.ReadBytes('\n')
		if len(bytes.TrimSpace(line)) > 0 {
			if resp := s.handleLine(ctx, line); resp != nil {
				if werr := enc.Encode(resp); werr != nil {
					return fmt.Errorf("write response: %w", werr)
				}
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				s.logger.Info("input closed, shutting down")
				return nil
			}
			return fmt.Errorf("read request: %w", err)
		}
	}
}

// handleLine processes one frame and returns the response to write, or
// nil for notifications.
func (s *Server) handleLine(ctx context.Context, line []byte) *response {
	var req request
	if err := json.Unmarshal(line, &req); err != nil {
		s.logger.Warn("unparseable request", "error", err)
		return errorResponse(json.RawMessage("null"), mcp.CodeParseError, "parse error")
	}

	if len(req.ID) == 0 || string(req.ID) == "null" {
		s.handleNotification(req)
		return nil
	}
	if req.JSONRPC != "2.0" || req.Method == "" {
		return errorResponse(req.ID, mcp.CodeInvalidRequest, "invalid request")
	}

	s.logger.Debug("request received", "method", req.Method, "id", string(req.ID))

	result, rpcErr := s.dispatch(ctx, req)
	if rpcErr != nil {
		return &response{JSONRPC: "2.0", ID: req.ID, Error: rpcErr}
	}
	return &response{JSONRPC: "2.0", ID: req.ID, Result: result}
}

func (s *Server) handleNotification(req request) {
	switch req.Method {
	case mcp.MethodInitialized:
		s.logger.Info("client initialized")
	default:
		s.logger.Debug("ignoring notification", "method", req.Method)
	}
}

func (s *Server) dispatch(ctx context.Context, req request) (any, *mcp.RPCError) {
	switch req.Method {
	case mcp.MethodInitialize:
		return s.initialize(req.Params), nil
	case mcp.MethodListTools:
		return map[string]any{"tools": s.descriptors()}, nil
	case mcp.MethodCallTool:
		return s.callTool(ctx, req.Params)
	case "ping":
		return struct{}{}, nil
	}
	return nil, &mcp.RPCError{Code: mcp.CodeMethodNotFound, Message: "method not found: " + req.Method}
}

func (s *Server) initialize(params json.RawMessage) *mcp.InitializeResult {
	var p struct {
		ClientInfo mcp.ServerInfo `json:"clientInfo"`
	}
	if len(params) > 0 {
		_ = json.Unmarshal(params, &p)
	}
	s.logger.Info("initialize", "client", p.ClientInfo.Name, "client_version", p.ClientInfo.Version)

	return &mcp.InitializeResult{
		ProtocolVersion: mcp.ProtocolVersion,
		ServerInfo:      mcp.ServerInfo{Name: s.name, Version: s.version},
		Capabilities:    map[string]any{"tools": map[string]any{"listChanged": false}},
	}
}

func (s *Server) descriptors() []mcp.CapabilityDescriptor {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]mcp.CapabilityDescriptor, 0, len(s.tools))
	for _, t := range s.tools {
		out = append(out, mcp.CapabilityDescriptor{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
		})
	}
	return out
}

func (s *Server) callTool(ctx context.Context, params json.RawMessage) (any, *mcp.RPCError) {
	var p struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &mcp.RPCError{Code: mcp.CodeInvalidParams, Message: "invalid params: " + err.Error()}
	}

	s.mu.RLock()
	tool, ok := s.index[p.Name]
	s.mu.RUnlock()
	if !ok {
		return nil, &mcp.RPCError{Code: mcp.CodeInvalidParams, Message: "Unknown tool: " + p.Name}
	}

	args := p.Arguments
	if args == nil {
		args = map[string]any{}
	}
	log := s.logger.With("tool", tool.Name)

	if err := tool.schema.Validate(args); err != nil {
		log.Warn("invalid tool arguments", "error", err)
		return errorResult("Error: invalid arguments for " + tool.Name + ": " + err.Error()), nil
	}

	log.Info("tool called", "args", args)
	text, err := tool.Handler(ctx, args)
	if err != nil {
		log.Warn("tool failed", "error", err)
		return errorResult("Error: " + err.Error()), nil
	}
	log.Info("tool returned", "result", text)

	return &mcp.CapabilityResult{Content: []mcp.ResultContent{mcp.TextContent(text)}}, nil
}

func errorResult(text string) *mcp.CapabilityResult {
	return &mcp.CapabilityResult{
		Content: []mcp.ResultContent{mcp.TextContent(text)},
		IsError: true,
	}
}

func errorResponse(id json.RawMessage, code int, msg string) *response {
	return &response{JSONRPC: "2.0", ID: id, Error: &mcp.RPCError{Code: code, Message: msg}}
}

func (s *Server) toolNames() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, len(s.tools))
	for i, t := range s.tools {
		names[i] = t.Name
	}
	return names
}
