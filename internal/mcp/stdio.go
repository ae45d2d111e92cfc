package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"
)

// stopGrace is how long Close waits for the provider to exit after its
// stdin is closed before killing it.
const stopGrace = 5 * time.Second

// StdioConfig configures a stdio MCP transport that communicates with
// a subprocess over stdin/stdout using newline-delimited JSON-RPC.
type StdioConfig struct {
	// Command is the executable to run.
	Command string

	// Args are command-line arguments passed to the executable.
	Args []string

	// Env are additional environment variables for the subprocess
	// (format: "KEY=VALUE"). These are appended to the current
	// process environment.
	Env []string

	// Logger is the structured logger for transport diagnostics.
	Logger *slog.Logger
}

// sendResult is what the read loop hands to a waiting Send.
type sendResult struct {
	resp *Response
	err  error
}

// StdioTransport communicates with an MCP server over a pair of byte
// streams, normally the stdin/stdout of a subprocess. JSON-RPC messages
// are newline-delimited. A single read loop owns the output stream and
// routes each response to the pending request with the same id.
//
// The transport is single-use: once it fails or is closed every later
// call returns the terminal error. It never restarts the subprocess.
type StdioTransport struct {
	config StdioConfig
	logger *slog.Logger

	mu      sync.Mutex
	started bool
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	stdout  io.Closer // closed on release in stream mode only
	pending map[int64]chan sendResult
	err     error // terminal error; set once

	writeMu     sync.Mutex
	releaseOnce sync.Once
	releaseErr  error
}

// NewStdioTransport creates a stdio transport for the given config.
// The subprocess is not started until the first Send or Notify call.
func NewStdioTransport(cfg StdioConfig) *StdioTransport {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &StdioTransport{
		config:  cfg,
		logger:  logger,
		pending: make(map[int64]chan sendResult),
	}
}

// NewStreamTransport creates a transport over already-connected
// streams, such as an in-process provider joined with [io.Pipe]. Close
// closes w, and r when it implements [io.Closer].
func NewStreamTransport(r io.Reader, w io.WriteCloser, logger *slog.Logger) *StdioTransport {
	t := NewStdioTransport(StdioConfig{Logger: logger})
	var closer io.Closer
	if c, ok := r.(io.Closer); ok {
		closer = c
	}
	t.mu.Lock()
	t.attach(r, w, closer)
	t.mu.Unlock()
	return t
}

// attach wires the streams and starts the read loop. Caller must hold t.mu.
func (t *StdioTransport) attach(r io.Reader, w io.WriteCloser, closer io.Closer) {
	t.started = true
	t.stdin = w
	t.stdout = closer
	go t.readLoop(bufio.NewReaderSize(r, 1<<20)) // 1 MiB buffer for large responses
}

// start launches the subprocess if it has not been started. The
// subprocess lifecycle is independent of call contexts; it is only
// terminated by Close or by a transport failure. Caller must hold t.mu.
func (t *StdioTransport) start() error {
	if t.err != nil {
		return t.err
	}
	if t.started {
		return nil
	}
	if t.config.Command == "" {
		return &TransportError{Op: "start", Err: errors.New("no command configured")}
	}

	t.logger.Info("starting MCP provider",
		"command", t.config.Command,
		"args", t.config.Args,
	)

	cmd := exec.Command(t.config.Command, t.config.Args...)
	cmd.Env = append(os.Environ(), t.config.Env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return &TransportError{Op: "start", Err: fmt.Errorf("create stdin pipe: %w", err)}
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return &TransportError{Op: "start", Err: fmt.Errorf("create stdout pipe: %w", err)}
	}

	// Stderr is the provider's log channel, not part of the protocol.
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return &TransportError{Op: "start", Err: fmt.Errorf("create stderr pipe: %w", err)}
	}

	if err := cmd.Start(); err != nil {
		stderrPipe.Close()
		stdout.Close()
		stdin.Close()
		t.err = &TransportError{Op: "start", Err: fmt.Errorf("start %s: %w", t.config.Command, err)}
		return t.err
	}

	t.cmd = cmd
	t.attach(stdout, stdin, nil)

	go t.drainStderr(stderrPipe)

	t.logger.Info("MCP provider started", "pid", cmd.Process.Pid)
	return nil
}

// drainStderr reads stderr lines and logs them at debug level.
func (t *StdioTransport) drainStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for scanner.Scan() {
		t.logger.Debug("MCP provider stderr", "line", scanner.Text())
	}
}

// readLoop reads newline-delimited messages until the stream ends or
// the traffic can no longer be correlated.
func (t *StdioTransport) readLoop(r *bufio.Reader) {
	for {
		line, err := r.ReadBytes('\n')
		if line = bytes.TrimSpace(line); len(line) > 0 {
			if !t.dispatch(line) {
				return
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = fmt.Errorf("provider closed its output: %w", io.ErrUnexpectedEOF)
			}
			t.fail(&TransportError{Op: "read", Err: err})
			return
		}
	}
}

// dispatch routes one message. It returns false once the transport has
// failed and reading must stop.
func (t *StdioTransport) dispatch(line []byte) bool {
	var msg incoming
	if err := json.Unmarshal(line, &msg); err != nil {
		t.logger.Debug("skipping non-JSON line from MCP provider", "line", string(line))
		return true
	}
	if msg.isServerMessage() {
		t.logger.Debug("skipping server-initiated MCP message", "method", msg.Method)
		return true
	}

	id, ok := msg.responseID()
	var ch chan sendResult
	if ok {
		t.mu.Lock()
		ch = t.pending[id]
		delete(t.pending, id)
		t.mu.Unlock()
	}
	if ch == nil {
		reason := "response id has no pending request"
		if !ok {
			reason = fmt.Sprintf("response has unusable id %s", string(msg.ID))
		}
		t.fail(&ProtocolError{ID: id, Reason: reason})
		return false
	}

	ch <- sendResult{resp: msg.response(id)}
	return true
}

// Send writes a request and waits for the response routed to it by the
// read loop. If ctx ends first the transport is torn down: a request
// whose response may still arrive leaves the stream unusable.
func (t *StdioTransport) Send(ctx context.Context, req *Request) (*Response, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return nil, &TransportError{Op: "send", Method: req.Method, Err: fmt.Errorf("marshal request: %w", err)}
	}

	ch := make(chan sendResult, 1)

	t.mu.Lock()
	if err := t.start(); err != nil {
		t.mu.Unlock()
		return nil, err
	}
	if _, dup := t.pending[req.ID]; dup {
		t.mu.Unlock()
		return nil, &ProtocolError{Method: req.Method, ID: req.ID, Reason: "duplicate request id"}
	}
	t.pending[req.ID] = ch
	t.mu.Unlock()

	if err := t.write(data); err != nil {
		werr := &TransportError{Op: "send", Method: req.Method, Err: err}
		t.fail(werr)
		return nil, werr
	}

	select {
	case res := <-ch:
		return res.resp, res.err
	case <-ctx.Done():
		cerr := &TransportError{Op: "send", Method: req.Method, Err: ctx.Err()}
		t.fail(cerr)
		return nil, cerr
	}
}

// Notify writes a notification. No response is expected.
func (t *StdioTransport) Notify(_ context.Context, notif *Notification) error {
	data, err := json.Marshal(notif)
	if err != nil {
		return &TransportError{Op: "notify", Method: notif.Method, Err: fmt.Errorf("marshal notification: %w", err)}
	}

	t.mu.Lock()
	err = t.start()
	t.mu.Unlock()
	if err != nil {
		return err
	}

	if err := t.write(data); err != nil {
		werr := &TransportError{Op: "notify", Method: notif.Method, Err: err}
		t.fail(werr)
		return werr
	}
	return nil
}

// write sends one frame. Writes are serialized separately from t.mu so
// a provider blocked on its own output cannot stall the read loop.
func (t *StdioTransport) write(data []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if _, err := t.stdin.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write to provider stdin: %w", err)
	}
	return nil
}

// Close fails any outstanding requests, closes the provider's stdin and
// waits briefly for it to exit before killing it. Safe to call more
// than once.
func (t *StdioTransport) Close() error {
	t.abort(&TransportError{Op: "close", Err: errTransportClosed})
	return t.release(true)
}

// fail records a terminal error, fails every pending request with it
// and tears the channel down immediately.
func (t *StdioTransport) fail(err error) {
	t.abort(err)
	_ = t.release(false)
}

// abort records the terminal error (the first one wins) and fails all
// pending requests with it.
func (t *StdioTransport) abort(err error) {
	t.mu.Lock()
	if t.err == nil {
		t.err = err
	}
	pending := t.pending
	t.pending = make(map[int64]chan sendResult)
	t.mu.Unlock()

	for _, ch := range pending {
		ch <- sendResult{err: err}
	}
}

// release closes the streams and reaps the subprocess exactly once.
// A graceful release gives the provider stopGrace to exit on its own.
func (t *StdioTransport) release(graceful bool) error {
	t.releaseOnce.Do(func() {
		t.releaseErr = t.terminate(graceful)
	})
	return t.releaseErr
}

func (t *StdioTransport) terminate(graceful bool) error {
	t.mu.Lock()
	cmd, stdin, stdout := t.cmd, t.stdin, t.stdout
	t.mu.Unlock()

	if stdin != nil {
		stdin.Close()
	}
	if stdout != nil {
		stdout.Close()
	}
	if cmd == nil || cmd.Process == nil {
		return nil
	}

	pid := cmd.Process.Pid
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	if !graceful {
		_ = cmd.Process.Kill()
		<-done
		t.logger.Debug("MCP provider killed", "pid", pid)
		return nil
	}

	t.logger.Info("stopping MCP provider", "pid", pid)
	select {
	case err := <-done:
		return err
	case <-time.After(stopGrace):
		t.logger.Warn("MCP provider did not exit gracefully, killing", "pid", pid)
		_ = cmd.Process.Kill()
		<-done
		return nil
	}
}
