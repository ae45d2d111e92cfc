package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"runtime"
	"sync"
	"testing"
	"time"
)

// pipeProvider is the far end of a stream transport: it reads the
// frames the host writes and writes whatever the test scripts.
type pipeProvider struct {
	in  *bufio.Scanner
	out io.WriteCloser
}

func (p *pipeProvider) readRequest(t *testing.T) map[string]any {
	t.Helper()
	if !p.in.Scan() {
		t.Errorf("provider: no frame to read: %v", p.in.Err())
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(p.in.Bytes(), &m); err != nil {
		t.Errorf("provider: bad frame %q: %v", p.in.Text(), err)
	}
	return m
}

func (p *pipeProvider) writeLine(line string) {
	_, _ = io.WriteString(p.out, line+"\n")
}

func (p *pipeProvider) reply(id any, result string) {
	p.writeLine(fmt.Sprintf(`{"jsonrpc":"2.0","id":%v,"result":%s}`, id, result))
}

// newPipeTransport connects a stream transport to a scripted provider.
func newPipeTransport(t *testing.T) (*StdioTransport, *pipeProvider) {
	t.Helper()
	hostR, provW := io.Pipe()
	provR, hostW := io.Pipe()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	tr := NewStreamTransport(hostR, hostW, logger)
	t.Cleanup(func() {
		tr.Close()
		provW.Close()
	})

	sc := bufio.NewScanner(provR)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	return tr, &pipeProvider{in: sc, out: provW}
}

func TestStreamTransport_RoundTrip(t *testing.T) {
	tr, prov := newPipeTransport(t)

	go func() {
		req := prov.readRequest(t)
		prov.reply(req["id"], `{"ok":true}`)
	}()

	resp, err := tr.Send(context.Background(), NewRequest(1, MethodListTools, nil))
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if resp.ID != 1 || string(resp.Result) != `{"ok":true}` {
		t.Errorf("response = id %d result %s", resp.ID, resp.Result)
	}
}

func TestStreamTransport_SkipsNoiseAndServerMessages(t *testing.T) {
	tr, prov := newPipeTransport(t)

	go func() {
		req := prov.readRequest(t)
		prov.writeLine("Simple MCP server starting...")
		prov.writeLine("")
		prov.writeLine(`{"jsonrpc":"2.0","method":"notifications/message","params":{"level":"info"}}`)
		prov.writeLine(`{"jsonrpc":"2.0","id":77,"method":"roots/list"}`)
		prov.reply(req["id"], `{"tools":[]}`)
	}()

	resp, err := tr.Send(context.Background(), NewRequest(5, MethodListTools, nil))
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if resp.ID != 5 {
		t.Errorf("ID = %d, want 5", resp.ID)
	}
}

func TestStreamTransport_CorrelatesOutOfOrderResponses(t *testing.T) {
	tr, prov := newPipeTransport(t)

	go func() {
		first := prov.readRequest(t)
		second := prov.readRequest(t)
		// Answer in reverse order.
		prov.reply(second["id"], fmt.Sprintf(`{"n":%v}`, second["id"]))
		prov.reply(first["id"], fmt.Sprintf(`{"n":%v}`, first["id"]))
	}()

	var wg sync.WaitGroup
	for _, id := range []int64{1, 2} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := tr.Send(context.Background(), NewRequest(id, MethodCallTool, nil))
			if err != nil {
				t.Errorf("Send(%d): %v", id, err)
				return
			}
			var body struct{ N int64 }
			if err := json.Unmarshal(resp.Result, &body); err != nil {
				t.Errorf("decode result: %v", err)
				return
			}
			if resp.ID != id || body.N != id {
				t.Errorf("request %d got response id %d n %d", id, resp.ID, body.N)
			}
		}()
	}
	wg.Wait()
}

func TestStreamTransport_UnmatchedIDFailsPending(t *testing.T) {
	tr, prov := newPipeTransport(t)

	go func() {
		prov.readRequest(t)
		prov.reply(99, `{}`)
	}()

	_, err := tr.Send(context.Background(), NewRequest(1, MethodListTools, nil))
	var pe *ProtocolError
	if !errors.As(err, &pe) {
		t.Fatalf("error = %v, want ProtocolError", err)
	}
	if pe.ID != 99 {
		t.Errorf("ProtocolError.ID = %d, want 99", pe.ID)
	}

	// The stream is desynchronised; later requests fail immediately.
	_, err = tr.Send(context.Background(), NewRequest(2, MethodListTools, nil))
	if !IsProtocolError(err) {
		t.Errorf("second Send error = %v, want ProtocolError", err)
	}
}

func TestStreamTransport_NullIDIsProtocolError(t *testing.T) {
	tr, prov := newPipeTransport(t)

	go func() {
		prov.readRequest(t)
		prov.writeLine(`{"jsonrpc":"2.0","id":null,"error":{"code":-32700,"message":"Parse error"}}`)
	}()

	_, err := tr.Send(context.Background(), NewRequest(1, MethodInitialize, nil))
	if !IsProtocolError(err) {
		t.Fatalf("error = %v, want ProtocolError", err)
	}
}

func TestStreamTransport_ProviderClosesOutput(t *testing.T) {
	tr, prov := newPipeTransport(t)

	go func() {
		prov.readRequest(t)
		prov.out.Close()
	}()

	_, err := tr.Send(context.Background(), NewRequest(1, MethodInitialize, nil))
	var te *TransportError
	if !errors.As(err, &te) {
		t.Fatalf("error = %v, want TransportError", err)
	}
	if te.Op != "read" || !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("error = %v, want read failure wrapping ErrUnexpectedEOF", err)
	}
}

func TestStreamTransport_ContextCancelClosesTransport(t *testing.T) {
	tr, prov := newPipeTransport(t)

	go func() {
		prov.readRequest(t) // never answered
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := tr.Send(ctx, NewRequest(1, MethodCallTool, nil))
	if !IsTransportError(err) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("error = %v, want TransportError wrapping DeadlineExceeded", err)
	}

	_, err = tr.Send(context.Background(), NewRequest(2, MethodCallTool, nil))
	if !IsTransportError(err) {
		t.Errorf("Send after cancel = %v, want TransportError", err)
	}
}

func TestStreamTransport_CloseFailsPending(t *testing.T) {
	tr, prov := newPipeTransport(t)

	read := make(chan struct{})
	go func() {
		prov.readRequest(t)
		close(read)
	}()

	errc := make(chan error, 1)
	go func() {
		_, err := tr.Send(context.Background(), NewRequest(1, MethodCallTool, nil))
		errc <- err
	}()

	<-read
	if err := tr.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	select {
	case err := <-errc:
		if !IsTransportError(err) || !errors.Is(err, errTransportClosed) {
			t.Errorf("pending Send error = %v, want TransportError(closed)", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pending Send did not return after Close")
	}

	if err := tr.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestStreamTransport_Notify(t *testing.T) {
	tr, prov := newPipeTransport(t)

	got := make(chan map[string]any, 1)
	go func() {
		got <- prov.readRequest(t)
	}()

	if err := tr.Notify(context.Background(), NewNotification(MethodInitialized, nil)); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	m := <-got
	if m["method"] != "notifications/initialized" {
		t.Errorf("method = %v", m["method"])
	}
	if _, ok := m["id"]; ok {
		t.Error("notification frame carries an id")
	}
}

func TestStdioTransport_StartFailure(t *testing.T) {
	tr := NewStdioTransport(StdioConfig{
		Command: "/nonexistent/hostbridge-provider",
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	defer tr.Close()

	_, err := tr.Send(context.Background(), NewRequest(1, MethodInitialize, nil))
	var te *TransportError
	if !errors.As(err, &te) || te.Op != "start" {
		t.Fatalf("error = %v, want start TransportError", err)
	}
}

func TestStdioTransport_NoCommand(t *testing.T) {
	tr := NewStdioTransport(StdioConfig{})
	if err := tr.Notify(context.Background(), NewNotification(MethodInitialized, nil)); !IsTransportError(err) {
		t.Errorf("Notify error = %v, want TransportError", err)
	}
}

func TestStdioTransport_Subprocess(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh not available")
	}

	script := `read line; echo "booting" >&2; echo '{"jsonrpc":"2.0","id":1,"result":{"pong":true}}'; cat >/dev/null`
	tr := NewStdioTransport(StdioConfig{
		Command: sh,
		Args:    []string{"-c", script},
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	})

	resp, err := tr.Send(context.Background(), NewRequest(1, "ping", nil))
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if string(resp.Result) != `{"pong":true}` {
		t.Errorf("result = %s", resp.Result)
	}

	// Closing stdin lets cat exit, so the process is reaped gracefully.
	if err := tr.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}
