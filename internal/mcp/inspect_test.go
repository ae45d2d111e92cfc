package mcp

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/nugget/hostbridge/internal/events"
)

func TestInspectingTransport_ForwardsAndReports(t *testing.T) {
	inner := newMockTransport()
	inner.addRawResponse(MethodListTools, `{"tools":[{"name":"calculate"}]}`)

	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: levelTrace}))
	bus := events.New()
	ch := bus.Subscribe(8)
	defer bus.Unsubscribe(ch)

	tr := NewInspectingTransport(inner, InspectOptions{Logger: logger, Bus: bus})

	resp, err := tr.Send(context.Background(), NewRequest(4, MethodListTools, nil))
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if resp.ID != 4 || string(resp.Result) != `{"tools":[{"name":"calculate"}]}` {
		t.Errorf("response altered: id %d result %s", resp.ID, resp.Result)
	}
	if err := tr.Notify(context.Background(), NewNotification(MethodInitialized, nil)); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if len(inner.sent) != 1 || len(inner.notifs) != 1 {
		t.Errorf("inner saw %d requests and %d notifications, want 1 and 1", len(inner.sent), len(inner.notifs))
	}

	var kinds []string
	for len(ch) > 0 {
		e := <-ch
		if e.Source != events.SourceTransport {
			t.Errorf("source = %q", e.Source)
		}
		if frame, _ := e.Data["frame"].(string); !strings.Contains(frame, `"jsonrpc":"2.0"`) {
			t.Errorf("frame = %v", e.Data["frame"])
		}
		kinds = append(kinds, e.Kind)
	}
	want := []string{events.KindFrameOut, events.KindFrameIn, events.KindFrameOut}
	if strings.Join(kinds, ",") != strings.Join(want, ",") {
		t.Errorf("kinds = %v, want %v", kinds, want)
	}

	logs := buf.String()
	if !strings.Contains(logs, "direction=out") || !strings.Contains(logs, "direction=in") {
		t.Errorf("trace log missing frames:\n%s", logs)
	}
}

func TestInspectingTransport_PassesErrorsThrough(t *testing.T) {
	inner := newMockTransport()
	want := &TransportError{Op: "read", Err: errTransportClosed}
	inner.sendErrs[MethodCallTool] = want

	tr := NewInspectingTransport(inner, InspectOptions{})
	_, err := tr.Send(context.Background(), NewRequest(1, MethodCallTool, nil))
	if !errors.Is(err, want) {
		t.Errorf("error = %v, want %v", err, want)
	}

	if err := tr.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if inner.closeCount != 1 {
		t.Errorf("inner closed %d times, want 1", inner.closeCount)
	}
}
