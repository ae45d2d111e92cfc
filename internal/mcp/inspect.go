package mcp

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/nugget/hostbridge/internal/events"
)

// levelTrace matches config.LevelTrace; frames are logged below debug.
const levelTrace = slog.Level(-8)

// InspectOptions configures an inspecting transport.
type InspectOptions struct {
	// Logger receives every frame at trace level. Nil uses slog.Default().
	Logger *slog.Logger

	// Bus receives frame_out and frame_in events. Nil disables events.
	Bus *events.Bus
}

// InspectingTransport decorates a Transport, reporting every outgoing
// request and notification and every incoming response. Frames are
// forwarded unchanged.
type InspectingTransport struct {
	inner  Transport
	logger *slog.Logger
	bus    *events.Bus
}

// NewInspectingTransport wraps inner with frame inspection.
func NewInspectingTransport(inner Transport, opts InspectOptions) *InspectingTransport {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &InspectingTransport{
		inner:  inner,
		logger: logger.With("component", "mcp_inspect"),
		bus:    opts.Bus,
	}
}

// Send reports the request, forwards it, and reports the response.
func (t *InspectingTransport) Send(ctx context.Context, req *Request) (*Response, error) {
	t.report(ctx, events.KindFrameOut, req.Method, req.ID, req)

	resp, err := t.inner.Send(ctx, req)
	if err != nil {
		t.logger.Log(ctx, levelTrace, "frame error", "method", req.Method, "id", req.ID, "error", err)
		return nil, err
	}

	t.report(ctx, events.KindFrameIn, req.Method, resp.ID, resp)
	return resp, nil
}

// Notify reports the notification and forwards it.
func (t *InspectingTransport) Notify(ctx context.Context, notif *Notification) error {
	t.report(ctx, events.KindFrameOut, notif.Method, 0, notif)
	return t.inner.Notify(ctx, notif)
}

// Close closes the wrapped transport.
func (t *InspectingTransport) Close() error {
	return t.inner.Close()
}

func (t *InspectingTransport) report(ctx context.Context, kind, method string, id int64, frame any) {
	data, err := json.Marshal(frame)
	if err != nil {
		t.logger.Debug("frame not serializable", "method", method, "error", err)
		return
	}

	direction := "out"
	if kind == events.KindFrameIn {
		direction = "in"
	}
	t.logger.Log(ctx, levelTrace, "mcp frame",
		"direction", direction,
		"method", method,
		"id", id,
		"json", string(data),
	)

	t.bus.Publish(events.NewEvent(events.SourceTransport, kind, map[string]any{
		"method": method,
		"id":     id,
		"frame":  string(data),
	}))
}
