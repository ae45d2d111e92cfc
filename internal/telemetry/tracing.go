// Package telemetry translates host event bus traffic into OpenTelemetry
// spans and metrics.
package telemetry

import (
	"context"
	"strings"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/nugget/hostbridge/internal/events"
)

// TracingHandler turns orchestration events into spans. Each run gets
// a root span; every phase, Model Service call and capability call is
// a child of it.
type TracingHandler struct {
	tracer trace.Tracer

	mu         sync.Mutex
	runSpans   map[string]trace.Span      // runID -> span
	runCtxs    map[string]context.Context // runID -> context for children
	phaseSpans map[string]trace.Span      // runID -> current phase span
	modelSpans map[string]trace.Span      // runID -> in-flight model call
	callSpans  map[string]trace.Span      // runID:callID -> span
}

// NewTracingHandler creates a TracingHandler that starts spans on tracer.
func NewTracingHandler(tracer trace.Tracer) *TracingHandler {
	return &TracingHandler{
		tracer:     tracer,
		runSpans:   make(map[string]trace.Span),
		runCtxs:    make(map[string]context.Context),
		phaseSpans: make(map[string]trace.Span),
		modelSpans: make(map[string]trace.Span),
		callSpans:  make(map[string]trace.Span),
	}
}

// Handle processes one event. Events without a run_id are ignored.
func (h *TracingHandler) Handle(e events.Event) {
	runID := stringField(e.Data, "run_id")
	if runID == "" {
		return
	}

	switch {
	case e.Source == events.SourceHost && e.Kind == events.KindRunStarted:
		h.runStarted(runID, e)
	case e.Source == events.SourceHost && e.Kind == events.KindPhaseEntered:
		h.phaseEntered(runID, e)
	case e.Source == events.SourceHost && e.Kind == events.KindCapabilityCall:
		h.capabilityCall(runID, e)
	case e.Source == events.SourceHost && e.Kind == events.KindCapabilityDone:
		h.capabilityDone(runID, e)
	case e.Source == events.SourceHost && e.Kind == events.KindRunFinished:
		h.runFinished(runID, e)
	case e.Source == events.SourceGateway && e.Kind == events.KindRequestSent:
		h.modelRequest(runID, e)
	case e.Source == events.SourceGateway && e.Kind == events.KindResponseReceived:
		h.modelResponse(runID, e)
	case e.Source == events.SourceGateway && e.Kind == events.KindErrorRaised:
		h.modelError(runID, e)
	}
}

func (h *TracingHandler) runStarted(runID string, e events.Event) {
	ctx, span := h.tracer.Start(context.Background(), "run",
		trace.WithAttributes(attribute.String("hostbridge.run_id", runID)),
		trace.WithTimestamp(e.Timestamp),
	)

	h.mu.Lock()
	h.runSpans[runID] = span
	h.runCtxs[runID] = ctx
	h.mu.Unlock()
}

// parent returns the context children of runID should start from.
// Callers hold h.mu.
func (h *TracingHandler) parent(runID string) context.Context {
	if ctx, ok := h.runCtxs[runID]; ok {
		return ctx
	}
	return context.Background()
}

func (h *TracingHandler) phaseEntered(runID string, e events.Event) {
	phase := stringField(e.Data, "phase")

	h.mu.Lock()
	defer h.mu.Unlock()

	if prev, ok := h.phaseSpans[runID]; ok {
		prev.SetStatus(codes.Ok, "")
		prev.End(trace.WithTimestamp(e.Timestamp))
		delete(h.phaseSpans, runID)
	}
	if phase == "done" {
		return
	}

	_, span := h.tracer.Start(h.parent(runID), "phase:"+phase,
		trace.WithAttributes(
			attribute.String("hostbridge.run_id", runID),
			attribute.String("hostbridge.phase", phase),
		),
		trace.WithTimestamp(e.Timestamp),
	)
	h.phaseSpans[runID] = span
}

func (h *TracingHandler) modelRequest(runID string, e events.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	_, span := h.tracer.Start(h.parent(runID), "model.invoke",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("hostbridge.run_id", runID),
			attribute.String("hostbridge.phase", stringField(e.Data, "phase")),
			attribute.String("hostbridge.model", stringField(e.Data, "model")),
			attribute.Int64("hostbridge.messages", intField(e.Data, "messages")),
			attribute.Int64("hostbridge.tools", intField(e.Data, "tools")),
		),
		trace.WithTimestamp(e.Timestamp),
	)
	h.modelSpans[runID] = span
}

func (h *TracingHandler) modelResponse(runID string, e events.Event) {
	span := h.take(h.modelSpans, runID)
	if span == nil {
		return
	}
	span.SetAttributes(
		attribute.String("hostbridge.stop_reason", stringField(e.Data, "stop_reason")),
		attribute.Int64("hostbridge.input_tokens", intField(e.Data, "input_tokens")),
		attribute.Int64("hostbridge.output_tokens", intField(e.Data, "output_tokens")),
	)
	span.SetStatus(codes.Ok, "")
	span.End(trace.WithTimestamp(e.Timestamp))
}

func (h *TracingHandler) modelError(runID string, e events.Event) {
	span := h.take(h.modelSpans, runID)
	if span == nil {
		return
	}
	endWithError(span, e)
}

func (h *TracingHandler) capabilityCall(runID string, e events.Event) {
	name := stringField(e.Data, "capability")
	callID := stringField(e.Data, "call_id")

	h.mu.Lock()
	defer h.mu.Unlock()

	_, span := h.tracer.Start(h.parent(runID), "capability:"+name,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("hostbridge.run_id", runID),
			attribute.String("hostbridge.capability", name),
			attribute.String("hostbridge.call_id", callID),
		),
		trace.WithTimestamp(e.Timestamp),
	)
	h.callSpans[runID+":"+callID] = span
}

func (h *TracingHandler) capabilityDone(runID string, e events.Event) {
	span := h.take(h.callSpans, runID+":"+stringField(e.Data, "call_id"))
	if span == nil {
		return
	}
	isError, _ := e.Data["is_error"].(bool)
	span.SetAttributes(attribute.Bool("hostbridge.is_error", isError))
	if isError {
		span.SetStatus(codes.Error, "capability returned an error result")
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End(trace.WithTimestamp(e.Timestamp))
}

func (h *TracingHandler) runFinished(runID string, e events.Event) {
	h.mu.Lock()
	run, ok := h.runSpans[runID]
	phase := h.phaseSpans[runID]
	model := h.modelSpans[runID]
	delete(h.runSpans, runID)
	delete(h.runCtxs, runID)
	delete(h.phaseSpans, runID)
	delete(h.modelSpans, runID)
	for key, span := range h.callSpans {
		if strings.HasPrefix(key, runID+":") {
			span.End(trace.WithTimestamp(e.Timestamp))
			delete(h.callSpans, key)
		}
	}
	h.mu.Unlock()

	failed := e.Data["ok"] == false
	for _, span := range []trace.Span{model, phase} {
		if span == nil {
			continue
		}
		if failed {
			endWithError(span, e)
		} else {
			span.End(trace.WithTimestamp(e.Timestamp))
		}
	}

	if !ok {
		return
	}
	run.SetAttributes(
		attribute.String("hostbridge.final_phase", stringField(e.Data, "phase")),
		attribute.Int64("hostbridge.tool_calls", intField(e.Data, "tool_calls")),
	)
	if failed {
		endWithError(run, e)
		return
	}
	run.SetStatus(codes.Ok, "")
	run.End(trace.WithTimestamp(e.Timestamp))
}

func (h *TracingHandler) take(m map[string]trace.Span, key string) trace.Span {
	h.mu.Lock()
	defer h.mu.Unlock()
	span, ok := m[key]
	if !ok {
		return nil
	}
	delete(m, key)
	return span
}

func endWithError(span trace.Span, e events.Event) {
	msg := stringField(e.Data, "error")
	if msg == "" {
		msg = "unknown error"
	}
	span.SetStatus(codes.Error, msg)
	span.RecordError(spanError(msg), trace.WithTimestamp(e.Timestamp))
	span.End(trace.WithTimestamp(e.Timestamp))
}

type spanError string

func (e spanError) Error() string { return string(e) }

func stringField(data map[string]any, key string) string {
	s, _ := data[key].(string)
	return s
}

func intField(data map[string]any, key string) int64 {
	switch v := data[key].(type) {
	case int:
		return int64(v)
	case int64:
		return v
	case float64:
		return int64(v)
	}
	return 0
}
