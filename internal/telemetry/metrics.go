package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/nugget/hostbridge/internal/events"
)

// MetricsHandler records counters and histograms for runs, Model
// Service calls and capability calls.
type MetricsHandler struct {
	runs               metric.Int64Counter
	runDuration        metric.Float64Histogram
	modelCalls         metric.Int64Counter
	modelErrors        metric.Int64Counter
	modelDuration      metric.Float64Histogram
	tokens             metric.Int64Counter
	capabilityCalls    metric.Int64Counter
	capabilityDuration metric.Float64Histogram
	sessionErrors      metric.Int64Counter
}

// NewMetricsHandler creates the instruments on meter.
func NewMetricsHandler(meter metric.Meter) (*MetricsHandler, error) {
	var (
		h   MetricsHandler
		err error
	)

	if h.runs, err = meter.Int64Counter("hostbridge.runs",
		metric.WithDescription("Number of finished orchestration runs"),
	); err != nil {
		return nil, err
	}
	if h.runDuration, err = meter.Float64Histogram("hostbridge.run.duration",
		metric.WithDescription("Duration of orchestration runs in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if h.modelCalls, err = meter.Int64Counter("hostbridge.model.calls",
		metric.WithDescription("Number of successful Model Service calls"),
	); err != nil {
		return nil, err
	}
	if h.modelErrors, err = meter.Int64Counter("hostbridge.model.errors",
		metric.WithDescription("Number of failed Model Service calls"),
	); err != nil {
		return nil, err
	}
	if h.modelDuration, err = meter.Float64Histogram("hostbridge.model.duration",
		metric.WithDescription("Duration of Model Service calls in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if h.tokens, err = meter.Int64Counter("hostbridge.model.tokens",
		metric.WithDescription("Tokens consumed by Model Service calls"),
	); err != nil {
		return nil, err
	}
	if h.capabilityCalls, err = meter.Int64Counter("hostbridge.capability.calls",
		metric.WithDescription("Number of capability invocations"),
	); err != nil {
		return nil, err
	}
	if h.capabilityDuration, err = meter.Float64Histogram("hostbridge.capability.duration",
		metric.WithDescription("Duration of capability invocations in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if h.sessionErrors, err = meter.Int64Counter("hostbridge.session.errors",
		metric.WithDescription("Number of failed Tool Provider requests"),
	); err != nil {
		return nil, err
	}

	return &h, nil
}

// Handle processes one event.
func (h *MetricsHandler) Handle(e events.Event) {
	ctx := context.Background()

	switch {
	case e.Source == events.SourceHost && e.Kind == events.KindRunFinished:
		status := "ok"
		if e.Data["ok"] == false {
			status = "failed"
		}
		attrs := metric.WithAttributes(
			attribute.String("status", status),
			attribute.String("phase", stringField(e.Data, "phase")),
		)
		h.runs.Add(ctx, 1, attrs)
		h.runDuration.Record(ctx, seconds(e.Data, "elapsed_ms"), attrs)

	case e.Source == events.SourceGateway && e.Kind == events.KindResponseReceived:
		attrs := metric.WithAttributes(
			attribute.String("phase", stringField(e.Data, "phase")),
			attribute.String("model", stringField(e.Data, "model")),
		)
		h.modelCalls.Add(ctx, 1, attrs)
		h.modelDuration.Record(ctx, seconds(e.Data, "duration_ms"), attrs)
		h.tokens.Add(ctx, intField(e.Data, "input_tokens"), metric.WithAttributes(
			attribute.String("model", stringField(e.Data, "model")),
			attribute.String("direction", "input"),
		))
		h.tokens.Add(ctx, intField(e.Data, "output_tokens"), metric.WithAttributes(
			attribute.String("model", stringField(e.Data, "model")),
			attribute.String("direction", "output"),
		))

	case e.Source == events.SourceGateway && e.Kind == events.KindErrorRaised:
		h.modelErrors.Add(ctx, 1, metric.WithAttributes(
			attribute.String("phase", stringField(e.Data, "phase")),
		))

	case e.Source == events.SourceHost && e.Kind == events.KindCapabilityDone:
		isError, _ := e.Data["is_error"].(bool)
		attrs := metric.WithAttributes(
			attribute.String("capability", stringField(e.Data, "capability")),
			attribute.Bool("is_error", isError),
		)
		h.capabilityCalls.Add(ctx, 1, attrs)
		h.capabilityDuration.Record(ctx, seconds(e.Data, "duration_ms"), attrs)

	case e.Source == events.SourceSession && e.Kind == events.KindErrorRaised:
		h.sessionErrors.Add(ctx, 1, metric.WithAttributes(
			attribute.String("method", stringField(e.Data, "method")),
		))
	}
}

func seconds(data map[string]any, key string) float64 {
	return float64(intField(data, key)) / 1000
}
