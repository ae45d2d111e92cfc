// Package host is the orchestrator: it drives one Tool Provider session
// and one Model Gateway through the initialize, discover, plan, execute
// and synthesize phases, and owns the conversation between them. The
// model never talks to the provider directly.
package host

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/hostbridge/internal/capability"
	"github.com/nugget/hostbridge/internal/events"
	"github.com/nugget/hostbridge/internal/llm"
	"github.com/nugget/hostbridge/internal/mcp"
	"github.com/nugget/hostbridge/internal/usage"
)

// DefaultMaxTokens is the output token limit for each Model Service call
// when Options does not set one.
const DefaultMaxTokens = 1024

// Session is the part of *mcp.Session the orchestrator uses.
type Session interface {
	Initialize(ctx context.Context) (*mcp.InitializeResult, error)
	ListCapabilities(ctx context.Context) ([]mcp.CapabilityDescriptor, error)
	Invoke(ctx context.Context, name string, args map[string]any) (*mcp.CapabilityResult, error)
}

// UsageRecorder persists token usage for each Model Service call.
// *usage.Store satisfies it.
type UsageRecorder interface {
	Record(ctx context.Context, rec usage.Record) error
}

// Options configures an Orchestrator.
type Options struct {
	// Model labels usage records and events. The gateway decides which
	// model is actually called.
	Model string

	// Provider names the Model Service in usage records.
	Provider string

	// MaxTokens bounds each Model Service response. Zero uses
	// DefaultMaxTokens.
	MaxTokens int

	// Include and Exclude filter discovered capabilities by name
	// before they are offered to the model.
	Include []string
	Exclude []string

	Logger *slog.Logger
	Bus    *events.Bus
	Usage  UsageRecorder
}

// Result is the outcome of a successful run.
type Result struct {
	RunID    string
	Answer   string
	Phase    Phase
	Metadata *mcp.InitializeResult

	// Tools is the tool set offered to the model in Plan and Synthesize.
	Tools []llm.ToolDescriptor

	// Calls are the capability calls extracted from the plan, in order.
	Calls []llm.CapabilityCall

	// Conversation is the buffer as last sent to the Model Service.
	Conversation []llm.Message

	// Usage sums the token usage of every Model Service call.
	Usage llm.Usage

	Elapsed time.Duration
}

// Orchestrator runs the workflow once.
type Orchestrator struct {
	sess   Session
	gw     llm.Gateway
	opts   Options
	logger *slog.Logger
	bus    *events.Bus
	used   atomic.Bool
}

// New creates an orchestrator over an uninitialized session. The caller
// keeps ownership of the session and must close it after Run.
func New(sess Session, gw llm.Gateway, opts Options) *Orchestrator {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = DefaultMaxTokens
	}
	if opts.Provider == "" {
		opts.Provider = "anthropic"
	}
	return &Orchestrator{
		sess:   sess,
		gw:     gw,
		opts:   opts,
		logger: logger.With("component", "host"),
		bus:    opts.Bus,
	}
}

// run holds the state of a single orchestration.
type run struct {
	*Orchestrator
	id     string
	logger *slog.Logger
	phase  Phase
	res    Result
}

// Run answers query. Any fatal error is a *PhaseError and no partial
// answer is returned.
func (o *Orchestrator) Run(ctx context.Context, query string) (*Result, error) {
	if !o.used.CompareAndSwap(false, true) {
		return nil, ErrAlreadyRun
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate run ID: %w", err)
	}

	r := &run{
		Orchestrator: o,
		id:           id.String(),
		logger:       o.logger.With("run_id", id.String()),
	}
	r.res.RunID = r.id

	start := time.Now()
	r.publish(events.KindRunStarted, map[string]any{"query_len": len(query)})
	r.logger.Info("orchestration started", "query_len", len(query))

	err = r.execute(ctx, query)
	r.res.Elapsed = time.Since(start)

	finished := map[string]any{
		"phase":      r.phase.String(),
		"ok":         err == nil,
		"elapsed_ms": r.res.Elapsed.Milliseconds(),
		"tool_calls": len(r.res.Calls),
	}
	if err != nil {
		finished["error"] = err.Error()
		r.publish(events.KindRunFinished, finished)
		r.logger.Error("orchestration failed", "phase", r.phase.String(), "error", err)
		return nil, err
	}
	r.publish(events.KindRunFinished, finished)
	r.logger.Info("orchestration finished",
		"tool_calls", len(r.res.Calls),
		"input_tokens", r.res.Usage.InputTokens,
		"output_tokens", r.res.Usage.OutputTokens,
		"elapsed", r.res.Elapsed.Round(time.Millisecond),
	)
	return &r.res, nil
}

func (r *run) execute(ctx context.Context, query string) error {
	// Init
	r.enter(PhaseInit)
	meta, err := r.sess.Initialize(ctx)
	if err != nil {
		return r.fatal(err)
	}
	r.res.Metadata = meta

	// Discover
	r.enter(PhaseDiscover)
	descs, err := r.sess.ListCapabilities(ctx)
	if err != nil {
		return r.fatal(err)
	}
	descs = capability.Select(descs, r.opts.Include, r.opts.Exclude)
	r.res.Tools = capability.Translate(descs)
	known := make(map[string]bool, len(descs))
	for _, d := range descs {
		known[d.Name] = true
	}
	r.logger.Info("capabilities discovered", "count", len(descs))

	// Plan
	r.enter(PhasePlan)
	conv := []llm.Message{llm.UserText(query)}
	r.res.Conversation = conv
	plan, err := r.invokeModel(ctx, conv)
	if err != nil {
		return r.fatal(err)
	}
	calls := llm.ExtractCalls(plan)
	r.res.Calls = calls
	if len(calls) == 0 {
		r.res.Answer = plan.Text()
		r.enter(PhaseDone)
		return nil
	}

	// Execute
	r.enter(PhaseExecute)
	results := make([]llm.ContentBlock, 0, len(calls))
	for _, call := range calls {
		block, err := r.invokeCapability(ctx, call, known)
		if err != nil {
			return r.fatal(err)
		}
		results = append(results, block)
	}

	// Synthesize
	r.enter(PhaseSynthesize)
	conv = append(conv,
		llm.Message{Role: llm.RoleAssistant, Content: plan.Content},
		llm.Message{Role: llm.RoleUser, Content: results},
	)
	r.res.Conversation = conv
	synth, err := r.invokeModel(ctx, conv)
	if err != nil {
		return r.fatal(err)
	}
	r.res.Answer = synth.Text()

	r.enter(PhaseDone)
	return nil
}

// invokeCapability runs one call and formats its tool_result. Provider
// refusals and unknown names become error results the model can read;
// only session faults are returned as errors.
func (r *run) invokeCapability(ctx context.Context, call llm.CapabilityCall, known map[string]bool) (llm.ContentBlock, error) {
	r.publish(events.KindCapabilityCall, map[string]any{"call_id": call.ID, "capability": call.Name})
	start := time.Now()

	var res *mcp.CapabilityResult
	if !known[call.Name] {
		r.logger.Warn("model requested unknown capability", "capability", call.Name, "call_id", call.ID)
		res = capability.ErrorResult(fmt.Errorf("unknown capability %q", call.Name))
	} else {
		var err error
		res, err = r.sess.Invoke(ctx, call.Name, call.Arguments)
		switch {
		case err == nil:
		case mcp.IsRPCError(err):
			r.logger.Warn("capability call rejected", "capability", call.Name, "call_id", call.ID, "error", err)
			res = capability.ErrorResult(err)
		default:
			return nil, err
		}
		if res == nil {
			r.logger.Warn("capability call returned no result", "capability", call.Name, "call_id", call.ID)
			res = capability.ErrorResult(fmt.Errorf("capability %q returned no result", call.Name))
		}
	}

	r.logger.Debug("capability call finished",
		"capability", call.Name,
		"call_id", call.ID,
		"is_error", res.IsError,
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
	r.publish(events.KindCapabilityDone, map[string]any{
		"call_id":     call.ID,
		"capability":  call.Name,
		"is_error":    res.IsError,
		"duration_ms": time.Since(start).Milliseconds(),
	})
	return capability.FormatResult(call.ID, res), nil
}

// invokeModel calls the gateway with the run's tool set, accounting
// for usage.
func (r *run) invokeModel(ctx context.Context, conv []llm.Message) (*llm.Response, error) {
	r.publishGateway(events.KindRequestSent, map[string]any{
		"messages": len(conv),
		"tools":    len(r.res.Tools),
	})
	start := time.Now()

	resp, err := r.gw.Invoke(ctx, conv, r.res.Tools, r.opts.MaxTokens)
	if err != nil {
		r.publishGateway(events.KindErrorRaised, map[string]any{"error": err.Error()})
		return nil, err
	}

	r.res.Usage = r.res.Usage.Add(resp.Usage)
	r.publishGateway(events.KindResponseReceived, map[string]any{
		"stop_reason":   resp.StopReason,
		"input_tokens":  resp.Usage.InputTokens,
		"output_tokens": resp.Usage.OutputTokens,
		"duration_ms":   time.Since(start).Milliseconds(),
	})
	r.recordUsage(ctx, resp)
	return resp, nil
}

func (r *run) recordUsage(ctx context.Context, resp *llm.Response) {
	if r.opts.Usage == nil {
		return
	}
	model := resp.Model
	if model == "" {
		model = r.opts.Model
	}
	rec := usage.Record{
		RunID:        r.id,
		RequestID:    resp.ID,
		Model:        model,
		Provider:     r.opts.Provider,
		Phase:        r.phase.String(),
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
	}
	if err := r.opts.Usage.Record(ctx, rec); err != nil {
		r.logger.Warn("failed to record usage", "error", err)
	}
}

func (r *run) enter(p Phase) {
	r.phase = p
	r.res.Phase = p
	r.logger.Debug("phase entered", "phase", p.String())
	r.publish(events.KindPhaseEntered, map[string]any{"phase": p.String()})
}

func (r *run) fatal(err error) error {
	var pe *PhaseError
	if errors.As(err, &pe) {
		return err
	}
	return &PhaseError{Phase: r.phase, Err: err}
}

func (r *run) publish(kind string, data map[string]any) {
	if r.bus == nil {
		return
	}
	data["run_id"] = r.id
	r.bus.Publish(events.NewEvent(events.SourceHost, kind, data))
}

func (r *run) publishGateway(kind string, data map[string]any) {
	if r.bus == nil {
		return
	}
	data["run_id"] = r.id
	data["phase"] = r.phase.String()
	data["model"] = r.opts.Model
	r.bus.Publish(events.NewEvent(events.SourceGateway, kind, data))
}
