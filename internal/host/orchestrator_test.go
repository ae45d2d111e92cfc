package host

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/nugget/hostbridge/internal/config"
	"github.com/nugget/hostbridge/internal/events"
	"github.com/nugget/hostbridge/internal/llm"
	"github.com/nugget/hostbridge/internal/mcp"
	"github.com/nugget/hostbridge/internal/usage"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeSession is a scripted Tool Provider session.
type fakeSession struct {
	initErr  error
	listErr  error
	descs    []mcp.CapabilityDescriptor
	invoke   func(name string, args map[string]any) (*mcp.CapabilityResult, error)
	invoked  []string
	initDone bool
}

func (s *fakeSession) Initialize(context.Context) (*mcp.InitializeResult, error) {
	if s.initErr != nil {
		return nil, s.initErr
	}
	s.initDone = true
	return &mcp.InitializeResult{
		ProtocolVersion: mcp.ProtocolVersion,
		ServerInfo:      mcp.ServerInfo{Name: "weather-calc", Version: "1.0.0"},
	}, nil
}

func (s *fakeSession) ListCapabilities(context.Context) ([]mcp.CapabilityDescriptor, error) {
	if s.listErr != nil {
		return nil, s.listErr
	}
	return s.descs, nil
}

func (s *fakeSession) Invoke(_ context.Context, name string, args map[string]any) (*mcp.CapabilityResult, error) {
	s.invoked = append(s.invoked, name)
	if s.invoke == nil {
		return &mcp.CapabilityResult{Content: []mcp.ResultContent{mcp.TextContent("ok")}}, nil
	}
	return s.invoke(name, args)
}

// scriptedGateway returns canned responses in order and records every
// conversation it was given.
type scriptedGateway struct {
	mu        sync.Mutex
	responses []*llm.Response
	errs      []error
	convs     [][]llm.Message
	tools     [][]llm.ToolDescriptor
}

func (g *scriptedGateway) Invoke(_ context.Context, conv []llm.Message, tools []llm.ToolDescriptor, _ int) (*llm.Response, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := len(g.convs)
	g.convs = append(g.convs, append([]llm.Message(nil), conv...))
	g.tools = append(g.tools, tools)
	if n < len(g.errs) && g.errs[n] != nil {
		return nil, g.errs[n]
	}
	if n >= len(g.responses) {
		return nil, &llm.ModelServiceError{Message: "unexpected call"}
	}
	return g.responses[n], nil
}

func calcDescs() []mcp.CapabilityDescriptor {
	return []mcp.CapabilityDescriptor{
		{
			Name:        "get_weather",
			Description: "Get the current weather for a city",
			InputSchema: map[string]any{"type": "object", "properties": map[string]any{"city": map[string]any{"type": "string"}}, "required": []any{"city"}},
		},
		{
			Name:        "calculate",
			Description: "Evaluate an arithmetic expression",
			InputSchema: map[string]any{"type": "object", "properties": map[string]any{"expression": map[string]any{"type": "string"}}, "required": []any{"expression"}},
		},
	}
}

func planWith(calls ...llm.ToolUseBlock) *llm.Response {
	content := []llm.ContentBlock{llm.TextBlock{Text: "Let me work that out."}}
	for _, c := range calls {
		content = append(content, c)
	}
	return &llm.Response{
		ID:         "msg_plan",
		Model:      "claude-test",
		Role:       llm.RoleAssistant,
		Content:    content,
		StopReason: "tool_use",
		Usage:      llm.Usage{InputTokens: 100, OutputTokens: 20},
	}
}

func answer(text string) *llm.Response {
	return &llm.Response{
		ID:         "msg_answer",
		Model:      "claude-test",
		Role:       llm.RoleAssistant,
		Content:    []llm.ContentBlock{llm.TextBlock{Text: text}},
		StopReason: "end_turn",
		Usage:      llm.Usage{InputTokens: 150, OutputTokens: 10},
	}
}

func TestRunWithToolCall(t *testing.T) {
	sess := &fakeSession{
		descs: calcDescs(),
		invoke: func(name string, args map[string]any) (*mcp.CapabilityResult, error) {
			if name != "calculate" || args["expression"] != "42 + 8" {
				t.Errorf("Invoke(%q, %v)", name, args)
			}
			return &mcp.CapabilityResult{Content: []mcp.ResultContent{mcp.TextContent("The result is: 50")}}, nil
		},
	}
	gw := &scriptedGateway{responses: []*llm.Response{
		planWith(llm.ToolUseBlock{ID: "toolu_1", Name: "calculate", Input: map[string]any{"expression": "42 + 8"}}),
		answer("42 + 8 = 50"),
	}}

	o := New(sess, gw, Options{Logger: testLogger()})
	res, err := o.Run(context.Background(), "What is 42 + 8?")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if !strings.Contains(res.Answer, "50") {
		t.Errorf("Answer = %q, want it to contain 50", res.Answer)
	}
	if res.Phase != PhaseDone {
		t.Errorf("Phase = %v, want done", res.Phase)
	}
	if res.Metadata == nil || res.Metadata.ServerInfo.Name != "weather-calc" {
		t.Errorf("Metadata = %+v", res.Metadata)
	}
	if len(res.Tools) != 2 {
		t.Errorf("Tools = %d, want 2", len(res.Tools))
	}
	if res.RunID == "" {
		t.Error("RunID is empty")
	}
	if res.Usage.InputTokens != 250 || res.Usage.OutputTokens != 30 {
		t.Errorf("Usage = %+v, want 250/30", res.Usage)
	}

	if len(gw.convs) != 2 {
		t.Fatalf("gateway calls = %d, want 2", len(gw.convs))
	}
	if len(gw.convs[0]) != 1 {
		t.Errorf("plan conversation = %d messages, want 1", len(gw.convs[0]))
	}
	synth := gw.convs[1]
	if len(synth) != 3 {
		t.Fatalf("synthesize conversation = %d messages, want 3", len(synth))
	}
	if synth[0].Role != llm.RoleUser || synth[1].Role != llm.RoleAssistant || synth[2].Role != llm.RoleUser {
		t.Errorf("roles = %s/%s/%s", synth[0].Role, synth[1].Role, synth[2].Role)
	}
	if len(synth[1].Content) != 2 {
		t.Errorf("assistant message should carry the plan verbatim, got %d blocks", len(synth[1].Content))
	}
	tr, ok := synth[2].Content[0].(llm.ToolResultBlock)
	if !ok {
		t.Fatalf("third message block = %T, want ToolResultBlock", synth[2].Content[0])
	}
	if tr.ToolUseID != "toolu_1" || tr.Content != "The result is: 50" || tr.IsError {
		t.Errorf("tool result = %+v", tr)
	}
	if len(gw.tools[1]) != len(gw.tools[0]) {
		t.Error("synthesize should receive the same tool set as plan")
	}
}

func TestRunWithoutToolCalls(t *testing.T) {
	sess := &fakeSession{descs: calcDescs()}
	gw := &scriptedGateway{responses: []*llm.Response{answer("Hello there!")}}

	res, err := New(sess, gw, Options{Logger: testLogger()}).Run(context.Background(), "Say hello")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Answer != "Hello there!" {
		t.Errorf("Answer = %q", res.Answer)
	}
	if len(gw.convs) != 1 {
		t.Errorf("gateway calls = %d, want 1", len(gw.convs))
	}
	if len(sess.invoked) != 0 {
		t.Errorf("Invoke called %v, want none", sess.invoked)
	}
	if len(res.Calls) != 0 {
		t.Errorf("Calls = %v", res.Calls)
	}
}

func TestRunMultipleCallsPreserveOrder(t *testing.T) {
	sess := &fakeSession{
		descs: calcDescs(),
		invoke: func(name string, args map[string]any) (*mcp.CapabilityResult, error) {
			return &mcp.CapabilityResult{Content: []mcp.ResultContent{mcp.TextContent(name)}}, nil
		},
	}
	gw := &scriptedGateway{responses: []*llm.Response{
		planWith(
			llm.ToolUseBlock{ID: "a", Name: "get_weather", Input: map[string]any{"city": "Tokyo"}},
			llm.ToolUseBlock{ID: "b", Name: "calculate", Input: map[string]any{"expression": "1+1"}},
		),
		answer("done"),
	}}

	if _, err := New(sess, gw, Options{Logger: testLogger()}).Run(context.Background(), "q"); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if strings.Join(sess.invoked, ",") != "get_weather,calculate" {
		t.Errorf("invoked = %v", sess.invoked)
	}
	results := gw.convs[1][2].Content
	if len(results) != 2 {
		t.Fatalf("tool results = %d, want 2", len(results))
	}
	for i, id := range []string{"a", "b"} {
		if got := results[i].(llm.ToolResultBlock).ToolUseID; got != id {
			t.Errorf("result[%d].ToolUseID = %q, want %q", i, got, id)
		}
	}
}

func TestRunIsolatesCallFailures(t *testing.T) {
	sess := &fakeSession{
		descs: calcDescs(),
		invoke: func(name string, args map[string]any) (*mcp.CapabilityResult, error) {
			if name == "calculate" {
				return nil, &mcp.RPCError{Code: mcp.CodeInvalidParams, Message: "bad expression"}
			}
			return &mcp.CapabilityResult{
				Content: []mcp.ResultContent{mcp.TextContent("Error: city is required")},
				IsError: true,
			}, nil
		},
	}
	gw := &scriptedGateway{responses: []*llm.Response{
		planWith(
			llm.ToolUseBlock{ID: "a", Name: "calculate", Input: map[string]any{"expression": "1/"}},
			llm.ToolUseBlock{ID: "b", Name: "no_such_tool"},
			llm.ToolUseBlock{ID: "c", Name: "get_weather"},
		),
		answer("Sorry, something went wrong."),
	}}

	res, err := New(sess, gw, Options{Logger: testLogger()}).Run(context.Background(), "q")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Answer == "" {
		t.Error("expected an answer despite failed calls")
	}
	if strings.Join(sess.invoked, ",") != "calculate,get_weather" {
		t.Errorf("invoked = %v, unknown capability must not reach the provider", sess.invoked)
	}

	results := gw.convs[1][2].Content
	if len(results) != 3 {
		t.Fatalf("tool results = %d, want 3", len(results))
	}
	for i, b := range results {
		tr := b.(llm.ToolResultBlock)
		if !tr.IsError {
			t.Errorf("result[%d] should be an error result", i)
		}
	}
	if got := results[0].(llm.ToolResultBlock).Content; !strings.Contains(got, "bad expression") {
		t.Errorf("rpc error result = %q", got)
	}
	if got := results[1].(llm.ToolResultBlock).Content; !strings.Contains(got, "unknown capability") {
		t.Errorf("unknown capability result = %q", got)
	}
}

func TestRunUnknownCapabilityNeverReachesSession(t *testing.T) {
	sess := &fakeSession{descs: calcDescs()}
	gw := &scriptedGateway{responses: []*llm.Response{
		planWith(llm.ToolUseBlock{ID: "toolu_x", Name: "launch_rockets", Input: map[string]any{"count": 3}}),
		answer("I can't do that."),
	}}

	res, err := New(sess, gw, Options{Logger: testLogger()}).Run(context.Background(), "q")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(sess.invoked) != 0 {
		t.Errorf("Invoke called %v, want none", sess.invoked)
	}
	if len(gw.convs) != 2 {
		t.Fatalf("gateway calls = %d, want 2", len(gw.convs))
	}
	results := gw.convs[1][2].Content
	if len(results) != 1 {
		t.Fatalf("tool results = %d, want 1", len(results))
	}
	tr := results[0].(llm.ToolResultBlock)
	if tr.ToolUseID != "toolu_x" || !tr.IsError || !strings.Contains(tr.Content, `unknown capability "launch_rockets"`) {
		t.Errorf("tool result = %+v", tr)
	}
	if res.Answer != "I can't do that." {
		t.Errorf("Answer = %q", res.Answer)
	}
}

func TestRunNilCapabilityResult(t *testing.T) {
	sess := &fakeSession{
		descs: calcDescs(),
		invoke: func(string, map[string]any) (*mcp.CapabilityResult, error) {
			return nil, nil
		},
	}
	gw := &scriptedGateway{responses: []*llm.Response{
		planWith(llm.ToolUseBlock{ID: "toolu_1", Name: "calculate", Input: map[string]any{"expression": "1+1"}}),
		answer("No result came back."),
	}}

	if _, err := New(sess, gw, Options{Logger: testLogger()}).Run(context.Background(), "q"); err != nil {
		t.Fatalf("Run: %v", err)
	}
	tr := gw.convs[1][2].Content[0].(llm.ToolResultBlock)
	if !tr.IsError || !strings.Contains(tr.Content, "returned no result") {
		t.Errorf("tool result = %+v", tr)
	}
}

func TestRunFatalErrors(t *testing.T) {
	transportErr := &mcp.TransportError{Op: "read", Err: io.ErrUnexpectedEOF}
	tests := []struct {
		name      string
		sess      *fakeSession
		gw        *scriptedGateway
		wantPhase Phase
		check     func(error) bool
	}{
		{
			name:      "initialize fails",
			sess:      &fakeSession{initErr: &mcp.ProtocolError{Method: mcp.MethodInitialize, Reason: "missing protocolVersion"}},
			gw:        &scriptedGateway{},
			wantPhase: PhaseInit,
			check:     mcp.IsProtocolError,
		},
		{
			name:      "discovery fails",
			sess:      &fakeSession{listErr: transportErr},
			gw:        &scriptedGateway{},
			wantPhase: PhaseDiscover,
			check:     mcp.IsTransportError,
		},
		{
			name:      "plan fails",
			sess:      &fakeSession{descs: calcDescs()},
			gw:        &scriptedGateway{errs: []error{&llm.ModelServiceError{StatusCode: 401, Message: "invalid x-api-key"}}},
			wantPhase: PhasePlan,
			check:     llm.IsModelServiceError,
		},
		{
			name: "provider dies mid-execute",
			sess: &fakeSession{
				descs: calcDescs(),
				invoke: func(string, map[string]any) (*mcp.CapabilityResult, error) {
					return nil, transportErr
				},
			},
			gw: &scriptedGateway{responses: []*llm.Response{
				planWith(llm.ToolUseBlock{ID: "a", Name: "calculate", Input: map[string]any{"expression": "1"}}),
			}},
			wantPhase: PhaseExecute,
			check:     mcp.IsTransportError,
		},
		{
			name: "synthesize fails",
			sess: &fakeSession{descs: calcDescs()},
			gw: &scriptedGateway{
				responses: []*llm.Response{planWith(llm.ToolUseBlock{ID: "a", Name: "calculate"})},
				errs:      []error{nil, &llm.ModelServiceError{StatusCode: 529, Message: "overloaded"}},
			},
			wantPhase: PhaseSynthesize,
			check:     llm.IsModelServiceError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := New(tt.sess, tt.gw, Options{Logger: testLogger()}).Run(context.Background(), "q")
			if err == nil {
				t.Fatal("expected error")
			}
			if res != nil {
				t.Errorf("result = %+v, want nil on failure", res)
			}
			phase, ok := FailedPhase(err)
			if !ok {
				t.Fatalf("error %T is not a PhaseError", err)
			}
			if phase != tt.wantPhase {
				t.Errorf("phase = %v, want %v", phase, tt.wantPhase)
			}
			if !tt.check(err) {
				t.Errorf("underlying error not preserved: %v", err)
			}
		})
	}
}

func TestRunOnlyOnce(t *testing.T) {
	o := New(&fakeSession{}, &scriptedGateway{responses: []*llm.Response{answer("hi")}}, Options{Logger: testLogger()})
	if _, err := o.Run(context.Background(), "q"); err != nil {
		t.Fatalf("first Run: %v", err)
	}
	if _, err := o.Run(context.Background(), "q"); !errors.Is(err, ErrAlreadyRun) {
		t.Errorf("second Run error = %v, want ErrAlreadyRun", err)
	}
}

func TestRunFiltersCapabilities(t *testing.T) {
	sess := &fakeSession{descs: calcDescs()}
	gw := &scriptedGateway{responses: []*llm.Response{
		planWith(llm.ToolUseBlock{ID: "a", Name: "get_weather", Input: map[string]any{"city": "Paris"}}),
		answer("n/a"),
	}}

	o := New(sess, gw, Options{Logger: testLogger(), Exclude: []string{"get_weather"}})
	res, err := o.Run(context.Background(), "q")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.Tools) != 1 || res.Tools[0].Name != "calculate" {
		t.Errorf("Tools = %+v", res.Tools)
	}
	if len(sess.invoked) != 0 {
		t.Errorf("excluded capability reached the provider: %v", sess.invoked)
	}
}

func TestRunPublishesEvents(t *testing.T) {
	bus := events.New()
	ch := bus.Subscribe(64)

	gw := &scriptedGateway{responses: []*llm.Response{
		planWith(llm.ToolUseBlock{ID: "a", Name: "calculate", Input: map[string]any{"expression": "2*3"}}),
		answer("6"),
	}}
	res, err := New(&fakeSession{descs: calcDescs()}, gw, Options{Logger: testLogger(), Bus: bus}).Run(context.Background(), "q")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	bus.Unsubscribe(ch)

	var phases []string
	kinds := map[string]int{}
	for e := range ch {
		kinds[e.Source+"/"+e.Kind]++
		if e.Data["run_id"] != res.RunID {
			t.Errorf("event %s/%s run_id = %v", e.Source, e.Kind, e.Data["run_id"])
		}
		if e.Kind == events.KindPhaseEntered {
			phases = append(phases, e.Data["phase"].(string))
		}
	}

	if got := strings.Join(phases, ","); got != "init,discover,plan,execute,synthesize,done" {
		t.Errorf("phases = %s", got)
	}
	want := map[string]int{
		"host/run_started":          1,
		"host/run_finished":         1,
		"host/capability_call":      1,
		"host/capability_done":      1,
		"gateway/request_sent":      2,
		"gateway/response_received": 2,
	}
	for k, n := range want {
		if kinds[k] != n {
			t.Errorf("%s events = %d, want %d", k, kinds[k], n)
		}
	}
}

func TestRunRecordsUsage(t *testing.T) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	store, err := usage.NewStore(db, map[string]config.PricingEntry{
		"claude-test": {InputPerMillion: 3, OutputPerMillion: 15},
	})
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	gw := &scriptedGateway{responses: []*llm.Response{
		planWith(llm.ToolUseBlock{ID: "a", Name: "calculate", Input: map[string]any{"expression": "1"}}),
		answer("1"),
	}}
	o := New(&fakeSession{descs: calcDescs()}, gw, Options{Logger: testLogger(), Usage: store})
	res, err := o.Run(context.Background(), "q")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	sum, err := store.RunSummary(context.Background(), res.RunID)
	if err != nil {
		t.Fatalf("RunSummary: %v", err)
	}
	if sum.TotalRecords != 2 {
		t.Errorf("records = %d, want 2", sum.TotalRecords)
	}
	if sum.TotalInputTokens != 250 || sum.TotalOutputTokens != 30 {
		t.Errorf("tokens = %d/%d, want 250/30", sum.TotalInputTokens, sum.TotalOutputTokens)
	}
	if sum.TotalCostUSD <= 0 {
		t.Errorf("cost = %f, want > 0", sum.TotalCostUSD)
	}
}

func TestPhaseString(t *testing.T) {
	if PhaseSynthesize.String() != "synthesize" {
		t.Errorf("PhaseSynthesize = %q", PhaseSynthesize.String())
	}
	if Phase(99).String() != "phase(99)" {
		t.Errorf("Phase(99) = %q", Phase(99).String())
	}
}
