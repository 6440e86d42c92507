package node

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/agentlab/loom/internal/observability"
	"github.com/agentlab/loom/internal/registry"
	"github.com/agentlab/loom/internal/state"
	"github.com/agentlab/loom/pkg/errs"
	"github.com/agentlab/loom/pkg/models"
)

type fakeProvider struct {
	calls   int
	results []models.ChatResult
	err     error
}

func (p *fakeProvider) Chat(_ context.Context, _ []models.ChatMessage, _ []models.ToolSchema) (models.ChatResult, error) {
	if p.err != nil {
		return models.ChatResult{}, p.err
	}
	i := p.calls
	if i >= len(p.results) {
		i = len(p.results) - 1
	}
	p.calls++
	return p.results[i], nil
}

func newState(t *testing.T) *state.State {
	t.Helper()
	return state.New(state.Config{ThreadID: "t1"})
}

func TestUserExecuteEmptyQueueSkips(t *testing.T) {
	st := newState(t)
	u := NewUser("user1")

	out, err := u.Execute(context.Background(), st)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !out.Skipped {
		t.Error("expected a skipped output for an empty queue")
	}
}

func TestUserExecutePopsQueuedMessage(t *testing.T) {
	st := newState(t)
	st.PushUserInput("user1", "hello", "alice")
	u := NewUser("user1")

	out, err := u.Execute(context.Background(), st)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out.Skipped {
		t.Fatal("expected a non-skipped output")
	}
	if out.Content != "hello" {
		t.Errorf("expected content %q, got %v", "hello", out.Content)
	}
}

func TestSummarizerExecute(t *testing.T) {
	st := newState(t)
	st.AppendMessage(context.Background(), "agent1", models.NodeOutput{Role: models.RoleAgent, Content: "turn one"})

	provider := &fakeProvider{results: []models.ChatResult{{Content: "condensed summary"}}}
	s := NewSummarizer("summarizer", provider, "summarize the thread", 0)

	out, err := s.Execute(context.Background(), st)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out.Content != "condensed summary" {
		t.Errorf("expected condensed summary, got %v", out.Content)
	}
}

func TestModeratorExecuteValidJSON(t *testing.T) {
	st := newState(t)
	provider := &fakeProvider{results: []models.ChatResult{{
		Content: `{"summary":"on track","drift":0.1,"action":"CONTINUE"}`,
	}}}
	m := NewModerator("moderator", provider, "respond with JSON only", 0)

	out, err := m.Execute(context.Background(), st)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out.Actions == nil || out.Actions.Action != models.ActionContinue {
		t.Fatalf("expected parsed CONTINUE action, got %+v", out.Actions)
	}
}

func TestModeratorExecuteMalformedJSONIsContractViolation(t *testing.T) {
	st := newState(t)
	provider := &fakeProvider{results: []models.ChatResult{{Content: "not json"}}}
	m := NewModerator("moderator", provider, "respond with JSON only", 0)

	_, err := m.Execute(context.Background(), st)
	if err == nil {
		t.Fatal("expected an error for malformed moderator output")
	}
	if _, ok := err.(*errs.ContractViolation); !ok {
		t.Fatalf("expected a ContractViolation, got %T: %v", err, err)
	}
}

func TestModeratorExecuteOutOfRangeDriftIsContractViolation(t *testing.T) {
	st := newState(t)
	provider := &fakeProvider{results: []models.ChatResult{{
		Content: `{"summary":"x","drift":1.5,"action":"CONTINUE"}`,
	}}}
	m := NewModerator("moderator", provider, "respond with JSON only", 0)

	_, err := m.Execute(context.Background(), st)
	if err == nil {
		t.Fatal("expected a contract violation for out-of-range drift")
	}
}

func TestAgentExecuteFinalTextNoTools(t *testing.T) {
	st := newState(t)
	provider := &fakeProvider{results: []models.ChatResult{{Content: "final answer"}}}
	tools := registry.NewToolRegistry()
	a := NewAgent("agent1", provider, tools, nil, "be helpful", 0, 0)

	out, err := a.Execute(context.Background(), st)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out.Content != "final answer" {
		t.Errorf("expected final answer, got %v", out.Content)
	}
}

func TestAgentExecuteCallsToolThenFinalizes(t *testing.T) {
	st := newState(t)
	provider := &fakeProvider{results: []models.ChatResult{
		{Content: models.ToolCallRequest{ToolID: "search", Args: map[string]any{"q": "go"}}},
		{Content: "final answer with citation"},
	}}
	tools := registry.NewToolRegistry()
	ran := false
	tools.Register("search", registry.ToolFunc{Name: "search", Fn: func(_ context.Context, _ map[string]any) (models.ToolResult, error) {
		ran = true
		return models.ToolResult{OK: true, Data: "result"}, nil
	}})
	a := NewAgent("agent1", provider, tools, []string{"search"}, "be helpful", 0, 3)

	out, err := a.Execute(context.Background(), st)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !ran {
		t.Error("expected the tool to have run")
	}
	if out.Content != "final answer with citation" {
		t.Errorf("expected final answer, got %v", out.Content)
	}
	usage := st.ToolUsageStats()
	if usage["search"].PerRunTotal != 1 {
		t.Errorf("expected one recorded tool call, got %d", usage["search"].PerRunTotal)
	}
}

func TestAgentExecuteRecordsToolCallMetrics(t *testing.T) {
	st := newState(t)
	provider := &fakeProvider{results: []models.ChatResult{
		{Content: models.ToolCallRequest{ToolID: "search", Args: map[string]any{"q": "go"}}},
		{Content: "final answer"},
	}}
	tools := registry.NewToolRegistry()
	tools.Register("search", registry.ToolFunc{Name: "search", Fn: func(_ context.Context, _ map[string]any) (models.ToolResult, error) {
		return models.ToolResult{OK: true}, nil
	}})

	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(reg)
	a := NewAgent("agent1", provider, tools, []string{"search"}, "be helpful", 0, 3).WithObservability(metrics, nil)

	if _, err := a.Execute(context.Background(), st); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got := testutil.ToFloat64(metrics.ToolCallsTotal.WithLabelValues("search", "ok")); got != 1 {
		t.Fatalf("tool_calls_total{tool=search,status=ok} = %v, want 1", got)
	}
}

func TestAgentExecuteBudgetExceededFallsBackToFinalGeneration(t *testing.T) {
	st := state.New(state.Config{
		ThreadID:    "t1",
		ToolBudgets: []models.ToolBudget{{ToolID: "search", PerRunMax: 1, PerIterationMax: 1}},
	})
	st.AdvanceIteration()
	if err := st.RecordToolCall("search"); err != nil {
		t.Fatalf("seed RecordToolCall: %v", err)
	}

	provider := &fakeProvider{results: []models.ChatResult{
		{Content: models.ToolCallRequest{ToolID: "search", Args: map[string]any{"q": "go"}}},
		{Content: "answered without the tool"},
	}}
	tools := registry.NewToolRegistry()
	calledAgain := false
	tools.Register("search", registry.ToolFunc{Name: "search", Fn: func(_ context.Context, _ map[string]any) (models.ToolResult, error) {
		calledAgain = true
		return models.ToolResult{OK: true}, nil
	}})
	a := NewAgent("agent1", provider, tools, []string{"search"}, "be helpful", 0, 3)

	out, err := a.Execute(context.Background(), st)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if calledAgain {
		t.Error("tool should not run once its budget is exhausted")
	}
	if out.Content != "answered without the tool" {
		t.Errorf("expected fallback final answer, got %v", out.Content)
	}
}
