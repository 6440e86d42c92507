package engine

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/agentlab/loom/internal/node"
	"github.com/agentlab/loom/internal/observability"
	"github.com/agentlab/loom/internal/scheduler"
	"github.com/agentlab/loom/internal/state"
	"github.com/agentlab/loom/internal/store"
	"github.com/agentlab/loom/pkg/errs"
	"github.com/agentlab/loom/pkg/models"
)

// fakeNode is a minimal node.Node for Engine tests; it never calls a
// provider or tool, it just returns whatever fn produces.
type fakeNode struct {
	id   string
	role models.Role
	fn   func(st *state.State) (models.NodeOutput, error)
}

func (f *fakeNode) ID() string        { return f.id }
func (f *fakeNode) Role() models.Role { return f.role }
func (f *fakeNode) Execute(_ context.Context, st *state.State) (models.NodeOutput, error) {
	return f.fn(st)
}

// fakeTurner adds the node.Turner surface on top of fakeNode for the one
// test exercising Engine's moderator-consequence dispatch; Engine itself
// only ever calls Execute, so the other three steps are unused stubs here.
type fakeTurner struct{ *fakeNode }

func (fakeTurner) BuildMessages(_ *state.State) []models.ChatMessage { return nil }
func (fakeTurner) Postprocess(_ context.Context, _ models.ChatResult, _ *state.State) (models.NodeOutput, error) {
	return models.NodeOutput{}, nil
}
func (fakeTurner) Validate(_ models.NodeOutput, _ *state.State) error { return nil }

func TestEngineRunSingleAgentProducesTranscript(t *testing.T) {
	mem := store.NewMemoryStore()
	st := state.New(state.Config{ThreadID: "t1", Store: mem})
	agent1 := &fakeNode{id: "agent1", role: models.RoleAgent, fn: func(_ *state.State) (models.NodeOutput, error) {
		return models.NodeOutput{Role: models.RoleAgent, Content: "hello world"}, nil
	}}

	eng := New(Config{
		ThreadID:  "t1",
		State:     st,
		Scheduler: scheduler.NewEveryN(scheduler.TurnPlan{"agent1": 1}, []string{"agent1"}),
		Store:     mem,
		Nodes:     map[string]node.Node{"agent1": agent1},
	})

	if err := eng.Run(context.Background(), 2); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if eng.Status() != StatusStopped {
		t.Errorf("expected stopped status, got %s", eng.Status())
	}

	history := eng.History(0)
	if len(history) != 2 {
		t.Fatalf("expected 2 transcript entries, got %d", len(history))
	}
}

func TestEngineModeratorStopHaltsRun(t *testing.T) {
	mem := store.NewMemoryStore()
	st := state.New(state.Config{ThreadID: "t1", Store: mem})

	calls := 0
	agent1 := &fakeNode{id: "agent1", role: models.RoleAgent, fn: func(_ *state.State) (models.NodeOutput, error) {
		calls++
		return models.NodeOutput{Role: models.RoleAgent, Content: "turn"}, nil
	}}
	moderator := fakeTurner{&fakeNode{id: "moderator", role: models.RoleModerator, fn: func(_ *state.State) (models.NodeOutput, error) {
		return models.NodeOutput{
			Role:    models.RoleModerator,
			Content: "stopping",
			Actions: &models.ModeratorAction{Action: models.ActionStop},
		}, nil
	}}}

	eng := New(Config{
		ThreadID:    "t1",
		State:       st,
		Scheduler:   scheduler.NewEveryN(scheduler.TurnPlan{"agent1": 1, "moderator": 1}, []string{"agent1", "moderator"}),
		Store:       mem,
		Nodes:       map[string]node.Node{"agent1": agent1},
		Moderator:   moderator,
		ModeratorID: "moderator",
	})

	if err := eng.Run(context.Background(), 5); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if calls != 1 {
		t.Errorf("expected exactly one agent turn before STOP halted the run, got %d", calls)
	}
	if !st.StopFlag() {
		t.Error("expected stop_flag to be set")
	}
}

func TestEngineModeratorStopDoesNotHaltRemainingNodesInSameIteration(t *testing.T) {
	mem := store.NewMemoryStore()
	st := state.New(state.Config{ThreadID: "t1", Store: mem})

	agentRan := false
	moderator := fakeTurner{&fakeNode{id: "moderator", role: models.RoleModerator, fn: func(_ *state.State) (models.NodeOutput, error) {
		return models.NodeOutput{
			Role:    models.RoleModerator,
			Content: "stopping",
			Actions: &models.ModeratorAction{Action: models.ActionStop},
		}, nil
	}}}
	agent1 := &fakeNode{id: "agent1", role: models.RoleAgent, fn: func(_ *state.State) (models.NodeOutput, error) {
		agentRan = true
		return models.NodeOutput{Role: models.RoleAgent, Content: "turn"}, nil
	}}

	eng := New(Config{
		ThreadID:    "t1",
		State:       st,
		Scheduler:   scheduler.NewEveryN(scheduler.TurnPlan{"moderator": 1, "agent1": 1}, []string{"moderator", "agent1"}),
		Store:       mem,
		Nodes:       map[string]node.Node{"agent1": agent1},
		Moderator:   moderator,
		ModeratorID: "moderator",
	})

	if err := eng.Run(context.Background(), 5); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !agentRan {
		t.Error("expected agent1 to still run in the same iteration the moderator set stop_flag in")
	}
	if len(eng.History(0)) != 2 {
		t.Errorf("expected both the moderator and agent1 turns to be appended, got %d entries", len(eng.History(0)))
	}
}

func TestEngineStreamEmitsEvents(t *testing.T) {
	mem := store.NewMemoryStore()
	st := state.New(state.Config{ThreadID: "t1", Store: mem})
	agent1 := &fakeNode{id: "agent1", role: models.RoleAgent, fn: func(_ *state.State) (models.NodeOutput, error) {
		return models.NodeOutput{Role: models.RoleAgent, Content: "hi"}, nil
	}}

	eng := New(Config{
		ThreadID:  "t1",
		State:     st,
		Scheduler: scheduler.NewEveryN(scheduler.TurnPlan{"agent1": 1}, []string{"agent1"}),
		Store:     mem,
		Nodes:     map[string]node.Node{"agent1": agent1},
	})

	events, err := eng.Stream(context.Background(), 1)
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}

	var types []models.EventType
	for ev := range events {
		types = append(types, ev.Type)
	}

	if len(types) == 0 || types[len(types)-1] != models.EventRunComplete {
		t.Fatalf("expected stream to end with run_complete, got %v", types)
	}
}

func TestEngineStreamRejectsNonPositiveRounds(t *testing.T) {
	mem := store.NewMemoryStore()
	st := state.New(state.Config{ThreadID: "t1", Store: mem})
	eng := New(Config{ThreadID: "t1", State: st, Scheduler: scheduler.NewEveryN(nil, nil), Store: mem})

	if _, err := eng.Stream(context.Background(), 0); err != errs.ErrInvalidArgument {
		t.Errorf("expected ErrInvalidArgument, got %v", err)
	}
}

func TestEnginePostUserMessageImmediateEmitsEvent(t *testing.T) {
	mem := store.NewMemoryStore()
	st := state.New(state.Config{ThreadID: "t1", Store: mem})
	eng := New(Config{ThreadID: "t1", State: st, Scheduler: scheduler.NewEveryN(nil, nil), Store: mem})

	ev, err := eng.PostUserMessage(context.Background(), "user1", "hi there", "alice", true, false)
	if err != nil {
		t.Fatalf("PostUserMessage: %v", err)
	}
	if ev == nil || ev.Type != models.EventUserMessage {
		t.Fatalf("expected a user_message event, got %+v", ev)
	}
	if st.UserQueueSize("user1") != 1 {
		t.Errorf("expected the message to remain queued, got size %d", st.UserQueueSize("user1"))
	}
}

func TestEngineRecordsNodeAndModeratorMetrics(t *testing.T) {
	mem := store.NewMemoryStore()
	st := state.New(state.Config{ThreadID: "t1", Store: mem})

	agent1 := &fakeNode{id: "agent1", role: models.RoleAgent, fn: func(_ *state.State) (models.NodeOutput, error) {
		return models.NodeOutput{Role: models.RoleAgent, Content: "turn"}, nil
	}}
	moderator := fakeTurner{&fakeNode{id: "moderator", role: models.RoleModerator, fn: func(_ *state.State) (models.NodeOutput, error) {
		return models.NodeOutput{
			Role:    models.RoleModerator,
			Content: "ok",
			Actions: &models.ModeratorAction{Action: models.ActionContinue},
		}, nil
	}}}

	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(reg)

	eng := New(Config{
		ThreadID:    "t1",
		State:       st,
		Scheduler:   scheduler.NewEveryN(scheduler.TurnPlan{"agent1": 1, "moderator": 1}, []string{"agent1", "moderator"}),
		Store:       mem,
		Nodes:       map[string]node.Node{"agent1": agent1},
		Moderator:   moderator,
		ModeratorID: "moderator",
		Metrics:     metrics,
	})

	if err := eng.Run(context.Background(), 1); err != nil {
		t.Fatalf("Run: %v", err)
	}

	count, err := testutil.GatherAndCount(reg, "loom_engine_node_turn_duration_seconds")
	if err != nil {
		t.Fatalf("gather node turn duration: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected one node_turn_duration_seconds observation per turn, got %d", count)
	}
	if got := testutil.ToFloat64(metrics.ModeratorActionsTotal.WithLabelValues(string(models.ActionContinue))); got != 1 {
		t.Fatalf("moderator_actions_total{action=CONTINUE} = %v, want 1", got)
	}
}

func TestEnginePauseBlocksUntilResumed(t *testing.T) {
	mem := store.NewMemoryStore()
	st := state.New(state.Config{ThreadID: "t1", Store: mem})
	agent1 := &fakeNode{id: "agent1", role: models.RoleAgent, fn: func(_ *state.State) (models.NodeOutput, error) {
		return models.NodeOutput{Role: models.RoleAgent, Content: "hi"}, nil
	}}
	eng := New(Config{
		ThreadID:  "t1",
		State:     st,
		Scheduler: scheduler.NewEveryN(scheduler.TurnPlan{"agent1": 1}, []string{"agent1"}),
		Store:     mem,
		Nodes:     map[string]node.Node{"agent1": agent1},
	})

	eng.RequestPause()
	done := make(chan error, 1)
	go func() { done <- eng.Run(context.Background(), 1) }()

	time.Sleep(50 * time.Millisecond)
	if eng.Status() != StatusPaused {
		t.Fatalf("expected paused status, got %s", eng.Status())
	}
	eng.Resume()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not complete after resume")
	}
}
