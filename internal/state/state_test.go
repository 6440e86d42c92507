package state

import (
	"context"
	"testing"

	"github.com/agentlab/loom/pkg/models"
)

type fakeStore struct {
	entries []models.TranscriptEntry
}

func (f *fakeStore) AppendTranscript(_ context.Context, _ string, entry models.TranscriptEntry) error {
	f.entries = append(f.entries, entry)
	return nil
}

func TestAppendMessageReadYourWrites(t *testing.T) {
	store := &fakeStore{}
	s := New(Config{ThreadID: "t1", Store: store})

	entry, err := s.AppendMessage(context.Background(), "agent:a1", models.NodeOutput{Role: models.RoleAgent, Content: "hello"})
	if err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}
	if len(store.entries) != 1 || store.entries[0].Content != "hello" {
		t.Fatalf("expected durable append, got %+v", store.entries)
	}
	hist := s.History(1)
	if len(hist) != 1 || hist[0].T != entry.T {
		t.Fatalf("expected read-your-writes, got %+v", hist)
	}
}

func TestRollbackShrinksLiveWindow(t *testing.T) {
	s := New(Config{ThreadID: "t1"})
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := s.AppendMessage(ctx, "agent:a1", models.NodeOutput{Role: models.RoleAgent, Content: "x"}); err != nil {
			t.Fatal(err)
		}
	}
	if len(s.History(0)) != 3 {
		t.Fatalf("expected 3 entries before rollback")
	}
	if err := s.Rollback(ctx, 1, false); err != nil {
		t.Fatal(err)
	}
	if got := len(s.History(0)); got != 2 {
		t.Fatalf("expected window shorter by n=1, got %d", got)
	}
}

func TestTimestampsStrictlyIncreasing(t *testing.T) {
	s := New(Config{ThreadID: "t1"})
	ctx := context.Background()
	var last models.TranscriptEntry
	for i := 0; i < 5; i++ {
		e, err := s.AppendMessage(ctx, "agent:a1", models.NodeOutput{Role: models.RoleAgent, Content: "x"})
		if err != nil {
			t.Fatal(err)
		}
		if i > 0 && !e.T.After(last.T) {
			t.Fatalf("timestamp not strictly increasing: %v -> %v", last.T, e.T)
		}
		last = e
	}
}

func TestToolBudgetPerIterationAndPerRun(t *testing.T) {
	s := New(Config{
		ThreadID:    "t1",
		ToolBudgets: []models.ToolBudget{{ToolID: "ddg", PerRunMax: 5, PerIterationMax: 1}},
	})

	ok, _ := s.CanCallTool("ddg")
	if !ok {
		t.Fatalf("expected first call admissible")
	}
	if err := s.RecordToolCall("ddg"); err != nil {
		t.Fatalf("first record should succeed: %v", err)
	}
	ok, _ = s.CanCallTool("ddg")
	if ok {
		t.Fatalf("expected second call in same iteration to be inadmissible")
	}
	if err := s.RecordToolCall("ddg"); err == nil {
		t.Fatalf("expected BudgetExceededError on second record")
	}

	s.AdvanceIteration()
	ok, _ = s.CanCallTool("ddg")
	if !ok {
		t.Fatalf("expected per-iteration counter reset after AdvanceIteration")
	}

	stats := s.ToolUsageStats()
	if stats["ddg"].PerRunTotal != 1 {
		t.Fatalf("expected per_run_total=1 across iterations, got %+v", stats["ddg"])
	}
}

func TestUserInputFIFO(t *testing.T) {
	s := New(Config{ThreadID: "t1"})
	s.PushUserInput("user:alice", "first", "u1")
	s.PushUserInput("user:alice", "second", "u1")

	content, _, ok := s.PopUserInput("user:alice")
	if !ok || content != "first" {
		t.Fatalf("expected FIFO order, got %q ok=%v", content, ok)
	}
	content, _, ok = s.PopUserInput("user:alice")
	if !ok || content != "second" {
		t.Fatalf("expected second message, got %q ok=%v", content, ok)
	}
	if _, _, ok = s.PopUserInput("user:alice"); ok {
		t.Fatalf("expected empty queue")
	}
}
