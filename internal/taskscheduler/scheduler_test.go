package taskscheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/agentlab/loom/internal/observability"
	"github.com/agentlab/loom/internal/task"
	"github.com/agentlab/loom/pkg/models"
)

func TestSchedulerRunOnceFiresDueTaskAndUpdatesAccounting(t *testing.T) {
	store := NewMemoryStore()
	registry := NewRegistry()

	var fetched int32
	var mu sync.Mutex
	registry.RegisterSource("src", task.SourceFunc(func(_ context.Context) ([]task.RawRecord, error) {
		mu.Lock()
		fetched++
		mu.Unlock()
		return []task.RawRecord{{"id": "1", "title": "T", "url": "u", "currency": "USD", "price": 10.0}}, nil
	}))
	registry.RegisterNormalizer("norm", task.NormalizerFunc(func(raw task.RawRecord) (models.Listing, error) {
		return models.Listing{
			ID: raw["id"].(string), Title: raw["title"].(string),
			URL: raw["url"].(string), Currency: raw["currency"].(string), Price: raw["price"].(float64),
		}, nil
	}))
	var sunk []models.Listing
	registry.RegisterSink("sink", task.SinkFunc(func(_ context.Context, listings []models.Listing) error {
		sunk = listings
		return nil
	}))

	store.Put(models.Task{
		ID:         "t1",
		Schedule:   models.Schedule{Type: models.ScheduleInterval, IntervalSeconds: 60},
		Sources:    []string{"src"},
		Normalizer: "norm",
		Sinks:      []string{"sink"},
		Enabled:    true,
	})

	sched := New(store, registry)
	sched.RunOnce(context.Background())
	sched.wg.Wait()

	mu.Lock()
	gotFetched := fetched
	mu.Unlock()
	if gotFetched != 1 {
		t.Fatalf("expected the source to be fetched once, got %d", gotFetched)
	}
	if len(sunk) != 1 || sunk[0].ID != "1" {
		t.Fatalf("expected the sink to receive the normalized listing, got %+v", sunk)
	}

	updated, ok := store.Get("t1")
	if !ok {
		t.Fatal("expected task to still exist")
	}
	if updated.RunCount != 1 {
		t.Errorf("expected run_count=1, got %d", updated.RunCount)
	}
	if updated.Status != models.TaskCompleted {
		t.Errorf("expected status=completed, got %s", updated.Status)
	}
	if updated.NextRun.IsZero() {
		t.Error("expected next_run to be recomputed")
	}
}

func TestSchedulerRunOnceRecordsFailureAccounting(t *testing.T) {
	store := NewMemoryStore()
	registry := NewRegistry()

	boom := errors.New("source unavailable")
	registry.RegisterSource("src", task.SourceFunc(func(_ context.Context) ([]task.RawRecord, error) {
		return nil, boom
	}))
	registry.RegisterNormalizer("norm", task.NormalizerFunc(func(raw task.RawRecord) (models.Listing, error) {
		return models.Listing{}, nil
	}))

	store.Put(models.Task{
		ID:         "t1",
		Schedule:   models.Schedule{Type: models.ScheduleInterval, IntervalSeconds: 60},
		Sources:    []string{"src"},
		Normalizer: "norm",
		Enabled:    true,
	})

	sched := New(store, registry)
	sched.RunOnce(context.Background())
	sched.wg.Wait()

	updated, _ := store.Get("t1")
	if updated.Status != models.TaskError {
		t.Errorf("expected status=error, got %s", updated.Status)
	}
	if updated.ErrorCount != 1 {
		t.Errorf("expected error_count=1, got %d", updated.ErrorCount)
	}
	if updated.LastError == "" {
		t.Error("expected last_error to be set")
	}
}

func TestSchedulerSkipsTaskNotYetDue(t *testing.T) {
	store := NewMemoryStore()
	registry := NewRegistry()

	store.Put(models.Task{
		ID:       "t1",
		Schedule: models.Schedule{Type: models.ScheduleInterval, IntervalSeconds: 3600},
		LastRun:  time.Now(),
		Enabled:  true,
	})

	sched := New(store, registry)
	sched.RunOnce(context.Background())
	sched.wg.Wait()

	updated, _ := store.Get("t1")
	if updated.RunCount != 0 {
		t.Errorf("expected the not-yet-due task to be skipped, got run_count=%d", updated.RunCount)
	}
}

func TestSchedulerWithMetricsRecordsRunsAndDuration(t *testing.T) {
	store := NewMemoryStore()
	registry := NewRegistry()

	registry.RegisterSource("src", task.SourceFunc(func(_ context.Context) ([]task.RawRecord, error) {
		return []task.RawRecord{{"id": "1", "title": "T", "url": "u", "currency": "USD", "price": 10.0}}, nil
	}))
	registry.RegisterNormalizer("norm", task.NormalizerFunc(func(raw task.RawRecord) (models.Listing, error) {
		return models.Listing{
			ID: raw["id"].(string), Title: raw["title"].(string),
			URL: raw["url"].(string), Currency: raw["currency"].(string), Price: raw["price"].(float64),
		}, nil
	}))

	store.Put(models.Task{
		ID:         "t1",
		Schedule:   models.Schedule{Type: models.ScheduleInterval, IntervalSeconds: 60},
		Sources:    []string{"src"},
		Normalizer: "norm",
		Enabled:    true,
	})

	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(reg)

	sched := New(store, registry, WithMetrics(metrics))
	sched.RunOnce(context.Background())
	sched.wg.Wait()

	if got := testutil.ToFloat64(metrics.TaskRunsTotal.WithLabelValues("t1", "completed")); got != 1 {
		t.Fatalf("completed runs for t1 = %v, want 1", got)
	}
	count, err := testutil.GatherAndCount(reg, "loom_taskscheduler_run_duration_seconds")
	if err != nil {
		t.Fatalf("gather duration histogram: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected one run_duration_seconds observation, got %d", count)
	}
}

func TestSchedulerWithMetricsRecordsErrorStatus(t *testing.T) {
	store := NewMemoryStore()
	registry := NewRegistry()

	boom := errors.New("source unavailable")
	registry.RegisterSource("src", task.SourceFunc(func(_ context.Context) ([]task.RawRecord, error) {
		return nil, boom
	}))
	registry.RegisterNormalizer("norm", task.NormalizerFunc(func(raw task.RawRecord) (models.Listing, error) {
		return models.Listing{}, nil
	}))

	store.Put(models.Task{
		ID:         "t1",
		Schedule:   models.Schedule{Type: models.ScheduleInterval, IntervalSeconds: 60},
		Sources:    []string{"src"},
		Normalizer: "norm",
		Enabled:    true,
	})

	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(reg)

	sched := New(store, registry, WithMetrics(metrics))
	sched.RunOnce(context.Background())
	sched.wg.Wait()

	if got := testutil.ToFloat64(metrics.TaskRunsTotal.WithLabelValues("t1", "error")); got != 1 {
		t.Fatalf("error runs for t1 = %v, want 1", got)
	}
}

func TestSchedulerDefersWhenWorkerPoolFull(t *testing.T) {
	store := NewMemoryStore()
	registry := NewRegistry()

	block := make(chan struct{})
	registry.RegisterSource("src", task.SourceFunc(func(_ context.Context) ([]task.RawRecord, error) {
		<-block
		return nil, nil
	}))
	registry.RegisterNormalizer("norm", task.NormalizerFunc(func(raw task.RawRecord) (models.Listing, error) {
		return models.Listing{}, nil
	}))

	store.Put(models.Task{ID: "t1", Schedule: models.Schedule{Type: models.ScheduleInterval, IntervalSeconds: 60}, Sources: []string{"src"}, Normalizer: "norm", Enabled: true})
	store.Put(models.Task{ID: "t2", Schedule: models.Schedule{Type: models.ScheduleInterval, IntervalSeconds: 60}, Sources: []string{"src"}, Normalizer: "norm", Enabled: true})

	sched := New(store, registry, WithMaxConcurrent(1))
	sched.RunOnce(context.Background())

	// RunOnce already gave the only worker slot to the first task; let its
	// goroutine reach the blocking source before unblocking it.
	time.Sleep(20 * time.Millisecond)
	close(block)
	sched.wg.Wait()

	t1, _ := store.Get("t1")
	t2, _ := store.Get("t2")
	ran := 0
	if t1.RunCount == 1 {
		ran++
	}
	if t2.RunCount == 1 {
		ran++
	}
	if ran != 1 {
		t.Fatalf("expected exactly one task to run under a worker pool of 1, got t1.RunCount=%d t2.RunCount=%d", t1.RunCount, t2.RunCount)
	}
}
