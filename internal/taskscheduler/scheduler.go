// Package taskscheduler drives independently configured Tasks on
// cron/interval triggers through a bounded worker pool, separate from and
// unaware of the Conversation Engine (spec §4.7).
package taskscheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/agentlab/loom/internal/observability"
	"github.com/agentlab/loom/internal/task"
	"github.com/agentlab/loom/pkg/models"
	"go.opentelemetry.io/otel/trace"
)

// Scheduler is the single background worker described in spec §4.7: it
// wakes on an interval, enumerates enabled tasks, and fires the ones due
// under the cron/interval/min-rerun rules, each run bounded by a worker
// pool and single-flighted per task id (grounded on the teacher's
// internal/cron/scheduler.go ticker loop and internal/tasks/scheduler.go's
// semaphore-bounded pollLoop/acquireLoop split, collapsed into one loop
// since this scheduler owns task state directly rather than across a
// distributed lock).
type Scheduler struct {
	store    Store
	registry *Registry
	logger   *slog.Logger
	metrics  *observability.Metrics
	tracer   *observability.Tracer
	now      func() time.Time
	tick     time.Duration

	sem chan struct{}

	mu      sync.Mutex
	inFlight map[string]bool
	started  bool
	wg       sync.WaitGroup
	cancel   context.CancelFunc
}

// Option configures a Scheduler (grounded on the teacher's cron.Option
// functional-options idiom).
type Option func(*Scheduler)

// WithLogger overrides the scheduler's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithNow overrides the clock, for tests.
func WithNow(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// WithTickInterval overrides the wake cadence. Spec §4.7 requires waking
// at least every minute; values above that are rejected in favor of the
// default.
func WithTickInterval(interval time.Duration) Option {
	return func(s *Scheduler) {
		if interval > 0 && interval <= time.Minute {
			s.tick = interval
		}
	}
}

// WithMaxConcurrent bounds the worker pool (spec §4.7 Worker Pool).
func WithMaxConcurrent(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.sem = make(chan struct{}, n)
		}
	}
}

// WithMetrics wires prometheus counters/histograms for task run counts and
// durations (SPEC_FULL.md §4.7, §9: "loom_taskscheduler_runs_total" /
// "run_duration_seconds"). Nil disables the signal with no behavior change.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(s *Scheduler) {
		s.metrics = metrics
	}
}

// WithTracer wires an otel span around each task pipeline run (spec §4.7,
// grounded on Tracer.StartTaskRun). Nil disables the signal.
func WithTracer(tracer *observability.Tracer) Option {
	return func(s *Scheduler) {
		s.tracer = tracer
	}
}

// New creates a Scheduler over store (task configuration/state) and
// registry (named pipeline stages).
func New(store Store, registry *Registry, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:    store,
		registry: registry,
		logger:   slog.Default().With("component", "task-scheduler"),
		now:      time.Now,
		tick:     time.Minute,
		sem:      make(chan struct{}, 5),
		inFlight: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start begins the background wake loop until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.tick)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.RunOnce(ctx)
			}
		}
	}()
}

// Stop signals the wake loop to exit and waits for in-flight task runs to
// drain (or ctx to expire).
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce enumerates enabled tasks and fires the ones that are due,
// respecting the worker pool and per-task single-flight rule. It is
// exported so tests (and any other caller) can drive the scheduler without
// a ticker.
func (s *Scheduler) RunOnce(ctx context.Context) {
	now := s.now()
	tasks, err := s.store.ListEnabled(ctx)
	if err != nil {
		s.logger.Error("list enabled tasks failed", "error", err)
		return
	}

	for _, t := range tasks {
		fire, err := due(t.Schedule, t.LastRun, now)
		if err != nil {
			s.logger.Warn("invalid schedule, skipping task", "task_id", t.ID, "error", err)
			continue
		}
		if !fire {
			continue
		}

		if !s.claim(t.ID) {
			s.logger.Debug("task already in flight, deferred to next wake", "task_id", t.ID)
			continue
		}

		select {
		case s.sem <- struct{}{}:
		default:
			// Worker pool full: defer to the next wake (spec §4.7 Worker
			// Pool: "rejects new tasks when full (deferred to the next
			// wake)").
			s.release(t.ID)
			continue
		}

		s.wg.Add(1)
		go func(t models.Task) {
			defer s.wg.Done()
			defer func() { <-s.sem }()
			defer s.release(t.ID)
			s.runTask(ctx, t, now)
		}(t)
	}
}

func (s *Scheduler) claim(taskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inFlight[taskID] {
		return false
	}
	s.inFlight[taskID] = true
	return true
}

func (s *Scheduler) release(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inFlight, taskID)
}

// runTask executes one pipeline pass and updates result accounting (spec
// §4.7 Result accounting).
func (s *Scheduler) runTask(ctx context.Context, t models.Task, startedAt time.Time) {
	if s.tracer != nil {
		var span trace.Span
		ctx, span = s.tracer.StartTaskRun(ctx, t.ID)
		defer span.End()
	}

	if t.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.Timeout)
		defer cancel()
	}

	t.RunCount++
	t.LastRun = startedAt

	result, err := s.execute(ctx, t)
	duration := s.now().Sub(startedAt).Seconds()
	if err != nil {
		t.Status = models.TaskError
		t.ErrorCount++
		t.LastError = err.Error()
		s.logger.Error("task run failed", "task_id", t.ID, "error", err)
		if s.metrics != nil {
			s.metrics.TaskRunsTotal.WithLabelValues(t.ID, "error").Inc()
		}
	} else {
		t.Status = models.TaskCompleted
		t.LastError = ""
		for _, w := range result.Warnings {
			s.logger.Warn("task pipeline warning", "task_id", t.ID, "stage", w.Stage, "error", w.Err)
		}
		if s.metrics != nil {
			s.metrics.TaskRunsTotal.WithLabelValues(t.ID, "completed").Inc()
		}
	}
	if s.metrics != nil {
		s.metrics.TaskRunDuration.WithLabelValues(t.ID).Observe(duration)
	}

	if next, nextErr := nextRun(t.Schedule, startedAt); nextErr == nil {
		t.NextRun = next
	} else {
		s.logger.Error("failed to compute next run, disabling task", "task_id", t.ID, "error", nextErr)
		t.Enabled = false
	}

	if updateErr := s.store.Update(ctx, t); updateErr != nil {
		s.logger.Error("failed to persist task run result", "task_id", t.ID, "error", updateErr)
	}
}

func (s *Scheduler) execute(ctx context.Context, t models.Task) (task.Result, error) {
	sources, err := s.registry.resolveSources(t.Sources)
	if err != nil {
		return task.Result{}, err
	}
	normalizer, err := s.registry.resolveNormalizer(t.Normalizer)
	if err != nil {
		return task.Result{}, err
	}
	sinks, err := s.registry.resolveSinks(t.Sinks)
	if err != nil {
		return task.Result{}, err
	}

	params, err := decodeProcessorParams(t.Params)
	if err != nil {
		return task.Result{}, err
	}

	return s.runWithRetry(ctx, sources, normalizer, params, sinks, t)
}

// runWithRetry retries a failed run up to t.MaxRetries times, waiting
// t.RetryDelay between attempts (grounded on the teacher's
// nextRunForJob/retryDelay backoff, simplified to a fixed delay since
// spec §4.7 does not call for exponential backoff on task runs).
func (s *Scheduler) runWithRetry(ctx context.Context, sources []task.Source, normalizer task.Normalizer, params models.ProcessorParams, sinks []task.Sink, t models.Task) (task.Result, error) {
	attempts := t.MaxRetries + 1
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 && t.RetryDelay > 0 {
			select {
			case <-time.After(t.RetryDelay):
			case <-ctx.Done():
				return task.Result{}, ctx.Err()
			}
		}
		result, err := task.Run(ctx, sources, normalizer, params, sinks)
		if err == nil {
			return result, nil
		}
		lastErr = err
	}
	return task.Result{}, lastErr
}
