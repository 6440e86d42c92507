// Package engine implements the Conversation Engine ("Lab"): the per-turn
// scheduling loop that drives nodes against a thread's State, mediates
// moderator consequences, persists transcripts and checkpoints, and fans
// events out to callers (spec §4.4). Grounded on the teacher's
// internal/multiagent/orchestrator.go Process() method: a goroutine writing
// to a buffered channel, closed on completion, plus a synchronous
// eventCallback hook for non-streaming callers.
package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/agentlab/loom/internal/node"
	"github.com/agentlab/loom/internal/observability"
	"github.com/agentlab/loom/internal/scheduler"
	"github.com/agentlab/loom/internal/state"
	"github.com/agentlab/loom/internal/store"
	"github.com/agentlab/loom/pkg/errs"
	"github.com/agentlab/loom/pkg/models"
	"go.opentelemetry.io/otel/trace"
)

// Status is the per-thread engine state machine (spec §4.4 State machine).
type Status string

const (
	StatusIdle     Status = "idle"
	StatusRunning  Status = "running"
	StatusPaused   Status = "paused"
	StatusStopping Status = "stopping"
	StatusStopped  Status = "stopped"
	StatusErrored  Status = "errored"
)

// defaultModeratorViolationThreshold is how many consecutive moderator
// ContractViolations escalate to an engine-initiated STOP (spec §4.4
// failure semantics: "repeated moderator violations beyond a threshold
// escalate to STOP").
const defaultModeratorViolationThreshold = 3

// Config wires a thread's nodes, scheduler, and store into an Engine.
type Config struct {
	ThreadID  string
	State     *state.State
	Scheduler scheduler.Scheduler
	Store     store.Store

	// Nodes are every non-summarizer, non-moderator node the scheduler may
	// pick (agents and users), keyed by id.
	Nodes map[string]node.Node

	// Moderator and Summarizer are optional; nil disables that role.
	Moderator node.Turner
	ModeratorID string

	Summarizer   node.Turner
	SummarizerID string
	// RunOnLast appends Summarizer to the node list of the last planned
	// iteration of a run/stream, after that iteration's scheduled nodes,
	// when the scheduler didn't pick it; a run ended earlier by a STOP gets
	// no forced summarizer turn (spec §4.2 Summarizer node).
	RunOnLast bool

	// ModeratorViolationThreshold overrides defaultModeratorViolationThreshold.
	ModeratorViolationThreshold int

	// Logger, Metrics, and Tracer are the ambient observability stack
	// (SPEC_FULL.md §4.4, §9: a slog line per turn/failure class, a
	// prometheus counter/histogram per turn, an otel span per step()). All
	// three are optional; a nil value disables that signal with no
	// behavior change, matching internal/adapter.Config's Metrics field.
	Logger  *slog.Logger
	Metrics *observability.Metrics
	Tracer  *observability.Tracer
}

// Engine runs one thread's conversation loop (spec §4.4).
type Engine struct {
	mu sync.Mutex

	threadID  string
	state     *state.State
	scheduler scheduler.Scheduler
	store     store.Store

	nodes        map[string]node.Node
	moderator    node.Turner
	moderatorID  string
	summarizer   node.Turner
	summarizerID string
	runOnLast    bool

	status                      Status
	pauseRequested              bool
	stopRequested               bool
	consecutiveModViolations    int
	moderatorViolationThreshold int
	lastErr                     error

	logger  *slog.Logger
	metrics *observability.Metrics
	tracer  *observability.Tracer
}

// New creates an Engine for a thread; the thread starts idle.
func New(cfg Config) *Engine {
	threshold := cfg.ModeratorViolationThreshold
	if threshold <= 0 {
		threshold = defaultModeratorViolationThreshold
	}
	return &Engine{
		threadID:                    cfg.ThreadID,
		state:                       cfg.State,
		scheduler:                   cfg.Scheduler,
		store:                       cfg.Store,
		nodes:                       cfg.Nodes,
		moderator:                   cfg.Moderator,
		moderatorID:                 cfg.ModeratorID,
		summarizer:                  cfg.Summarizer,
		summarizerID:                cfg.SummarizerID,
		runOnLast:                   cfg.RunOnLast,
		moderatorViolationThreshold: threshold,
		status:                      StatusIdle,
		logger:                      cfg.Logger,
		metrics:                     cfg.Metrics,
		tracer:                      cfg.Tracer,
	}
}

// Status reports the engine's current lifecycle state.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// RequestPause asks the run loop to pause before its next iteration. The
// pause is checked only between iterations, not between nodes: a pause
// requested mid-iteration takes effect after that iteration's remaining
// nodes have run.
func (e *Engine) RequestPause() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pauseRequested = true
}

// Resume clears a pending pause and, if paused, returns to running.
func (e *Engine) Resume() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pauseRequested = false
	if e.status == StatusPaused {
		e.status = StatusRunning
	}
}

// RequestStop asks the run loop to stop before its next node turn or
// iteration; the node turn in progress is not interrupted.
func (e *Engine) RequestStop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopRequested = true
	if e.status == StatusPaused {
		e.status = StatusStopped
	}
}

func (e *Engine) shouldPause() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pauseRequested
}

// shouldStop reports whether the next iteration should run at all — either
// an external stop_conversation command or the moderator's stop_flag.
// Checked only at iteration boundaries (spec §8: "Moderator STOP immediately
// halts further nodes in the same iteration? No — remaining scheduled nodes
// in the same iteration still run; stop_flag is observed at the iteration
// boundary").
func (e *Engine) shouldStop() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stopRequested || e.state.StopFlag()
}

// externalStopRequested reports only an explicit stop_conversation command,
// which (unlike the moderator's stop_flag) is a valid suspension point
// between nodes within an iteration (spec §5 Suspension points).
func (e *Engine) externalStopRequested() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stopRequested
}

func (e *Engine) setStatus(s Status) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.status = s
}

// History returns the live transcript window (spec §4.4 history(limit)).
func (e *Engine) History(limit int) []models.TranscriptEntry {
	return e.state.History(limit)
}

// Transcript returns the durable transcript for this thread (spec §4.4
// transcript(limit)).
func (e *Engine) Transcript(ctx context.Context, limit int) ([]models.TranscriptEntry, error) {
	if e.store == nil {
		return e.state.History(limit), nil
	}
	return e.store.ReadTranscript(ctx, e.threadID, limit)
}

// PostUserMessage delivers a user message to the thread (spec §4.4
// post_user_message). When persist is true, the message is written as an
// authoritative transcript entry immediately rather than queued for a User
// node's next turn (spec §9 Open Question: persist vs. queue
// double-consumption, resolved in favor of "persist consumes immediately,
// it is never additionally dequeued" — see DESIGN.md decision 2). When
// persist is false, the message is enqueued onto the user node's FIFO
// queue; an already-full queue returns ErrQueueFull (spec §5 Backpressure:
// "User-message queues are bounded; overflow raises QueueFullError"). When
// immediate is true it also returns a user_message event the caller should
// forward synchronously.
func (e *Engine) PostUserMessage(ctx context.Context, userNodeID, content, userID string, immediate, persist bool) (*models.Event, error) {
	if persist {
		if _, err := e.state.AppendMessage(ctx, userNodeID, models.NodeOutput{Role: models.RoleUser, Content: content}); err != nil {
			return nil, &errs.FatalStoreError{ThreadID: e.threadID, Err: err}
		}
	} else if !e.state.PushUserInput(userNodeID, content, userID) {
		return nil, errs.ErrQueueFull
	}

	if !immediate {
		return nil, nil
	}
	return &models.Event{
		ConversationID: e.threadID,
		Type:           models.EventUserMessage,
		Content:        content,
		AgentID:        userNodeID,
		Role:           models.RoleUser,
		Timestamp:      time.Now(),
		Iteration:      e.state.Iter(),
	}, nil
}

// Run loops Step up to rounds times or until the thread's stop flag is set
// (spec §4.4 run(rounds)). rounds<=0 is an invalid argument.
func (e *Engine) Run(ctx context.Context, rounds int) error {
	_, err := e.run(ctx, rounds, nil)
	return err
}

// Stream behaves like Run but yields every event incrementally on the
// returned channel, which is closed when the run completes or fails (spec
// §4.4 stream(rounds), grounded on the teacher's orchestrator goroutine +
// buffered-channel Process() shape).
func (e *Engine) Stream(ctx context.Context, rounds int) (<-chan models.Event, error) {
	if rounds <= 0 {
		return nil, errs.ErrInvalidArgument
	}
	events := make(chan models.Event, 16)
	go func() {
		defer close(events)
		_, _ = e.run(ctx, rounds, func(ev models.Event) {
			select {
			case events <- ev:
			case <-ctx.Done():
			}
		})
	}()
	return events, nil
}

func (e *Engine) run(ctx context.Context, rounds int, emit func(models.Event)) (int, error) {
	if rounds <= 0 {
		return 0, errs.ErrInvalidArgument
	}
	if emit == nil {
		emit = func(models.Event) {}
	}

	e.setStatus(StatusRunning)

	var lastIter int
	for i := 0; i < rounds; i++ {
		if e.shouldStop() {
			break
		}
		for e.shouldPause() {
			e.setStatus(StatusPaused)
			select {
			case <-ctx.Done():
				e.setStatus(StatusStopped)
				return lastIter, ctx.Err()
			case <-time.After(20 * time.Millisecond):
			}
			if e.shouldStop() {
				break
			}
		}
		if e.shouldStop() {
			break
		}
		e.setStatus(StatusRunning)

		iter, err := e.step(ctx, emit, i == rounds-1)
		lastIter = iter
		if err != nil {
			e.setStatus(StatusErrored)
			e.lastErr = err
			emit(models.Event{
				ConversationID: e.threadID,
				Type:           models.EventError,
				Content:        err.Error(),
				Metadata:       map[string]any{"fatal": true},
				Timestamp:      time.Now(),
				Iteration:      iter,
			})
			return lastIter, err
		}
	}

	e.setStatus(StatusStopped)
	emit(models.Event{
		ConversationID: e.threadID,
		Type:           models.EventRunComplete,
		Timestamp:      time.Now(),
		Iteration:      lastIter,
	})
	return lastIter, nil
}

// step executes exactly one iteration (spec §4.4 step()): advances iter,
// asks the scheduler for the node list, runs nodes sequentially, applies
// moderator consequences, and writes a checkpoint. Returns the new
// iteration index.
func (e *Engine) step(ctx context.Context, emit func(models.Event), isLastRound bool) (int, error) {
	iter := e.state.AdvanceIteration()

	if e.tracer != nil {
		var span trace.Span
		ctx, span = e.tracer.StartIteration(ctx, e.threadID, iter)
		defer span.End()
	}

	ids := e.scheduler.NodesForIteration(iter)
	if isLastRound && e.runOnLast && e.summarizerID != "" && !contains(ids, e.summarizerID) {
		ids = append(ids, e.summarizerID)
	}

	for _, id := range ids {
		if e.externalStopRequested() {
			break
		}
		n := e.resolveNode(id)
		if n == nil {
			continue
		}
		if err := e.runNode(ctx, n, emit); err != nil {
			if fatal, ok := err.(*errs.FatalStoreError); ok {
				e.state.SetStopFlag()
				return iter, fatal
			}
			// Provider errors and contract violations abandon the turn but
			// do not stop the run (spec §4.4 failure semantics).
			continue
		}
	}

	emit(models.Event{
		ConversationID: e.threadID,
		Type:           models.EventIterationDone,
		Timestamp:      time.Now(),
		Iteration:      iter,
	})

	if e.store != nil {
		if err := e.store.SaveCheckpoint(ctx, e.threadID, e.state.Checkpoint()); err != nil {
			return iter, &errs.FatalStoreError{ThreadID: e.threadID, Err: err}
		}
	}

	return iter, nil
}

func (e *Engine) resolveNode(id string) node.Node {
	if id == e.moderatorID && e.moderator != nil {
		return e.moderator
	}
	if id == e.summarizerID && e.summarizer != nil {
		return e.summarizer
	}
	return e.nodes[id]
}

// runNode executes a single node's turn, updating State and emitting events
// for it (spec §4.4 Event model, §4.2 per-node-kind consequences).
func (e *Engine) runNode(ctx context.Context, n node.Node, emit func(models.Event)) error {
	start := time.Now()
	out, err := n.Execute(ctx, e.state)
	if e.metrics != nil {
		e.metrics.NodeTurnDuration.WithLabelValues(n.ID(), string(n.Role())).Observe(time.Since(start).Seconds())
	}
	if err != nil {
		return e.classifyNodeError(n, err, emit)
	}

	if out.Skipped {
		if e.logger != nil {
			e.logger.Info("node turn skipped", "thread_id", e.threadID, "node_id", n.ID(), "role", n.Role(), "iter", e.state.Iter())
		}
		emit(models.Event{
			ConversationID: e.threadID,
			Type:           models.EventNodeSkipped,
			AgentID:        n.ID(),
			Role:           n.Role(),
			Timestamp:      time.Now(),
			Iteration:      e.state.Iter(),
		})
		return nil
	}

	entry, err := e.state.AppendMessage(ctx, n.ID(), out)
	if err != nil {
		return &errs.FatalStoreError{ThreadID: e.threadID, Err: err}
	}

	if e.logger != nil {
		e.logger.Info("node turn complete", "thread_id", e.threadID, "node_id", n.ID(), "role", n.Role(), "iter", entry.Iter, "content_len", len(out.ContentString()))
	}

	emit(models.Event{
		ConversationID: e.threadID,
		Type:           models.EventProviderResult,
		AgentID:        n.ID(),
		Role:           n.Role(),
		Content:        map[string]any{"content_len": len(out.ContentString())},
		Timestamp:      entry.T,
		Iteration:      entry.Iter,
	})

	if n.ID() == e.summarizerID {
		e.state.SetRunningSummary(out.ContentString())
	}

	if out.Role == models.RoleModerator && out.Actions != nil {
		e.consecutiveModViolations = 0
		return e.applyModeratorAction(ctx, *out.Actions, emit)
	}

	return nil
}

func (e *Engine) classifyNodeError(n node.Node, err error, emit func(models.Event)) error {
	switch v := err.(type) {
	case *errs.FatalStoreError:
		if e.logger != nil {
			e.logger.Error("fatal store error", "thread_id", e.threadID, "node_id", n.ID(), "error", v.Error())
		}
		return v
	case *errs.ContractViolation:
		if e.logger != nil {
			e.logger.Warn("contract violation", "thread_id", e.threadID, "node_id", n.ID(), "role", n.Role(), "error", v.Error())
		}
		emit(models.Event{
			ConversationID: e.threadID,
			Type:           models.EventError,
			AgentID:        n.ID(),
			Role:           n.Role(),
			Content:        v.Error(),
			Timestamp:      time.Now(),
			Iteration:      e.state.Iter(),
		})
		if n.ID() == e.moderatorID {
			e.consecutiveModViolations++
			if e.consecutiveModViolations >= e.moderatorViolationThreshold {
				e.state.SetStopFlag()
			}
		}
		return nil
	case *errs.ToolError:
		if e.logger != nil {
			e.logger.Warn("tool error", "thread_id", e.threadID, "node_id", n.ID(), "error", v.Error())
		}
		emit(models.Event{
			ConversationID: e.threadID,
			Type:           models.EventToolError,
			AgentID:        n.ID(),
			Content:        v.Error(),
			Timestamp:      time.Now(),
			Iteration:      e.state.Iter(),
		})
		return nil
	case *errs.ProviderError:
		if e.logger != nil {
			e.logger.Warn("provider error", "thread_id", e.threadID, "node_id", n.ID(), "error", v.Error())
		}
		emit(models.Event{
			ConversationID: e.threadID,
			Type:           models.EventError,
			AgentID:        n.ID(),
			Role:           n.Role(),
			Content:        v.Error(),
			Timestamp:      time.Now(),
			Iteration:      e.state.Iter(),
		})
		return nil
	default:
		if e.logger != nil {
			e.logger.Error("unclassified node error", "thread_id", e.threadID, "node_id", n.ID(), "error", err.Error())
		}
		emit(models.Event{
			ConversationID: e.threadID,
			Type:           models.EventError,
			AgentID:        n.ID(),
			Content:        err.Error(),
			Timestamp:      time.Now(),
			Iteration:      e.state.Iter(),
		})
		return nil
	}
}

func (e *Engine) applyModeratorAction(ctx context.Context, action models.ModeratorAction, emit func(models.Event)) error {
	if e.metrics != nil {
		e.metrics.ModeratorActionsTotal.WithLabelValues(string(action.Action)).Inc()
	}
	if e.logger != nil {
		e.logger.Info("moderator action", "thread_id", e.threadID, "action", action.Action, "rollback", action.Rollback)
	}
	emit(models.Event{
		ConversationID: e.threadID,
		Type:           models.EventModeratorAction,
		AgentID:        e.moderatorID,
		Role:           models.RoleModerator,
		Content:        map[string]any{"action": string(action.Action), "rollback": action.Rollback},
		Timestamp:      time.Now(),
		Iteration:      e.state.Iter(),
	})

	switch action.Action {
	case models.ActionStop:
		e.state.SetStopFlag()
	case models.ActionRollback:
		if err := e.state.Rollback(ctx, action.Rollback, action.ClearSummaries); err != nil {
			return &errs.FatalStoreError{ThreadID: e.threadID, Err: err}
		}
	case models.ActionClearSummaries:
		e.state.ClearRunningSummary()
	case models.ActionContinue:
		// no-op
	}
	return nil
}

func contains(ids []string, id string) bool {
	for _, x := range ids {
		if x == id {
			return true
		}
	}
	return false
}
