// Package adapter implements the External Adapter (spec §4.6): the
// multi-conversation multiplexer sitting in front of per-thread Engines. It
// owns conversation lifecycle (start/pause/resume/stop/cleanup), enforces
// max_concurrent_conversations, and fans each conversation's event stream out
// to one or more stream_events consumers with bounded, never-drop
// backpressure and idle heartbeats (spec §5). Grounded on the teacher's
// internal/multiagent orchestrator-plus-registry composition pattern: a
// single long-lived object owning a map of per-session workers behind a
// mutex, with each session's own goroutine forwarding to callers.
package adapter

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/agentlab/loom/internal/engine"
	"github.com/agentlab/loom/internal/observability"
	"github.com/agentlab/loom/internal/registry"
	"github.com/agentlab/loom/internal/store"
	"github.com/agentlab/loom/pkg/errs"
	"github.com/agentlab/loom/pkg/models"
)

// defaultEventQueueSize is each StreamEvents subscriber's private buffer
// depth (spec §5 bounded event queues).
const defaultEventQueueSize = 64

// defaultHeartbeatInterval is how often an idle stream receives a heartbeat
// event (SPEC_FULL.md §10 supplement, grounded on original_source's
// websocket ping loop).
const defaultHeartbeatInterval = 30 * time.Second

// Config wires an Adapter's shared dependencies and capacity limits.
type Config struct {
	Store     store.Store
	Providers *registry.ProviderRegistry
	Tools     *registry.ToolRegistry
	Metrics   *observability.Metrics // optional
	Logger    *slog.Logger           // optional
	Tracer    *observability.Tracer  // optional

	// MaxConcurrentConversations bounds how many conversations this Adapter
	// tracks at once (spec §4.6, §5). <=0 means unbounded.
	MaxConcurrentConversations int

	// UserQueueMax is the per-thread user-input FIFO bound passed to State
	// (spec §4.1, §5).
	UserQueueMax int

	// EventQueueSize overrides defaultEventQueueSize.
	EventQueueSize int

	// HeartbeatInterval overrides defaultHeartbeatInterval.
	HeartbeatInterval time.Duration
}

// Adapter is the External Adapter (spec §4.6).
type Adapter struct {
	store     store.Store
	providers *registry.ProviderRegistry
	tools     *registry.ToolRegistry
	metrics   *observability.Metrics
	logger    *slog.Logger
	tracer    *observability.Tracer

	maxConcurrent     int
	userQueueMax      int
	eventQueueSize    int
	heartbeatInterval time.Duration

	mu            sync.Mutex
	conversations map[string]*conversation
}

func New(cfg Config) *Adapter {
	eventQueueSize := cfg.EventQueueSize
	if eventQueueSize <= 0 {
		eventQueueSize = defaultEventQueueSize
	}
	heartbeat := cfg.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}
	return &Adapter{
		store:             cfg.Store,
		providers:         cfg.Providers,
		tools:             cfg.Tools,
		metrics:           cfg.Metrics,
		logger:            cfg.Logger,
		tracer:            cfg.Tracer,
		maxConcurrent:     cfg.MaxConcurrentConversations,
		userQueueMax:      cfg.UserQueueMax,
		eventQueueSize:    eventQueueSize,
		heartbeatInterval: heartbeat,
		conversations:     make(map[string]*conversation),
	}
}

// StartRequest carries start_conversation's arguments (spec §4.6).
type StartRequest struct {
	ID        string // optional; generated if empty
	Preset    *models.Preset
	PresetRef string
	Topic     string // overrides preset.Objective when non-empty
	UserID    string
	Resume    bool
}

// StartConversation creates and begins tracking a new conversation, or
// resumes one from its last checkpoint (spec §4.6 start_conversation,
// [resume]). The conversation starts in StatusActive with zero rounds
// remaining; callers drive execution with SetConversationRounds (spec §4.6
// set_conversation_rounds — "valid only while active").
func (a *Adapter) StartConversation(ctx context.Context, req StartRequest) (string, error) {
	id := req.ID
	if id == "" {
		id = newConversationID()
	}

	a.mu.Lock()
	if _, exists := a.conversations[id]; exists {
		a.mu.Unlock()
		return "", fmt.Errorf("%w: %s", errs.ErrConversationAlreadyExists, id)
	}
	if a.maxConcurrent > 0 && len(a.conversations) >= a.maxConcurrent {
		a.mu.Unlock()
		return "", errs.ErrCapacityExceeded
	}
	a.mu.Unlock()

	topic := req.Topic
	if topic == "" && req.Preset != nil {
		topic = req.Preset.Objective
	}
	if req.Preset != nil {
		req.Preset.Objective = topic
	}

	eng, st, err := buildThread(id, req.Preset, a.providers, a.tools, a.store, a.userQueueMax, a.logger, a.metrics, a.tracer)
	if err != nil {
		return "", err
	}

	if req.Resume {
		if a.store == nil {
			return "", fmt.Errorf("%w: resume requires a configured store", errs.ErrInvalidArgument)
		}
		snap, found, err := a.store.LoadCheckpoint(ctx, id)
		if err != nil {
			return "", fmt.Errorf("load checkpoint for %q: %w", id, err)
		}
		if !found || !snap.IsResumable() {
			return "", fmt.Errorf("%w: no resumable checkpoint for %q", errs.ErrInvalidArgument, id)
		}
		st.Restore(snap)
	} else if a.store != nil {
		if err := a.store.CreateThread(ctx, models.Thread{ID: id, PresetRef: req.PresetRef, CreatedAt: time.Now(), Tags: map[string]string{}}); err != nil {
			return "", fmt.Errorf("create thread %q: %w", id, err)
		}
	}

	primaryUserNodeID := ""
	if req.Preset != nil && len(req.Preset.Users) > 0 {
		primaryUserNodeID = req.Preset.Users[0].ID
	}

	runCtx, cancel := context.WithCancel(context.Background())
	conv := newConversation(id, req.PresetRef, req.UserID, primaryUserNodeID, eng, st, cancel)

	a.mu.Lock()
	a.conversations[id] = conv
	a.mu.Unlock()
	if a.metrics != nil {
		a.metrics.ActiveConversations.Inc()
	}

	go a.runLoop(runCtx, conv)

	return id, nil
}

func (a *Adapter) get(id string) (*conversation, error) {
	a.mu.Lock()
	conv, ok := a.conversations[id]
	a.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", errs.ErrConversationNotFound, id)
	}
	return conv, nil
}

func requireActive(conv *conversation) error {
	if conv.getStatus() != StatusActive {
		return fmt.Errorf("%w: %s is %s", errs.ErrConversationNotActive, conv.id, conv.getStatus())
	}
	return nil
}

// PostUserMessage delivers content to the conversation's primary user node
// (spec §4.6 post_user_message). The conversation must be active.
func (a *Adapter) PostUserMessage(ctx context.Context, id, content, userID string) error {
	conv, err := a.get(id)
	if err != nil {
		return err
	}
	if err := requireActive(conv); err != nil {
		return err
	}
	if conv.primaryUserNodeID == "" {
		return fmt.Errorf("%w: conversation %s has no user node to deliver to", errs.ErrInvalidArgument, id)
	}
	_, err = conv.eng.PostUserMessage(ctx, conv.primaryUserNodeID, content, userID, false, false)
	return err
}

// SetConversationRounds sets (replacing, not adding to) how many further
// scheduler iterations the conversation's run loop will execute before
// idling again (spec §4.6 set_conversation_rounds — "valid only while
// active"). This core treats n as an absolute remaining-rounds value rather
// than an increment: a caller polling conversation progress and re-issuing
// set_conversation_rounds sees a predictable budget instead of one that
// silently compounds across calls (recorded as an implementation decision
// in DESIGN.md, spec §9 Open Questions being silent on this point).
func (a *Adapter) SetConversationRounds(id string, n int) error {
	if n < 0 {
		return fmt.Errorf("%w: rounds must be >= 0", errs.ErrInvalidArgument)
	}
	conv, err := a.get(id)
	if err != nil {
		return err
	}
	if err := requireActive(conv); err != nil {
		return err
	}
	conv.setRounds(n)
	return nil
}

// ChangeConversationTopic updates the thread's objective (spec §4.6
// change_conversation_topic — "valid only while active").
func (a *Adapter) ChangeConversationTopic(id, topic string) error {
	conv, err := a.get(id)
	if err != nil {
		return err
	}
	if err := requireActive(conv); err != nil {
		return err
	}
	conv.st.SetObjective(topic)
	return nil
}

// PauseConversation asks the conversation's engine to pause before its next
// iteration (spec §116-119 state machine: running → paused).
func (a *Adapter) PauseConversation(id string) error {
	conv, err := a.get(id)
	if err != nil {
		return err
	}
	if err := requireActive(conv); err != nil {
		return err
	}
	conv.eng.RequestPause()
	conv.setStatus(StatusPaused)
	return nil
}

// ResumeConversation clears a pending pause (spec §116-119 state machine:
// paused → running). Only valid from Paused; a terminally Stopped or
// Errored conversation cannot be resumed this way (its run loop has already
// exited) — use start_conversation with resume=true instead.
func (a *Adapter) ResumeConversation(id string) error {
	conv, err := a.get(id)
	if err != nil {
		return err
	}
	if conv.getStatus() != StatusPaused {
		return fmt.Errorf("%w: %s is %s, not paused", errs.ErrConversationNotActive, id, conv.getStatus())
	}
	conv.eng.Resume()
	conv.setStatus(StatusActive)
	conv.wake()
	return nil
}

// StopConversation requests an orderly stop and cancels the run context:
// the engine starts no further node turns, skipping the current
// iteration's remaining nodes, then the run loop exits (spec §4.6 stop,
// §4.4 suspension points).
func (a *Adapter) StopConversation(id string) error {
	conv, err := a.get(id)
	if err != nil {
		return err
	}
	conv.eng.RequestStop()
	conv.cancel()
	return nil
}

// CleanupConversation stops (if needed) and forgets a conversation, freeing
// its Adapter-side capacity slot (spec §4.6 cleanup).
func (a *Adapter) CleanupConversation(id string) error {
	conv, err := a.get(id)
	if err != nil {
		return err
	}
	conv.eng.RequestStop()
	conv.cancel()
	<-conv.doneCh

	a.mu.Lock()
	delete(a.conversations, id)
	a.mu.Unlock()
	if a.metrics != nil {
		a.metrics.ActiveConversations.Dec()
		a.metrics.EventQueueDepth.DeleteLabelValues(id)
		a.metrics.IterationsTotal.DeleteLabelValues(id)
	}
	return nil
}

// CanResumeConversation reports whether a non-opaque checkpoint exists for
// id, independent of whether the conversation is currently tracked (spec
// §4.6 can_resume_conversation, §9 Checkpoint opacity).
func (a *Adapter) CanResumeConversation(ctx context.Context, id string) (bool, error) {
	if a.store == nil {
		return false, nil
	}
	snap, found, err := a.store.LoadCheckpoint(ctx, id)
	if err != nil {
		return false, err
	}
	if !found {
		return false, nil
	}
	return snap.IsResumable(), nil
}

// StreamEvents returns a channel of events for id, merged with periodic
// heartbeats while the stream is otherwise idle (spec §4.6 stream_events:
// "...until terminal state", SPEC_FULL.md §10 heartbeat supplement). The
// returned channel is closed when the conversation reaches a terminal
// status or ctx is done.
func (a *Adapter) StreamEvents(ctx context.Context, id string) (<-chan models.Event, error) {
	conv, err := a.get(id)
	if err != nil {
		return nil, err
	}

	sub := conv.subscribe(a.eventQueueSize)
	out := make(chan models.Event, a.eventQueueSize)

	go func() {
		defer close(out)
		defer conv.unsubscribe(sub)

		ticker := time.NewTicker(a.heartbeatInterval)
		defer ticker.Stop()

		for {
			select {
			case ev, ok := <-sub.ch:
				if !ok {
					return
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			case <-ticker.C:
				if conv.idleSince() < a.heartbeatInterval {
					continue
				}
				hb := models.Event{
					ConversationID: id,
					Type:           models.EventHeartbeat,
					Timestamp:      time.Now(),
					Iteration:      conv.st.Iter(),
				}
				select {
				case out <- hb:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}

// runLoop drives one conversation's execution: it repeatedly consumes its
// round budget one iteration at a time via Engine.Stream, forwarding every
// emitted event to subscribers, and otherwise waits idle for
// SetConversationRounds to hand it more work (spec §4.6: the adapter, not
// the engine, owns how rounds are scheduled across calls).
func (a *Adapter) runLoop(ctx context.Context, conv *conversation) {
	defer close(conv.doneCh)
	defer conv.closeAllSubscribers()

	for {
		if !conv.takeRound() {
			select {
			case <-ctx.Done():
				conv.setStatus(StatusStopped)
				return
			case <-conv.moreRounds:
				continue
			}
		}

		events, err := conv.eng.Stream(ctx, 1)
		if err != nil {
			conv.setStatus(StatusErrored)
			return
		}
		for ev := range events {
			conv.broadcast(ev)
			if a.metrics != nil {
				a.metrics.EventQueueDepth.WithLabelValues(conv.id).Set(float64(conv.maxQueueDepth()))
				if ev.Type == models.EventIterationDone {
					a.metrics.IterationsTotal.WithLabelValues(conv.id).Inc()
				}
			}
		}

		// A moderator STOP or a fatal node error leaves the Engine
		// permanently halted; reflect that at the Adapter level too so
		// further SetConversationRounds calls are rejected instead of
		// silently re-emitting run_complete events forever.
		if conv.eng.Status() == engine.StatusErrored {
			conv.setStatus(StatusErrored)
			return
		}
		if conv.st.StopFlag() {
			conv.setStatus(StatusStopped)
			return
		}

		select {
		case <-ctx.Done():
			conv.setStatus(StatusStopped)
			return
		default:
		}
	}
}
