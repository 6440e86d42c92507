// Package state implements the Conversation State: the single source of
// truth for a running thread (spec §4.1). A State is owned exclusively by
// one Engine for the thread's active lifetime; all mutation goes through
// Engine-invoked methods, so there are no cross-goroutine races to guard
// against beyond the user-input queues, which external callers may push to
// concurrently (spec §4.6 post_user_message).
package state

import (
	"context"
	"sync"
	"time"

	"github.com/agentlab/loom/pkg/models"
)

// TranscriptAppender durably persists transcript entries as they are
// produced. Implemented by internal/store; kept as a narrow interface here
// to avoid state depending on the concrete store package.
type TranscriptAppender interface {
	AppendTranscript(ctx context.Context, threadID string, entry models.TranscriptEntry) error
}

// Clock abstracts time.Now for deterministic tests.
type Clock func() time.Time

// Config configures a new State (spec §6 Preset document fields it reads).
type Config struct {
	ThreadID      string
	Objective     string
	WindowSize    int // bounded history window size; <=0 means unbounded
	UserQueueMax  int // <=0 means unbounded
	ToolBudgets   []models.ToolBudget
	Store         TranscriptAppender
	Now           Clock
}

// State is the per-thread mutable object described in spec §3/§4.1.
type State struct {
	mu sync.Mutex

	threadID   string
	store      TranscriptAppender
	now        Clock
	windowSize int

	iter           int
	history        []models.TranscriptEntry // live window only; durable copy lives in the store
	runningSummary string
	objective      string
	stopFlag       bool

	queues    *userQueues
	budgets   *toolBudgets
	contracts []Contract

	// lastT guards the "t strictly increasing" invariant even when the
	// clock has coarse resolution.
	lastT time.Time
}

// New creates a State for a freshly initialized or resumed thread.
func New(cfg Config) *State {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &State{
		threadID:   cfg.ThreadID,
		store:      cfg.Store,
		now:        now,
		windowSize: cfg.WindowSize,
		objective:  cfg.Objective,
		queues:     newUserQueues(cfg.UserQueueMax),
		budgets:    newToolBudgets(cfg.ToolBudgets),
	}
}

// Iter returns the current iteration counter.
func (s *State) Iter() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.iter
}

// AdvanceIteration increments iter and resets per-iteration tool counters;
// only the owning Engine calls this, at the start of step() (spec §4.1,
// §4.4 step()).
func (s *State) AdvanceIteration() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.iter++
	s.budgets.resetIteration()
	return s.iter
}

// StopFlag reports whether a moderator or fatal error has requested a stop.
func (s *State) StopFlag() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopFlag
}

// SetStopFlag sets the stop flag (spec §4.2 moderator STOP action).
func (s *State) SetStopFlag() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopFlag = true
}

// RunningSummary returns the current rolling summary text.
func (s *State) RunningSummary() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runningSummary
}

// SetRunningSummary overwrites the rolling summary (spec §4.2 Summarizer
// node: "Engine writes the text to state.running_summary").
func (s *State) SetRunningSummary(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runningSummary = text
}

// ClearRunningSummary empties the rolling summary (spec §4.2 moderator
// CLEAR_SUMMARIES action, and ROLLBACK's clear_summaries flag).
func (s *State) ClearRunningSummary() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runningSummary = ""
}

// Objective returns the thread's initial topic/prompt.
func (s *State) Objective() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.objective
}

// SetObjective updates the thread's topic (spec §4.6
// change_conversation_topic).
func (s *State) SetObjective(topic string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objective = topic
}

// nextTimestamp returns a timestamp strictly greater than the previous one
// returned, preserving the "t strictly increasing" invariant regardless of
// clock resolution.
func (s *State) nextTimestamp() time.Time {
	t := s.now()
	if !t.After(s.lastT) {
		t = s.lastT.Add(time.Nanosecond)
	}
	s.lastT = t
	return t
}

// AppendMessage appends a transcript entry for the current iteration, both
// to the live window and (if configured) durably via the store (spec §4.1
// append_message).
func (s *State) AppendMessage(ctx context.Context, agentID string, out models.NodeOutput) (models.TranscriptEntry, error) {
	s.mu.Lock()
	entry := models.TranscriptEntry{
		T:        s.nextTimestamp(),
		Iter:     s.iter,
		AgentID:  agentID,
		Role:     out.Role,
		Content:  out.Content,
		Metadata: out.Metadata,
	}
	s.history = append(s.history, entry)
	if s.windowSize > 0 && len(s.history) > s.windowSize {
		s.history = s.history[len(s.history)-s.windowSize:]
	}
	store := s.store
	threadID := s.threadID
	s.mu.Unlock()

	if store != nil {
		if err := store.AppendTranscript(ctx, threadID, entry); err != nil {
			return entry, err
		}
	}
	return entry, nil
}

// Rollback removes the last n entries from the live window and, if
// clearSummaries is set, also clears running_summary. A rollback marker
// entry is appended durably; the durable transcript itself retains the
// rolled-back entries unmodified (spec §3 Moderator Action, §4.1 rollback).
func (s *State) Rollback(ctx context.Context, n int, clearSummaries bool) error {
	if n <= 0 {
		return nil
	}
	s.mu.Lock()
	if n > len(s.history) {
		n = len(s.history)
	}
	s.history = s.history[:len(s.history)-n]
	if clearSummaries {
		s.runningSummary = ""
	}
	marker := models.TranscriptEntry{
		T:        s.nextTimestamp(),
		Iter:     s.iter,
		AgentID:  "moderator",
		Role:     models.RoleModerator,
		Content:  "rollback",
		Rollback: n,
	}
	store := s.store
	threadID := s.threadID
	s.mu.Unlock()

	if store != nil {
		return store.AppendTranscript(ctx, threadID, marker)
	}
	return nil
}

// History returns a copy of the live (post-rollback) transcript window,
// most recent `limit` entries, oldest first. limit<=0 returns the whole
// window.
func (s *State) History(limit int) []models.TranscriptEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.history
	if limit > 0 && len(h) > limit {
		h = h[len(h)-limit:]
	}
	out := make([]models.TranscriptEntry, len(h))
	copy(out, h)
	return out
}

// ComposeMessages builds the prompt window for a node: [system_prompt] plus
// a bounded suffix of transcript entries mapped to chat roles (spec §4.1
// compose_messages).
func (s *State) ComposeMessages(systemPrompt string, windowSize int) []models.ChatMessage {
	s.mu.Lock()
	h := s.history
	if windowSize > 0 && len(h) > windowSize {
		h = h[len(h)-windowSize:]
	}
	entries := make([]models.TranscriptEntry, len(h))
	copy(entries, h)
	s.mu.Unlock()

	msgs := make([]models.ChatMessage, 0, len(entries)+1)
	if systemPrompt != "" {
		msgs = append(msgs, models.ChatMessage{Role: "system", Content: systemPrompt})
	}
	for _, e := range entries {
		if e.IsRollbackMarker() {
			continue
		}
		msgs = append(msgs, models.ChatMessage{Role: mapRole(e.Role), Content: contentToString(e.Content)})
	}
	return msgs
}

func mapRole(r models.Role) string {
	switch r {
	case models.RoleUser:
		return "user"
	case models.RoleSystem:
		return "system"
	default: // agent, moderator, summarizer all present as assistant turns
		return "assistant"
	}
}

func contentToString(c any) string {
	switch v := c.(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return ""
	}
}

// PushUserInput enqueues a message for a user node (spec §4.1
// push_user_input). persist has already been handled by the caller (the
// Engine's post_user_message); PushUserInput only ever manages the FIFO
// queue a User node drains on its next turn.
func (s *State) PushUserInput(nodeID, content, userID string) bool {
	return s.queues.push(nodeID, content, userID)
}

// PopUserInput dequeues the next message for a user node, or reports ok=false
// if the queue is empty (spec §4.1 pop_user_input, §4.2 User node).
func (s *State) PopUserInput(nodeID string) (content string, userID string, ok bool) {
	item, found := s.queues.pop(nodeID)
	if !found {
		return "", "", false
	}
	return item.content, item.userID, true
}

// UserQueueSize reports how many messages are queued for a user node.
func (s *State) UserQueueSize(nodeID string) int {
	return s.queues.size(nodeID)
}

// CanCallTool reports whether a tool call is admissible under its budget
// (spec §4.1 can_call_tool).
func (s *State) CanCallTool(toolID string) (bool, string) {
	return s.budgets.canCall(toolID)
}

// RecordToolCall records an admissible tool call against both counters
// (spec §4.1 record_tool_call).
func (s *State) RecordToolCall(toolID string) error {
	return s.budgets.record(toolID)
}

// ToolBudgets returns the configured budgets (spec §4.1 get_tool_budgets).
func (s *State) ToolBudgets() []models.ToolBudget {
	return s.budgets.budgets()
}

// ToolUsageStats returns current usage counters (spec §4.1
// get_tool_usage_stats).
func (s *State) ToolUsageStats() map[string]models.ToolUsage {
	return s.budgets.usageStats()
}

// Checkpoint builds a structured, resumable snapshot of the current state
// (spec §4.5 save_checkpoint).
func (s *State) Checkpoint() models.CheckpointSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	hist := make([]models.TranscriptEntry, len(s.history))
	copy(hist, s.history)

	usage := make(map[string]models.ToolUsage)
	for k, v := range s.budgets.usageStats() {
		usage[k] = v
	}

	return models.CheckpointSnapshot{
		ThreadID:       s.threadID,
		Iter:           s.iter,
		RunningSummary: s.runningSummary,
		Objective:      s.objective,
		StopFlag:       s.stopFlag,
		History:        hist,
		UserQueueSizes: s.queues.sizes(),
		ToolUsage:      usage,
		UpdatedAt:      s.now(),
	}
}

// Contract is a validation hook consulted by a node's validate() step
// (spec §3 State.contracts, §4.2 "validate(output, state) — consult
// state.contracts; on violation, raise ContractViolation").
type Contract func(out models.NodeOutput) error

// AddContract registers a validation hook that applies to every node
// output in this thread.
func (s *State) AddContract(c Contract) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.contracts = append(s.contracts, c)
}

// Validate runs all registered contracts against a node output, returning
// the first violation encountered, if any.
func (s *State) Validate(out models.NodeOutput) error {
	s.mu.Lock()
	contracts := append([]Contract(nil), s.contracts...)
	s.mu.Unlock()
	for _, c := range contracts {
		if err := c(out); err != nil {
			return err
		}
	}
	return nil
}

// Restore repopulates a State from a previously saved, structured snapshot
// (spec §4.5 load_checkpoint, §9 Checkpoint opacity: callers must reject
// opaque snapshots before calling Restore).
func (s *State) Restore(snap models.CheckpointSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.iter = snap.Iter
	s.runningSummary = snap.RunningSummary
	s.objective = snap.Objective
	s.stopFlag = snap.StopFlag
	s.history = append([]models.TranscriptEntry(nil), snap.History...)
	if len(s.history) > 0 {
		s.lastT = s.history[len(s.history)-1].T
	}
}
