package adapter

import (
	"context"
	"sync"
	"time"

	"github.com/agentlab/loom/internal/engine"
	"github.com/agentlab/loom/internal/state"
	"github.com/agentlab/loom/pkg/models"
)

// Status is the Adapter's own view of a conversation's lifecycle, distinct
// from (but driven by) the underlying Engine's per-round Status (spec §4.6,
// §4.4 State machine). The Adapter tracks this independently because a
// conversation can be "active" — accepting commands — while its Engine sits
// between rounds with nothing currently running.
type Status string

const (
	StatusActive  Status = "active"
	StatusPaused  Status = "paused"
	StatusStopped Status = "stopped"
	StatusErrored Status = "errored"
)

// subscriber is one StreamEvents consumer's private, bounded view of a
// conversation's event feed (spec §4.6 stream_events, §5: "single producer,
// single or multiple consumers").
type subscriber struct {
	ch       chan models.Event
	stop     chan struct{}
	stopOnce sync.Once
}

func (s *subscriber) close() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// conversation is one adapter-owned, engine-backed thread (spec §3
// Ownership: "each Thread is owned exclusively by one Engine instance").
type conversation struct {
	id        string
	presetRef string
	userID    string

	// primaryUserNodeID is the user node Adapter.PostUserMessage delivers
	// to. The spec's adapter-level post_user_message(id, content, user_id)
	// names no node id (spec §4.6); this core resolves it to the first
	// user node declared in the preset, the single-human-in-the-loop
	// convention original_source's telegram adapter also assumes. A preset
	// with no user nodes makes PostUserMessage return InvalidArgumentError.
	primaryUserNodeID string

	eng *engine.Engine
	st  *state.State

	cancel context.CancelFunc
	doneCh chan struct{}

	mu              sync.Mutex
	status          Status
	lastErr         error
	roundsRemaining int
	moreRounds      chan struct{}
	lastEventAt     time.Time

	subsMu  sync.Mutex
	subs    map[int]*subscriber
	nextSub int
}

func newConversation(id, presetRef, userID, primaryUserNodeID string, eng *engine.Engine, st *state.State, cancel context.CancelFunc) *conversation {
	return &conversation{
		id:                id,
		presetRef:         presetRef,
		userID:            userID,
		primaryUserNodeID: primaryUserNodeID,
		eng:               eng,
		st:                st,
		cancel:            cancel,
		doneCh:            make(chan struct{}),
		status:            StatusActive,
		moreRounds:        make(chan struct{}, 1),
		subs:              make(map[int]*subscriber),
		lastEventAt:       time.Now(),
	}
}

func (c *conversation) getStatus() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *conversation) setStatus(s Status) {
	c.mu.Lock()
	c.status = s
	c.mu.Unlock()
}

func (c *conversation) setRounds(n int) {
	c.mu.Lock()
	c.roundsRemaining = n
	c.mu.Unlock()
	c.wake()
}

// wake nudges the run loop to re-check its status/rounds without altering
// roundsRemaining (used after a resume, to re-evaluate a pending pause).
func (c *conversation) wake() {
	select {
	case c.moreRounds <- struct{}{}:
	default:
	}
}

func (c *conversation) takeRound() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.roundsRemaining <= 0 {
		return false
	}
	c.roundsRemaining--
	return true
}

func (c *conversation) hasRoundsRemaining() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.roundsRemaining > 0
}

// subscribe registers a new StreamEvents consumer and returns its private
// channel.
func (c *conversation) subscribe(bufSize int) *subscriber {
	sub := &subscriber{ch: make(chan models.Event, bufSize), stop: make(chan struct{})}
	c.subsMu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = sub
	c.subsMu.Unlock()
	return sub
}

func (c *conversation) unsubscribe(sub *subscriber) {
	c.subsMu.Lock()
	for id, s := range c.subs {
		if s == sub {
			delete(c.subs, id)
			break
		}
	}
	c.subsMu.Unlock()
	sub.close()
}

// broadcast delivers ev to every active subscriber, blocking on a full
// subscriber buffer rather than dropping (spec §5 Backpressure: "never
// drop"). A subscriber that has unsubscribed is skipped via its stop
// channel so a departed consumer can never wedge the conversation's run
// loop.
func (c *conversation) broadcast(ev models.Event) {
	c.mu.Lock()
	c.lastEventAt = time.Now()
	c.mu.Unlock()

	c.subsMu.Lock()
	subs := make([]*subscriber, 0, len(c.subs))
	for _, s := range c.subs {
		subs = append(subs, s)
	}
	c.subsMu.Unlock()

	for _, s := range subs {
		select {
		case s.ch <- ev:
		case <-s.stop:
		}
	}
}

// maxQueueDepth reports the deepest backlog among this conversation's
// subscriber channels, for the EventQueueDepth gauge.
func (c *conversation) maxQueueDepth() int {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	max := 0
	for _, s := range c.subs {
		if n := len(s.ch); n > max {
			max = n
		}
	}
	return max
}

// closeAllSubscribers closes every live subscriber channel once the
// conversation's run loop has permanently exited, so StreamEvents callers
// observe channel closure ("until terminal state", spec §4.6).
func (c *conversation) closeAllSubscribers() {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	for _, s := range c.subs {
		close(s.ch)
	}
	c.subs = make(map[int]*subscriber)
}

func (c *conversation) idleSince() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Since(c.lastEventAt)
}
