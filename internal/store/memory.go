package store

import (
	"context"
	"sync"

	"github.com/agentlab/loom/pkg/models"
)

// MemoryStore keeps all thread state in memory, the same shape as the
// teacher's MemoryExecutionStore (internal/cron/execution_store.go):
// append-only ordered slices guarded by a single mutex, no eviction.
type MemoryStore struct {
	mu          sync.RWMutex
	transcripts map[string][]models.TranscriptEntry
	checkpoints map[string]models.CheckpointSnapshot
	threads     map[string]models.Thread
	threadOrder []string
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		transcripts: make(map[string][]models.TranscriptEntry),
		checkpoints: make(map[string]models.CheckpointSnapshot),
		threads:     make(map[string]models.Thread),
	}
}

// AppendTranscript implements Store.
func (m *MemoryStore) AppendTranscript(_ context.Context, threadID string, entry models.TranscriptEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transcripts[threadID] = append(m.transcripts[threadID], entry)
	return nil
}

// ReadTranscript implements Store. limit<=0 returns the full transcript.
func (m *MemoryStore) ReadTranscript(_ context.Context, threadID string, limit int) ([]models.TranscriptEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entries := m.transcripts[threadID]
	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	out := make([]models.TranscriptEntry, len(entries))
	copy(out, entries)
	return out, nil
}

// SaveCheckpoint implements Store.
func (m *MemoryStore) SaveCheckpoint(_ context.Context, threadID string, snap models.CheckpointSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkpoints[threadID] = snap
	return nil
}

// LoadCheckpoint implements Store.
func (m *MemoryStore) LoadCheckpoint(_ context.Context, threadID string) (models.CheckpointSnapshot, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	snap, ok := m.checkpoints[threadID]
	return snap, ok, nil
}

// CreateThread implements Store.
func (m *MemoryStore) CreateThread(_ context.Context, thread models.Thread) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.threads[thread.ID]; !exists {
		m.threadOrder = append(m.threadOrder, thread.ID)
	}
	m.threads[thread.ID] = thread
	return nil
}

// ListThreads implements Store. A thread matches tagFilter when every
// key/value pair in tagFilter is present in the thread's Tags; an empty
// filter matches everything.
func (m *MemoryStore) ListThreads(_ context.Context, tagFilter map[string]string) ([]models.Thread, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Thread, 0, len(m.threadOrder))
	for _, id := range m.threadOrder {
		thread := m.threads[id]
		if matchesTags(thread.Tags, tagFilter) {
			out = append(out, thread)
		}
	}
	return out, nil
}

func matchesTags(tags, filter map[string]string) bool {
	for k, v := range filter {
		if tags[k] != v {
			return false
		}
	}
	return true
}
