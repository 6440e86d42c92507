package taskscheduler

import (
	"context"
	"sync"

	"github.com/agentlab/loom/pkg/models"
)

// Store persists Task configuration and run state. The scheduler only
// needs enumerate-and-update, the same narrow surface the teacher's
// tasks.Store exposes to its own scheduler loop.
type Store interface {
	ListEnabled(ctx context.Context) ([]models.Task, error)
	Update(ctx context.Context, t models.Task) error
}

// MemoryStore keeps tasks in memory, mutex-guarded (grounded on
// internal/store.MemoryStore's shape, itself grounded on the teacher's
// MemoryExecutionStore).
type MemoryStore struct {
	mu    sync.RWMutex
	tasks map[string]models.Task
}

// NewMemoryStore creates an empty in-memory task store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tasks: make(map[string]models.Task)}
}

// Put adds or replaces a task.
func (m *MemoryStore) Put(t models.Task) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks[t.ID] = t
}

// Get returns a task by id.
func (m *MemoryStore) Get(id string) (models.Task, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[id]
	return t, ok
}

// ListEnabled implements Store.
func (m *MemoryStore) ListEnabled(_ context.Context) ([]models.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		if t.Enabled {
			out = append(out, t)
		}
	}
	return out, nil
}

// Update implements Store.
func (m *MemoryStore) Update(_ context.Context, t models.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks[t.ID] = t
	return nil
}
