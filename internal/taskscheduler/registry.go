package taskscheduler

import (
	"fmt"
	"sync"

	"github.com/agentlab/loom/internal/task"
)

// Registry resolves a Task's source/normalizer/sink names (spec §3 Task;
// §4.7 Pipeline per run) onto concrete pipeline stages, the same
// name-to-implementation indirection the teacher uses for
// registry.ToolRegistry and cron's CustomHandler map.
type Registry struct {
	mu          sync.RWMutex
	sources     map[string]task.Source
	normalizers map[string]task.Normalizer
	sinks       map[string]task.Sink
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		sources:     make(map[string]task.Source),
		normalizers: make(map[string]task.Normalizer),
		sinks:       make(map[string]task.Sink),
	}
}

func (r *Registry) RegisterSource(name string, s task.Source) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sources[name] = s
}

func (r *Registry) RegisterNormalizer(name string, n task.Normalizer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.normalizers[name] = n
}

func (r *Registry) RegisterSink(name string, s task.Sink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sinks[name] = s
}

func (r *Registry) resolveSources(names []string) ([]task.Source, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]task.Source, 0, len(names))
	for _, name := range names {
		s, ok := r.sources[name]
		if !ok {
			return nil, fmt.Errorf("source %q not registered", name)
		}
		out = append(out, s)
	}
	return out, nil
}

func (r *Registry) resolveNormalizer(name string) (task.Normalizer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.normalizers[name]
	if !ok {
		return nil, fmt.Errorf("normalizer %q not registered", name)
	}
	return n, nil
}

func (r *Registry) resolveSinks(names []string) ([]task.Sink, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]task.Sink, 0, len(names))
	for _, name := range names {
		s, ok := r.sinks[name]
		if !ok {
			return nil, fmt.Errorf("sink %q not registered", name)
		}
		out = append(out, s)
	}
	return out, nil
}
