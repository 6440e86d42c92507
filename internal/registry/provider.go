// Package registry implements lookup of named LLM providers and tools
// (spec §2 Provider Registry, Tool Registry). Concrete provider/tool clients
// are external collaborators per spec §1/§6 — this package only defines the
// interfaces and an in-memory name -> implementation map, the same shape as
// the teacher's internal/agent/provider_types.go and tool_registry.go.
package registry

import (
	"context"
	"fmt"
	"sync"

	"github.com/agentlab/loom/pkg/models"
)

// Provider is the external LLM provider contract (spec §6 Provider
// interface). Implementations are supplied by the embedding application;
// this core never performs inference itself.
type Provider interface {
	Chat(ctx context.Context, messages []models.ChatMessage, tools []models.ToolSchema) (models.ChatResult, error)
}

// ProviderRegistry looks up providers by name (spec §2 Provider Registry).
type ProviderRegistry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewProviderRegistry creates an empty registry.
func NewProviderRegistry() *ProviderRegistry {
	return &ProviderRegistry{providers: make(map[string]Provider)}
}

// Register adds or replaces a named provider.
func (r *ProviderRegistry) Register(id string, p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[id] = p
}

// Get looks up a provider by id.
func (r *ProviderRegistry) Get(id string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[id]
	if !ok {
		return nil, fmt.Errorf("provider %q not registered", id)
	}
	return p, nil
}
