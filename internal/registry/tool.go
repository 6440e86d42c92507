package registry

import (
	"context"
	"fmt"
	"sync"

	"github.com/agentlab/loom/pkg/models"
)

// Tool is the external tool contract (spec §6 Tool interface). Concrete
// tool implementations (search, math, HTTP fetchers, ...) are external
// collaborators per spec §1; only the interface is specified here.
type Tool interface {
	Run(ctx context.Context, args map[string]any) (models.ToolResult, error)
	Schema() models.ToolSchema
}

// ToolFunc adapts a function to the Tool interface for simple, schema-less
// test doubles (grounded on the teacher's MessageSenderFunc/AgentRunnerFunc
// function-adapter idiom in internal/cron/types.go).
type ToolFunc struct {
	Name string
	Fn   func(ctx context.Context, args map[string]any) (models.ToolResult, error)
}

func (f ToolFunc) Run(ctx context.Context, args map[string]any) (models.ToolResult, error) {
	return f.Fn(ctx, args)
}

func (f ToolFunc) Schema() models.ToolSchema {
	return models.ToolSchema{Name: f.Name}
}

// ToolRegistry looks up tools by name (spec §2 Tool Registry).
type ToolRegistry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewToolRegistry creates an empty registry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{tools: make(map[string]Tool)}
}

// Register adds or replaces a named tool.
func (r *ToolRegistry) Register(id string, t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[id] = t
}

// Get looks up a tool by id.
func (r *ToolRegistry) Get(id string) (Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[id]
	if !ok {
		return nil, fmt.Errorf("tool %q not registered", id)
	}
	return t, nil
}

// Schemas returns the JSON schemas for a set of tool ids, in order,
// skipping ids that are not registered.
func (r *ToolRegistry) Schemas(ids []string) []models.ToolSchema {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.ToolSchema, 0, len(ids))
	for _, id := range ids {
		if t, ok := r.tools[id]; ok {
			out = append(out, t.Schema())
		}
	}
	return out
}
