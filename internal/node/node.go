// Package node implements the four node variants described in spec §4.2:
// Agent, Moderator, Summarizer, and User. All variants implement Execute;
// Agent/Moderator/Summarizer additionally implement BuildMessages,
// Postprocess, and Validate, a capability set shared by composition rather
// than a base class (spec §9 design note, grounded on the teacher's
// internal/nodes/types.go tagged-interface shape).
package node

import (
	"context"

	"github.com/agentlab/loom/internal/registry"
	"github.com/agentlab/loom/internal/state"
	"github.com/agentlab/loom/pkg/models"
)

// Node is the minimal turn-taker contract every node variant satisfies.
type Node interface {
	ID() string
	Role() models.Role
	Execute(ctx context.Context, st *state.State) (models.NodeOutput, error)
}

// Turner is implemented by all non-User nodes (spec §4.2: "except User,
// four steps").
type Turner interface {
	Node
	BuildMessages(st *state.State) []models.ChatMessage
	Postprocess(ctx context.Context, raw models.ChatResult, st *state.State) (models.NodeOutput, error)
	Validate(out models.NodeOutput, st *state.State) error
}

// providerCall does step 2 of the non-user node contract: a single
// provider.chat() call with optional tool schemas.
func providerCall(ctx context.Context, p registry.Provider, messages []models.ChatMessage, tools []models.ToolSchema) (models.ChatResult, error) {
	return p.Chat(ctx, messages, tools)
}
