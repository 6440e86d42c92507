package node

import (
	"context"
	"encoding/json"

	"github.com/agentlab/loom/internal/registry"
	"github.com/agentlab/loom/internal/state"
	"github.com/agentlab/loom/pkg/errs"
	"github.com/agentlab/loom/pkg/models"
)

// Moderator drives the JSON-only decision contract described in spec §3
// Moderator Action / §4.2: summary, drift, and an action tag the Engine
// dispatches (CONTINUE/STOP/ROLLBACK/CLEAR_SUMMARIES).
type Moderator struct {
	id           string
	provider     registry.Provider
	systemPrompt string
	windowSize   int
}

// NewModerator creates a Moderator bound to a provider. systemPrompt must
// instruct the model to respond with JSON matching models.ModeratorAction;
// that instruction is the caller's responsibility (preset-authored prompt
// text), not this node's.
func NewModerator(id string, provider registry.Provider, systemPrompt string, windowSize int) *Moderator {
	return &Moderator{id: id, provider: provider, systemPrompt: systemPrompt, windowSize: windowSize}
}

func (m *Moderator) ID() string        { return m.id }
func (m *Moderator) Role() models.Role { return models.RoleModerator }

// BuildMessages composes the bounded prompt window (spec §4.2 step 1).
func (m *Moderator) BuildMessages(st *state.State) []models.ChatMessage {
	return st.ComposeMessages(m.systemPrompt, m.windowSize)
}

// Postprocess parses the raw provider content as JSON into a
// models.ModeratorAction. Malformed JSON or a failed Valid() check is a
// contract violation (spec §4.2 step 3, §3 Moderator Action invariants).
func (m *Moderator) Postprocess(_ context.Context, raw models.ChatResult, _ *state.State) (models.NodeOutput, error) {
	text, ok := raw.Content.(string)
	if !ok {
		return models.NodeOutput{}, &errs.ContractViolation{NodeID: m.id, Reason: "provider returned non-string content for a moderator turn"}
	}

	var action models.ModeratorAction
	if err := json.Unmarshal([]byte(text), &action); err != nil {
		return models.NodeOutput{}, &errs.ContractViolation{NodeID: m.id, Reason: "moderator output is not valid JSON: " + err.Error()}
	}
	if !action.Valid() {
		return models.NodeOutput{}, &errs.ContractViolation{NodeID: m.id, Reason: "moderator JSON failed invariant checks (drift range, action tag, rollback >= 0)"}
	}

	return models.NodeOutput{
		Role:     models.RoleModerator,
		Content:  action.Summary,
		Metadata: raw.Metadata,
		Actions:  &action,
	}, nil
}

// Validate consults the thread's registered contracts (spec §4.2 step 4).
// The JSON-shape check already happened in Postprocess; this step is for
// caller-registered contracts only.
func (m *Moderator) Validate(out models.NodeOutput, st *state.State) error {
	return st.Validate(out)
}

// Execute runs the full four-step turn (spec §4.2).
func (m *Moderator) Execute(ctx context.Context, st *state.State) (models.NodeOutput, error) {
	messages := m.BuildMessages(st)
	raw, err := providerCall(ctx, m.provider, messages, nil)
	if err != nil {
		return models.NodeOutput{}, err
	}
	out, err := m.Postprocess(ctx, raw, st)
	if err != nil {
		return models.NodeOutput{}, err
	}
	if err := m.Validate(out, st); err != nil {
		return models.NodeOutput{}, err
	}
	return out, nil
}
