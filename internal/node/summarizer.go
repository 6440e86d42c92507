package node

import (
	"context"

	"github.com/agentlab/loom/internal/registry"
	"github.com/agentlab/loom/internal/state"
	"github.com/agentlab/loom/pkg/models"
)

// Summarizer condenses the transcript window into plain text (spec §4.2
// Summarizer node). It performs the same four-step contract as Agent and
// Moderator but never requests tools and never drives a JSON action; the
// Engine, not the node, writes its output into state.running_summary.
type Summarizer struct {
	id           string
	provider     registry.Provider
	systemPrompt string
	windowSize   int
}

// NewSummarizer creates a Summarizer bound to a provider.
func NewSummarizer(id string, provider registry.Provider, systemPrompt string, windowSize int) *Summarizer {
	return &Summarizer{id: id, provider: provider, systemPrompt: systemPrompt, windowSize: windowSize}
}

func (s *Summarizer) ID() string        { return s.id }
func (s *Summarizer) Role() models.Role { return models.RoleSummarizer }

// BuildMessages composes the bounded prompt window (spec §4.1
// compose_messages, §4.2 step 1).
func (s *Summarizer) BuildMessages(st *state.State) []models.ChatMessage {
	return st.ComposeMessages(s.systemPrompt, s.windowSize)
}

// Postprocess wraps the raw provider content as a NodeOutput; a Summarizer
// never parses structured content (spec §4.2 step 3).
func (s *Summarizer) Postprocess(_ context.Context, raw models.ChatResult, _ *state.State) (models.NodeOutput, error) {
	return models.NodeOutput{Role: models.RoleSummarizer, Content: raw.Content, Metadata: raw.Metadata}, nil
}

// Validate consults the thread's registered contracts (spec §4.2 step 4).
func (s *Summarizer) Validate(out models.NodeOutput, st *state.State) error {
	return st.Validate(out)
}

// Execute runs the full four-step turn (spec §4.2).
func (s *Summarizer) Execute(ctx context.Context, st *state.State) (models.NodeOutput, error) {
	messages := s.BuildMessages(st)
	raw, err := providerCall(ctx, s.provider, messages, nil)
	if err != nil {
		return models.NodeOutput{}, err
	}
	out, err := s.Postprocess(ctx, raw, st)
	if err != nil {
		return models.NodeOutput{}, err
	}
	if err := s.Validate(out, st); err != nil {
		return models.NodeOutput{}, err
	}
	return out, nil
}
