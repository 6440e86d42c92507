package adapter

import (
	"fmt"
	"log/slog"

	"github.com/agentlab/loom/internal/engine"
	"github.com/agentlab/loom/internal/node"
	"github.com/agentlab/loom/internal/observability"
	"github.com/agentlab/loom/internal/registry"
	"github.com/agentlab/loom/internal/scheduler"
	"github.com/agentlab/loom/internal/state"
	"github.com/agentlab/loom/internal/store"
	"github.com/agentlab/loom/pkg/errs"
	"github.com/agentlab/loom/pkg/models"
)

// defaultHistoryWindow bounds the live transcript window State retains,
// independent of each node's own (generally smaller) compose_messages
// window (spec §3 State invariant: "History window <= configured bound").
const defaultHistoryWindow = 500

// buildThread wires one Preset into a ready-to-run Engine + State pair
// (spec §6 Preset document; §2 "Engine composes the above"). It resolves
// every provider/tool reference against the Adapter's shared registries and
// fails fast with errs.ErrInvalidPreset if a reference is unknown or the
// turn plan is malformed — this is the only place in the core that inspects
// Preset business rules, since schema validation itself is out of scope
// (spec §1/§6).
func buildThread(threadID string, preset *models.Preset, providers *registry.ProviderRegistry, tools *registry.ToolRegistry, st store.Store, userQueueMax int, logger *slog.Logger, metrics *observability.Metrics, tracer *observability.Tracer) (*engine.Engine, *state.State, error) {
	if preset == nil {
		return nil, nil, fmt.Errorf("%w: preset is nil", errs.ErrInvalidPreset)
	}
	if len(preset.Agents) == 0 {
		return nil, nil, fmt.Errorf("%w: preset has no agents", errs.ErrInvalidPreset)
	}

	budgets := make([]models.ToolBudget, 0, len(preset.Tools))
	for _, tc := range preset.Tools {
		budgets = append(budgets, models.ToolBudget{
			ToolID:          tc.ID,
			PerRunMax:       tc.PerRunMax,
			PerIterationMax: tc.PerIterationMax,
		})
	}

	thState := state.New(state.Config{
		ThreadID:     threadID,
		Objective:    preset.Objective,
		WindowSize:   defaultHistoryWindow,
		UserQueueMax: userQueueMax,
		ToolBudgets:  budgets,
		Store:        st,
	})

	nodes := make(map[string]node.Node, len(preset.Agents)+len(preset.Users))
	for _, ac := range preset.Agents {
		provider, err := providers.Get(ac.Provider)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: agent %q: %v", errs.ErrInvalidPreset, ac.ID, err)
		}
		nodes[ac.ID] = node.NewAgent(ac.ID, provider, tools, ac.Tools, ac.SystemPrompt, ac.WindowSize, ac.MaxToolIterations).WithObservability(metrics, tracer)
	}
	for _, uc := range preset.Users {
		nodes[uc.ID] = node.NewUser(uc.ID)
	}

	var moderator node.Turner
	var moderatorID string
	if preset.Moderator != nil {
		provider, err := providers.Get(preset.Moderator.Provider)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: moderator %q: %v", errs.ErrInvalidPreset, preset.Moderator.ID, err)
		}
		moderator = node.NewModerator(preset.Moderator.ID, provider, preset.Moderator.SystemPrompt, preset.Moderator.WindowSize)
		moderatorID = preset.Moderator.ID
	}

	var summarizer node.Turner
	var summarizerID string
	runOnLast := false
	if preset.Summarizer != nil {
		provider, err := providers.Get(preset.Summarizer.Provider)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: summarizer %q: %v", errs.ErrInvalidPreset, preset.Summarizer.ID, err)
		}
		summarizer = node.NewSummarizer(preset.Summarizer.ID, provider, preset.Summarizer.SystemPrompt, preset.Summarizer.WindowSize)
		summarizerID = preset.Summarizer.ID
		runOnLast = preset.Summarizer.RunOnLast
	}

	if len(preset.Runtime.Scheduler.Cadence) == 0 {
		return nil, nil, fmt.Errorf("%w: runtime.scheduler.cadence is empty", errs.ErrInvalidPreset)
	}
	sched := scheduler.NewEveryN(scheduler.TurnPlan(preset.Runtime.Scheduler.Cadence), preset.Runtime.Scheduler.Order)

	eng := engine.New(engine.Config{
		ThreadID:     threadID,
		State:        thState,
		Scheduler:    sched,
		Store:        st,
		Nodes:        nodes,
		Moderator:    moderator,
		ModeratorID:  moderatorID,
		Summarizer:   summarizer,
		SummarizerID: summarizerID,
		RunOnLast:    runOnLast,
		Logger:       logger,
		Metrics:      metrics,
		Tracer:       tracer,
	})

	return eng, thState, nil
}
