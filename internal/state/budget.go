package state

import (
	"sync"

	"github.com/agentlab/loom/pkg/errs"
	"github.com/agentlab/loom/pkg/models"
)

// toolBudgets tracks per-tool call budgets and usage counters (spec §3 Tool
// Budget, §4.1 can_call_tool/record_tool_call).
//
// Grounded on internal/agent/tool_exec.go's ToolExecConfig (concurrency and
// timeout budgeting for tool execution) generalized to per-iteration and
// per-run call counts per the spec.
type toolBudgets struct {
	mu                sync.Mutex
	limits            map[string]models.ToolBudget
	perRunTotal       map[string]int
	perIterationTotal map[string]int
}

func newToolBudgets(limits []models.ToolBudget) *toolBudgets {
	b := &toolBudgets{
		limits:            make(map[string]models.ToolBudget, len(limits)),
		perRunTotal:       make(map[string]int),
		perIterationTotal: make(map[string]int),
	}
	for _, l := range limits {
		b.limits[l.ToolID] = l
	}
	return b
}

// canCall reports whether calling toolID would keep both counters within
// their configured maxima; a tool with no configured budget is unlimited.
func (b *toolBudgets) canCall(toolID string) (bool, string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	limit, ok := b.limits[toolID]
	if !ok {
		return true, ""
	}
	if limit.PerIterationMax > 0 && b.perIterationTotal[toolID]+1 > limit.PerIterationMax {
		return false, "per_iteration_max exceeded"
	}
	if limit.PerRunMax > 0 && b.perRunTotal[toolID]+1 > limit.PerRunMax {
		return false, "per_run_max exceeded"
	}
	return true, ""
}

// record increments both counters for toolID, or returns BudgetExceededError
// if recording would violate the limit (callers should have checked canCall
// first; record re-checks to stay race-free under toolBudgets' own lock).
func (b *toolBudgets) record(toolID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	limit, ok := b.limits[toolID]
	if ok {
		if limit.PerIterationMax > 0 && b.perIterationTotal[toolID]+1 > limit.PerIterationMax {
			return &errs.BudgetExceededError{ToolID: toolID, Kind: "per_iteration", Limit: limit.PerIterationMax}
		}
		if limit.PerRunMax > 0 && b.perRunTotal[toolID]+1 > limit.PerRunMax {
			return &errs.BudgetExceededError{ToolID: toolID, Kind: "per_run", Limit: limit.PerRunMax}
		}
	}
	b.perIterationTotal[toolID]++
	b.perRunTotal[toolID]++
	return nil
}

// resetIteration zeroes the per-iteration counters; called by the Engine at
// the start of each iteration (spec §3 State invariants).
func (b *toolBudgets) resetIteration() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id := range b.perIterationTotal {
		b.perIterationTotal[id] = 0
	}
}

func (b *toolBudgets) budgets() []models.ToolBudget {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]models.ToolBudget, 0, len(b.limits))
	for _, l := range b.limits {
		out = append(out, l)
	}
	return out
}

func (b *toolBudgets) usageStats() map[string]models.ToolUsage {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]models.ToolUsage, len(b.perRunTotal))
	seen := make(map[string]bool)
	for id := range b.perRunTotal {
		seen[id] = true
	}
	for id := range b.perIterationTotal {
		seen[id] = true
	}
	for id := range seen {
		out[id] = models.ToolUsage{
			ToolID:          id,
			PerRunTotal:     b.perRunTotal[id],
			PerIterationUse: b.perIterationTotal[id],
		}
	}
	return out
}
