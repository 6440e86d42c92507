package models

// ToolBudget caps how often a tool may be invoked, configured statically per
// preset (spec §3 Tool Budget).
type ToolBudget struct {
	ToolID          string `json:"tool_id"`
	PerRunMax       int    `json:"per_run_max"`
	PerIterationMax int    `json:"per_iteration_max"`
}

// ToolUsage is a point-in-time snapshot of a tool's counters, returned by
// State.ToolUsageStats (spec §4.1).
type ToolUsage struct {
	ToolID          string `json:"tool_id"`
	PerRunTotal     int    `json:"per_run_total"`
	PerIterationUse int    `json:"per_iteration_total"`
}
