package models

import "time"

// Preset is the already-parsed, already-validated configuration document
// consumed by the core (spec §6 Preset document). YAML decoding and schema
// validation of the on-disk document are the external loader's job and are
// not implemented by this package; a convenience loader in internal/config
// only decodes, it does not validate business rules.
type Preset struct {
	Providers []ProviderConfig `yaml:"providers" json:"providers"`
	Agents    []AgentConfig    `yaml:"agents" json:"agents"`
	Moderator *NodeConfig      `yaml:"moderator,omitempty" json:"moderator,omitempty"`
	Summarizer *NodeConfig     `yaml:"summarizer,omitempty" json:"summarizer,omitempty"`
	Users     []NodeConfig     `yaml:"users,omitempty" json:"users,omitempty"`
	Tools     []ToolConfig     `yaml:"tools,omitempty" json:"tools,omitempty"`
	Runtime   RuntimeConfig    `yaml:"runtime" json:"runtime"`
	Tasks     []Task           `yaml:"tasks,omitempty" json:"tasks,omitempty"`
	Objective string           `yaml:"objective" json:"objective"`
}

// ProviderConfig names an external LLM provider binding (spec §6: concrete
// provider clients are out of scope; only the name/model used to look the
// provider up in the Provider Registry is in scope here).
type ProviderConfig struct {
	ID    string `yaml:"id" json:"id"`
	Model string `yaml:"model,omitempty" json:"model,omitempty"`
}

// NodeConfig is the shared configuration shape for agent/moderator/
// summarizer/user nodes.
type NodeConfig struct {
	ID           string   `yaml:"id" json:"id"`
	Role         string   `yaml:"role,omitempty" json:"role,omitempty"`
	Provider     string   `yaml:"provider,omitempty" json:"provider,omitempty"`
	Tools        []string `yaml:"tools,omitempty" json:"tools,omitempty"`
	SystemPrompt string   `yaml:"system_prompt,omitempty" json:"system_prompt,omitempty"`

	// MaxToolIterations bounds the Agent node's tool-call loop (spec §4.2,
	// default 3).
	MaxToolIterations int `yaml:"max_tool_iterations,omitempty" json:"max_tool_iterations,omitempty"`

	// RunOnLast adds a Summarizer node to the last planned iteration of a
	// run, after that iteration's scheduled nodes, when the scheduler did
	// not pick it (spec §4.2).
	RunOnLast bool `yaml:"run_on_last,omitempty" json:"run_on_last,omitempty"`

	// WindowSize bounds how many transcript entries compose_messages draws
	// from (spec §4.1).
	WindowSize int `yaml:"window_size,omitempty" json:"window_size,omitempty"`
}

// AgentConfig is a NodeConfig specialization kept distinct for readability
// in presets; agents are the only node kind that may request tool use.
type AgentConfig = NodeConfig

// ToolConfig names a tool and its per-tool budget (spec §3 Tool Budget).
type ToolConfig struct {
	ID              string `yaml:"id" json:"id"`
	PerRunMax       int    `yaml:"per_run_max" json:"per_run_max"`
	PerIterationMax int    `yaml:"per_iteration_max" json:"per_iteration_max"`
}

// RuntimeConfig configures the Scheduler (spec §6: runtime.scheduler).
type RuntimeConfig struct {
	Scheduler SchedulerConfig `yaml:"scheduler" json:"scheduler"`
}

// SchedulerConfig names the scheduler implementation and its turn plan
// cadence map (spec §4.3).
type SchedulerConfig struct {
	Impl   string         `yaml:"impl" json:"impl"`
	Cadence map[string]int `yaml:"cadence" json:"cadence"`

	// Order is the preset's declared node order, used to break ties
	// deterministically within an iteration (spec §4.3).
	Order []string `yaml:"order,omitempty" json:"order,omitempty"`
}

// ChatMessage is one entry in the ordered sequence passed to a Provider's
// chat call (spec §6 Provider interface).
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatResult is a Provider's response (spec §6 Provider interface).
type ChatResult struct {
	Content  any            `json:"content"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// ToolSchema describes a tool's call signature to a provider (spec §6 Tool
// interface: "run(args) -> {...}"; the schema itself is supplied externally).
type ToolSchema struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// ToolCallRequest is the content a Provider returns in place of final text
// when it wants a tool invoked before producing a final answer (spec §4.2
// Agent node step 2/3: "if the provider requests a tool call..."). A
// Provider signals this by setting ChatResult.Content to a ToolCallRequest
// value rather than a string.
type ToolCallRequest struct {
	ToolID string         `json:"tool_id"`
	Args   map[string]any `json:"args"`
}

// ToolResult is the outcome of a tool invocation (spec §6 Tool interface).
type ToolResult struct {
	OK    bool           `json:"ok"`
	Data  any            `json:"data,omitempty"`
	Meta  map[string]any `json:"meta,omitempty"`
	Error string         `json:"error,omitempty"`
}

// CheckpointSnapshot is the structured, resumable snapshot of a thread's
// State (spec §4.5, §9 Checkpoint opacity).
type CheckpointSnapshot struct {
	ThreadID        string                  `json:"thread_id"`
	Iter            int                     `json:"iter"`
	RunningSummary  string                  `json:"running_summary"`
	Objective       string                  `json:"objective"`
	StopFlag        bool                    `json:"stop_flag"`
	History         []TranscriptEntry       `json:"history"`
	UserQueueSizes  map[string]int          `json:"user_queue_sizes,omitempty"`
	ToolUsage       map[string]ToolUsage    `json:"tool_usage,omitempty"`
	UpdatedAt       time.Time               `json:"updated_at"`

	// Opaque, when present, marks a snapshot produced by an incompatible
	// serialization scheme (spec §4.5/§9). The stores' LoadCheckpoint
	// returns such snapshots as stored; the Adapter's resume path and
	// CanResumeConversation refuse them via IsResumable.
	Opaque string `json:"_pickled,omitempty"`
}

// IsResumable reports whether the snapshot is a structured snapshot with
// known fields rather than an opaque blob.
func (s *CheckpointSnapshot) IsResumable() bool {
	return s != nil && s.Opaque == ""
}
