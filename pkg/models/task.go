package models

import "time"

// ScheduleType distinguishes the two task trigger kinds (spec §3 Task,
// §4.7 Scheduler Loop).
type ScheduleType string

const (
	ScheduleCron     ScheduleType = "cron"
	ScheduleInterval ScheduleType = "interval"
)

// Schedule describes when a Task fires.
type Schedule struct {
	Type ScheduleType `json:"type"`

	// CronExpr is a cron expression when Type is ScheduleCron.
	CronExpr string `json:"cron_expr,omitempty"`

	// IntervalSeconds is the minimum re-run spacing when Type is
	// ScheduleInterval.
	IntervalSeconds float64 `json:"interval_seconds,omitempty"`
}

// TaskStatus is the lifecycle state of a scheduled task (spec §3 Task).
type TaskStatus string

const (
	TaskCreated TaskStatus = "created"
	TaskRunning TaskStatus = "running"
	TaskStopped TaskStatus = "stopped"
	TaskCompleted TaskStatus = "completed"
	TaskError   TaskStatus = "error"
)

// Task is an independently configured, scheduler-driven data pipeline run
// (spec §3 Task; SPEC_FULL.md §3 supplements WorkerID/Timeout/MaxRetries).
type Task struct {
	ID     string         `json:"id"`
	Name   string         `json:"name"`
	Schedule Schedule     `json:"schedule"`
	Params map[string]any `json:"params,omitempty"`
	Sources []string      `json:"sources"`
	Normalizer string     `json:"normalizer"`
	Sinks   []string      `json:"sinks"`
	Enabled bool          `json:"enabled"`

	Status   TaskStatus `json:"status"`
	LastRun  time.Time  `json:"last_run"`
	NextRun  time.Time  `json:"next_run"`
	RunCount int        `json:"run_count"`
	ErrorCount int      `json:"error_count"`
	LastError string    `json:"last_error,omitempty"`

	// WorkerID is a slot for the scheduler instance holding this task's
	// execution lock (SPEC_FULL.md §3 supplement; advisory only, this core
	// does not coordinate across processes per the spec's Non-goals). The
	// scheduler in internal/taskscheduler neither sets nor reads it.
	WorkerID string `json:"worker_id,omitempty"`

	// Timeout bounds a single execution; zero means no explicit deadline
	// beyond the caller's context (SPEC_FULL.md §10 supplement).
	Timeout time.Duration `json:"timeout,omitempty"`

	// MaxRetries bounds in-run retry attempts before the execution is
	// marked failed (SPEC_FULL.md §10 supplement).
	MaxRetries int `json:"max_retries,omitempty"`

	// RetryDelay is the pause between retry attempts.
	RetryDelay time.Duration `json:"retry_delay,omitempty"`
}

// ProcessorParams configures the ranking/filtering stage of a task's
// pipeline (spec §4.7 Pipeline per run, Processor).
type ProcessorParams struct {
	MinPrice float64 `json:"min_price"`
	MaxPrice float64 `json:"max_price"`
	Currency string  `json:"currency"`
	TopN     int     `json:"top_n"`
}

// Listing is the normalized record emitted by a task's normalizer stage and
// consumed by the processor/sinks (spec §3 Listing).
type Listing struct {
	ID        string   `json:"id"`
	Title     string   `json:"title"`
	Price     float64  `json:"price"`
	Currency  string   `json:"currency"`
	URL       string   `json:"url"`
	Images    []string `json:"images,omitempty"`
	PostedAt  *time.Time `json:"posted_at,omitempty"`
	Location  string   `json:"location,omitempty"`
	Seller    string   `json:"seller,omitempty"`
	Raw       map[string]any `json:"raw,omitempty"`

	// Source names the normalizer that produced this listing (e.g.
	// "facebook_marketplace"); SPEC_FULL.md §3 supplement recovered from
	// original_source/'s FacebookMarketplaceNormalizer.
	Source string `json:"source,omitempty"`

	// NormalizedAt records when normalization happened, used only for sink
	// de-duplication.
	NormalizedAt time.Time `json:"normalized_at,omitempty"`
}

// Valid checks the Listing invariants from spec §3: id/title/url/currency
// non-empty, price >= 0.
func (l Listing) Valid() bool {
	return l.ID != "" && l.Title != "" && l.URL != "" && l.Currency != "" && l.Price >= 0
}
