package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors this core emits from the engine,
// adapter, and task scheduler (SPEC_FULL.md §4.4, §4.6, §4.7). Grounded on
// the teacher's observability.Metrics (same CounterVec/HistogramVec/
// GaugeVec shape), trimmed to only the series this core's components
// actually record.
type Metrics struct {
	// IterationsTotal counts completed Engine.step() calls, labeled by
	// thread_id.
	IterationsTotal *prometheus.CounterVec

	// NodeTurnDuration measures one node's Execute() wall time in seconds,
	// labeled by node_id, role.
	NodeTurnDuration *prometheus.HistogramVec

	// ToolCallsTotal counts tool invocations, labeled by tool_id, status
	// (ok|error|budget_exceeded).
	ToolCallsTotal *prometheus.CounterVec

	// ModeratorActionsTotal counts moderator action dispatches, labeled by
	// action (CONTINUE|STOP|ROLLBACK|CLEAR_SUMMARIES).
	ModeratorActionsTotal *prometheus.CounterVec

	// ActiveConversations is a gauge of labs the adapter currently tracks:
	// raised when a conversation starts and lowered when it is cleaned up,
	// so a stopped conversation counts until cleanup (SPEC_FULL.md §4.6:
	// "prometheus gauges for active_conversations/queue_depth").
	ActiveConversations prometheus.Gauge

	// EventQueueDepth gauges the current depth of a conversation's bounded
	// event queue, labeled by thread_id.
	EventQueueDepth *prometheus.GaugeVec

	// TaskRunsTotal counts Task Scheduler pipeline runs, labeled by
	// task_id, status (completed|error).
	TaskRunsTotal *prometheus.CounterVec

	// TaskRunDuration measures one task pipeline run in seconds, labeled by
	// task_id.
	TaskRunDuration *prometheus.HistogramVec
}

// NewMetrics registers and returns the collector set against reg. Pass
// prometheus.NewRegistry() in tests to avoid colliding with the global
// DefaultRegisterer across parallel test packages.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		IterationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "loom",
			Subsystem: "engine",
			Name:      "iterations_total",
			Help:      "Completed conversation iterations.",
		}, []string{"thread_id"}),
		NodeTurnDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "loom",
			Subsystem: "engine",
			Name:      "node_turn_duration_seconds",
			Help:      "Wall time of a single node turn.",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"node_id", "role"}),
		ToolCallsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "loom",
			Subsystem: "engine",
			Name:      "tool_calls_total",
			Help:      "Tool invocations by outcome.",
		}, []string{"tool_id", "status"}),
		ModeratorActionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "loom",
			Subsystem: "engine",
			Name:      "moderator_actions_total",
			Help:      "Moderator action dispatches by kind.",
		}, []string{"action"}),
		ActiveConversations: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "loom",
			Subsystem: "adapter",
			Name:      "active_conversations",
			Help:      "Conversations currently tracked by the adapter (started and not yet cleaned up).",
		}),
		EventQueueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "loom",
			Subsystem: "adapter",
			Name:      "event_queue_depth",
			Help:      "Current depth of a conversation's bounded event queue.",
		}, []string{"thread_id"}),
		TaskRunsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "loom",
			Subsystem: "taskscheduler",
			Name:      "runs_total",
			Help:      "Task pipeline runs by outcome.",
		}, []string{"task_id", "status"}),
		TaskRunDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "loom",
			Subsystem: "taskscheduler",
			Name:      "run_duration_seconds",
			Help:      "Wall time of one task pipeline run.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300},
		}, []string{"task_id"}),
	}
}
