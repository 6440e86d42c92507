// Package config loads the ambient process-level configuration this core
// needs to run locally — store backend/DSN, queue capacities, worker-pool
// sizes, tick intervals, observability endpoints — using the same YAML +
// json5 + $include + env-var-expansion loader idiom as the teacher's
// internal/config (SPEC_FULL.md §2, §6). It is deliberately NOT a preset
// schema validator: Preset documents remain an external, already-validated
// input to this core per spec §1/§6; LoadPreset below only decodes, it does
// not validate business rules.
package config

import "time"

// Config is the top-level process configuration for a loomd instance.
type Config struct {
	Store         StoreConfig         `yaml:"store"`
	Adapter       AdapterConfig       `yaml:"adapter"`
	TaskScheduler TaskSchedulerConfig `yaml:"task_scheduler"`
	Observability ObservabilityConfig `yaml:"observability"`
	Logging       LoggingConfig       `yaml:"logging"`
}

// StoreConfig selects and configures the Persistence Store backend (spec
// §4.5).
type StoreConfig struct {
	// Backend is "memory" or "sqlite".
	Backend string `yaml:"backend"`
	// DSN is the sqlite file path when Backend is "sqlite".
	DSN string `yaml:"dsn"`
}

// AdapterConfig configures the External Adapter (spec §4.6).
type AdapterConfig struct {
	MaxConcurrentConversations int           `yaml:"max_concurrent_conversations"`
	EventQueueSize             int           `yaml:"event_queue_size"`
	UserQueueSize              int           `yaml:"user_queue_size"`
	HeartbeatInterval          time.Duration `yaml:"heartbeat_interval"`
}

// TaskSchedulerConfig configures the Task Scheduler background loop (spec
// §4.7).
type TaskSchedulerConfig struct {
	TickInterval  time.Duration `yaml:"tick_interval"`
	MaxConcurrent int           `yaml:"max_concurrent"`
}

// ObservabilityConfig configures metrics/tracing endpoints (SPEC_FULL.md
// §2 Observability).
type ObservabilityConfig struct {
	MetricsAddr  string  `yaml:"metrics_addr"`
	OTLPEndpoint string  `yaml:"otlp_endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
}

// LoggingConfig configures the process-wide logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns sane defaults matching the spec's stated minimums (e.g.
// §5 Backpressure: "bounded (configurable, default >= 1024)").
func Default() Config {
	return Config{
		Store: StoreConfig{Backend: "memory"},
		Adapter: AdapterConfig{
			MaxConcurrentConversations: 32,
			EventQueueSize:             1024,
			UserQueueSize:              256,
			HeartbeatInterval:          30 * time.Second,
		},
		TaskScheduler: TaskSchedulerConfig{
			TickInterval:  time.Minute,
			MaxConcurrent: 5,
		},
		Observability: ObservabilityConfig{
			SamplingRate: 1.0,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}
