// Package main provides the CLI entry point for loomd, the thin process
// wrapper around the conversation engine and task scheduler core.
//
// loomd does not embed any preset or business logic: it only wires the
// Persistence Store, Provider/Tool Registries, External Adapter, and Task
// Scheduler together from a config file, starts the ambient metrics/log/
// trace stack, and runs the task scheduler's background loop. Starting and
// driving actual conversations is left to an embedding application calling
// into internal/adapter directly; this binary exists for local/manual
// operation and for running the Task Scheduler standalone.
//
// # Basic usage
//
//	loomd serve --config loom.yaml
//	loomd validate-preset --preset preset.yaml
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/agentlab/loom/internal/adapter"
	"github.com/agentlab/loom/internal/config"
	"github.com/agentlab/loom/internal/observability"
	"github.com/agentlab/loom/internal/registry"
	"github.com/agentlab/loom/internal/store"
	"github.com/agentlab/loom/internal/taskscheduler"
)

// Build information, populated by ldflags during release builds.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "loomd",
		Short:        "loomd - conversation lab engine and task scheduler",
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}
	root.AddCommand(buildServeCmd(), buildValidatePresetCmd())
	return root
}

func buildServeCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the task scheduler and metrics/adapter scaffolding",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "loom.yaml", "path to the loomd config file")
	return cmd
}

func buildValidatePresetCmd() *cobra.Command {
	var presetPath string
	cmd := &cobra.Command{
		Use:   "validate-preset",
		Short: "Decode a preset document and print its node/tool/runtime summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			preset, err := config.LoadPreset(presetPath)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "objective: %s\n", preset.Objective)
			fmt.Fprintf(out, "agents: %d\n", len(preset.Agents))
			fmt.Fprintf(out, "users: %d\n", len(preset.Users))
			fmt.Fprintf(out, "tools: %d\n", len(preset.Tools))
			fmt.Fprintf(out, "scheduler: %s cadence=%v order=%v\n", preset.Runtime.Scheduler.Impl, preset.Runtime.Scheduler.Cadence, preset.Runtime.Scheduler.Order)
			return nil
		},
	}
	cmd.Flags().StringVarP(&presetPath, "preset", "p", "", "path to the preset document")
	cmd.MarkFlagRequired("preset")
	return cmd
}

// runServe wires and starts the long-running pieces of the core: the
// persistence store, the task scheduler's background loop, an empty
// adapter ready for an embedding process to drive over its Go API, and (if
// configured) a Prometheus /metrics endpoint.
func runServe(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := observability.NewLogger(observability.LogConfig{Level: cfg.Logging.Level, Format: cfg.Logging.Format})
	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
	tracer, shutdownTracer := observability.NewTracer(ctx, observability.TraceConfig{
		ServiceName:  "loomd",
		Endpoint:     cfg.Observability.OTLPEndpoint,
		SamplingRate: cfg.Observability.SamplingRate,
	})
	defer shutdownTracer(context.Background())

	st, err := buildStore(ctx, cfg.Store)
	if err != nil {
		return fmt.Errorf("build store: %w", err)
	}

	providers := registry.NewProviderRegistry()
	tools := registry.NewToolRegistry()

	ad := adapter.New(adapter.Config{
		Store:                      st,
		Providers:                  providers,
		Tools:                      tools,
		Metrics:                    metrics,
		Logger:                     logger,
		Tracer:                     tracer,
		MaxConcurrentConversations: cfg.Adapter.MaxConcurrentConversations,
		UserQueueMax:               cfg.Adapter.UserQueueSize,
		EventQueueSize:             cfg.Adapter.EventQueueSize,
		HeartbeatInterval:          cfg.Adapter.HeartbeatInterval,
	})
	logger.Info("adapter ready", "max_concurrent_conversations", cfg.Adapter.MaxConcurrentConversations)
	_ = ad // driven by an embedding process's API layer; loomd itself starts no conversations

	taskStore := taskscheduler.NewMemoryStore()
	taskRegistry := taskscheduler.NewRegistry()
	sched := taskscheduler.New(taskStore, taskRegistry,
		taskscheduler.WithLogger(logger),
		taskscheduler.WithMetrics(metrics),
		taskscheduler.WithTracer(tracer),
		taskscheduler.WithTickInterval(cfg.TaskScheduler.TickInterval),
		taskscheduler.WithMaxConcurrent(cfg.TaskScheduler.MaxConcurrent),
	)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	sched.Start(runCtx)
	logger.Info("task scheduler started", "tick_interval", cfg.TaskScheduler.TickInterval, "max_concurrent", cfg.TaskScheduler.MaxConcurrent)

	var metricsSrv *http.Server
	if cfg.Observability.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsSrv = &http.Server{Addr: cfg.Observability.MetricsAddr, Handler: mux}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server failed", "error", err)
			}
		}()
		logger.Info("metrics server started", "addr", cfg.Observability.MetricsAddr)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigCh:
		logger.Info("shutdown signal received")
	case <-ctx.Done():
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	if err := sched.Stop(stopCtx); err != nil {
		logger.Warn("task scheduler stop did not complete cleanly", "error", err)
	}
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(stopCtx)
	}
	return nil
}

func buildStore(ctx context.Context, cfg config.StoreConfig) (store.Store, error) {
	switch cfg.Backend {
	case "", "memory":
		return store.NewMemoryStore(), nil
	case "sqlite":
		return store.NewSQLiteStore(ctx, cfg.DSN)
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}
