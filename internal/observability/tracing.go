package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// TraceConfig configures OpenTelemetry tracing (SPEC_FULL.md §4.4:
// "go.opentelemetry.io/otel span per step()"). An empty Endpoint disables
// export but still returns a working in-process tracer, matching the
// teacher's no-op fallback.
type TraceConfig struct {
	ServiceName    string
	ServiceVersion string
	Endpoint       string
	SamplingRate   float64
	EnableInsecure bool
}

// Tracer wraps an OpenTelemetry tracer plus the provider it came from, so
// callers can Start spans without importing the otel SDK packages
// themselves.
type Tracer struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// NewTracer builds a Tracer from cfg. Returns the tracer and a shutdown
// func that must be called (typically deferred) on process exit; the
// shutdown func is a no-op when tracing was never wired to a real exporter.
func NewTracer(ctx context.Context, cfg TraceConfig) (*Tracer, func(context.Context) error) {
	name := cfg.ServiceName
	if name == "" {
		name = "loom"
	}

	if cfg.Endpoint == "" {
		return &Tracer{tracer: otel.Tracer(name)}, func(context.Context) error { return nil }
	}

	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.EnableInsecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}

	exporter, err := otlptrace.New(ctx, otlptracegrpc.NewClient(opts...))
	if err != nil {
		return &Tracer{tracer: otel.Tracer(name)}, func(context.Context) error { return nil }
	}

	res, err := resource.New(ctx, resource.WithAttributes(
		attribute.String("service.name", name),
		attribute.String("service.version", cfg.ServiceVersion),
	))
	if err != nil {
		res = resource.Default()
	}

	sampler := sdktrace.AlwaysSample()
	switch {
	case cfg.SamplingRate <= 0:
		sampler = sdktrace.NeverSample()
	case cfg.SamplingRate < 1:
		sampler = sdktrace.TraceIDRatioBased(cfg.SamplingRate)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &Tracer{provider: provider, tracer: provider.Tracer(name)}, provider.Shutdown
}

// StartIteration opens a span around one Engine.step() call (SPEC_FULL.md
// §4.4).
func (t *Tracer) StartIteration(ctx context.Context, threadID string, iter int) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "engine.step",
		trace.WithAttributes(
			attribute.String("thread_id", threadID),
			attribute.Int("iter", iter),
		))
}

// StartToolCall opens a span around a single tool invocation.
func (t *Tracer) StartToolCall(ctx context.Context, toolID string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "tool.call", trace.WithAttributes(attribute.String("tool_id", toolID)))
}

// StartTaskRun opens a span around one Task Scheduler pipeline run.
func (t *Tracer) StartTaskRun(ctx context.Context, taskID string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "task.run", trace.WithAttributes(attribute.String("task_id", taskID)))
}
