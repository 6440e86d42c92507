package observability

import (
	"context"
	"testing"
)

func TestNewTracerNoEndpointIsNoOp(t *testing.T) {
	tracer, shutdown := NewTracer(context.Background(), TraceConfig{ServiceName: "loom-test"})
	defer func() {
		if err := shutdown(context.Background()); err != nil {
			t.Fatalf("shutdown: %v", err)
		}
	}()

	ctx, span := tracer.StartIteration(context.Background(), "thread-1", 3)
	if ctx == nil {
		t.Fatal("expected non-nil context")
	}
	span.End()
}

func TestTracerStartToolCallAndTaskRun(t *testing.T) {
	tracer, shutdown := NewTracer(context.Background(), TraceConfig{})
	defer shutdown(context.Background())

	_, toolSpan := tracer.StartToolCall(context.Background(), "ddg")
	toolSpan.End()

	_, taskSpan := tracer.StartTaskRun(context.Background(), "task-1")
	taskSpan.End()
}
