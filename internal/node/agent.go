package node

import (
	"context"
	"fmt"

	"github.com/agentlab/loom/internal/observability"
	"github.com/agentlab/loom/internal/registry"
	"github.com/agentlab/loom/internal/state"
	"github.com/agentlab/loom/pkg/errs"
	"github.com/agentlab/loom/pkg/models"
	"go.opentelemetry.io/otel/trace"
)

const defaultMaxToolIterations = 3

// Agent is the only node kind that may request tool use (spec §4.2 Agent
// node). Its turn loops: call the provider, and if it responds with a
// models.ToolCallRequest instead of final text, check the tool's budget,
// run it, and feed the result back as an additional message — up to
// MaxToolIterations rounds, after which it forces one last tool-less call
// so the turn always ends in text.
type Agent struct {
	id                string
	provider          registry.Provider
	tools             *registry.ToolRegistry
	toolIDs           []string
	systemPrompt      string
	windowSize        int
	maxToolIterations int

	metrics *observability.Metrics
	tracer  *observability.Tracer
}

// WithObservability wires optional metrics/tracing into the agent's tool
// loop (SPEC_FULL.md §4.4, §9: "a prometheus counter per tool call, an otel
// span per tool invocation"). Either argument may be nil to leave that
// signal disabled; returns the agent itself for call-site chaining.
func (a *Agent) WithObservability(metrics *observability.Metrics, tracer *observability.Tracer) *Agent {
	a.metrics = metrics
	a.tracer = tracer
	return a
}

// NewAgent creates an Agent node. maxToolIterations<=0 uses the spec
// default of 3.
func NewAgent(id string, provider registry.Provider, tools *registry.ToolRegistry, toolIDs []string, systemPrompt string, windowSize, maxToolIterations int) *Agent {
	if maxToolIterations <= 0 {
		maxToolIterations = defaultMaxToolIterations
	}
	return &Agent{
		id:                id,
		provider:          provider,
		tools:             tools,
		toolIDs:           toolIDs,
		systemPrompt:      systemPrompt,
		windowSize:        windowSize,
		maxToolIterations: maxToolIterations,
	}
}

func (a *Agent) ID() string        { return a.id }
func (a *Agent) Role() models.Role { return models.RoleAgent }

// BuildMessages composes the bounded prompt window (spec §4.1
// compose_messages, §4.2 step 1).
func (a *Agent) BuildMessages(st *state.State) []models.ChatMessage {
	return st.ComposeMessages(a.systemPrompt, a.windowSize)
}

// Postprocess wraps a final (non-tool-call) provider response as a
// NodeOutput (spec §4.2 step 3).
func (a *Agent) Postprocess(_ context.Context, raw models.ChatResult, _ *state.State) (models.NodeOutput, error) {
	return models.NodeOutput{Role: models.RoleAgent, Content: raw.Content, Metadata: raw.Metadata}, nil
}

// Validate consults the thread's registered contracts (spec §4.2 step 4).
func (a *Agent) Validate(out models.NodeOutput, st *state.State) error {
	return st.Validate(out)
}

// Execute runs the bounded tool-call loop followed by the shared
// postprocess/validate steps (spec §4.2).
func (a *Agent) Execute(ctx context.Context, st *state.State) (models.NodeOutput, error) {
	messages := a.BuildMessages(st)
	schemas := a.tools.Schemas(a.toolIDs)

	var raw models.ChatResult
	for iteration := 0; iteration < a.maxToolIterations; iteration++ {
		result, err := providerCall(ctx, a.provider, messages, schemas)
		if err != nil {
			return models.NodeOutput{}, err
		}

		req, isToolCall := result.Content.(models.ToolCallRequest)
		if !isToolCall {
			raw = result
			break
		}

		if ok, reason := st.CanCallTool(req.ToolID); !ok {
			// Budget exceeded: the agent proceeds to final generation rather
			// than aborting the turn (spec §4.2 failure semantics).
			if a.metrics != nil {
				a.metrics.ToolCallsTotal.WithLabelValues(req.ToolID, "budget_exceeded").Inc()
			}
			messages = append(messages, models.ChatMessage{
				Role:    "system",
				Content: fmt.Sprintf("tool %q is unavailable (%s); answer using what you already have", req.ToolID, reason),
			})
			result, err = providerCall(ctx, a.provider, messages, nil)
			if err != nil {
				return models.NodeOutput{}, err
			}
			raw = result
			break
		}

		tool, err := a.tools.Get(req.ToolID)
		if err != nil {
			if a.metrics != nil {
				a.metrics.ToolCallsTotal.WithLabelValues(req.ToolID, "error").Inc()
			}
			return models.NodeOutput{}, &errs.ToolError{ToolID: req.ToolID, Err: err}
		}

		toolCtx := ctx
		var toolSpan trace.Span
		if a.tracer != nil {
			toolCtx, toolSpan = a.tracer.StartToolCall(ctx, req.ToolID)
		}
		toolResult, err := tool.Run(toolCtx, req.Args)
		if toolSpan != nil {
			toolSpan.End()
		}
		if err != nil {
			if a.metrics != nil {
				a.metrics.ToolCallsTotal.WithLabelValues(req.ToolID, "error").Inc()
			}
			return models.NodeOutput{}, &errs.ToolError{ToolID: req.ToolID, Err: err}
		}
		if err := st.RecordToolCall(req.ToolID); err != nil {
			return models.NodeOutput{}, err
		}
		if a.metrics != nil {
			a.metrics.ToolCallsTotal.WithLabelValues(req.ToolID, "ok").Inc()
		}

		messages = append(messages, models.ChatMessage{
			Role:    "tool",
			Content: fmt.Sprintf("%q -> ok=%v data=%v error=%s", req.ToolID, toolResult.OK, toolResult.Data, toolResult.Error),
		})

		if iteration == a.maxToolIterations-1 {
			// Ran out of rounds: force one last tool-less call so the turn
			// always ends in text rather than a dangling tool request.
			result, err = providerCall(ctx, a.provider, messages, nil)
			if err != nil {
				return models.NodeOutput{}, err
			}
			raw = result
		}
	}

	out, err := a.Postprocess(ctx, raw, st)
	if err != nil {
		return models.NodeOutput{}, err
	}
	if err := a.Validate(out, st); err != nil {
		return models.NodeOutput{}, err
	}
	return out, nil
}
