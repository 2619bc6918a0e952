package orchestration

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jeeves-cluster-organization/agentrelay/commbus"
	"github.com/jeeves-cluster-organization/agentrelay/coreengine/a2a"
	"github.com/jeeves-cluster-organization/agentrelay/coreengine/config"
	"github.com/jeeves-cluster-organization/agentrelay/coreengine/logging"
	"github.com/jeeves-cluster-organization/agentrelay/coreengine/observability"
)

// ErrMissingDependency is returned by NewRuntime when a required collaborator is nil.
var ErrMissingDependency = errors.New("orchestration: missing dependency")

// Dependencies are the collaborators injected into the runtime.
type Dependencies struct {
	Generator Generator
	Tools     ToolExecutor
	Manifest  ManifestPlanner
	Readiness ReadinessEvaluator
	Retry     RetryPolicy // nil disables the path retry

	// Bus receives an OrchestrationCompleted event per run. Optional.
	Bus commbus.CommBus
	// Tracer defaults to the global agentrelay tracer.
	Tracer trace.Tracer
}

// Request is one orchestration request.
type Request struct {
	Prompt        string                `json:"prompt"`
	LocalEndpoint string                `json:"localEndpoint,omitempty"`
	Conversation  []ConversationMessage `json:"conversation,omitempty"`
}

// Runtime runs orchestration requests. It is immutable after NewRuntime and
// safe for concurrent use.
type Runtime struct {
	cfg    config.OrchestratorConfig
	deps   Dependencies
	logger logging.Logger
	tracer trace.Tracer
	agents map[a2a.AgentID]executeFunc
}

// NewRuntime validates cfg and deps and builds a Runtime.
func NewRuntime(cfg config.OrchestratorConfig, deps Dependencies, logger logging.Logger) (*Runtime, error) {
	var missing []string
	if deps.Generator == nil {
		missing = append(missing, "generator")
	}
	if deps.Tools == nil {
		missing = append(missing, "tool executor")
	}
	if deps.Manifest == nil {
		missing = append(missing, "manifest planner")
	}
	if deps.Readiness == nil {
		missing = append(missing, "readiness evaluator")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrMissingDependency, strings.Join(missing, ", "))
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("orchestration: invalid config: %w", err)
	}
	if deps.Retry == nil {
		deps.Retry = NoRetry{}
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	tracer := deps.Tracer
	if tracer == nil {
		tracer = observability.Tracer()
	}

	r := &Runtime{
		cfg:    cfg,
		deps:   deps,
		logger: logger.Bind("component", "orchestration"),
		tracer: tracer,
	}
	r.agents = r.executionAgents()
	return r, nil
}

// Config returns the runtime configuration.
func (r *Runtime) Config() config.OrchestratorConfig {
	return r.cfg
}

// Run executes plan, dispatch, workflow continuation and retry for one
// request. emit may be nil. Collaborator failures are returned wrapped with
// the stage they came from.
func (r *Runtime) Run(ctx context.Context, req Request, emit a2a.Emitter) (result *Result, err error) {
	emit = a2a.Safe(emit)
	start := time.Now()

	ctx, span := r.tracer.Start(ctx, "orchestration.run")
	defer span.End()

	defer func() {
		r.finish(ctx, span, result, err, start)
	}()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	planned, err := r.runPlan(ctx, req.Prompt, req.LocalEndpoint, emit)
	if err != nil {
		return nil, fmt.Errorf("plan stage: %w", err)
	}

	routedPrompt := planned.decision.Query
	if routedPrompt == "" {
		routedPrompt = req.Prompt
	}

	result = &Result{
		RequestID:       planned.requestID,
		ExecutionAgent:  planned.agent,
		Plan:            planned.decision,
		ExecutionPlan:   planned.plan,
		ManifestContext: planned.manifest,
	}
	span.SetAttributes(attribute.String("agentrelay.request.id", planned.requestID))

	if planned.agent == a2a.ToolAgent && planned.plan == nil {
		result.Response = r.missingPlanResponse(routedPrompt, planned.decision.Explanation)
		r.logger.Info("execution_plan_missing", "request_id", planned.requestID)
		return result, nil
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	execute := r.dispatch(planned.agent)
	call := executionCall{
		requestID:     planned.requestID,
		prompt:        routedPrompt,
		localEndpoint: req.LocalEndpoint,
		conversation:  NormalizeConversation(req.Conversation),
		explanation:   planned.decision.Explanation,
		plan:          planned.plan,
	}

	resp, err := execute(ctx, call, emit)
	if err != nil {
		return nil, fmt.Errorf("execution: %w", err)
	}

	if planned.agent == a2a.ToolAgent && planned.plan.Workflow != nil && r.gates(planned.plan.Workflow.Type) {
		resp, result.WorkflowState, err = r.continueWorkflow(ctx, call, resp, execute, emit)
		if err != nil {
			return nil, fmt.Errorf("workflow follow-up: %w", err)
		}
	}

	if planned.agent == a2a.ToolAgent {
		resp, result.Retried, err = r.applyRetry(ctx, call, resp, execute, emit)
		if err != nil {
			return nil, fmt.Errorf("retry: %w", err)
		}
	}

	result.Response = resp
	return result, nil
}

func (r *Runtime) finish(ctx context.Context, span trace.Span, result *Result, err error, start time.Time) {
	durationMS := int(time.Since(start).Milliseconds())

	if err != nil {
		observability.RecordOrchestrationRun("unknown", "error", durationMS)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.logger.Error("orchestration_failed", "error", err.Error(), "duration_ms", durationMS)
		r.publishCompleted(ctx, &commbus.OrchestrationCompleted{
			Status:     "error",
			DurationMS: durationMS,
			Error:      stringPtr(err.Error()),
		})
		return
	}

	status := result.Status()
	observability.RecordOrchestrationRun(string(result.Plan.Route), status, durationMS)
	span.SetStatus(codes.Ok, status)
	r.logger.Info("orchestration_completed",
		"request_id", result.RequestID,
		"execution_agent", string(result.ExecutionAgent),
		"status", status,
		"retried", result.Retried,
		"duration_ms", durationMS,
	)
	r.publishCompleted(ctx, &commbus.OrchestrationCompleted{
		RequestID:      result.RequestID,
		ExecutionAgent: string(result.ExecutionAgent),
		Status:         status,
		DurationMS:     durationMS,
		Retried:        result.Retried,
		Workflow:       result.ExecutionPlan.WorkflowType(),
	})
}

func (r *Runtime) publishCompleted(ctx context.Context, evt *commbus.OrchestrationCompleted) {
	if r.deps.Bus == nil {
		return
	}
	if err := r.deps.Bus.Publish(context.WithoutCancel(ctx), evt); err != nil {
		r.logger.Warn("completion_publish_failed", "error", err.Error())
	}
}

// endpoint resolves the tool endpoint for a request.
func (r *Runtime) endpoint(requested string) string {
	if strings.TrimSpace(requested) != "" {
		return requested
	}
	return r.cfg.LocalEndpoint
}

func stringPtr(s string) *string { return &s }
