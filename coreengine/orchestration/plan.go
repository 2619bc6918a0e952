package orchestration

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jeeves-cluster-organization/agentrelay/coreengine/a2a"
	"github.com/jeeves-cluster-organization/agentrelay/coreengine/observability"
)

// ParseRouteDecision parses planner output. It returns nil for anything that
// is not a JSON object with a string "route". "chat_only" selects chat; any
// other route string, including the legacy "local_mcp", selects tool execution.
func ParseRouteDecision(raw string) *RouteDecision {
	var parsed map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &parsed); err != nil || parsed == nil {
		return nil
	}
	route, ok := parsed["route"].(string)
	if !ok {
		return nil
	}

	decision := &RouteDecision{Route: RouteToolExecution}
	if route == string(RouteChatOnly) {
		decision.Route = RouteChatOnly
	}
	if q, ok := parsed["query"].(string); ok {
		decision.Query = strings.TrimSpace(q)
	}
	if e, ok := parsed["explanation"].(string); ok {
		decision.Explanation = strings.TrimSpace(e)
	}
	return decision
}

// planOutcome is what the plan stage hands to dispatch.
type planOutcome struct {
	requestID string
	decision  RouteDecision
	agent     a2a.AgentID
	plan      *ExecutionPlan
	manifest  *ManifestContext
}

// runPlan asks the model for a route and, for tool routes, the manifest
// planner for an execution plan.
func (r *Runtime) runPlan(ctx context.Context, prompt, localEndpoint string, emit a2a.Emitter) (out *planOutcome, err error) {
	requestID := a2a.NewRequestID()

	ctx, span := r.tracer.Start(ctx, "orchestration.plan", trace.WithAttributes(
		attribute.String("agentrelay.request.id", requestID),
	))
	defer span.End()

	start := time.Now()
	defer func() {
		durationMS := int(time.Since(start).Milliseconds())
		if err != nil {
			observability.RecordAgentExecution(string(a2a.PlanAgent), "error", durationMS)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return
		}
		observability.RecordAgentExecution(string(a2a.PlanAgent), "success", durationMS)
		span.SetStatus(codes.Ok, "success")
	}()

	emit.Emit(a2a.NewMessage(a2a.Orchestrator, a2a.PlanAgent, a2a.TypePlanRequest, requestID, map[string]any{
		"prompt": prompt,
	}))

	llmCtx, cancel := withTimeout(ctx, r.cfg.LLMTimeoutDuration())
	raw, err := r.deps.Generator.GenerateStructured(llmCtx, r.cfg.RouteDecisionPrompt, r.cfg.PlanUserPrefix+prompt)
	cancel()
	if err != nil {
		return nil, err
	}

	decision := ParseRouteDecision(raw)
	if decision == nil {
		r.logger.Warn("route_decision_unparsed", "request_id", requestID)
		decision = &RouteDecision{Route: RouteToolExecution, Query: prompt}
	}

	out = &planOutcome{
		requestID: requestID,
		decision:  *decision,
		agent:     decision.ExecutionAgent(),
	}

	if decision.Route == RouteToolExecution {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		routedQuery := decision.Query
		if routedQuery == "" {
			routedQuery = prompt
		}

		manifestCtx, cancel := withTimeout(ctx, r.cfg.ToolTimeoutDuration())
		planning, err := r.deps.Manifest.PlanFromManifest(manifestCtx, prompt, routedQuery, r.endpoint(localEndpoint))
		cancel()
		if err != nil {
			return nil, err
		}
		if planning != nil {
			out.plan = planning.Plan
			out.manifest = planning.Context
		}
	}

	var workflow any
	if wt := out.plan.WorkflowType(); wt != "" {
		workflow = wt
	}
	emit.Emit(a2a.NewMessage(a2a.PlanAgent, a2a.Orchestrator, a2a.TypePlanResponse, requestID, map[string]any{
		"route":            string(decision.Route),
		"query":            decision.Query,
		"explanation":      decision.Explanation,
		"executionAgent":   string(out.agent),
		"hasExecutionPlan": out.plan != nil,
		"workflow":         workflow,
		"manifestOk":       out.manifest != nil && out.manifest.OK,
		"manifestStatus":   out.manifest.ObservedStatus(),
	}))

	span.SetAttributes(
		attribute.String("agentrelay.route", string(decision.Route)),
		attribute.Bool("agentrelay.plan.present", out.plan != nil),
	)
	r.logger.Info("plan_stage_completed",
		"request_id", requestID,
		"route", string(decision.Route),
		"execution_agent", string(out.agent),
		"has_execution_plan", out.plan != nil,
	)
	return out, nil
}

// missingPlanResponse is returned when a tool route has no execution plan.
func (r *Runtime) missingPlanResponse(routedQuery, explanation string) ResponsePayload {
	return ResponsePayload{
		Action:        ActionLocalTool,
		Answer:        r.cfg.MissingPlanAnswer,
		Route:         RouteToolExecution,
		RoutedQuery:   routedQuery,
		Explanation:   explanation,
		RequiresInput: true,
		Missing:       MissingExecutionPlan,
		MCPStatus:     200,
	}
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
