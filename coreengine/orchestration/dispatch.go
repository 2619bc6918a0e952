package orchestration

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jeeves-cluster-organization/agentrelay/coreengine/a2a"
	"github.com/jeeves-cluster-organization/agentrelay/coreengine/observability"
)

// executionCall carries everything an execution agent needs for one call.
type executionCall struct {
	requestID     string
	prompt        string
	localEndpoint string
	conversation  []ConversationTurn
	explanation   string
	plan          *ExecutionPlan
}

// executeFunc is one execution agent.
type executeFunc func(ctx context.Context, call executionCall, emit a2a.Emitter) (ResponsePayload, error)

// executionAgents builds the closed dispatch table.
func (r *Runtime) executionAgents() map[a2a.AgentID]executeFunc {
	return map[a2a.AgentID]executeFunc{
		a2a.ToolAgent: r.runToolAgent,
		a2a.ChatAgent: r.runChatAgent,
	}
}

// dispatch returns the execution function for agent. Ids outside the table
// fall back to the tool agent.
func (r *Runtime) dispatch(agent a2a.AgentID) executeFunc {
	if fn, ok := r.agents[agent]; ok {
		return fn
	}
	r.logger.Warn("unknown_execution_agent", "agent", string(agent), "fallback", string(a2a.ToolAgent))
	return r.agents[a2a.ToolAgent]
}

// runToolAgent executes the plan through the tool executor.
func (r *Runtime) runToolAgent(ctx context.Context, call executionCall, emit a2a.Emitter) (resp ResponsePayload, err error) {
	tool := ""
	if call.plan != nil {
		tool = call.plan.Tool
	}
	endpoint := r.endpoint(call.localEndpoint)

	ctx, span := r.tracer.Start(ctx, "orchestration.execute", trace.WithAttributes(
		attribute.String("agentrelay.agent", string(a2a.ToolAgent)),
		attribute.String("agentrelay.request.id", call.requestID),
		attribute.String("agentrelay.tool", tool),
	))
	defer span.End()
	defer r.observeAgent(span, a2a.ToolAgent, time.Now(), &err)

	emit.Emit(a2a.NewMessage(a2a.Orchestrator, a2a.ToolAgent, a2a.TypeExecRequest, call.requestID, map[string]any{
		"prompt":        call.prompt,
		"localEndpoint": endpoint,
		"tool":          nullable(tool),
	}))

	onProgress := func(eventType string, payload map[string]any) {
		body := make(map[string]any, len(payload)+1)
		body["type"] = eventType
		for k, v := range payload {
			body[k] = v
		}
		emit.Emit(a2a.NewMessage(a2a.ToolAgent, a2a.Orchestrator, a2a.TypeExecProgress, call.requestID, body))
	}

	toolCtx, cancel := withTimeout(ctx, r.cfg.ToolTimeoutDuration())
	result, err := r.deps.Tools.ExecuteTool(toolCtx, ToolRequest{
		Query:        call.prompt,
		Endpoint:     endpoint,
		Conversation: call.conversation,
		Plan:         call.plan,
	}, onProgress)
	cancel()
	if err != nil {
		return ResponsePayload{}, err
	}
	if result == nil {
		result = &ToolResult{}
	}

	resp = ProxyResponse(*result, ResponseExtras{
		Route:       RouteToolExecution,
		RoutedQuery: call.prompt,
		Explanation: call.explanation,
	})

	emit.Emit(a2a.NewMessage(a2a.ToolAgent, a2a.Orchestrator, a2a.TypeExecResponse, call.requestID, map[string]any{
		"status": resp.StatusOrOK(),
		"tool":   nullable(resp.Tool),
	}))
	span.SetAttributes(attribute.Int("agentrelay.tool.status", resp.StatusOrOK()))
	return resp, nil
}

// runChatAgent answers conversationally without tools.
func (r *Runtime) runChatAgent(ctx context.Context, call executionCall, emit a2a.Emitter) (resp ResponsePayload, err error) {
	ctx, span := r.tracer.Start(ctx, "orchestration.execute", trace.WithAttributes(
		attribute.String("agentrelay.agent", string(a2a.ChatAgent)),
		attribute.String("agentrelay.request.id", call.requestID),
	))
	defer span.End()
	defer r.observeAgent(span, a2a.ChatAgent, time.Now(), &err)

	emit.Emit(a2a.NewMessage(a2a.Orchestrator, a2a.ChatAgent, a2a.TypeExecRequest, call.requestID, map[string]any{
		"prompt": call.prompt,
	}))

	llmCtx, cancel := withTimeout(ctx, r.cfg.LLMTimeoutDuration())
	answer, err := r.deps.Generator.GenerateText(llmCtx, r.cfg.ChatOnlyPrompt, call.prompt)
	cancel()
	if err != nil {
		return ResponsePayload{}, err
	}

	resp = ResponsePayload{
		Action:      ActionChatOnly,
		Answer:      answer,
		Route:       RouteChatOnly,
		RoutedQuery: call.prompt,
		Explanation: call.explanation,
		MCPStatus:   200,
	}

	emit.Emit(a2a.NewMessage(a2a.ChatAgent, a2a.Orchestrator, a2a.TypeExecResponse, call.requestID, map[string]any{
		"status": 200,
	}))
	return resp, nil
}

func (r *Runtime) observeAgent(span trace.Span, agent a2a.AgentID, start time.Time, errp *error) {
	durationMS := int(time.Since(start).Milliseconds())
	if err := *errp; err != nil {
		observability.RecordAgentExecution(string(agent), "error", durationMS)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.logger.Error("execution_failed", "agent", string(agent), "error", err.Error(), "duration_ms", durationMS)
		return
	}
	observability.RecordAgentExecution(string(agent), "success", durationMS)
	span.SetStatus(codes.Ok, "success")
	r.logger.Debug("execution_completed", "agent", string(agent), "duration_ms", durationMS)
}

// nullable renders "" as JSON null in envelope payloads.
func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
