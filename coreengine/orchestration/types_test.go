package orchestration

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeeves-cluster-organization/agentrelay/coreengine/a2a"
	"github.com/jeeves-cluster-organization/agentrelay/coreengine/config"
)

// =============================================================================
// ROUTE PARSING
// =============================================================================

func TestParseRouteDecision(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		expected *RouteDecision
	}{
		{"chat", `{"route":"chat_only","query":" hi ","explanation":" greet "}`, &RouteDecision{Route: RouteChatOnly, Query: "hi", Explanation: "greet"}},
		{"tool", `{"route":"tool_execution","query":"read"}`, &RouteDecision{Route: RouteToolExecution, Query: "read"}},
		{"legacy local_mcp", `{"route":"local_mcp"}`, &RouteDecision{Route: RouteToolExecution}},
		{"unknown route", `{"route":"banana"}`, &RouteDecision{Route: RouteToolExecution}},
		{"non-string query ignored", `{"route":"chat_only","query":5}`, &RouteDecision{Route: RouteChatOnly}},
		{"surrounding whitespace", "\n  {\"route\":\"chat_only\"}  ", &RouteDecision{Route: RouteChatOnly}},
		{"empty", "", nil},
		{"not json", "route: chat_only", nil},
		{"array", `[{"route":"chat_only"}]`, nil},
		{"null", "null", nil},
		{"missing route", `{"query":"x"}`, nil},
		{"numeric route", `{"route":1}`, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, ParseRouteDecision(tt.raw))
		})
	}
}

func TestRouteDecisionExecutionAgent(t *testing.T) {
	assert.Equal(t, a2a.ChatAgent, RouteDecision{Route: RouteChatOnly}.ExecutionAgent())
	assert.Equal(t, a2a.ToolAgent, RouteDecision{Route: RouteToolExecution}.ExecutionAgent())
	assert.Equal(t, a2a.ToolAgent, RouteDecision{}.ExecutionAgent())
}

// =============================================================================
// PLANS
// =============================================================================

func TestExecutionPlanCloneIsDeep(t *testing.T) {
	plan := &ExecutionPlan{
		Tool:           "read_file",
		ToolArguments:  map[string]any{"paths": []any{"a"}, "opts": map[string]any{"n": 1}},
		AlternatePaths: []string{"b"},
		Workflow: &Workflow{
			Type:     "github_pr",
			FollowUp: &PlannedCall{Tool: "create_pr", ToolArguments: map[string]any{"title": "t"}},
		},
	}

	clone := plan.Clone()
	clone.ToolArguments["paths"].([]any)[0] = "changed"
	clone.ToolArguments["opts"].(map[string]any)["n"] = 2
	clone.AlternatePaths[0] = "changed"
	clone.Workflow.FollowUp.ToolArguments["title"] = "changed"
	clone.Workflow.Type = "changed"

	assert.Equal(t, "a", plan.ToolArguments["paths"].([]any)[0])
	assert.Equal(t, 1, plan.ToolArguments["opts"].(map[string]any)["n"])
	assert.Equal(t, "b", plan.AlternatePaths[0])
	assert.Equal(t, "t", plan.Workflow.FollowUp.ToolArguments["title"])
	assert.Equal(t, "github_pr", plan.Workflow.Type)

	var nilPlan *ExecutionPlan
	assert.Nil(t, nilPlan.Clone())
	assert.Equal(t, "", nilPlan.WorkflowType())
}

func TestManifestContextObservedStatus(t *testing.T) {
	var nilCtx *ManifestContext
	assert.Equal(t, 0, nilCtx.ObservedStatus())
	assert.Equal(t, 503, (&ManifestContext{Status: 503}).ObservedStatus())
	assert.Equal(t, 200, (&ManifestContext{Status: 503, ManifestAttempt: &ManifestAttempt{Status: 200}}).ObservedStatus())
	assert.Equal(t, 503, (&ManifestContext{Status: 503, ManifestAttempt: &ManifestAttempt{}}).ObservedStatus())
}

func TestNormalizeConversation(t *testing.T) {
	got := NormalizeConversation([]ConversationMessage{
		{Role: "system", Text: "be nice"},
		{Role: "user", Text: "hi"},
		{Role: "tool", Text: "{}"},
		{Role: "assistant", Text: "hello"},
	})
	assert.Equal(t, []ConversationTurn{{Role: "user", Content: "hi"}, {Role: "assistant", Content: "hello"}}, got)
	assert.Empty(t, NormalizeConversation(nil))
	assert.NotNil(t, NormalizeConversation(nil))
}

// =============================================================================
// RESPONSE PAYLOAD
// =============================================================================

func TestProxyResponse(t *testing.T) {
	extras := ResponseExtras{Route: RouteToolExecution, RoutedQuery: "q", Explanation: "e"}

	t.Run("data fields kept and extras override", func(t *testing.T) {
		resp := ProxyResponse(ToolResult{Status: 201, Data: map[string]any{
			"answer":      "done",
			"route":       "bogus",
			"explanation": "tool's own",
			"files":       []any{"a"},
		}}, extras)

		assert.Equal(t, ActionLocalTool, resp.Action)
		assert.Equal(t, "done", resp.Answer)
		assert.Equal(t, RouteToolExecution, resp.Route)
		assert.Equal(t, "e", resp.Explanation)
		assert.Equal(t, 201, resp.MCPStatus)
		assert.Equal(t, []any{"a"}, resp.Extra["files"])
	})

	t.Run("tool action preserved", func(t *testing.T) {
		resp := ProxyResponse(ToolResult{Status: 200, Data: map[string]any{"action": "remote-mcp", "answer": "x"}}, extras)
		assert.Equal(t, "remote-mcp", resp.Action)
	})

	t.Run("answer fallbacks", func(t *testing.T) {
		assert.Equal(t, "from content",
			ProxyResponse(ToolResult{Data: map[string]any{"content": "from content", "message": "m"}}, extras).Answer)
		assert.Equal(t, "from message",
			ProxyResponse(ToolResult{Data: map[string]any{"message": "from message"}}, extras).Answer)
		assert.JSONEq(t, `{"count":3}`,
			ProxyResponse(ToolResult{Data: map[string]any{"count": 3}}, extras).Answer)
		assert.Equal(t, "", ProxyResponse(ToolResult{}, extras).Answer)
	})

	t.Run("zero status treated as ok", func(t *testing.T) {
		resp := ProxyResponse(ToolResult{Data: map[string]any{"answer": "x"}}, extras)
		assert.Equal(t, 0, resp.MCPStatus)
		assert.Equal(t, 200, resp.StatusOrOK())
	})
}

func TestResponsePayloadJSON(t *testing.T) {
	resp := ResponsePayload{
		Action:        ActionLocalTool,
		Answer:        "blocked",
		Route:         RouteToolExecution,
		RoutedQuery:   "q",
		MCPStatus:     200,
		RequiresInput: true,
		Missing:       MissingWorkspace,
		Extra:         map[string]any{"answer": "shadowed", "git": map[string]any{"dirty": true}},
	}

	b, err := json.Marshal(resp)
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(b, &raw))
	assert.Equal(t, "blocked", raw["answer"])
	assert.Equal(t, true, raw["requiresInput"])
	assert.Equal(t, "workspace_state", raw["missing"])
	assert.Equal(t, map[string]any{"dirty": true}, raw["git"])
	assert.NotContains(t, raw, "tool")

	var back ResponsePayload
	require.NoError(t, json.Unmarshal(b, &back))
	assert.Equal(t, "blocked", back.Answer)
	assert.Equal(t, 200, back.MCPStatus)
	assert.True(t, back.RequiresInput)
	assert.Equal(t, map[string]any{"git": map[string]any{"dirty": true}}, back.Extra)
}

func TestResponsePayloadOmitsZeroOptionals(t *testing.T) {
	b, err := json.Marshal(ResponsePayload{Action: ActionChatOnly, Answer: "hi", Route: RouteChatOnly, MCPStatus: 200})
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(b, &raw))
	assert.NotContains(t, raw, "requiresInput")
	assert.NotContains(t, raw, "missing")
	assert.Equal(t, "chat_only", raw["route"])
}

// =============================================================================
// DISPATCH
// =============================================================================

type stubGenerator struct{}

func (stubGenerator) GenerateStructured(context.Context, string, string) (string, error) {
	return `{"route":"chat_only"}`, nil
}
func (stubGenerator) GenerateText(context.Context, string, string) (string, error) { return "hi", nil }

type stubTools struct{ calls int }

func (s *stubTools) ExecuteTool(context.Context, ToolRequest, ProgressFunc) (*ToolResult, error) {
	s.calls++
	return &ToolResult{Status: 200, Data: map[string]any{"answer": "tool"}}, nil
}

type stubManifest struct{}

func (stubManifest) PlanFromManifest(context.Context, string, string, string) (*ManifestPlanning, error) {
	return &ManifestPlanning{}, nil
}

func TestDispatchUnknownAgentFallsBackToTool(t *testing.T) {
	tools := &stubTools{}
	rt, err := NewRuntime(config.DefaultOrchestratorConfig(), Dependencies{
		Generator: stubGenerator{},
		Tools:     tools,
		Manifest:  stubManifest{},
		Readiness: ReadinessFunc(func(ResponsePayload) Readiness { return Readiness{} }),
	}, nil)
	require.NoError(t, err)

	execute := rt.dispatch(a2a.AgentID("summarizer-agent"))
	resp, err := execute(context.Background(), executionCall{
		requestID: "req_1",
		prompt:    "p",
		plan:      &ExecutionPlan{Tool: "read_file"},
	}, a2a.Nop)
	require.NoError(t, err)

	assert.Equal(t, 1, tools.calls)
	assert.Equal(t, "tool", resp.Answer)
	assert.Equal(t, RouteToolExecution, resp.Route)
}

func TestDispatchTableIsClosed(t *testing.T) {
	rt, err := NewRuntime(config.DefaultOrchestratorConfig(), Dependencies{
		Generator: stubGenerator{},
		Tools:     &stubTools{},
		Manifest:  stubManifest{},
		Readiness: ReadinessFunc(func(ResponsePayload) Readiness { return Readiness{} }),
	}, nil)
	require.NoError(t, err)

	assert.Len(t, rt.agents, 2)
	assert.Contains(t, rt.agents, a2a.ToolAgent)
	assert.Contains(t, rt.agents, a2a.ChatAgent)
	assert.IsType(t, NoRetry{}, rt.deps.Retry)
}
