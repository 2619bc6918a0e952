// Package orchestration implements the A2A orchestration runtime: plan
// selection, execution dispatch, gated workflow continuation and the bounded
// path retry. Output delivery lives in the output package.
package orchestration

import (
	"encoding/json"

	"github.com/jeeves-cluster-organization/agentrelay/coreengine/a2a"
	"github.com/jeeves-cluster-organization/agentrelay/coreengine/typeutil"
)

// =============================================================================
// ROUTING
// =============================================================================

// Route is the planner's choice between tool execution and plain chat.
type Route string

const (
	RouteToolExecution Route = "tool_execution"
	RouteChatOnly      Route = "chat_only"
)

// RouteDecision is produced once per run by the plan stage.
type RouteDecision struct {
	Route       Route  `json:"route"`
	Query       string `json:"query"`
	Explanation string `json:"explanation"`
}

// ExecutionAgent maps a route to the agent that executes it.
func (d RouteDecision) ExecutionAgent() a2a.AgentID {
	if d.Route == RouteChatOnly {
		return a2a.ChatAgent
	}
	return a2a.ToolAgent
}

// =============================================================================
// PLANS
// =============================================================================

// PlannedCall is one tool invocation.
type PlannedCall struct {
	Tool          string         `json:"tool" yaml:"tool"`
	ToolArguments map[string]any `json:"toolArguments,omitempty" yaml:"toolArguments,omitempty"`
}

// Workflow declares a gated follow-up after the plan's own tool (the precheck).
type Workflow struct {
	Type     string       `json:"type" yaml:"type"`
	FollowUp *PlannedCall `json:"followUp,omitempty" yaml:"followUp,omitempty"`
}

// ExecutionPlan is a concrete, tool-bound instruction.
type ExecutionPlan struct {
	Tool           string         `json:"tool,omitempty"`
	ToolArguments  map[string]any `json:"toolArguments"`
	RoutedQuery    string         `json:"routedQuery,omitempty"`
	Explanation    string         `json:"explanation,omitempty"`
	Workflow       *Workflow      `json:"workflow,omitempty"`
	AlternatePaths []string       `json:"alternatePaths,omitempty"`
}

// Clone returns a deep copy of the plan.
func (p *ExecutionPlan) Clone() *ExecutionPlan {
	if p == nil {
		return nil
	}
	out := *p
	out.ToolArguments = typeutil.CloneMap(p.ToolArguments)
	out.AlternatePaths = append([]string(nil), p.AlternatePaths...)
	if p.Workflow != nil {
		wf := *p.Workflow
		if wf.FollowUp != nil {
			fu := *wf.FollowUp
			fu.ToolArguments = typeutil.CloneMap(fu.ToolArguments)
			wf.FollowUp = &fu
		}
		out.Workflow = &wf
	}
	return &out
}

// WorkflowType returns the declared workflow type or "".
func (p *ExecutionPlan) WorkflowType() string {
	if p == nil || p.Workflow == nil {
		return ""
	}
	return p.Workflow.Type
}

// =============================================================================
// WORKFLOW STATE
// =============================================================================

// WorkflowPhase is the state of the precheck/follow-up state machine.
type WorkflowPhase string

const (
	PhaseNoWorkflow       WorkflowPhase = "no_workflow"
	PhasePrecheckExecuted WorkflowPhase = "precheck_executed"
	PhaseProceed          WorkflowPhase = "proceed"
	PhaseBlocked          WorkflowPhase = "blocked"
)

// WorkflowState records how the gate resolved. It exists only when the plan
// declares a workflow.
type WorkflowState struct {
	Type         string        `json:"type"`
	PrecheckTool string        `json:"precheckTool"`
	FollowUpTool string        `json:"followUpTool"`
	Attempted    bool          `json:"attempted"`
	Proceeded    bool          `json:"proceeded"`
	Reason       string        `json:"reason"`
	Phase        WorkflowPhase `json:"phase"`
}

// =============================================================================
// MANIFEST
// =============================================================================

// ManifestAttempt is the diagnostic of one manifest fetch.
type ManifestAttempt struct {
	URL    string `json:"url,omitempty"`
	Status int    `json:"status"`
}

// ManifestContext is the diagnostic half of a manifest planning result.
type ManifestContext struct {
	OK              bool             `json:"ok"`
	ManifestAttempt *ManifestAttempt `json:"manifestAttempt,omitempty"`
	Status          int              `json:"status,omitempty"`
	ToolCount       int              `json:"toolCount,omitempty"`
	Error           string           `json:"error,omitempty"`
}

// ObservedStatus returns the manifest fetch status, the context status, or 0.
func (c *ManifestContext) ObservedStatus() int {
	if c == nil {
		return 0
	}
	if c.ManifestAttempt != nil && c.ManifestAttempt.Status != 0 {
		return c.ManifestAttempt.Status
	}
	return c.Status
}

// ManifestPlanning is what the manifest planner returns. Plan may be nil.
type ManifestPlanning struct {
	Plan    *ExecutionPlan
	Context *ManifestContext
}

// =============================================================================
// TOOL EXECUTION
// =============================================================================

// ConversationMessage is a raw conversation entry as clients send it.
type ConversationMessage struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

// ConversationTurn is a normalized conversation entry.
type ConversationTurn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// NormalizeConversation keeps only user and assistant turns.
func NormalizeConversation(messages []ConversationMessage) []ConversationTurn {
	out := make([]ConversationTurn, 0, len(messages))
	for _, m := range messages {
		if m.Role != "user" && m.Role != "assistant" {
			continue
		}
		out = append(out, ConversationTurn{Role: m.Role, Content: m.Text})
	}
	return out
}

// ToolRequest is handed to the tool executor.
type ToolRequest struct {
	Query        string             `json:"prompt"`
	Endpoint     string             `json:"-"`
	Conversation []ConversationTurn `json:"conversation"`
	Plan         *ExecutionPlan     `json:"preplannedToolPlan,omitempty"`
}

// ProgressFunc receives progress events reported during tool execution.
type ProgressFunc func(eventType string, payload map[string]any)

// ToolResult is the tool executor's answer: an HTTP-style status and data.
type ToolResult struct {
	Status int            `json:"status"`
	Data   map[string]any `json:"data"`
}

// Readiness is the gate decision for a workflow follow-up.
type Readiness struct {
	CanProceed bool   `json:"canProceed"`
	Reason     string `json:"reason"`
}

// =============================================================================
// RESPONSE
// =============================================================================

// Action values set by the runtime.
const (
	ActionLocalTool = "local-mcp"
	ActionChatOnly  = "chat-only"
)

// Missing reason tags.
const (
	MissingExecutionPlan = "execution_plan"
	MissingWorkspace     = "workspace_state"
)

// ResponsePayload is what the output stage delivers. Extra carries the
// remaining fields of the tool's data and is flattened into the JSON form.
type ResponsePayload struct {
	Action        string
	Answer        string
	Route         Route
	RoutedQuery   string
	Explanation   string
	MCPStatus     int
	RequiresInput bool
	Missing       string
	Tool          string
	Extra         map[string]any
}

var responseKeys = map[string]struct{}{
	"action": {}, "answer": {}, "route": {}, "routedQuery": {}, "explanation": {},
	"mcpStatus": {}, "requiresInput": {}, "missing": {}, "tool": {},
}

// StatusOrOK returns MCPStatus, treating 0 as 200.
func (r ResponsePayload) StatusOrOK() int {
	if r.MCPStatus == 0 {
		return 200
	}
	return r.MCPStatus
}

// MarshalJSON flattens Extra next to the known fields; known fields win.
func (r ResponsePayload) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(r.Extra)+9)
	for k, v := range r.Extra {
		out[k] = v
	}
	out["action"] = r.Action
	out["answer"] = r.Answer
	out["route"] = r.Route
	out["routedQuery"] = r.RoutedQuery
	out["explanation"] = r.Explanation
	out["mcpStatus"] = r.MCPStatus
	if r.RequiresInput {
		out["requiresInput"] = true
	}
	if r.Missing != "" {
		out["missing"] = r.Missing
	}
	if r.Tool != "" {
		out["tool"] = r.Tool
	}
	return json.Marshal(out)
}

// UnmarshalJSON reverses MarshalJSON.
func (r *ResponsePayload) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*r = responseFromMap(raw)
	return nil
}

func responseFromMap(raw map[string]any) ResponsePayload {
	r := ResponsePayload{
		Action:        typeutil.SafeStringDefault(raw["action"], ""),
		Answer:        typeutil.SafeStringDefault(raw["answer"], ""),
		Route:         Route(typeutil.SafeStringDefault(raw["route"], "")),
		RoutedQuery:   typeutil.SafeStringDefault(raw["routedQuery"], ""),
		Explanation:   typeutil.SafeStringDefault(raw["explanation"], ""),
		MCPStatus:     typeutil.SafeIntDefault(raw["mcpStatus"], 0),
		Missing:       typeutil.SafeStringDefault(raw["missing"], ""),
		Tool:          typeutil.SafeStringDefault(raw["tool"], ""),
		RequiresInput: typeutil.Truthy(raw["requiresInput"]),
	}
	for k, v := range raw {
		if _, known := responseKeys[k]; known {
			continue
		}
		if r.Extra == nil {
			r.Extra = make(map[string]any)
		}
		r.Extra[k] = v
	}
	return r
}

// ResponseExtras are the route fields a tool response is stamped with.
type ResponseExtras struct {
	Route       Route
	RoutedQuery string
	Explanation string
}

// ProxyResponse builds a ResponsePayload from a tool result: the tool's data
// first, then the route extras, then the status. A tool that returns no
// answer text gets one derived from content, message, or the raw data.
func ProxyResponse(result ToolResult, extras ResponseExtras) ResponsePayload {
	resp := responseFromMap(result.Data)
	resp.Route = extras.Route
	resp.RoutedQuery = extras.RoutedQuery
	resp.Explanation = extras.Explanation
	resp.MCPStatus = result.Status

	if resp.Action == "" {
		resp.Action = ActionLocalTool
	}
	if resp.Answer == "" {
		resp.Answer = fallbackAnswer(result.Data)
	}
	return resp
}

func fallbackAnswer(data map[string]any) string {
	if len(data) == 0 {
		return ""
	}
	if s, ok := typeutil.FirstString(data, "content", "message"); ok {
		return s
	}
	b, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return ""
	}
	return string(b)
}

// =============================================================================
// RESULT
// =============================================================================

// Result is the terminal record of one orchestration run.
type Result struct {
	RequestID       string           `json:"requestId"`
	ExecutionAgent  a2a.AgentID      `json:"executionAgent"`
	Plan            RouteDecision    `json:"plan"`
	ExecutionPlan   *ExecutionPlan   `json:"executionPlan"`
	Retried         bool             `json:"retried"`
	WorkflowState   *WorkflowState   `json:"workflowState,omitempty"`
	ManifestContext *ManifestContext `json:"manifestContext,omitempty"`
	Response        ResponsePayload  `json:"response"`
}

// Status classifies the result for metrics and events.
func (r *Result) Status() string {
	if r.Response.RequiresInput {
		return "requires_input"
	}
	return "success"
}
