// Package a2a defines the agent-to-agent message envelope emitted at every
// hand-off of an orchestration run, and the observer port that receives it.
//
// Envelopes are observability only: no component routes work by reading them.
package a2a

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ProtocolVersion is stamped on every envelope.
const ProtocolVersion = "a2a.v1"

// AgentID identifies a logical agent. The set is closed.
type AgentID string

const (
	Orchestrator AgentID = "orchestrator"
	PlanAgent    AgentID = "plan-agent"
	ToolAgent    AgentID = "mcp-agent"
	ChatAgent    AgentID = "chat-agent"
	OutputAgent  AgentID = "output-agent"
)

// Known reports whether id is one of the closed set of agent ids.
func (id AgentID) Known() bool {
	switch id {
	case Orchestrator, PlanAgent, ToolAgent, ChatAgent, OutputAgent:
		return true
	}
	return false
}

// Message types used on envelopes.
const (
	TypePlanRequest      = "plan.request"
	TypePlanResponse     = "plan.response"
	TypePlanRetry        = "plan.retry"
	TypeWorkflowContinue = "plan.workflow_continue"
	TypeExecRequest      = "execution.request"
	TypeExecProgress     = "execution.progress"
	TypeExecResponse     = "execution.response"
	TypeOutputRequest    = "output.request"
	TypeOutputDone       = "output.done"
)

// Envelope is one agent-to-agent message.
type Envelope struct {
	Protocol  string         `json:"protocol"`
	RequestID string         `json:"requestId"`
	From      AgentID        `json:"from"`
	To        AgentID        `json:"to"`
	Type      string         `json:"type"`
	Timestamp int64          `json:"timestamp"`
	Payload   map[string]any `json:"payload"`
}

// NewMessage builds an envelope stamped with the protocol version and the
// current time in unix milliseconds. A nil payload becomes an empty map.
func NewMessage(from, to AgentID, msgType, requestID string, payload map[string]any) Envelope {
	if payload == nil {
		payload = map[string]any{}
	}
	return Envelope{
		Protocol:  ProtocolVersion,
		RequestID: requestID,
		From:      from,
		To:        to,
		Type:      msgType,
		Timestamp: time.Now().UnixMilli(),
		Payload:   payload,
	}
}

// NewRequestID returns an id of the form req_<unix-ms>_<8 hex chars>.
func NewRequestID() string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("req_%d_%s", time.Now().UnixMilli(), suffix)
}
