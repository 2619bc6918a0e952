package orchestration

import (
	"context"
)

// Generator is the language model collaborator.
type Generator interface {
	// GenerateStructured returns text expected to hold one JSON object.
	GenerateStructured(ctx context.Context, systemInstruction, userText string) (string, error)
	// GenerateText returns plain text.
	GenerateText(ctx context.Context, systemInstruction, userText string) (string, error)
}

// ToolExecutor performs the actual tool work. onProgress may be called zero
// or more times before ExecuteTool returns.
type ToolExecutor interface {
	ExecuteTool(ctx context.Context, req ToolRequest, onProgress ProgressFunc) (*ToolResult, error)
}

// ManifestPlanner turns a routed query into an execution plan. A nil plan
// with a nil error means no plan could be built.
type ManifestPlanner interface {
	PlanFromManifest(ctx context.Context, query, routedQuery, endpoint string) (*ManifestPlanning, error)
}

// ReadinessEvaluator gates a workflow follow-up on the precheck response.
type ReadinessEvaluator interface {
	EvaluateReadiness(resp ResponsePayload) Readiness
}

// WorkflowGate is implemented by evaluators that only gate some workflow
// types. A plan whose workflow type is not gated returns its precheck
// response unchanged. Evaluators without it gate every type.
type WorkflowGate interface {
	GatesWorkflow(workflowType string) bool
}

// RetryPolicy detects unresolved-path failures and builds a corrected plan.
// BuildCorrectedPlan returns nil when no correction is known.
type RetryPolicy interface {
	DetectsPathFailure(resp ResponsePayload) bool
	BuildCorrectedPlan(plan *ExecutionPlan) *ExecutionPlan
}

// ReadinessFunc adapts a function to ReadinessEvaluator.
type ReadinessFunc func(resp ResponsePayload) Readiness

// EvaluateReadiness implements ReadinessEvaluator.
func (f ReadinessFunc) EvaluateReadiness(resp ResponsePayload) Readiness { return f(resp) }

// NoRetry never retries.
type NoRetry struct{}

func (NoRetry) DetectsPathFailure(ResponsePayload) bool           { return false }
func (NoRetry) BuildCorrectedPlan(*ExecutionPlan) *ExecutionPlan { return nil }
