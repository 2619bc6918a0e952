package orchestration

import (
	"context"

	"github.com/jeeves-cluster-organization/agentrelay/coreengine/a2a"
	"github.com/jeeves-cluster-organization/agentrelay/coreengine/observability"
	"github.com/jeeves-cluster-organization/agentrelay/coreengine/typeutil"
)

// RetryReasonPathsNotFound is the reason carried by plan.retry envelopes.
const RetryReasonPathsNotFound = "paths_not_found"

// applyRetry re-executes once with a corrected plan when the response shows
// unresolved paths. The predicate is consulted exactly once per run.
func (r *Runtime) applyRetry(
	ctx context.Context,
	call executionCall,
	resp ResponsePayload,
	execute executeFunc,
	emit a2a.Emitter,
) (ResponsePayload, bool, error) {
	if !r.deps.Retry.DetectsPathFailure(resp) {
		return resp, false, nil
	}
	corrected := r.deps.Retry.BuildCorrectedPlan(call.plan.Clone())
	if corrected == nil {
		r.logger.Info("retry_declined", "request_id", call.requestID)
		return resp, false, nil
	}

	retryPaths, ok := typeutil.SafeStringSlice(corrected.ToolArguments["paths"])
	if !ok {
		retryPaths = []string{}
	}

	observability.RecordRetry(RetryReasonPathsNotFound)
	r.logger.Info("retry_scheduled", "request_id", call.requestID, "paths", len(retryPaths))
	emit.Emit(a2a.NewMessage(a2a.Orchestrator, a2a.PlanAgent, a2a.TypePlanRetry, call.requestID, map[string]any{
		"reason":     RetryReasonPathsNotFound,
		"retryPaths": retryPaths,
	}))

	if err := ctx.Err(); err != nil {
		return ResponsePayload{}, true, err
	}

	retry := call
	retry.plan = corrected
	retried, err := execute(ctx, retry, emit)
	if err != nil {
		return ResponsePayload{}, true, err
	}
	return retried, true, nil
}
