package orchestration

import (
	"context"
	"strings"

	"github.com/jeeves-cluster-organization/agentrelay/coreengine/a2a"
	"github.com/jeeves-cluster-organization/agentrelay/coreengine/observability"
	"github.com/jeeves-cluster-organization/agentrelay/coreengine/typeutil"
)

// continueWorkflow resolves the precheck gate of a plan that declares a
// workflow. The precheck response has already been produced by execute.
//
//	PrecheckExecuted --status>=400--> PrecheckExecuted (gate skipped)
//	PrecheckExecuted --ready+followUp--> Proceed (follow-up runs once)
//	PrecheckExecuted --otherwise--> Blocked
func (r *Runtime) continueWorkflow(
	ctx context.Context,
	call executionCall,
	precheck ResponsePayload,
	execute executeFunc,
	emit a2a.Emitter,
) (ResponsePayload, *WorkflowState, error) {
	wf := call.plan.Workflow
	state := &WorkflowState{
		Type:         wf.Type,
		PrecheckTool: call.plan.Tool,
		FollowUpTool: r.cfg.DefaultFollowUpTool,
		Phase:        PhasePrecheckExecuted,
	}
	if wf.FollowUp != nil && wf.FollowUp.Tool != "" {
		state.FollowUpTool = wf.FollowUp.Tool
	}

	if precheck.StatusOrOK() >= 400 {
		r.logger.Info("workflow_precheck_failed",
			"request_id", call.requestID,
			"workflow", wf.Type,
			"status", precheck.StatusOrOK(),
		)
		return precheck, state, nil
	}

	readiness := r.deps.Readiness.EvaluateReadiness(precheck)

	if readiness.CanProceed && wf.FollowUp != nil && wf.FollowUp.Tool != "" {
		state.Attempted = true
		state.Proceeded = true
		state.Phase = PhaseProceed
		observability.RecordWorkflowOutcome(wf.Type, string(PhaseProceed))

		emit.Emit(a2a.NewMessage(a2a.Orchestrator, a2a.PlanAgent, a2a.TypeWorkflowContinue, call.requestID, map[string]any{
			"workflow": wf.Type,
			"step":     wf.FollowUp.Tool,
		}))

		followUp := call
		followUp.plan = &ExecutionPlan{
			Tool:          wf.FollowUp.Tool,
			ToolArguments: typeutil.CloneMap(wf.FollowUp.ToolArguments),
			RoutedQuery:   call.prompt,
			Explanation:   wf.Type + "_workflow_execute",
		}
		if followUp.plan.ToolArguments == nil {
			followUp.plan.ToolArguments = map[string]any{}
		}

		if err := ctx.Err(); err != nil {
			return ResponsePayload{}, state, err
		}
		resp, err := execute(ctx, followUp, emit)
		if err != nil {
			return ResponsePayload{}, state, err
		}
		return resp, state, nil
	}

	state.Reason = readiness.Reason
	state.Phase = PhaseBlocked
	observability.RecordWorkflowOutcome(wf.Type, string(PhaseBlocked))
	r.logger.Info("workflow_blocked",
		"request_id", call.requestID,
		"workflow", wf.Type,
		"reason", readiness.Reason,
	)

	blocked := precheck
	if readiness.Reason != "" {
		blocked.Answer = strings.TrimSpace(readiness.Reason + "\n\n" + precheck.Answer)
	}
	blocked.RequiresInput = true
	blocked.Missing = MissingWorkspace
	return blocked, state, nil
}

// gates reports whether the readiness evaluator handles workflowType.
func (r *Runtime) gates(workflowType string) bool {
	g, ok := r.deps.Readiness.(WorkflowGate)
	if !ok || g.GatesWorkflow(workflowType) {
		return true
	}
	r.logger.Debug("workflow_not_gated", "workflow", workflowType)
	return false
}
