package workflow

import (
	"regexp"

	"github.com/jeeves-cluster-organization/agentrelay/coreengine/orchestration"
	"github.com/jeeves-cluster-organization/agentrelay/coreengine/typeutil"
)

var pathFailurePattern = regexp.MustCompile(`(?i)\bpaths? not found\b|no such file or directory|\bENOENT\b|file not found`)

// PathRetryPolicy retries a tool call once when the requested paths could not
// be resolved and the plan carries alternate paths.
type PathRetryPolicy struct{}

// DetectsPathFailure reports whether resp describes unresolved paths: an
// explicit missingPaths list, or error or answer text naming a missing path.
func (PathRetryPolicy) DetectsPathFailure(resp orchestration.ResponsePayload) bool {
	if missing, ok := typeutil.SafeStringSlice(resp.Extra["missingPaths"]); ok && len(missing) > 0 {
		return true
	}
	if msg, ok := typeutil.SafeString(resp.Extra["error"]); ok && pathFailurePattern.MatchString(msg) {
		return true
	}
	if resp.StatusOrOK() >= 400 && pathFailurePattern.MatchString(resp.Answer) {
		return true
	}
	return false
}

// BuildCorrectedPlan swaps the plan's paths for its alternates. It returns nil
// when the plan has no alternates.
func (PathRetryPolicy) BuildCorrectedPlan(plan *orchestration.ExecutionPlan) *orchestration.ExecutionPlan {
	if plan == nil || len(plan.AlternatePaths) == 0 {
		return nil
	}
	corrected := plan.Clone()
	if corrected.ToolArguments == nil {
		corrected.ToolArguments = map[string]any{}
	}
	corrected.ToolArguments["paths"] = append([]string(nil), plan.AlternatePaths...)
	corrected.AlternatePaths = nil
	return corrected
}

var _ orchestration.RetryPolicy = PathRetryPolicy{}
