// Package workflow holds the policies the orchestration runtime consults
// after a tool call: the pull-request readiness gate and the path retry.
package workflow

import (
	"fmt"
	"strings"

	"github.com/jeeves-cluster-organization/agentrelay/coreengine/orchestration"
	"github.com/jeeves-cluster-organization/agentrelay/coreengine/typeutil"
)

// WorkflowGitHubPR is the workflow type whose precheck is a git sync status.
const WorkflowGitHubPR = "github_pr"

// GitHubPRReadiness decides whether a pull request can be opened from the
// sync-status precheck's structured data. The fields are read from the
// response itself or from a nested "git" or "status" object.
type GitHubPRReadiness struct {
	// AllowDefaultBranch permits opening a PR from the default branch.
	AllowDefaultBranch bool
}

// GatesWorkflow implements orchestration.WorkflowGate. Only github_pr
// workflows are gated.
func (g GitHubPRReadiness) GatesWorkflow(workflowType string) bool {
	return workflowType == WorkflowGitHubPR
}

// EvaluateReadiness implements orchestration.ReadinessEvaluator.
func (g GitHubPRReadiness) EvaluateReadiness(resp orchestration.ResponsePayload) orchestration.Readiness {
	state, ok := syncState(resp.Extra)
	if !ok {
		return orchestration.Readiness{
			CanProceed: false,
			Reason:     "Could not determine the workspace sync state. Run a git status check and try again.",
		}
	}

	var reasons []string
	if dirty(state) {
		reasons = append(reasons, "There are uncommitted changes. Commit or stash them before opening a pull request.")
	}
	if behind := typeutil.SafeIntDefault(state["behind"], 0); behind > 0 {
		reasons = append(reasons, fmt.Sprintf("The branch is %d commit(s) behind its upstream. Pull or rebase first.", behind))
	}
	if hasRemote, ok := typeutil.SafeBool(state["hasRemote"]); ok && !hasRemote {
		reasons = append(reasons, "No git remote is configured.")
	}
	if onDefault, ok := typeutil.SafeBool(state["onDefaultBranch"]); ok && onDefault && !g.AllowDefaultBranch {
		reasons = append(reasons, "You are on the default branch. Create a feature branch first.")
	}
	if ahead, ok := typeutil.SafeInt(state["ahead"]); ok && ahead == 0 {
		reasons = append(reasons, "There are no new commits to open a pull request with.")
	}

	if len(reasons) > 0 {
		return orchestration.Readiness{CanProceed: false, Reason: strings.Join(reasons, " ")}
	}
	return orchestration.Readiness{CanProceed: true}
}

var syncKeys = []string{"uncommittedChanges", "dirty", "behind", "ahead", "onDefaultBranch", "hasRemote"}

func syncState(extra map[string]any) (map[string]any, bool) {
	for _, key := range []string{"git", "status"} {
		if nested, ok := typeutil.SafeMap(extra[key]); ok && hasSyncKey(nested) {
			return nested, true
		}
	}
	if hasSyncKey(extra) {
		return extra, true
	}
	return nil, false
}

func hasSyncKey(m map[string]any) bool {
	for _, k := range syncKeys {
		if _, ok := m[k]; ok {
			return true
		}
	}
	return false
}

func dirty(state map[string]any) bool {
	if typeutil.Truthy(state["dirty"]) {
		return true
	}
	return typeutil.Truthy(state["uncommittedChanges"])
}

var _ orchestration.ReadinessEvaluator = GitHubPRReadiness{}
