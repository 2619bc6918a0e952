package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeeves-cluster-organization/agentrelay/coreengine/orchestration"
)

// =============================================================================
// READINESS
// =============================================================================

func TestGitHubPRReadiness(t *testing.T) {
	tests := []struct {
		name       string
		extra      map[string]any
		canProceed bool
		reason     string
	}{
		{
			name:       "clean and ahead",
			extra:      map[string]any{"dirty": false, "behind": 0, "ahead": 2, "hasRemote": true},
			canProceed: true,
		},
		{
			name:       "nested git object",
			extra:      map[string]any{"git": map[string]any{"uncommittedChanges": 0, "ahead": float64(1)}},
			canProceed: true,
		},
		{
			name:   "dirty",
			extra:  map[string]any{"uncommittedChanges": []any{"a.go"}, "ahead": 1},
			reason: "There are uncommitted changes. Commit or stash them before opening a pull request.",
		},
		{
			name:   "behind",
			extra:  map[string]any{"status": map[string]any{"behind": float64(3), "ahead": 1}},
			reason: "The branch is 3 commit(s) behind its upstream. Pull or rebase first.",
		},
		{
			name:   "no remote",
			extra:  map[string]any{"hasRemote": false},
			reason: "No git remote is configured.",
		},
		{
			name:   "default branch",
			extra:  map[string]any{"onDefaultBranch": true, "ahead": 1},
			reason: "You are on the default branch. Create a feature branch first.",
		},
		{
			name:   "nothing to push",
			extra:  map[string]any{"dirty": false, "ahead": 0},
			reason: "There are no new commits to open a pull request with.",
		},
		{
			name:   "multiple problems",
			extra:  map[string]any{"dirty": true, "behind": 1},
			reason: "There are uncommitted changes. Commit or stash them before opening a pull request. The branch is 1 commit(s) behind its upstream. Pull or rebase first.",
		},
		{
			name:   "unknown state",
			extra:  map[string]any{"files": 3},
			reason: "Could not determine the workspace sync state. Run a git status check and try again.",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := GitHubPRReadiness{}.EvaluateReadiness(orchestration.ResponsePayload{Extra: tt.extra})
			assert.Equal(t, tt.canProceed, got.CanProceed)
			assert.Equal(t, tt.reason, got.Reason)
		})
	}
}

func TestGitHubPRReadinessAllowDefaultBranch(t *testing.T) {
	got := GitHubPRReadiness{AllowDefaultBranch: true}.EvaluateReadiness(orchestration.ResponsePayload{
		Extra: map[string]any{"onDefaultBranch": true, "ahead": 1},
	})
	assert.True(t, got.CanProceed)
}

func TestGitHubPRReadinessGatesOnlyPullRequests(t *testing.T) {
	g := GitHubPRReadiness{}
	assert.True(t, g.GatesWorkflow(WorkflowGitHubPR))
	assert.False(t, g.GatesWorkflow("deploy"))
	assert.False(t, g.GatesWorkflow(""))
}

// =============================================================================
// PATH RETRY
// =============================================================================

func TestPathRetryDetects(t *testing.T) {
	tests := []struct {
		name     string
		resp     orchestration.ResponsePayload
		expected bool
	}{
		{"missing paths list", orchestration.ResponsePayload{Extra: map[string]any{"missingPaths": []any{"a.md"}}}, true},
		{"empty missing paths", orchestration.ResponsePayload{Extra: map[string]any{"missingPaths": []any{}}}, false},
		{"error field", orchestration.ResponsePayload{Extra: map[string]any{"error": "open x: no such file or directory"}}, true},
		{"enoent", orchestration.ResponsePayload{Extra: map[string]any{"error": "ENOENT: docs/x"}}, true},
		{"failed answer", orchestration.ResponsePayload{MCPStatus: 404, Answer: "Path not found: docs/READ.md"}, true},
		{"successful answer mentioning paths", orchestration.ResponsePayload{MCPStatus: 200, Answer: "paths not found earlier are fine now"}, false},
		{"unrelated failure", orchestration.ResponsePayload{MCPStatus: 500, Answer: "timeout"}, false},
		{"empty", orchestration.ResponsePayload{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, PathRetryPolicy{}.DetectsPathFailure(tt.resp))
		})
	}
}

func TestPathRetryBuildsCorrectedPlan(t *testing.T) {
	plan := &orchestration.ExecutionPlan{
		Tool:           "read_file",
		ToolArguments:  map[string]any{"paths": []any{"docs/READ.md"}, "maxBytes": 100},
		AlternatePaths: []string{"README.md", "docs/README.md"},
	}

	corrected := PathRetryPolicy{}.BuildCorrectedPlan(plan)
	require.NotNil(t, corrected)

	assert.Equal(t, []string{"README.md", "docs/README.md"}, corrected.ToolArguments["paths"])
	assert.Equal(t, 100, corrected.ToolArguments["maxBytes"])
	assert.Empty(t, corrected.AlternatePaths)
	assert.Equal(t, []any{"docs/READ.md"}, plan.ToolArguments["paths"])
	assert.Len(t, plan.AlternatePaths, 2)
}

func TestPathRetryWithoutAlternates(t *testing.T) {
	assert.Nil(t, PathRetryPolicy{}.BuildCorrectedPlan(nil))
	assert.Nil(t, PathRetryPolicy{}.BuildCorrectedPlan(&orchestration.ExecutionPlan{Tool: "read_file"}))

	corrected := PathRetryPolicy{}.BuildCorrectedPlan(&orchestration.ExecutionPlan{Tool: "read_file", AlternatePaths: []string{"a"}})
	require.NotNil(t, corrected)
	assert.Equal(t, []string{"a"}, corrected.ToolArguments["paths"])
}
