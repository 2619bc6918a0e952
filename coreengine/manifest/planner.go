package manifest

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/jeeves-cluster-organization/agentrelay/coreengine/logging"
	"github.com/jeeves-cluster-organization/agentrelay/coreengine/orchestration"
	"github.com/jeeves-cluster-organization/agentrelay/coreengine/typeutil"
)

// Scores per match kind.
const (
	scoreKeyword = 3
	scoreName    = 2
)

var (
	wordPattern = regexp.MustCompile(`[\p{L}\p{N}]+`)
	pathPattern = regexp.MustCompile(`(?:^|\s)([\w./-]*[\w-]\.[A-Za-z0-9]{1,8}|[\w.-]+/[\w./-]+)`)
)

// Planner chooses the manifest tool that best matches the routed query.
// Sources are consulted in order; the first tool of a given name wins.
type Planner struct {
	Sources []Source
	Logger  logging.Logger
}

// NewPlanner creates a Planner.
func NewPlanner(logger logging.Logger, sources ...Source) *Planner {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Planner{Sources: sources, Logger: logger.Bind("component", "manifest")}
}

// PlanFromManifest implements orchestration.ManifestPlanner. Source failures
// are reported in the context, not returned; only ctx errors are.
func (p *Planner) PlanFromManifest(ctx context.Context, query, routedQuery, endpoint string) (*orchestration.ManifestPlanning, error) {
	mctx := &orchestration.ManifestContext{}
	var (
		specs []ToolSpec
		seen  = map[string]bool{}
		errs  []string
	)

	for _, src := range p.Sources {
		m, attempt, err := src.Load(ctx, endpoint)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if attempt != nil && mctx.ManifestAttempt == nil {
			mctx.ManifestAttempt = attempt
		}
		if err != nil {
			errs = append(errs, err.Error())
			p.Logger.Warn("manifest_source_failed", "source", fmt.Sprintf("%T", src), "error", err.Error())
			continue
		}
		mctx.OK = true
		for _, spec := range m.Tools {
			if seen[spec.Name] {
				continue
			}
			seen[spec.Name] = true
			specs = append(specs, spec)
		}
	}
	mctx.ToolCount = len(specs)
	mctx.Error = strings.Join(errs, "; ")
	if mctx.OK {
		mctx.Status = 200
	}

	text := routedQuery
	if strings.TrimSpace(text) == "" {
		text = query
	}
	spec, score := bestMatch(specs, text)
	if spec == nil {
		p.Logger.Info("manifest_no_match", "tools", len(specs))
		return &orchestration.ManifestPlanning{Context: mctx}, nil
	}

	plan := &orchestration.ExecutionPlan{
		Tool:           spec.Name,
		ToolArguments:  typeutil.CloneMap(spec.Arguments),
		RoutedQuery:    routedQuery,
		Explanation:    fmt.Sprintf("matched manifest tool %s", spec.Name),
		AlternatePaths: append([]string(nil), spec.AlternatePaths...),
	}
	if plan.ToolArguments == nil {
		plan.ToolArguments = map[string]any{}
	}
	if spec.PathArgument {
		if paths := ExtractPaths(text); len(paths) > 0 {
			plan.ToolArguments["paths"] = paths
		}
	}
	if spec.Workflow != nil {
		wf := *spec.Workflow
		if wf.FollowUp != nil {
			fu := *wf.FollowUp
			fu.ToolArguments = typeutil.CloneMap(fu.ToolArguments)
			wf.FollowUp = &fu
		}
		plan.Workflow = &wf
	}

	p.Logger.Info("manifest_plan_selected", "tool", spec.Name, "score", score)
	return &orchestration.ManifestPlanning{Plan: plan, Context: mctx}, nil
}

// bestMatch scores every spec against text. Ties keep manifest order.
func bestMatch(specs []ToolSpec, text string) (*ToolSpec, int) {
	lower := strings.ToLower(text)
	words := map[string]bool{}
	for _, w := range wordPattern.FindAllString(lower, -1) {
		words[w] = true
	}

	var (
		best      *ToolSpec
		bestScore int
	)
	for i := range specs {
		score := 0
		for _, kw := range specs[i].Keywords {
			if kw = strings.ToLower(strings.TrimSpace(kw)); kw != "" && containsPhrase(lower, words, kw) {
				score += scoreKeyword
			}
		}
		for _, part := range strings.FieldsFunc(strings.ToLower(specs[i].Name), isNameSeparator) {
			if words[part] {
				score += scoreName
			}
		}
		if score > bestScore {
			best, bestScore = &specs[i], score
		}
	}
	return best, bestScore
}

// containsPhrase matches single-word keywords on word boundaries and
// multi-word keywords as substrings.
func containsPhrase(lower string, words map[string]bool, kw string) bool {
	if strings.ContainsAny(kw, " -_/") {
		return strings.Contains(lower, kw)
	}
	return words[kw]
}

func isNameSeparator(r rune) bool {
	return r == '_' || r == '-' || r == '.' || r == ' '
}

// ExtractPaths returns the file-like tokens in text, in order, without
// duplicates.
func ExtractPaths(text string) []string {
	var out []string
	seen := map[string]bool{}
	for _, m := range pathPattern.FindAllStringSubmatch(text, -1) {
		p := strings.TrimRight(m[1], ".")
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	return out
}
