package tools

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/jeeves-cluster-organization/agentrelay/coreengine/typeutil"
)

// Builtin tool names.
const (
	ToolReadFile      = "read_file"
	ToolGitSyncStatus = "git_sync_status"
)

const defaultMaxBytes = 64 * 1024

// BuiltinOption adjusts the builtin tools.
type BuiltinOption func(*FileReader)

// WithMaxReadBytes caps how much of each file read_file returns. n <= 0
// keeps the default.
func WithMaxReadBytes(n int) BuiltinOption {
	return func(f *FileReader) {
		if n > 0 {
			f.MaxBytes = n
		}
	}
}

// RegisterBuiltins registers the workspace tools rooted at root.
func RegisterBuiltins(r *Registry, root string, opts ...BuiltinOption) error {
	files := &FileReader{Root: root, MaxBytes: defaultMaxBytes}
	for _, opt := range opts {
		opt(files)
	}
	git := &GitSync{Dir: root, Run: RunGit}

	for _, def := range []*ToolDefinition{
		{
			Name:        ToolReadFile,
			Description: "Read one or more files from the workspace.",
			Keywords:    []string{"read", "file", "show", "open", "cat", "readme"},
			Handler:     files.Handle,
		},
		{
			Name:        ToolGitSyncStatus,
			Description: "Report uncommitted changes and ahead/behind counts for the current branch.",
			Keywords:    []string{"git", "status", "sync", "branch", "pull request", "pr"},
			Handler:     git.Handle,
		},
	} {
		if err := r.Register(def); err != nil {
			return err
		}
	}
	return nil
}

// =============================================================================
// READ FILE
// =============================================================================

// FileReader reads workspace files. Paths are resolved under Root and may not
// escape it.
type FileReader struct {
	Root     string
	MaxBytes int
}

// Handle implements ToolHandler. params: paths ([]string), maxBytes (int).
func (f *FileReader) Handle(ctx context.Context, params map[string]any) (map[string]any, error) {
	paths, ok := typeutil.SafeStringSlice(params["paths"])
	if !ok {
		if single, ok := typeutil.SafeString(params["path"]); ok && single != "" {
			paths = []string{single}
		}
	}
	if len(paths) == 0 {
		return nil, NewStatusError(400, "no paths given", map[string]any{"tool": ToolReadFile})
	}
	maxBytes := typeutil.SafeIntDefault(params["maxBytes"], f.MaxBytes)
	if maxBytes <= 0 {
		maxBytes = defaultMaxBytes
	}

	var (
		sections []string
		found    []string
		missing  []string
	)
	for _, p := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		full, err := f.resolve(p)
		if err != nil {
			return nil, NewStatusError(400, err.Error(), map[string]any{"tool": ToolReadFile})
		}
		content, err := readLimited(full, maxBytes)
		if errors.Is(err, fs.ErrNotExist) {
			missing = append(missing, p)
			continue
		}
		if err != nil {
			return nil, err
		}
		ReportProgress(ctx, "file_read", map[string]any{"path": p, "bytes": len(content)})
		found = append(found, p)
		sections = append(sections, fmt.Sprintf("--- %s ---\n%s", p, content))
	}

	if len(found) == 0 {
		return nil, NewStatusError(404, "paths not found: "+strings.Join(missing, ", "), map[string]any{
			"tool":         ToolReadFile,
			"missingPaths": missing,
		})
	}

	return map[string]any{
		"tool":         ToolReadFile,
		"answer":       strings.Join(sections, "\n\n"),
		"files":        found,
		"missingPaths": missing,
	}, nil
}

func (f *FileReader) resolve(p string) (string, error) {
	root, err := filepath.Abs(f.Root)
	if err != nil {
		return "", err
	}
	full := filepath.Join(root, filepath.Clean("/"+p))
	rel, err := filepath.Rel(root, full)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("path %q escapes the workspace", p)
	}
	return full, nil
}

func readLimited(path string, maxBytes int) (string, error) {
	fh, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer fh.Close()

	b, err := io.ReadAll(io.LimitReader(fh, int64(maxBytes)))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// =============================================================================
// GIT SYNC STATUS
// =============================================================================

// GitRunner runs a git subcommand in dir and returns trimmed stdout.
type GitRunner func(ctx context.Context, dir string, args ...string) (string, error)

// RunGit runs the git binary.
func RunGit(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return "", fmt.Errorf("git %s: %s", strings.Join(args, " "), strings.TrimSpace(string(exitErr.Stderr)))
		}
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

// GitSync reports the sync state of the repository in Dir.
type GitSync struct {
	Dir string
	Run GitRunner
}

// Handle implements ToolHandler.
func (g *GitSync) Handle(ctx context.Context, _ map[string]any) (map[string]any, error) {
	if _, err := g.Run(ctx, g.Dir, "rev-parse", "--is-inside-work-tree"); err != nil {
		return nil, NewStatusError(422, "not a git repository", map[string]any{"tool": ToolGitSyncStatus})
	}

	porcelain, err := g.Run(ctx, g.Dir, "status", "--porcelain")
	if err != nil {
		return nil, err
	}
	var changed []string
	for _, line := range strings.Split(porcelain, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			changed = append(changed, line)
		}
	}

	branch, _ := g.Run(ctx, g.Dir, "rev-parse", "--abbrev-ref", "HEAD")
	remotes, _ := g.Run(ctx, g.Dir, "remote")
	hasRemote := strings.TrimSpace(remotes) != ""

	defaultBranch := "main"
	if ref, err := g.Run(ctx, g.Dir, "symbolic-ref", "--short", "refs/remotes/origin/HEAD"); err == nil && ref != "" {
		defaultBranch = strings.TrimPrefix(ref, "origin/")
	}

	ahead, behind := 0, 0
	if counts, err := g.Run(ctx, g.Dir, "rev-list", "--left-right", "--count", "@{upstream}...HEAD"); err == nil {
		fields := strings.Fields(counts)
		if len(fields) == 2 {
			behind, _ = strconv.Atoi(fields[0])
			ahead, _ = strconv.Atoi(fields[1])
		}
	} else if hasRemote {
		// No upstream yet: count commits not on the default branch.
		if n, err := g.Run(ctx, g.Dir, "rev-list", "--count", "origin/"+defaultBranch+"..HEAD"); err == nil {
			ahead, _ = strconv.Atoi(n)
		}
	}

	state := map[string]any{
		"branch":             branch,
		"defaultBranch":      defaultBranch,
		"onDefaultBranch":    branch == defaultBranch,
		"hasRemote":          hasRemote,
		"dirty":              len(changed) > 0,
		"uncommittedChanges": len(changed),
		"ahead":              ahead,
		"behind":             behind,
	}
	return map[string]any{
		"tool":   ToolGitSyncStatus,
		"answer": fmt.Sprintf("Branch %s: %d uncommitted change(s), %d ahead, %d behind.", branch, len(changed), ahead, behind),
		"git":    state,
	}, nil
}
