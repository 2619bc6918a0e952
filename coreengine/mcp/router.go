package mcp

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/jeeves-cluster-organization/agentrelay/coreengine/logging"
	"github.com/jeeves-cluster-organization/agentrelay/coreengine/observability"
	"github.com/jeeves-cluster-organization/agentrelay/coreengine/orchestration"
	"github.com/jeeves-cluster-organization/agentrelay/coreengine/tools"
	"github.com/jeeves-cluster-organization/agentrelay/coreengine/typeutil"
)

// Router runs a plan's tool in the local registry when it is registered there
// and hands everything else to Remote.
type Router struct {
	Local  *tools.Registry
	Remote orchestration.ToolExecutor
	Logger logging.Logger
}

// NewRouter creates a Router. Either side may be nil.
func NewRouter(local *tools.Registry, remote orchestration.ToolExecutor, logger logging.Logger) *Router {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Router{Local: local, Remote: remote, Logger: logger.Bind("component", "tool_router")}
}

// ExecuteTool implements orchestration.ToolExecutor.
func (r *Router) ExecuteTool(ctx context.Context, req orchestration.ToolRequest, onProgress orchestration.ProgressFunc) (*orchestration.ToolResult, error) {
	if req.Plan != nil && r.Local != nil && r.Local.Has(req.Plan.Tool) {
		return r.executeLocal(ctx, req, onProgress)
	}
	if r.Remote == nil {
		tool := ""
		if req.Plan != nil {
			tool = req.Plan.Tool
		}
		return nil, &TransportError{Endpoint: req.Endpoint, Err: errors.New("no remote executor for tool " + strconv.Quote(tool))}
	}
	return r.Remote.ExecuteTool(ctx, req, onProgress)
}

func (r *Router) executeLocal(ctx context.Context, req orchestration.ToolRequest, onProgress orchestration.ProgressFunc) (*orchestration.ToolResult, error) {
	tool := req.Plan.Tool
	start := time.Now()

	if onProgress != nil {
		ctx = tools.WithProgress(ctx, tools.ProgressFunc(onProgress))
	}
	data, err := r.Local.Execute(ctx, tool, typeutil.CloneMap(req.Plan.ToolArguments))
	durationMS := int(time.Since(start).Milliseconds())

	var statusErr *tools.StatusError
	switch {
	case errors.As(err, &statusErr):
		observability.RecordToolCall(tool, "local", strconv.Itoa(statusErr.Status), durationMS)
		r.Logger.Info("local_tool_failed", "tool", tool, "status", statusErr.Status, "message", statusErr.Message)
		out := typeutil.CloneMap(statusErr.Data)
		if out == nil {
			out = map[string]any{}
		}
		out["error"] = statusErr.Message
		if _, ok := out["answer"]; !ok {
			out["answer"] = statusErr.Message
		}
		return &orchestration.ToolResult{Status: statusErr.Status, Data: out}, nil
	case err != nil:
		observability.RecordToolCall(tool, "local", "error", durationMS)
		return nil, err
	}

	observability.RecordToolCall(tool, "local", "200", durationMS)
	r.Logger.Debug("local_tool_completed", "tool", tool, "duration_ms", durationMS)
	if data == nil {
		data = map[string]any{}
	}
	if _, ok := data["action"]; !ok {
		data["action"] = orchestration.ActionLocalTool
	}
	return &orchestration.ToolResult{Status: 200, Data: data}, nil
}

var _ orchestration.ToolExecutor = (*Router)(nil)
