// Package mcp executes planned tool calls: over HTTP against the local MCP
// endpoint, or in-process through a tools.Registry.
package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jeeves-cluster-organization/agentrelay/coreengine/logging"
	"github.com/jeeves-cluster-organization/agentrelay/coreengine/observability"
	"github.com/jeeves-cluster-organization/agentrelay/coreengine/orchestration"
	"github.com/jeeves-cluster-organization/agentrelay/coreengine/output"
	"github.com/jeeves-cluster-organization/agentrelay/coreengine/typeutil"
)

// EmptyResponseAnswer is the answer used when the endpoint returns no data.
const EmptyResponseAnswer = "The local MCP endpoint returned an empty response."

// Stream frame names the endpoint may send besides progress events.
const (
	frameResult   = "result"
	frameError    = "error"
	frameDone     = "done"
	frameProgress = "progress"
)

// TransportError is a failure to reach the endpoint or read its answer.
type TransportError struct {
	Endpoint string
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("mcp endpoint %s: %v", e.Endpoint, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// requestBody is what the endpoint receives.
type requestBody struct {
	Prompt             string                           `json:"prompt"`
	Conversation       []orchestration.ConversationTurn `json:"conversation"`
	UseLLMPlanner      bool                             `json:"useLLMPlanner"`
	PreplannedToolPlan *orchestration.ExecutionPlan     `json:"preplannedToolPlan"`
}

// ClientOptions configures a Client.
type ClientOptions struct {
	HTTPClient *http.Client
	Logger     logging.Logger
	Tracer     trace.Tracer
}

// Client calls the MCP endpoint over HTTP. Responses may be JSON or a
// server-sent event stream of progress frames ending in a result frame.
type Client struct {
	http   *http.Client
	logger logging.Logger
	tracer trace.Tracer
}

// NewClient creates a Client.
func NewClient(opts ClientOptions) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = observability.Tracer()
	}
	return &Client{http: httpClient, logger: logger.Bind("component", "mcp"), tracer: tracer}
}

// ExecuteTool implements orchestration.ToolExecutor. A non-2xx answer is a
// result, not an error; only transport failures are returned as errors.
func (c *Client) ExecuteTool(ctx context.Context, req orchestration.ToolRequest, onProgress orchestration.ProgressFunc) (result *orchestration.ToolResult, err error) {
	tool := ""
	if req.Plan != nil {
		tool = req.Plan.Tool
	}

	ctx, span := c.tracer.Start(ctx, "mcp.execute", trace.WithAttributes(
		attribute.String("mcp.endpoint", req.Endpoint),
		attribute.String("mcp.tool", tool),
	))
	defer span.End()

	start := time.Now()
	defer func() {
		durationMS := int(time.Since(start).Milliseconds())
		status := "error"
		if err == nil {
			status = strconv.Itoa(result.Status)
			span.SetAttributes(attribute.Int("mcp.status", result.Status))
			span.SetStatus(codes.Ok, status)
		} else {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			c.logger.Warn("mcp_call_failed", "endpoint", req.Endpoint, "tool", tool, "error", err.Error())
		}
		observability.RecordToolCall(tool, "http", status, durationMS)
	}()

	if strings.TrimSpace(req.Endpoint) == "" {
		return nil, &TransportError{Endpoint: req.Endpoint, Err: errors.New("no endpoint configured")}
	}

	conversation := req.Conversation
	if conversation == nil {
		conversation = []orchestration.ConversationTurn{}
	}
	body, err := json.Marshal(requestBody{
		Prompt:             req.Query,
		Conversation:       conversation,
		UseLLMPlanner:      false,
		PreplannedToolPlan: req.Plan,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, req.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, &TransportError{Endpoint: req.Endpoint, Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream, application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, &TransportError{Endpoint: req.Endpoint, Err: err}
	}
	defer resp.Body.Close()

	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	var data map[string]any
	status := resp.StatusCode
	if mediaType == "text/event-stream" {
		data, status, err = readStream(resp.Body, status, onProgress)
	} else {
		data, err = readJSON(resp.Body)
	}
	if err != nil {
		return nil, &TransportError{Endpoint: req.Endpoint, Err: err}
	}
	if len(data) == 0 {
		data = map[string]any{"action": orchestration.ActionLocalTool, "answer": EmptyResponseAnswer}
	}

	c.logger.Debug("mcp_call_completed", "endpoint", req.Endpoint, "tool", tool, "status", status)
	return &orchestration.ToolResult{Status: status, Data: data}, nil
}

func readJSON(r io.Reader) (map[string]any, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, nil
	}
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		// Not JSON: keep the body as the answer.
		return map[string]any{"answer": string(raw)}, nil
	}
	if m, ok := typeutil.SafeMap(decoded); ok {
		return m, nil
	}
	return map[string]any{"data": decoded}, nil
}

// readStream consumes progress frames until a result or error frame.
func readStream(r io.Reader, httpStatus int, onProgress orchestration.ProgressFunc) (map[string]any, int, error) {
	var (
		data   map[string]any
		status = httpStatus
	)
	err := output.ReadFrames(r, func(f output.Frame) error {
		payload := decodeFrame(f)
		switch f.Event {
		case frameResult:
			if inner, ok := typeutil.SafeMap(payload["data"]); ok {
				data = inner
				status = typeutil.SafeIntDefault(payload["status"], status)
			} else {
				data = payload
			}
			return output.ErrStopReading
		case frameError:
			msg, _ := typeutil.FirstString(payload, "message", "error")
			if msg == "" {
				msg = "tool execution failed"
			}
			data = map[string]any{"error": msg, "answer": msg}
			status = typeutil.SafeIntDefault(payload["status"], http.StatusBadGateway)
			return output.ErrStopReading
		case frameDone:
			return output.ErrStopReading
		}
		if onProgress != nil {
			eventType := f.Event
			if f.Event == frameProgress || f.Event == "message" {
				if t, ok := typeutil.SafeString(payload["type"]); ok && t != "" {
					eventType = t
				}
			}
			onProgress(eventType, payload)
		}
		return nil
	})
	return data, status, err
}

func decodeFrame(f output.Frame) map[string]any {
	var payload map[string]any
	if err := f.Decode(&payload); err != nil || payload == nil {
		return map[string]any{"message": f.Data}
	}
	return payload
}

var _ orchestration.ToolExecutor = (*Client)(nil)
