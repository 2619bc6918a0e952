// Package testutil provides shared test utilities and mocks.
//
// All mocks here stand in for the orchestration runtime's collaborators so the
// runtime, output and HTTP layers can be tested without a model or tool server.
package testutil

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jeeves-cluster-organization/agentrelay/coreengine/a2a"
	"github.com/jeeves-cluster-organization/agentrelay/coreengine/logging"
	"github.com/jeeves-cluster-organization/agentrelay/coreengine/orchestration"
)

// =============================================================================
// MOCK GENERATOR
// =============================================================================

// GeneratorCall records a single model call.
type GeneratorCall struct {
	Mode              string // "structured" or "text"
	SystemInstruction string
	UserText          string
}

// MockGenerator implements orchestration.Generator.
type MockGenerator struct {
	// StructuredResponse is returned by GenerateStructured.
	StructuredResponse string
	// TextResponse is returned by GenerateText.
	TextResponse string
	// Error is returned by both methods when set.
	Error error
	// Delay simulates model latency.
	Delay time.Duration

	Calls []GeneratorCall
	mu    sync.Mutex
}

// NewMockGenerator creates a MockGenerator that routes to chat.
func NewMockGenerator() *MockGenerator {
	return &MockGenerator{
		StructuredResponse: `{"route":"chat_only","query":"","explanation":"mock"}`,
		TextResponse:       "mock answer",
	}
}

// WithRoute sets the structured response to a route decision.
func (m *MockGenerator) WithRoute(route, query, explanation string) *MockGenerator {
	b, _ := json.Marshal(map[string]string{"route": route, "query": query, "explanation": explanation})
	m.StructuredResponse = string(b)
	return m
}

// WithStructured sets the raw structured response.
func (m *MockGenerator) WithStructured(raw string) *MockGenerator {
	m.StructuredResponse = raw
	return m
}

// WithText sets the text response.
func (m *MockGenerator) WithText(text string) *MockGenerator {
	m.TextResponse = text
	return m
}

// WithError configures the mock to fail.
func (m *MockGenerator) WithError(err error) *MockGenerator {
	m.Error = err
	return m
}

func (m *MockGenerator) call(ctx context.Context, mode, system, user, response string) (string, error) {
	m.mu.Lock()
	m.Calls = append(m.Calls, GeneratorCall{Mode: mode, SystemInstruction: system, UserText: user})
	delay, err := m.Delay, m.Error
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if err != nil {
		return "", err
	}
	return response, nil
}

// GenerateStructured implements orchestration.Generator.
func (m *MockGenerator) GenerateStructured(ctx context.Context, system, user string) (string, error) {
	return m.call(ctx, "structured", system, user, m.StructuredResponse)
}

// GenerateText implements orchestration.Generator.
func (m *MockGenerator) GenerateText(ctx context.Context, system, user string) (string, error) {
	return m.call(ctx, "text", system, user, m.TextResponse)
}

// CallsByMode returns recorded calls of one mode.
func (m *MockGenerator) CallsByMode(mode string) []GeneratorCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []GeneratorCall
	for _, c := range m.Calls {
		if c.Mode == mode {
			out = append(out, c)
		}
	}
	return out
}

// =============================================================================
// MOCK TOOL EXECUTOR
// =============================================================================

// ProgressEvent is a progress event the mock reports before returning.
type ProgressEvent struct {
	Type    string
	Payload map[string]any
}

// MockToolExecutor implements orchestration.ToolExecutor.
// Results are keyed by tool name; DefaultResult is used otherwise.
type MockToolExecutor struct {
	Results       map[string]*orchestration.ToolResult
	Errors        map[string]error
	DefaultResult *orchestration.ToolResult
	Progress      []ProgressEvent

	// ExecuteFunc overrides everything above when set.
	ExecuteFunc func(ctx context.Context, req orchestration.ToolRequest, onProgress orchestration.ProgressFunc) (*orchestration.ToolResult, error)

	Requests []orchestration.ToolRequest
	mu       sync.Mutex
}

// NewMockToolExecutor creates a MockToolExecutor answering 200 "ok".
func NewMockToolExecutor() *MockToolExecutor {
	return &MockToolExecutor{
		Results: make(map[string]*orchestration.ToolResult),
		Errors:  make(map[string]error),
		DefaultResult: &orchestration.ToolResult{
			Status: 200,
			Data:   map[string]any{"action": "local-mcp", "answer": "ok"},
		},
	}
}

// WithResult sets the result for a tool.
func (m *MockToolExecutor) WithResult(tool string, status int, data map[string]any) *MockToolExecutor {
	m.Results[tool] = &orchestration.ToolResult{Status: status, Data: data}
	return m
}

// WithError makes a tool fail.
func (m *MockToolExecutor) WithError(tool string, err error) *MockToolExecutor {
	m.Errors[tool] = err
	return m
}

// WithProgress adds a progress event reported on every call.
func (m *MockToolExecutor) WithProgress(eventType string, payload map[string]any) *MockToolExecutor {
	m.Progress = append(m.Progress, ProgressEvent{Type: eventType, Payload: payload})
	return m
}

// ExecuteTool implements orchestration.ToolExecutor.
func (m *MockToolExecutor) ExecuteTool(ctx context.Context, req orchestration.ToolRequest, onProgress orchestration.ProgressFunc) (*orchestration.ToolResult, error) {
	m.mu.Lock()
	m.Requests = append(m.Requests, req)
	fn := m.ExecuteFunc
	progress := append([]ProgressEvent(nil), m.Progress...)
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, req, onProgress)
	}

	for _, p := range progress {
		if onProgress != nil {
			onProgress(p.Type, p.Payload)
		}
	}

	tool := ""
	if req.Plan != nil {
		tool = req.Plan.Tool
	}
	if err, ok := m.Errors[tool]; ok {
		return nil, err
	}
	if res, ok := m.Results[tool]; ok {
		return res, nil
	}
	return m.DefaultResult, nil
}

// CallCount returns the number of ExecuteTool calls.
func (m *MockToolExecutor) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Requests)
}

// Tools returns the tool name of every call in order.
func (m *MockToolExecutor) Tools() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.Requests))
	for i, r := range m.Requests {
		if r.Plan != nil {
			out[i] = r.Plan.Tool
		}
	}
	return out
}

// =============================================================================
// MOCK MANIFEST PLANNER
// =============================================================================

// ManifestCall records a PlanFromManifest call.
type ManifestCall struct {
	Query, RoutedQuery, Endpoint string
}

// MockManifestPlanner implements orchestration.ManifestPlanner.
type MockManifestPlanner struct {
	Plan    *orchestration.ExecutionPlan
	Context *orchestration.ManifestContext
	Error   error

	Calls []ManifestCall
	mu    sync.Mutex
}

// NewMockManifestPlanner returns a planner that yields plan with a healthy context.
func NewMockManifestPlanner(plan *orchestration.ExecutionPlan) *MockManifestPlanner {
	return &MockManifestPlanner{
		Plan: plan,
		Context: &orchestration.ManifestContext{
			OK:              true,
			ManifestAttempt: &orchestration.ManifestAttempt{URL: "http://mock/manifest", Status: 200},
		},
	}
}

// PlanFromManifest implements orchestration.ManifestPlanner.
func (m *MockManifestPlanner) PlanFromManifest(ctx context.Context, query, routedQuery, endpoint string) (*orchestration.ManifestPlanning, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = append(m.Calls, ManifestCall{Query: query, RoutedQuery: routedQuery, Endpoint: endpoint})
	if m.Error != nil {
		return nil, m.Error
	}
	return &orchestration.ManifestPlanning{Plan: m.Plan.Clone(), Context: m.Context}, nil
}

// CallCount returns the number of calls.
func (m *MockManifestPlanner) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Calls)
}

// =============================================================================
// MOCK POLICIES
// =============================================================================

// MockReadiness implements orchestration.ReadinessEvaluator with a fixed answer.
// An empty Gated list gates every workflow type.
type MockReadiness struct {
	Readiness orchestration.Readiness
	Gated     []string
	Seen      []orchestration.ResponsePayload
	mu        sync.Mutex
}

// GatesWorkflow implements orchestration.WorkflowGate.
func (m *MockReadiness) GatesWorkflow(workflowType string) bool {
	if len(m.Gated) == 0 {
		return true
	}
	for _, t := range m.Gated {
		if t == workflowType {
			return true
		}
	}
	return false
}

// EvaluateReadiness implements orchestration.ReadinessEvaluator.
func (m *MockReadiness) EvaluateReadiness(resp orchestration.ResponsePayload) orchestration.Readiness {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Seen = append(m.Seen, resp)
	return m.Readiness
}

// MockRetryPolicy implements orchestration.RetryPolicy.
type MockRetryPolicy struct {
	Detect    bool
	Corrected *orchestration.ExecutionPlan

	DetectCalls int
	BuildCalls  int
	mu          sync.Mutex
}

// DetectsPathFailure implements orchestration.RetryPolicy.
func (m *MockRetryPolicy) DetectsPathFailure(orchestration.ResponsePayload) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.DetectCalls++
	return m.Detect
}

// BuildCorrectedPlan implements orchestration.RetryPolicy.
func (m *MockRetryPolicy) BuildCorrectedPlan(*orchestration.ExecutionPlan) *orchestration.ExecutionPlan {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.BuildCalls++
	return m.Corrected.Clone()
}

// =============================================================================
// RECORDING EMITTER / SINK
// =============================================================================

// RecordingEmitter records every envelope it receives.
type RecordingEmitter struct {
	envs []a2a.Envelope
	mu   sync.Mutex
}

// NewRecordingEmitter creates a RecordingEmitter.
func NewRecordingEmitter() *RecordingEmitter { return &RecordingEmitter{} }

// Emit implements a2a.Emitter.
func (e *RecordingEmitter) Emit(env a2a.Envelope) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.envs = append(e.envs, env)
}

// Envelopes returns a copy of the recorded envelopes.
func (e *RecordingEmitter) Envelopes() []a2a.Envelope {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]a2a.Envelope(nil), e.envs...)
}

// Types returns the type of every recorded envelope in order.
func (e *RecordingEmitter) Types() []string {
	envs := e.Envelopes()
	out := make([]string, len(envs))
	for i, env := range envs {
		out[i] = env.Type
	}
	return out
}

// Find returns the first envelope of msgType.
func (e *RecordingEmitter) Find(msgType string) (a2a.Envelope, bool) {
	for _, env := range e.Envelopes() {
		if env.Type == msgType {
			return env, true
		}
	}
	return a2a.Envelope{}, false
}

// Frame is one frame written to a RecordingSink.
type Frame struct {
	Event   string
	Payload any
}

// RecordingSink records frames and can fail after a number of writes.
type RecordingSink struct {
	// FailAfter makes the write with this index (0-based) fail; negative never fails.
	FailAfter int

	frames []Frame
	mu     sync.Mutex
}

// NewRecordingSink creates a RecordingSink that never fails.
func NewRecordingSink() *RecordingSink { return &RecordingSink{FailAfter: -1} }

// WriteFrame implements output.Sink.
func (s *RecordingSink) WriteFrame(event string, payload any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailAfter >= 0 && len(s.frames) >= s.FailAfter {
		return fmt.Errorf("sink closed after %d frames", len(s.frames))
	}
	s.frames = append(s.frames, Frame{Event: event, Payload: payload})
	return nil
}

// Frames returns a copy of the recorded frames.
func (s *RecordingSink) Frames() []Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Frame(nil), s.frames...)
}

// Events returns the event name of every frame.
func (s *RecordingSink) Events() []string {
	frames := s.Frames()
	out := make([]string, len(frames))
	for i, f := range frames {
		out[i] = f.Event
	}
	return out
}

// =============================================================================
// MOCK LOGGER
// =============================================================================

// LogEntry is one recorded log call.
type LogEntry struct {
	Level   string
	Message string
	Fields  []any
}

// MockLogger implements logging.Logger and records entries.
type MockLogger struct {
	entries *[]LogEntry
	bound   []any
	mu      *sync.Mutex
}

// NewMockLogger creates a MockLogger.
func NewMockLogger() *MockLogger {
	return &MockLogger{entries: &[]LogEntry{}, mu: &sync.Mutex{}}
}

func (m *MockLogger) Debug(msg string, kv ...any) { m.log("debug", msg, kv...) }
func (m *MockLogger) Info(msg string, kv ...any)  { m.log("info", msg, kv...) }
func (m *MockLogger) Warn(msg string, kv ...any)  { m.log("warn", msg, kv...) }
func (m *MockLogger) Error(msg string, kv ...any) { m.log("error", msg, kv...) }

// Bind returns a logger sharing the same entries with extra fields.
func (m *MockLogger) Bind(kv ...any) logging.Logger {
	return &MockLogger{entries: m.entries, bound: append(append([]any(nil), m.bound...), kv...), mu: m.mu}
}

func (m *MockLogger) log(level, msg string, kv ...any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fields := append(append([]any(nil), m.bound...), kv...)
	*m.entries = append(*m.entries, LogEntry{Level: level, Message: msg, Fields: fields})
}

// HasLog reports whether a message was logged at level.
func (m *MockLogger) HasLog(level, message string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range *m.entries {
		if e.Level == level && strings.EqualFold(e.Message, message) {
			return true
		}
	}
	return false
}

// Entries returns a copy of all entries.
func (m *MockLogger) Entries() []LogEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]LogEntry(nil), (*m.entries)...)
}

var (
	_ orchestration.Generator          = (*MockGenerator)(nil)
	_ orchestration.ToolExecutor       = (*MockToolExecutor)(nil)
	_ orchestration.ManifestPlanner    = (*MockManifestPlanner)(nil)
	_ orchestration.ReadinessEvaluator = (*MockReadiness)(nil)
	_ orchestration.WorkflowGate       = (*MockReadiness)(nil)
	_ orchestration.RetryPolicy        = (*MockRetryPolicy)(nil)
	_ a2a.Emitter                      = (*RecordingEmitter)(nil)
	_ logging.Logger                   = (*MockLogger)(nil)
)
