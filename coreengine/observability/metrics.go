// Package observability provides Prometheus metrics instrumentation for the orchestration runtime.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// ORCHESTRATION METRICS
// =============================================================================

var (
	orchestrationRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentrelay_orchestration_runs_total",
			Help: "Total number of orchestration runs",
		},
		[]string{"route", "status"}, // status: success, requires_input, error
	)

	orchestrationDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agentrelay_orchestration_duration_seconds",
			Help:    "Orchestration run duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"route"},
	)

	retriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentrelay_retries_total",
			Help: "Total number of corrected-plan retries",
		},
		[]string{"reason"},
	)

	workflowOutcomesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentrelay_workflow_outcomes_total",
			Help: "Workflow continuation outcomes",
		},
		[]string{"workflow", "phase"}, // phase: proceed, blocked
	)
)

// =============================================================================
// AGENT METRICS
// =============================================================================

var (
	agentExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentrelay_agent_executions_total",
			Help: "Total number of agent executions",
		},
		[]string{"agent", "status"}, // status: success, error
	)

	agentDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agentrelay_agent_duration_seconds",
			Help:    "Agent execution duration in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
		},
		[]string{"agent"},
	)
)

// =============================================================================
// COLLABORATOR METRICS
// =============================================================================

var (
	llmCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentrelay_llm_calls_total",
			Help: "Total number of language model calls",
		},
		[]string{"model", "mode", "status"}, // mode: structured, text
	)

	llmDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agentrelay_llm_duration_seconds",
			Help:    "Language model call duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"model"},
	)

	toolCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentrelay_tool_calls_total",
			Help: "Total number of tool executions",
		},
		[]string{"tool", "transport", "status"}, // transport: local, http
	)

	toolDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agentrelay_tool_duration_seconds",
			Help:    "Tool execution duration in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"tool"},
	)
)

// =============================================================================
// STREAMING METRICS
// =============================================================================

var (
	streamFramesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentrelay_stream_frames_total",
			Help: "Total number of output frames written",
		},
		[]string{"event"}, // delta, final, done, error, a2a
	)

	envelopesEmittedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentrelay_envelopes_emitted_total",
			Help: "Total number of A2A envelopes observed",
		},
		[]string{"type"},
	)

	envelopesDroppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "agentrelay_envelopes_dropped_total",
			Help: "A2A envelopes dropped because an observer buffer was full",
		},
	)
)

// =============================================================================
// HTTP METRICS
// =============================================================================

var httpRateLimitedTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "agentrelay_http_rate_limited_total",
		Help: "HTTP requests rejected by the per-client rate limiter",
	},
	[]string{"path", "window"},
)

// =============================================================================
// GRPC METRICS
// =============================================================================

var (
	grpcRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentrelay_grpc_requests_total",
			Help: "Total gRPC requests",
		},
		[]string{"method", "status"},
	)

	grpcRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agentrelay_grpc_request_duration_seconds",
			Help:    "gRPC request duration in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5},
		},
		[]string{"method"},
	)
)

// =============================================================================
// PUBLIC API
// =============================================================================

// RecordOrchestrationRun records one completed orchestration run.
func RecordOrchestrationRun(route string, status string, durationMS int) {
	orchestrationRunsTotal.WithLabelValues(route, status).Inc()
	orchestrationDurationSeconds.WithLabelValues(route).Observe(float64(durationMS) / 1000.0)
}

// RecordRetry records a corrected-plan retry.
func RecordRetry(reason string) {
	retriesTotal.WithLabelValues(reason).Inc()
}

// RecordWorkflowOutcome records the terminal phase of a workflow continuation.
func RecordWorkflowOutcome(workflow string, phase string) {
	workflowOutcomesTotal.WithLabelValues(workflow, phase).Inc()
}

// RecordAgentExecution records agent execution metrics.
func RecordAgentExecution(agent string, status string, durationMS int) {
	agentExecutionsTotal.WithLabelValues(agent, status).Inc()
	agentDurationSeconds.WithLabelValues(agent).Observe(float64(durationMS) / 1000.0)
}

// RecordLLMCall records language model call metrics.
func RecordLLMCall(model string, mode string, status string, durationMS int) {
	llmCallsTotal.WithLabelValues(model, mode, status).Inc()
	llmDurationSeconds.WithLabelValues(model).Observe(float64(durationMS) / 1000.0)
}

// RecordToolCall records tool execution metrics.
func RecordToolCall(tool string, transport string, status string, durationMS int) {
	toolCallsTotal.WithLabelValues(tool, transport, status).Inc()
	toolDurationSeconds.WithLabelValues(tool).Observe(float64(durationMS) / 1000.0)
}

// RecordStreamFrame records one output frame.
func RecordStreamFrame(event string) {
	streamFramesTotal.WithLabelValues(event).Inc()
}

// RecordEnvelope records one observed A2A envelope.
func RecordEnvelope(msgType string) {
	envelopesEmittedTotal.WithLabelValues(msgType).Inc()
}

// RecordEnvelopeDropped records an envelope dropped by a full observer buffer.
func RecordEnvelopeDropped() {
	envelopesDroppedTotal.Inc()
}

// RecordRateLimited records one request rejected with 429.
func RecordRateLimited(path string, window string) {
	httpRateLimitedTotal.WithLabelValues(path, window).Inc()
}

// RecordGRPCRequest records gRPC request metrics.
// This should be called from gRPC interceptors.
func RecordGRPCRequest(method string, status string, durationMS int) {
	grpcRequestsTotal.WithLabelValues(method, status).Inc()
	grpcRequestDurationSeconds.WithLabelValues(method).Observe(float64(durationMS) / 1000.0)
}
