package commbus

// =============================================================================
// MESSAGE CATEGORIES
// =============================================================================

// MessageCategory selects how the bus routes a message.
type MessageCategory string

const (
	MessageCategoryEvent MessageCategory = "event"
	MessageCategoryQuery MessageCategory = "query"
)

// HealthStatus represents canonical health status values.
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
	HealthStatusUnknown   HealthStatus = "unknown"
)

// =============================================================================
// A2A EVENTS
// =============================================================================

// EnvelopeEmitted carries one A2A envelope emitted by the orchestrator.
// Subscribers: trace logging, metrics, SSE side channel.
type EnvelopeEmitted struct {
	Protocol  string         `json:"protocol"`
	RequestID string         `json:"requestId"`
	From      string         `json:"from"`
	To        string         `json:"to"`
	Type      string         `json:"type"`
	Timestamp int64          `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Category implements the Message interface.
func (m *EnvelopeEmitted) Category() string { return string(MessageCategoryEvent) }

// OrchestrationCompleted is emitted once per orchestration run.
type OrchestrationCompleted struct {
	RequestID      string  `json:"requestId"`
	ExecutionAgent string  `json:"executionAgent"`
	Status         string  `json:"status"` // "success", "requires_input", "error"
	DurationMS     int     `json:"durationMs"`
	Retried        bool    `json:"retried"`
	Workflow       string  `json:"workflow,omitempty"`
	Error          *string `json:"error,omitempty"`
}

// Category implements the Message interface.
func (m *OrchestrationCompleted) Category() string { return string(MessageCategoryEvent) }

// =============================================================================
// HEALTH QUERIES
// =============================================================================

// HealthCheckRequest asks the process for its health.
type HealthCheckRequest struct {
	Component string `json:"component,omitempty"`
}

// Category implements the Message interface.
func (m *HealthCheckRequest) Category() string { return string(MessageCategoryQuery) }

// IsQuery implements the Query interface.
func (m *HealthCheckRequest) IsQuery() {}

// HealthCheckResponse is the response for HealthCheckRequest.
type HealthCheckResponse struct {
	Status     HealthStatus            `json:"status"`
	Components map[string]HealthStatus `json:"components,omitempty"`
	Version    string                  `json:"version,omitempty"`
}

// =============================================================================
// MESSAGE TYPE RESOLUTION
// =============================================================================

// TypedMessage lets a message report its own type name.
type TypedMessage interface {
	MessageType() string
}

// GetMessageType returns the routing key for a message.
func GetMessageType(msg Message) string {
	if typed, ok := msg.(TypedMessage); ok {
		return typed.MessageType()
	}

	switch msg.(type) {
	case *EnvelopeEmitted:
		return "EnvelopeEmitted"
	case *OrchestrationCompleted:
		return "OrchestrationCompleted"
	case *HealthCheckRequest:
		return "HealthCheckRequest"
	default:
		return "Unknown"
	}
}
