package commbus

import (
	"context"
	"sync"
	"time"
)

// =============================================================================
// LOGGING MIDDLEWARE
// =============================================================================

// LoggingMiddleware logs all bus traffic at debug level.
// A2A envelopes are logged with their routing fields.
type LoggingMiddleware struct {
	logger Logger
}

// NewLoggingMiddleware creates a new LoggingMiddleware.
func NewLoggingMiddleware(logger Logger) *LoggingMiddleware {
	if logger == nil {
		logger = nopLogger{}
	}
	return &LoggingMiddleware{logger: logger}
}

// Before logs message receipt.
func (m *LoggingMiddleware) Before(ctx context.Context, message Message) (Message, error) {
	if env, ok := message.(*EnvelopeEmitted); ok {
		m.logger.Debug("a2a_envelope",
			"request_id", env.RequestID,
			"from", env.From,
			"to", env.To,
			"type", env.Type,
		)
		return message, nil
	}
	m.logger.Debug("commbus_message",
		"category", message.Category(),
		"message_type", GetMessageType(message),
	)
	return message, nil
}

// After logs handler failures.
func (m *LoggingMiddleware) After(ctx context.Context, message Message, result any, err error) (any, error) {
	if err != nil {
		m.logger.Warn("commbus_message_failed",
			"message_type", GetMessageType(message),
			"error", err.Error(),
		)
	}
	return result, nil
}

// =============================================================================
// CIRCUIT BREAKER MIDDLEWARE
// =============================================================================

// Circuit states.
const (
	CircuitClosed   = "closed"
	CircuitOpen     = "open"
	CircuitHalfOpen = "half-open"
)

// CircuitBreakerState is the breaker state for one message type.
type CircuitBreakerState struct {
	Failures    int
	LastFailure time.Time
	State       string
}

// CircuitBreakerMiddleware stops delivering a message type to subscribers
// after repeated failures, so a broken observer cannot slow every run.
//
//   - Opens after failureThreshold consecutive failures (0 never opens)
//   - Drops messages while open
//   - Lets one message through after resetTimeout (half-open)
//   - Closes on success
type CircuitBreakerMiddleware struct {
	failureThreshold int
	resetTimeout     time.Duration
	excludedTypes    map[string]struct{}
	states           map[string]*CircuitBreakerState
	logger           Logger
	now              func() time.Time
	mu               sync.Mutex
}

// NewCircuitBreakerMiddleware creates a new CircuitBreakerMiddleware.
func NewCircuitBreakerMiddleware(failureThreshold int, resetTimeout time.Duration, excludedTypes []string, logger Logger) *CircuitBreakerMiddleware {
	excluded := make(map[string]struct{}, len(excludedTypes))
	for _, t := range excludedTypes {
		excluded[t] = struct{}{}
	}
	if logger == nil {
		logger = nopLogger{}
	}

	return &CircuitBreakerMiddleware{
		failureThreshold: failureThreshold,
		resetTimeout:     resetTimeout,
		excludedTypes:    excluded,
		states:           make(map[string]*CircuitBreakerState),
		logger:           logger,
		now:              time.Now,
	}
}

func (m *CircuitBreakerMiddleware) getState(msgType string) *CircuitBreakerState {
	state, exists := m.states[msgType]
	if !exists {
		state = &CircuitBreakerState{State: CircuitClosed}
		m.states[msgType] = state
	}
	return state
}

// Before drops the message when the circuit for its type is open.
func (m *CircuitBreakerMiddleware) Before(ctx context.Context, message Message) (Message, error) {
	msgType := GetMessageType(message)
	if _, excluded := m.excludedTypes[msgType]; excluded {
		return message, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	state := m.getState(msgType)
	if state.State == CircuitOpen {
		if m.now().Sub(state.LastFailure) < m.resetTimeout {
			return nil, nil
		}
		state.State = CircuitHalfOpen
		m.logger.Info("circuit_half_open", "message_type", msgType)
	}

	return message, nil
}

// After records the outcome for the message type.
func (m *CircuitBreakerMiddleware) After(ctx context.Context, message Message, result any, err error) (any, error) {
	msgType := GetMessageType(message)
	if _, excluded := m.excludedTypes[msgType]; excluded {
		return result, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	state := m.getState(msgType)

	if err == nil {
		if state.State == CircuitHalfOpen {
			m.logger.Info("circuit_closed", "message_type", msgType)
		}
		state.State = CircuitClosed
		state.Failures = 0
		return result, nil
	}

	state.Failures++
	state.LastFailure = m.now()

	switch {
	case state.State == CircuitHalfOpen:
		state.State = CircuitOpen
		m.logger.Warn("circuit_reopened", "message_type", msgType)
	case m.failureThreshold > 0 && state.Failures >= m.failureThreshold:
		state.State = CircuitOpen
		m.logger.Warn("circuit_opened", "message_type", msgType, "failures", state.Failures)
	}

	return result, nil
}

// GetStates returns current circuit states keyed by message type.
func (m *CircuitBreakerMiddleware) GetStates() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()

	result := make(map[string]string, len(m.states))
	for k, v := range m.states {
		result[k] = v.State
	}
	return result
}

// Reset clears breaker state for one message type, or all when msgType is empty.
func (m *CircuitBreakerMiddleware) Reset(msgType string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if msgType != "" {
		delete(m.states, msgType)
		return
	}
	m.states = make(map[string]*CircuitBreakerState)
}

var (
	_ Middleware = (*LoggingMiddleware)(nil)
	_ Middleware = (*CircuitBreakerMiddleware)(nil)
)
