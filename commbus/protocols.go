// Package commbus provides the in-process communication bus that carries
// agent-to-agent (A2A) envelopes from the orchestration runtime to observers.
//
// The orchestrator never depends on a subscriber: envelopes are published as
// events and every subscriber is best-effort. Queries are used for the few
// request/response interactions the process needs (health checks).
//
// Two kinds of traffic exist: events fan out to every subscriber, and
// queries go to the one registered handler and return its answer.
package commbus

import (
	"context"
)

// =============================================================================
// COMMBUS PROTOCOLS
// =============================================================================

// Message is anything carried by the bus.
type Message interface {
	// Category is "event" or "query".
	Category() string
}

// Query is a message that expects an answer.
type Query interface {
	Message
	IsQuery()
}

// HandlerFunc handles one message. Subscribers return a nil result.
type HandlerFunc func(ctx context.Context, message Message) (any, error)

// Middleware wraps every message. Before may replace the message or return
// nil to drop it; After sees the outcome in reverse registration order.
type Middleware interface {
	Before(ctx context.Context, message Message) (Message, error)
	After(ctx context.Context, message Message, result any, err error) (any, error)
}

// CommBus is the surface the orchestrator and the servers depend on.
type CommBus interface {
	// Publish fans event out to its subscribers. Subscriber failures are
	// logged, never returned.
	Publish(ctx context.Context, event Message) error
	// QuerySync returns the answer of the handler registered for query.
	QuerySync(ctx context.Context, query Query) (any, error)
	// Subscribe returns an idempotent unsubscribe function.
	Subscribe(eventType string, handler HandlerFunc) func()
	RegisterHandler(messageType string, handler HandlerFunc) error
	AddMiddleware(middleware Middleware)
}

// Logger is the structured logger used by the bus and its middleware.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}
