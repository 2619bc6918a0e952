package commbus

import (
	"context"
	"fmt"
	"time"
)

// NoHandlerError is returned by QuerySync when nothing answers messageType.
type NoHandlerError struct {
	MessageType string
}

func (e *NoHandlerError) Error() string {
	return fmt.Sprintf("no handler registered for %s", e.MessageType)
}

// HandlerAlreadyRegisteredError is returned by RegisterHandler for a second
// handler of the same type.
type HandlerAlreadyRegisteredError struct {
	MessageType string
}

func (e *HandlerAlreadyRegisteredError) Error() string {
	return fmt.Sprintf("handler already registered for %s", e.MessageType)
}

// QueryTimeoutError is returned when a handler outlives the bus query
// timeout. It matches context.DeadlineExceeded with errors.Is.
type QueryTimeoutError struct {
	MessageType string
	Timeout     time.Duration
}

func (e *QueryTimeoutError) Error() string {
	return fmt.Sprintf("query %s timed out after %s", e.MessageType, e.Timeout)
}

func (e *QueryTimeoutError) Unwrap() error { return context.DeadlineExceeded }
