package commbus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func newTestBus() *InMemoryCommBus {
	return NewInMemoryCommBus(5 * time.Second)
}

func testEnvelope(msgType string) *EnvelopeEmitted {
	return &EnvelopeEmitted{
		Protocol:  "a2a.v1",
		RequestID: "req_1_deadbeef",
		From:      "orchestrator",
		To:        "plan-agent",
		Type:      msgType,
		Timestamp: 1,
		Payload:   map[string]any{"prompt": "hi"},
	}
}

func countingHandler(counter *int32) HandlerFunc {
	return func(ctx context.Context, msg Message) (any, error) {
		atomic.AddInt32(counter, 1)
		return "ok", nil
	}
}

func failingHandler(errMsg string) HandlerFunc {
	return func(ctx context.Context, msg Message) (any, error) {
		return nil, errors.New(errMsg)
	}
}

type recordingLogger struct {
	mu     sync.Mutex
	events []string
}

func (l *recordingLogger) record(msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, msg)
}

func (l *recordingLogger) Debug(msg string, _ ...any) { l.record(msg) }
func (l *recordingLogger) Info(msg string, _ ...any)  { l.record(msg) }
func (l *recordingLogger) Warn(msg string, _ ...any)  { l.record(msg) }
func (l *recordingLogger) Error(msg string, _ ...any) { l.record(msg) }

func (l *recordingLogger) has(msg string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.events {
		if e == msg {
			return true
		}
	}
	return false
}

type trackingMiddleware struct {
	order *[]string
	mu    *sync.Mutex
	name  string
}

func (m *trackingMiddleware) Before(ctx context.Context, message Message) (Message, error) {
	m.mu.Lock()
	*m.order = append(*m.order, m.name+"-before")
	m.mu.Unlock()
	return message, nil
}

func (m *trackingMiddleware) After(ctx context.Context, message Message, result any, err error) (any, error) {
	m.mu.Lock()
	*m.order = append(*m.order, m.name+"-after")
	m.mu.Unlock()
	return result, err
}

type abortingMiddleware struct{}

func (abortingMiddleware) Before(ctx context.Context, message Message) (Message, error) {
	return nil, nil
}

func (abortingMiddleware) After(ctx context.Context, message Message, result any, err error) (any, error) {
	return result, err
}

// =============================================================================
// PUBLISH
// =============================================================================

func TestPublishEnvelopeToSubscriber(t *testing.T) {
	bus := newTestBus()
	ctx := context.Background()

	var received *EnvelopeEmitted
	bus.Subscribe("EnvelopeEmitted", func(ctx context.Context, msg Message) (any, error) {
		received = msg.(*EnvelopeEmitted)
		return nil, nil
	})

	err := bus.Publish(ctx, testEnvelope("plan.request"))
	require.NoError(t, err)
	require.NotNil(t, received)
	assert.Equal(t, "plan.request", received.Type)
	assert.Equal(t, "req_1_deadbeef", received.RequestID)
}

func TestPublishFansOutToAllSubscribers(t *testing.T) {
	bus := newTestBus()
	var count int32

	for i := 0; i < 3; i++ {
		bus.Subscribe("EnvelopeEmitted", countingHandler(&count))
	}

	require.NoError(t, bus.Publish(context.Background(), testEnvelope("plan.request")))
	assert.Equal(t, int32(3), atomic.LoadInt32(&count))
}

func TestPublishWithoutSubscribersIsNoop(t *testing.T) {
	bus := newTestBus()
	assert.NoError(t, bus.Publish(context.Background(), testEnvelope("plan.request")))
}

func TestPublishSubscriberErrorNotReturned(t *testing.T) {
	logger := &recordingLogger{}
	bus := NewInMemoryCommBus(time.Second, WithLogger(logger))
	var count int32

	bus.Subscribe("EnvelopeEmitted", failingHandler("observer down"))
	bus.Subscribe("EnvelopeEmitted", countingHandler(&count))

	err := bus.Publish(context.Background(), testEnvelope("plan.request"))
	assert.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&count))
	assert.True(t, logger.has("subscriber_failed"))
}

func TestPublishRecoversSubscriberPanic(t *testing.T) {
	bus := newTestBus()
	var count int32

	bus.Subscribe("EnvelopeEmitted", func(ctx context.Context, msg Message) (any, error) {
		panic("boom")
	})
	bus.Subscribe("EnvelopeEmitted", countingHandler(&count))

	assert.NotPanics(t, func() {
		_ = bus.Publish(context.Background(), testEnvelope("plan.request"))
	})
	assert.Equal(t, int32(1), atomic.LoadInt32(&count))
}

// =============================================================================
// SUBSCRIBE / UNSUBSCRIBE
// =============================================================================

func TestUnsubscribeRemovesOnlyThatSubscription(t *testing.T) {
	bus := newTestBus()
	var first, second int32

	unsubscribe := bus.Subscribe("EnvelopeEmitted", countingHandler(&first))
	bus.Subscribe("EnvelopeEmitted", countingHandler(&second))

	unsubscribe()
	unsubscribe()

	require.NoError(t, bus.Publish(context.Background(), testEnvelope("plan.request")))
	assert.Equal(t, int32(0), atomic.LoadInt32(&first))
	assert.Equal(t, int32(1), atomic.LoadInt32(&second))
	assert.Len(t, bus.GetSubscribers("EnvelopeEmitted"), 1)
}

func TestConcurrentSubscribeUnsubscribe(t *testing.T) {
	bus := newTestBus()
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var n int32
			unsub := bus.Subscribe("EnvelopeEmitted", countingHandler(&n))
			_ = bus.Publish(context.Background(), testEnvelope("plan.request"))
			unsub()
		}()
	}
	wg.Wait()

	assert.Empty(t, bus.GetSubscribers("EnvelopeEmitted"))
}

// =============================================================================
// QUERY
// =============================================================================

func TestQueryHealthCheck(t *testing.T) {
	bus := newTestBus()
	require.NoError(t, bus.RegisterHandler("HealthCheckRequest", func(ctx context.Context, msg Message) (any, error) {
		return &HealthCheckResponse{Status: HealthStatusHealthy}, nil
	}))

	result, err := bus.QuerySync(context.Background(), &HealthCheckRequest{})
	require.NoError(t, err)
	assert.Equal(t, HealthStatusHealthy, result.(*HealthCheckResponse).Status)
}

func TestQueryWithoutHandler(t *testing.T) {
	bus := newTestBus()

	_, err := bus.QuerySync(context.Background(), &HealthCheckRequest{})
	var noHandler *NoHandlerError
	require.ErrorAs(t, err, &noHandler)
	assert.Equal(t, "HealthCheckRequest", noHandler.MessageType)
}

func TestQueryTimeout(t *testing.T) {
	bus := NewInMemoryCommBus(20 * time.Millisecond)
	require.NoError(t, bus.RegisterHandler("HealthCheckRequest", func(ctx context.Context, msg Message) (any, error) {
		time.Sleep(200 * time.Millisecond)
		return "late", nil
	}))

	_, err := bus.QuerySync(context.Background(), &HealthCheckRequest{})
	var timeout *QueryTimeoutError
	require.ErrorAs(t, err, &timeout)
	assert.Equal(t, "HealthCheckRequest", timeout.MessageType)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestQueryCallerCancelled(t *testing.T) {
	bus := NewInMemoryCommBus(time.Second)
	require.NoError(t, bus.RegisterHandler("HealthCheckRequest", func(ctx context.Context, msg Message) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := bus.QuerySync(ctx, &HealthCheckRequest{})
	assert.ErrorIs(t, err, context.Canceled)

	var timeout *QueryTimeoutError
	assert.False(t, errors.As(err, &timeout))
}

func TestRegisterDuplicateHandler(t *testing.T) {
	bus := newTestBus()
	handler := func(ctx context.Context, msg Message) (any, error) { return nil, nil }

	require.NoError(t, bus.RegisterHandler("HealthCheckRequest", handler))
	err := bus.RegisterHandler("HealthCheckRequest", handler)

	var dup *HandlerAlreadyRegisteredError
	require.ErrorAs(t, err, &dup)
	assert.True(t, bus.HasHandler("HealthCheckRequest"))
}

// =============================================================================
// MIDDLEWARE
// =============================================================================

func TestMiddlewareChainOrder(t *testing.T) {
	bus := newTestBus()
	var order []string
	var mu sync.Mutex

	bus.AddMiddleware(&trackingMiddleware{order: &order, mu: &mu, name: "first"})
	bus.AddMiddleware(&trackingMiddleware{order: &order, mu: &mu, name: "second"})
	require.NoError(t, bus.RegisterHandler("HealthCheckRequest", func(ctx context.Context, msg Message) (any, error) {
		return &HealthCheckResponse{Status: HealthStatusHealthy}, nil
	}))

	_, err := bus.QuerySync(context.Background(), &HealthCheckRequest{})
	require.NoError(t, err)
	assert.Equal(t, []string{"first-before", "second-before", "second-after", "first-after"}, order)
}

func TestMiddlewareAbortSkipsSubscribers(t *testing.T) {
	bus := newTestBus()
	var count int32

	bus.AddMiddleware(abortingMiddleware{})
	bus.Subscribe("EnvelopeEmitted", countingHandler(&count))

	require.NoError(t, bus.Publish(context.Background(), testEnvelope("plan.request")))
	assert.Equal(t, int32(0), atomic.LoadInt32(&count))
}

func TestLoggingMiddlewareLogsEnvelopes(t *testing.T) {
	logger := &recordingLogger{}
	bus := newTestBus()
	bus.AddMiddleware(NewLoggingMiddleware(logger))
	bus.Subscribe("EnvelopeEmitted", failingHandler("x"))

	require.NoError(t, bus.Publish(context.Background(), testEnvelope("plan.request")))
	assert.True(t, logger.has("a2a_envelope"))
	assert.True(t, logger.has("commbus_message_failed"))
}

// =============================================================================
// CIRCUIT BREAKER
// =============================================================================

func newTestBreaker(threshold int, reset time.Duration, now *time.Time) *CircuitBreakerMiddleware {
	cb := NewCircuitBreakerMiddleware(threshold, reset, nil, nil)
	cb.now = func() time.Time { return *now }
	return cb
}

func TestCircuitBreakerOpensAfterFailures(t *testing.T) {
	now := time.Unix(1000, 0)
	cb := newTestBreaker(2, time.Minute, &now)
	bus := newTestBus()
	bus.AddMiddleware(cb)

	var calls int32
	bus.Subscribe("EnvelopeEmitted", func(ctx context.Context, msg Message) (any, error) {
		atomic.AddInt32(&calls, 1)
		return nil, errors.New("broken observer")
	})

	for i := 0; i < 4; i++ {
		require.NoError(t, bus.Publish(context.Background(), testEnvelope("plan.request")))
	}

	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
	assert.Equal(t, CircuitOpen, cb.GetStates()["EnvelopeEmitted"])
}

func TestCircuitBreakerHalfOpenRecovery(t *testing.T) {
	now := time.Unix(1000, 0)
	cb := newTestBreaker(1, time.Minute, &now)
	ctx := context.Background()
	msg := testEnvelope("plan.request")

	_, _ = cb.Before(ctx, msg)
	_, _ = cb.After(ctx, msg, nil, errors.New("fail"))
	assert.Equal(t, CircuitOpen, cb.GetStates()["EnvelopeEmitted"])

	blocked, err := cb.Before(ctx, msg)
	require.NoError(t, err)
	assert.Nil(t, blocked)

	now = now.Add(2 * time.Minute)
	passed, err := cb.Before(ctx, msg)
	require.NoError(t, err)
	assert.NotNil(t, passed)
	assert.Equal(t, CircuitHalfOpen, cb.GetStates()["EnvelopeEmitted"])

	_, _ = cb.After(ctx, msg, nil, nil)
	assert.Equal(t, CircuitClosed, cb.GetStates()["EnvelopeEmitted"])
}

func TestCircuitBreakerHalfOpenFailureReopens(t *testing.T) {
	now := time.Unix(1000, 0)
	cb := newTestBreaker(1, time.Second, &now)
	ctx := context.Background()
	msg := testEnvelope("plan.request")

	_, _ = cb.After(ctx, msg, nil, errors.New("fail"))
	now = now.Add(2 * time.Second)
	_, _ = cb.Before(ctx, msg)
	_, _ = cb.After(ctx, msg, nil, errors.New("fail again"))

	assert.Equal(t, CircuitOpen, cb.GetStates()["EnvelopeEmitted"])
}

func TestCircuitBreakerExcludedAndZeroThreshold(t *testing.T) {
	ctx := context.Background()
	msg := testEnvelope("plan.request")

	excluded := NewCircuitBreakerMiddleware(1, time.Minute, []string{"EnvelopeEmitted"}, nil)
	_, _ = excluded.After(ctx, msg, nil, errors.New("fail"))
	assert.Empty(t, excluded.GetStates())

	never := NewCircuitBreakerMiddleware(0, time.Minute, nil, nil)
	for i := 0; i < 10; i++ {
		_, _ = never.After(ctx, msg, nil, errors.New("fail"))
	}
	assert.Equal(t, CircuitClosed, never.GetStates()["EnvelopeEmitted"])
}

func TestCircuitBreakerReset(t *testing.T) {
	cb := NewCircuitBreakerMiddleware(1, time.Minute, nil, nil)
	ctx := context.Background()

	_, _ = cb.After(ctx, testEnvelope("a"), nil, errors.New("fail"))
	_, _ = cb.After(ctx, &HealthCheckRequest{}, nil, errors.New("fail"))
	require.Len(t, cb.GetStates(), 2)

	cb.Reset("EnvelopeEmitted")
	assert.Len(t, cb.GetStates(), 1)

	cb.Reset("")
	assert.Empty(t, cb.GetStates())
}
