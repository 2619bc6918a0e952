package grpc

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"

	"github.com/jeeves-cluster-organization/agentrelay/commbus"
	"github.com/jeeves-cluster-organization/agentrelay/coreengine/testutil"
)

// startBufconn runs s over an in-memory listener until the test ends and
// returns a health client.
func startBufconn(t *testing.T, s *GracefulServer) healthpb.HealthClient {
	client, _ := runBufconn(t, s)
	return client
}

// runBufconn is startBufconn that also returns the cancel for Run and the
// channel Run reports on.
func runBufconn(t *testing.T, s *GracefulServer) (healthpb.HealthClient, *running) {
	t.Helper()
	lis := bufconn.Listen(1024 * 1024)
	ctx, cancel := context.WithCancel(context.Background())
	r := &running{cancel: cancel, done: make(chan error, 1)}
	go func() { r.done <- s.Run(ctx, lis) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-r.done:
		case <-time.After(5 * time.Second):
		}
	})

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return healthpb.NewHealthClient(conn), r
}

type running struct {
	cancel context.CancelFunc
	done   chan error
}

func checkStatus(t *testing.T, client healthpb.HealthClient, service string) healthpb.HealthCheckResponse_ServingStatus {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	require.NoError(t, err)
	return resp.GetStatus()
}

// =============================================================================
// SERVER TESTS
// =============================================================================

func TestGracefulServerServesHealth(t *testing.T) {
	s := NewGracefulServer(testutil.NewMockLogger(), "")
	client := startBufconn(t, s)

	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, checkStatus(t, client, ""))
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, checkStatus(t, client, ServiceName))

	s.SetStatus(commbus.HealthStatusUnhealthy)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, checkStatus(t, client, ServiceName))

	s.SetStatus(commbus.HealthStatusDegraded)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, checkStatus(t, client, ServiceName))
}

func TestGracefulServerRegistersReflection(t *testing.T) {
	s := NewGracefulServer(nil, "127.0.0.1:0")
	defer s.ShutdownWithTimeout(time.Second)

	services := s.grpcServer.GetServiceInfo()
	assert.Contains(t, services, "grpc.health.v1.Health")
	assert.Contains(t, services, "grpc.reflection.v1.ServerReflection")
}

func TestShutdownTimeoutOption(t *testing.T) {
	assert.Equal(t, DefaultShutdownTimeout, NewGracefulServer(nil, "").shutdownTimeout)
	assert.Equal(t, DefaultShutdownTimeout, NewGracefulServer(nil, "", WithShutdownTimeout(0)).shutdownTimeout)
	assert.Equal(t, 3*time.Second, NewGracefulServer(nil, "", WithShutdownTimeout(3*time.Second)).shutdownTimeout)
}

func TestWatchHealthFollowsCheck(t *testing.T) {
	s := NewGracefulServer(testutil.NewMockLogger(), "")
	client := startBufconn(t, s)

	var current atomic.Value
	current.Store(commbus.HealthStatusUnhealthy)
	check := func(context.Context) commbus.HealthStatus { return current.Load().(commbus.HealthStatus) }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.WatchHealth(ctx, 10*time.Millisecond, check)

	require.Eventually(t, func() bool {
		return checkStatus(t, client, ServiceName) == healthpb.HealthCheckResponse_NOT_SERVING
	}, 2*time.Second, 10*time.Millisecond)

	current.Store(commbus.HealthStatusHealthy)
	require.Eventually(t, func() bool {
		return checkStatus(t, client, ServiceName) == healthpb.HealthCheckResponse_SERVING
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStartStopsOnCancel(t *testing.T) {
	s := NewGracefulServer(testutil.NewMockLogger(), "127.0.0.1:0")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Start(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}

	// stopping twice is a no-op
	s.ShutdownWithTimeout(time.Second)
}

func TestStartFailsOnBadAddress(t *testing.T) {
	s := NewGracefulServer(nil, "256.0.0.1:bad")
	err := s.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to listen")
}

func TestShutdownCutsOffOpenHealthWatch(t *testing.T) {
	logger := testutil.NewMockLogger()
	s := NewGracefulServer(logger, "", WithShutdownTimeout(100*time.Millisecond))
	client, r := runBufconn(t, s)

	streamCtx, streamCancel := context.WithCancel(context.Background())
	defer streamCancel()
	stream, err := client.Watch(streamCtx, &healthpb.HealthCheckRequest{Service: ServiceName})
	require.NoError(t, err)
	first, err := stream.Recv()
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, first.GetStatus())

	r.cancel()

	select {
	case err := <-r.done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return with a health watch open")
	}
	assert.True(t, logger.HasLog("warn", "grpc_graceful_shutdown_timeout"))

	// the watch ends once the server is stopped
	for {
		if _, err := stream.Recv(); err != nil {
			break
		}
	}
}

func TestShutdownWithTimeoutIdle(t *testing.T) {
	logger := testutil.NewMockLogger()
	s := NewGracefulServer(logger, "")
	_ = startBufconn(t, s)

	s.ShutdownWithTimeout(time.Second)
	s.ShutdownWithTimeout(time.Second)
	assert.True(t, logger.HasLog("info", "grpc_graceful_stop_completed"))
	assert.False(t, logger.HasLog("warn", "grpc_graceful_shutdown_timeout"))
}

// =============================================================================
// HEALTH CHECK TESTS
// =============================================================================

func TestBusHealthCheck(t *testing.T) {
	bus := commbus.NewInMemoryCommBus(time.Second)
	check := BusHealthCheck(bus)

	assert.Equal(t, commbus.HealthStatusUnhealthy, check(context.Background()))

	require.NoError(t, bus.RegisterHandler("HealthCheckRequest", func(ctx context.Context, msg commbus.Message) (any, error) {
		return &commbus.HealthCheckResponse{Status: commbus.HealthStatusDegraded}, nil
	}))
	assert.Equal(t, commbus.HealthStatusDegraded, check(context.Background()))
}

func TestServingStatus(t *testing.T) {
	tests := []struct {
		in       commbus.HealthStatus
		expected healthpb.HealthCheckResponse_ServingStatus
	}{
		{commbus.HealthStatusHealthy, healthpb.HealthCheckResponse_SERVING},
		{commbus.HealthStatusDegraded, healthpb.HealthCheckResponse_SERVING},
		{commbus.HealthStatusUnhealthy, healthpb.HealthCheckResponse_NOT_SERVING},
		{commbus.HealthStatusUnknown, healthpb.HealthCheckResponse_UNKNOWN},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.expected, servingStatus(tt.in), string(tt.in))
	}
}
