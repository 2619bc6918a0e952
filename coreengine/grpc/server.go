package grpc

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/jeeves-cluster-organization/agentrelay/commbus"
	"github.com/jeeves-cluster-organization/agentrelay/coreengine/logging"
)

// ServiceName is the health service name reported for the orchestrator.
// The empty name reports overall process health.
const ServiceName = "agentrelay.Orchestrator"

// DefaultHealthInterval is how often WatchHealth checks when no interval is given.
const DefaultHealthInterval = 10 * time.Second

// HealthCheck reports the current health of the process.
type HealthCheck func(ctx context.Context) commbus.HealthStatus

// BusHealthCheck answers through a HealthCheckRequest query on the bus. Any query
// failure, including a missing handler, is unhealthy.
func BusHealthCheck(bus commbus.CommBus) HealthCheck {
	return func(ctx context.Context) commbus.HealthStatus {
		result, err := bus.QuerySync(ctx, &commbus.HealthCheckRequest{})
		if err != nil {
			return commbus.HealthStatusUnhealthy
		}
		switch resp := result.(type) {
		case *commbus.HealthCheckResponse:
			return resp.Status
		case commbus.HealthCheckResponse:
			return resp.Status
		default:
			return commbus.HealthStatusUnknown
		}
	}
}

// servingStatus maps a bus health status to the grpc health status.
// Degraded still serves.
func servingStatus(s commbus.HealthStatus) healthpb.HealthCheckResponse_ServingStatus {
	switch s {
	case commbus.HealthStatusHealthy, commbus.HealthStatusDegraded:
		return healthpb.HealthCheckResponse_SERVING
	case commbus.HealthStatusUnhealthy:
		return healthpb.HealthCheckResponse_NOT_SERVING
	default:
		return healthpb.HealthCheckResponse_UNKNOWN
	}
}

// =============================================================================
// GRACEFUL SERVER
// =============================================================================

// DefaultShutdownTimeout bounds a graceful stop when no budget is given.
const DefaultShutdownTimeout = 10 * time.Second

// GracefulServer is the admin gRPC server. It serves grpc.health.v1.Health
// and reflection, and shuts down when its context ends. Open streams such as
// a health watch are cut off once the shutdown budget runs out.
type GracefulServer struct {
	grpcServer      *grpc.Server
	health          *health.Server
	logger          logging.Logger
	address         string
	shutdownTimeout time.Duration
	serverOpts      []grpc.ServerOption

	mu         sync.Mutex
	isShutdown bool
}

// Option configures a GracefulServer.
type Option func(*GracefulServer)

// WithShutdownTimeout sets how long a graceful stop may wait for in-flight
// calls before the server is stopped hard.
func WithShutdownTimeout(d time.Duration) Option {
	return func(s *GracefulServer) { s.shutdownTimeout = d }
}

// WithServerOptions replaces the default ServerOptions(logger).
func WithServerOptions(opts ...grpc.ServerOption) Option {
	return func(s *GracefulServer) { s.serverOpts = opts }
}

// NewGracefulServer creates the server.
func NewGracefulServer(logger logging.Logger, address string, opts ...Option) *GracefulServer {
	if logger == nil {
		logger = logging.NewNop()
	}
	s := &GracefulServer{
		logger:          logger.Bind("component", "grpc"),
		address:         address,
		shutdownTimeout: DefaultShutdownTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.shutdownTimeout <= 0 {
		s.shutdownTimeout = DefaultShutdownTimeout
	}
	if s.serverOpts == nil {
		s.serverOpts = ServerOptions(s.logger)
	}

	s.grpcServer = grpc.NewServer(s.serverOpts...)
	s.health = health.NewServer()
	healthpb.RegisterHealthServer(s.grpcServer, s.health)
	reflection.Register(s.grpcServer)

	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	return s
}

// SetStatus updates the reported health of the orchestrator service.
func (s *GracefulServer) SetStatus(status commbus.HealthStatus) {
	s.health.SetServingStatus(ServiceName, servingStatus(status))
}

// WatchHealth checks on every tick and publishes the result until ctx ends.
func (s *GracefulServer) WatchHealth(ctx context.Context, interval time.Duration, check HealthCheck) {
	if interval <= 0 {
		interval = DefaultHealthInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	last := commbus.HealthStatus("")
	for {
		status := check(ctx)
		if status != last {
			s.logger.Info("grpc_health_changed", "status", string(status))
			last = status
		}
		s.SetStatus(status)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Start listens on the configured address and serves until ctx ends.
func (s *GracefulServer) Start(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.address)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	return s.Run(ctx, lis)
}

// Run serves on lis until ctx is cancelled, then shuts down within the
// shutdown budget. A cancelled ctx is a clean exit.
func (s *GracefulServer) Run(ctx context.Context, lis net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("grpc_server_started", "address", lis.Addr().String())
		errCh <- s.grpcServer.Serve(lis)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("grpc_graceful_shutdown_initiated", "reason", ctx.Err().Error())
		s.ShutdownWithTimeout(s.shutdownTimeout)
		return nil
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	}
}

// ShutdownWithTimeout marks every service NOT_SERVING and stops gracefully,
// forcing a stop after timeout. Later calls are no-ops.
func (s *GracefulServer) ShutdownWithTimeout(timeout time.Duration) {
	s.mu.Lock()
	if s.isShutdown {
		s.mu.Unlock()
		return
	}
	s.isShutdown = true
	s.mu.Unlock()

	s.health.Shutdown()
	s.logger.Info("grpc_graceful_stop_started")

	done := make(chan struct{})
	go func() {
		s.grpcServer.GracefulStop()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("grpc_graceful_stop_completed")
	case <-time.After(timeout):
		s.logger.Warn("grpc_graceful_shutdown_timeout", "timeout_ms", timeout.Milliseconds())
		s.grpcServer.Stop()
		<-done
	}
}
