// Package grpc provides the admin gRPC server: standard health checking,
// server reflection, and the interceptors that log, recover, and measure
// every call.
package grpc

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/jeeves-cluster-organization/agentrelay/coreengine/logging"
	"github.com/jeeves-cluster-organization/agentrelay/coreengine/observability"
)

// =============================================================================
// OBSERVER
// =============================================================================

// Observer logs each admin call and records it in the request metrics.
type Observer struct {
	logger logging.Logger
}

// NewObserver creates an Observer. A nil logger discards output.
func NewObserver(logger logging.Logger) *Observer {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Observer{logger: logger}
}

// finish records one completed call. Cancelled calls, such as a closed
// health watch, are logged as completed.
func (o *Observer) finish(kind, method string, start time.Time, err error) {
	elapsed := time.Since(start)
	code := status.Code(err)
	observability.RecordGRPCRequest(method, code.String(), int(elapsed.Milliseconds()))

	if err != nil && code != codes.Canceled {
		o.logger.Error("grpc_"+kind+"_failed",
			"method", method,
			"duration_ms", elapsed.Milliseconds(),
			"code", code.String(),
			"error", err.Error(),
		)
		return
	}
	o.logger.Debug("grpc_"+kind+"_completed",
		"method", method,
		"duration_ms", elapsed.Milliseconds(),
	)
}

// Unary returns the unary interceptor.
func (o *Observer) Unary() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		o.logger.Debug("grpc_request_started", "method", info.FullMethod)
		resp, err := handler(ctx, req)
		o.finish("request", info.FullMethod, start, err)
		return resp, err
	}
}

// Stream returns the stream interceptor.
func (o *Observer) Stream() grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		start := time.Now()
		o.logger.Debug("grpc_stream_started",
			"method", info.FullMethod,
			"server_stream", info.IsServerStream,
		)
		err := handler(srv, ss)
		o.finish("stream", info.FullMethod, start, err)
		return err
	}
}

// =============================================================================
// RECOVERY
// =============================================================================

// RecoveryHandler converts a recovered panic value into the returned error.
type RecoveryHandler func(p any) error

// DefaultRecoveryHandler returns an Internal error with panic details.
func DefaultRecoveryHandler(p any) error {
	return status.Errorf(codes.Internal, "panic recovered: %v", p)
}

// Recoverer turns handler panics into errors and logs the stack.
type Recoverer struct {
	logger  logging.Logger
	handler RecoveryHandler
}

// NewRecoverer creates a Recoverer. A nil handler means DefaultRecoveryHandler.
func NewRecoverer(logger logging.Logger, handler RecoveryHandler) *Recoverer {
	if logger == nil {
		logger = logging.NewNop()
	}
	if handler == nil {
		handler = DefaultRecoveryHandler
	}
	return &Recoverer{logger: logger, handler: handler}
}

// Unary returns the unary interceptor.
func (r *Recoverer) Unary() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
		defer func() {
			if p := recover(); p != nil {
				resp = nil
				err = r.recovered("grpc_panic_recovered", info.FullMethod, p)
			}
		}()
		return handler(ctx, req)
	}
}

// Stream returns the stream interceptor.
func (r *Recoverer) Stream() grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) (err error) {
		defer func() {
			if p := recover(); p != nil {
				err = r.recovered("grpc_stream_panic_recovered", info.FullMethod, p)
			}
		}()
		return handler(srv, ss)
	}
}

func (r *Recoverer) recovered(event, method string, p any) error {
	r.logger.Error(event,
		"method", method,
		"panic", fmt.Sprintf("%v", p),
		"stack", string(debug.Stack()),
	)
	return r.handler(p)
}

// =============================================================================
// SERVER OPTIONS
// =============================================================================

// ServerOptions returns the OpenTelemetry stats handler plus the observer
// and recovery chains. The observer wraps recovery so a panic is recorded
// as an Internal failure.
func ServerOptions(logger logging.Logger) []grpc.ServerOption {
	rec := NewRecoverer(logger, nil)
	obs := NewObserver(logger)

	return []grpc.ServerOption{
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(obs.Unary(), rec.Unary()),
		grpc.ChainStreamInterceptor(obs.Stream(), rec.Stream()),
	}
}
