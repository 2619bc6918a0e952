// Package httpapi serves the orchestrator over HTTP: a server-sent event
// stream with the A2A side channel, a plain JSON endpoint, health, and
// Prometheus metrics.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jeeves-cluster-organization/agentrelay/commbus"
	"github.com/jeeves-cluster-organization/agentrelay/coreengine/a2a"
	"github.com/jeeves-cluster-organization/agentrelay/coreengine/logging"
	"github.com/jeeves-cluster-organization/agentrelay/coreengine/observability"
	"github.com/jeeves-cluster-organization/agentrelay/coreengine/orchestration"
	"github.com/jeeves-cluster-organization/agentrelay/coreengine/output"
	"github.com/jeeves-cluster-organization/agentrelay/coreengine/ratelimit"
)

// Defaults for Options.
const (
	DefaultMaxBodyBytes   = 1 << 20
	DefaultObserverBuffer = 256
	DefaultHealthTimeout  = 2 * time.Second
)

// Runner runs one orchestration request.
type Runner interface {
	Run(ctx context.Context, req orchestration.Request, emit a2a.Emitter) (*orchestration.Result, error)
}

// Options configures a Server.
type Options struct {
	Addr      string
	Runner    Runner
	Deliverer *output.Deliverer
	// Bus receives every envelope as an EnvelopeEmitted event and answers
	// health queries. Optional.
	Bus    commbus.CommBus
	Logger logging.Logger
	// Limiter throttles the chat endpoints per client address. Optional.
	Limiter        *ratelimit.Limiter
	MaxBodyBytes   int64
	ObserverBuffer int
	HealthTimeout  time.Duration
}

// Server is the HTTP front end.
type Server struct {
	opts     Options
	logger   logging.Logger
	observer *a2a.Buffered
	server   *http.Server
	mux      *http.ServeMux

	mu       sync.Mutex
	listener net.Listener
}

// NewServer creates a Server. Runner is required.
func NewServer(opts Options) (*Server, error) {
	if opts.Runner == nil {
		return nil, errors.New("httpapi: runner is required")
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewNop()
	}
	if opts.Deliverer == nil {
		opts.Deliverer = output.NewDeliverer(output.DefaultChunkSize, opts.Logger)
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if opts.ObserverBuffer <= 0 {
		opts.ObserverBuffer = DefaultObserverBuffer
	}
	if opts.HealthTimeout <= 0 {
		opts.HealthTimeout = DefaultHealthTimeout
	}

	s := &Server{
		opts:   opts,
		logger: opts.Logger.Bind("component", "http"),
	}
	if opts.Bus != nil {
		s.observer = a2a.NewBuffered(a2a.NewBusEmitter(context.Background(), opts.Bus), opts.ObserverBuffer)
	}

	s.mux = http.NewServeMux()
	s.mux.Handle("POST /api/chat/stream", s.limit(http.HandlerFunc(s.streamHandler)))
	s.mux.Handle("POST /api/chat", s.limit(http.HandlerFunc(s.chatHandler)))
	s.mux.HandleFunc("GET /healthz", s.healthHandler)
	s.mux.Handle("GET /metrics", promhttp.Handler())

	s.server = &http.Server{
		Addr:              opts.Addr,
		Handler:           s.logRequests(s.mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// Handler returns the routed handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start listens on the configured address and serves until ctx is
// cancelled, then shuts down with shutdownTimeout. A cancelled ctx is a
// clean exit.
func (s *Server) Start(ctx context.Context, shutdownTimeout time.Duration) error {
	lis, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	s.mu.Lock()
	s.listener = lis
	s.mu.Unlock()
	s.logger.Info("http_server_started", "address", lis.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.server.Serve(lis)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return s.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server error: %w", err)
	}
}

// Shutdown stops the listener, waits for in-flight requests, and drains
// the bus observer.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http_shutdown_initiated")
	err := s.server.Shutdown(ctx)
	if s.observer != nil {
		if cerr := s.observer.Close(ctx); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

// Address returns the bound address once listening, else the configured one.
func (s *Server) Address() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.opts.Addr
}

// =============================================================================
// HANDLERS
// =============================================================================

type errorBody struct {
	Error string `json:"error"`
}

func (s *Server) decodeRequest(w http.ResponseWriter, r *http.Request) (orchestration.Request, bool) {
	var req orchestration.Request
	body := http.MaxBytesReader(w, r.Body, s.opts.MaxBodyBytes)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: fmt.Sprintf("invalid request body: %v", err)})
		return req, false
	}
	if strings.TrimSpace(req.Prompt) == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "prompt is required"})
		return req, false
	}
	return req, true
}

// streamHandler answers with text/event-stream: a2a frames while the
// orchestrator runs, then the delivered answer.
func (s *Server) streamHandler(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeRequest(w, r)
	if !ok {
		return
	}

	output.SetHeaders(w.Header())
	w.WriteHeader(http.StatusOK)
	sse := output.NewSSEWriter(w)

	var requestID string
	side := a2a.EmitterFunc(func(env a2a.Envelope) {
		if requestID == "" {
			requestID = env.RequestID
		}
		if err := sse.WriteFrame(output.EventA2A, env); err != nil {
			s.logger.Debug("a2a_frame_dropped", "request_id", env.RequestID, "error", err.Error())
		}
	})
	emit := s.emitter(side)

	ctx := r.Context()
	result, err := s.opts.Runner.Run(ctx, req, emit)
	if err != nil {
		s.logger.Warn("stream_run_failed", "request_id", requestID, "error", err.Error())
		_ = s.opts.Deliverer.DeliverError(ctx, sse, err, requestID)
		return
	}
	if err := s.opts.Deliverer.Deliver(ctx, sse, result.Response, result.RequestID, emit); err != nil {
		s.logger.Warn("stream_delivery_failed", "request_id", result.RequestID, "error", err.Error())
	}
}

// chatHandler answers with the whole orchestration result as JSON.
func (s *Server) chatHandler(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeRequest(w, r)
	if !ok {
		return
	}

	result, err := s.opts.Runner.Run(r.Context(), req, s.emitter(nil))
	if err != nil {
		s.logger.Warn("chat_run_failed", "error", err.Error())
		writeJSON(w, http.StatusBadGateway, errorBody{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type healthBody struct {
	Status     commbus.HealthStatus            `json:"status"`
	Components map[string]commbus.HealthStatus `json:"components,omitempty"`
	Version    string                          `json:"version,omitempty"`
}

// healthHandler asks the bus for process health. Without a bus the process
// is healthy if it can answer at all.
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if s.opts.Bus == nil {
		writeJSON(w, http.StatusOK, healthBody{Status: commbus.HealthStatusHealthy})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.opts.HealthTimeout)
	defer cancel()

	result, err := s.opts.Bus.QuerySync(ctx, &commbus.HealthCheckRequest{})
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, healthBody{Status: commbus.HealthStatusUnhealthy})
		return
	}
	resp, ok := result.(*commbus.HealthCheckResponse)
	if !ok {
		writeJSON(w, http.StatusServiceUnavailable, healthBody{Status: commbus.HealthStatusUnknown})
		return
	}

	code := http.StatusOK
	if resp.Status != commbus.HealthStatusHealthy && resp.Status != commbus.HealthStatusDegraded {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, healthBody{Status: resp.Status, Components: resp.Components, Version: resp.Version})
}

// emitter combines a per-request emitter with the shared bus observer.
func (s *Server) emitter(side a2a.Emitter) a2a.Emitter {
	if s.observer == nil {
		if side == nil {
			return a2a.Nop
		}
		return side
	}
	return a2a.Multi(side, s.observer)
}

// =============================================================================
// HELPERS
// =============================================================================

// limit rejects requests over the client's rate with 429 and Retry-After.
func (s *Server) limit(next http.Handler) http.Handler {
	if s.opts.Limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		client := clientAddr(r)
		res := s.opts.Limiter.Allow(client)
		if !res.Allowed {
			observability.RecordRateLimited(r.URL.Path, res.LimitType)
			s.logger.Info("http_rate_limited",
				"client", client,
				"path", r.URL.Path,
				"window", res.LimitType,
				"limit", res.Limit,
			)
			seconds := int((res.RetryAfter + time.Second - 1) / time.Second)
			w.Header().Set("Retry-After", strconv.Itoa(seconds))
			writeJSON(w, http.StatusTooManyRequests, errorBody{
				Error: fmt.Sprintf("rate limit exceeded: %d requests per %s", res.Limit, res.LimitType),
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Flush keeps streaming responses flushable through the recorder.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug("http_request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}
