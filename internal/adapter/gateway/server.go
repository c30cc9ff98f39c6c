// Package gateway exposes the consultation orchestrator over HTTP.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"sparkwise/internal/infra/config"
	"sparkwise/internal/infra/middleware"
)

const (
	routeConsult   = "/api/v1/consult"
	routeConsultWS = "/api/v1/consult/ws"
	routeHealth    = "/api/v1/health"
	routeMetrics   = "/metrics"

	defaultShutdownTimeout = 5 * time.Second
	readHeaderTimeout      = 10 * time.Second
)

// Server is the HTTP gateway for consultations.
type Server struct {
	cfg       config.ServerConfig
	deps      HandlerDeps
	logger    *slog.Logger
	startTime time.Time

	mu        sync.Mutex
	httpSrv   *http.Server
	boundAddr string
}

// NewServer creates a gateway server. Routes are built when the server starts.
func NewServer(cfg config.ServerConfig, deps HandlerDeps) *Server {
	if deps.Recorder == nil {
		deps.Recorder = nopRecorder{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.MaxBodyBytes <= 0 {
		deps.MaxBodyBytes = cfg.MaxBodyBytes
	}
	if len(deps.AllowedOrigins) == 0 {
		deps.AllowedOrigins = cfg.AllowedOrigins
	}
	return &Server{
		cfg:       cfg,
		deps:      deps,
		logger:    deps.Logger,
		startTime: time.Now(),
	}
}

// Handler builds the route tree. ctx bounds background work such as the
// rate limiter's idle-client sweeper.
func (s *Server) Handler(ctx context.Context) http.Handler {
	limit := func(h http.Handler) http.Handler { return h }
	if s.cfg.RateLimit.Enabled {
		limit = middleware.RateLimit(ctx, s.cfg.RateLimit)
	}
	rec := s.deps.Recorder

	mux := http.NewServeMux()
	mux.Handle("POST "+routeConsult, instrument(rec, routeConsult,
		limit(requireAuth(s.deps.Auth, consultHandler(s.deps)))))
	mux.Handle("GET "+routeConsultWS, instrument(rec, routeConsultWS,
		limit(requireAuth(s.deps.Auth, consultWSHandler(s.deps)))))
	mux.Handle("GET "+routeHealth, healthHandler(s.deps.HealthChecks, s.deps.Version, s.startTime))
	if s.deps.MetricsHandler != nil {
		mux.Handle("GET "+routeMetrics, s.deps.MetricsHandler)
	}

	return middleware.SecurityHeaders(middleware.CORS(s.cfg.AllowedOrigins)(mux))
}

// Start listens on the configured address and serves until ctx is
// cancelled or Stop is called.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("gateway listen: %w", err)
	}

	srv := &http.Server{
		Handler:           s.Handler(ctx),
		ReadHeaderTimeout: readHeaderTimeout,
	}
	s.mu.Lock()
	s.httpSrv = srv
	s.boundAddr = listener.Addr().String()
	s.mu.Unlock()

	s.logger.Info("gateway started", "addr", listener.Addr().String())

	go func() {
		<-ctx.Done()
		s.Stop(context.Background())
	}()

	if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("gateway serve: %w", err)
	}
	return nil
}

// Stop gracefully shuts down the server, waiting up to the configured
// shutdown timeout for in-flight consultations.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.httpSrv
	s.mu.Unlock()
	if srv == nil {
		return nil
	}

	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = defaultShutdownTimeout
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// BoundAddr returns the actual address the server bound to. Only valid after Start.
func (s *Server) BoundAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.boundAddr
}
