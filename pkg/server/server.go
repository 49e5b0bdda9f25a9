package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"mercator-hq/credits/pkg/config"
	"mercator-hq/credits/pkg/telemetry/health"
	"mercator-hq/credits/pkg/telemetry/metrics"
)

// Server is the operational HTTP listener.
type Server struct {
	config     config.ServerConfig
	telemetry  config.TelemetryConfig
	checker    *health.Checker
	collector  *metrics.Collector
	build      BuildInfo
	logger     *slog.Logger
	httpServer *http.Server

	shutdownOnce sync.Once
	mu           sync.RWMutex
	isRunning    bool
	addr         net.Addr
}

// BuildInfo is reported by the version endpoint.
type BuildInfo struct {
	Version   string
	Commit    string
	BuildTime string
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger.With("component", "server") }
}

// WithBuildInfo sets what /version reports.
func WithBuildInfo(info BuildInfo) Option {
	return func(s *Server) { s.build = info }
}

// NewServer creates an operational server. collector may be nil, in which
// case the metrics path is not served.
func NewServer(cfg *config.Config, checker *health.Checker, collector *metrics.Collector, opts ...Option) *Server {
	s := &Server{
		config:    cfg.Server,
		telemetry: cfg.Telemetry,
		checker:   checker,
		collector: collector,
		build:     BuildInfo{Version: "dev"},
		logger:    slog.Default().With("component", "server"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start listens and serves until ctx is done, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return fmt.Errorf("server is already running")
	}

	ln, err := net.Listen("tcp", s.config.ListenAddress)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("listen on %s: %w", s.config.ListenAddress, err)
	}
	s.httpServer = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}
	s.addr = ln.Addr()
	s.isRunning = true
	s.mu.Unlock()

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("starting ops server", "address", ln.Addr().String())
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("server error: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		return s.Shutdown(context.Background())
	case err := <-errChan:
		s.mu.Lock()
		s.isRunning = false
		s.mu.Unlock()
		return err
	}
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	var shutdownErr error

	s.shutdownOnce.Do(func() {
		s.mu.Lock()
		if !s.isRunning {
			s.mu.Unlock()
			return
		}
		srv := s.httpServer
		s.mu.Unlock()

		timeout := s.config.ShutdownTimeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		shutdownCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("error during server shutdown", "error", err)
			shutdownErr = fmt.Errorf("server shutdown error: %w", err)
		}

		s.mu.Lock()
		s.isRunning = false
		s.mu.Unlock()

		s.logger.Info("ops server stopped")
	})

	return shutdownErr
}

// Handler returns the routed handler wrapped in the middleware chain.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	if s.collector != nil && s.telemetry.Metrics.CollectionEnabled() {
		mux.Handle("GET "+pathOr(s.telemetry.Metrics.Path, "/metrics"), s.collector.Handler())
	}
	mux.Handle("GET "+pathOr(s.telemetry.Health.LivenessPath, "/health/live"), s.checker.LivenessHandler())
	mux.Handle("GET "+pathOr(s.telemetry.Health.ReadinessPath, "/health/ready"), s.checker.ReadinessHandler())
	mux.Handle("GET /version", health.VersionHandler(s.build.Version, s.build.Commit, s.build.BuildTime))

	var handler http.Handler = mux
	handler = requestIDMiddleware(handler)
	handler = loggingMiddleware(s.logger)(handler)
	handler = recoveryMiddleware(s.logger)(handler)
	return handler
}

// IsRunning returns true if the server is running.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}

// Addr returns the bound address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.addr
}

func pathOr(path, fallback string) string {
	if path == "" {
		return fallback
	}
	return path
}
