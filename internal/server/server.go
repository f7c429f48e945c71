package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/zsiec/peerdecode/internal/config"
	"github.com/zsiec/peerdecode/internal/errors"
	"github.com/zsiec/peerdecode/internal/health"
	"github.com/zsiec/peerdecode/internal/logger"
	"github.com/zsiec/peerdecode/internal/receive"
	"github.com/zsiec/peerdecode/internal/receive/registry"
	"github.com/zsiec/peerdecode/internal/receive/types"
)

// StreamController is the decode manager as seen by the HTTP API.
type StreamController interface {
	Streams() []receive.StreamInfo
	Stream(key types.StreamKey) (receive.StreamInfo, bool)
	RemovePeer(peerID string) int
	StopStream(key types.StreamKey) bool
	Strategy() string
}

// Server serves the status and control API.
type Server struct {
	config       *config.ServerConfig
	router       *mux.Router
	httpServer   *http.Server
	logger       logger.Logger
	healthMgr    *health.Manager
	errorHandler *errors.ErrorHandler
	streams      StreamController
	registry     registry.Registry
}

// New creates a server with all routes registered. reg may be nil when
// the stream registry is disabled.
func New(cfg *config.ServerConfig, log logger.Logger, streams StreamController, healthMgr *health.Manager, reg registry.Registry) *Server {
	if log == nil {
		log = logger.NewNullLogger()
	}
	log = log.WithField("component", "http_server")

	s := &Server{
		config:       cfg,
		router:       mux.NewRouter(),
		logger:       log,
		healthMgr:    healthMgr,
		errorHandler: errors.NewErrorHandler(log),
		streams:      streams,
		registry:     reg,
	}
	s.setupRoutes()
	return s
}

// Start listens on the configured address and serves until ctx is
// cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", s.config.ListenAddr, s.config.Port))
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.httpServer = &http.Server{
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	if s.healthMgr != nil {
		go s.healthMgr.StartPeriodicChecks(ctx, 30*time.Second)
	}

	s.logger.WithField("address", ln.Addr().String()).Info("Starting HTTP server")

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
		return s.Shutdown()
	}
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown() error {
	if s.httpServer == nil {
		return nil
	}
	s.logger.Info("Shutting down HTTP server")

	timeout := s.config.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}

	s.logger.Info("HTTP server shutdown complete")
	return nil
}

func (s *Server) setupRoutes() {
	s.router.Use(logger.RequestLoggerMiddleware(s.logger))
	s.router.Use(s.errorHandler.Middleware)
	s.router.Use(s.metricsMiddleware)
	s.router.Use(s.corsMiddleware)

	if s.healthMgr != nil {
		healthHandler := health.NewHandler(s.healthMgr)
		s.router.HandleFunc("/health", healthHandler.HandleHealth).Methods(http.MethodGet)
		s.router.HandleFunc("/ready", healthHandler.HandleReady).Methods(http.MethodGet)
		s.router.HandleFunc("/live", healthHandler.HandleLive).Methods(http.MethodGet)
	}

	s.router.HandleFunc("/version", s.handleVersion).Methods(http.MethodGet)

	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/streams", s.handleListStreams).Methods(http.MethodGet)
	api.HandleFunc("/streams/{peer_id}/{media_kind}", s.handleGetStream).Methods(http.MethodGet)
	api.HandleFunc("/streams/{peer_id}/{media_kind}", s.handleStopStream).Methods(http.MethodDelete)
	api.HandleFunc("/peers/{peer_id}", s.handleRemovePeer).Methods(http.MethodDelete)
	api.HandleFunc("/registry", s.handleRegistry).Methods(http.MethodGet)

	s.router.NotFoundHandler = http.HandlerFunc(s.errorHandler.HandleNotFound)
	s.router.MethodNotAllowedHandler = http.HandlerFunc(s.errorHandler.HandleMethodNotAllowed)
}

// Router returns the router for testing.
func (s *Server) Router() *mux.Router {
	return s.router
}
