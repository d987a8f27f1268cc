package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/Profusion-AI/cardmint/internal/common"
	"github.com/Profusion-AI/cardmint/internal/handlers"
)

// Handlers collects the route handlers the server dispatches to.
type Handlers struct {
	API     *handlers.APIHandler
	Status  *handlers.StatusHandler
	Scans   *handlers.ScanHandler
	Session *handlers.SessionHandler
	Queue   *handlers.QueueHandler
	Catalog *handlers.CatalogHandler
	Metrics http.Handler
}

// Server manages the HTTP server and routes
type Server struct {
	logger       arbor.ILogger
	config       *common.Config
	handlers     Handlers
	router       *http.ServeMux
	server       *http.Server
	shutdownChan chan<- struct{}
}

// New creates a new HTTP server over the wired handlers
func New(logger arbor.ILogger, config *common.Config, h Handlers) *Server {
	s := &Server{
		logger:   logger,
		config:   config,
		handlers: h,
	}

	s.router = s.setupRoutes()

	addr := fmt.Sprintf("%s:%d", config.Server.Host, config.Server.Port)
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.withMiddleware(s.router),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.logger.Info().
		Str("address", s.server.Addr).
		Msg("HTTP server starting")

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("Shutting down HTTP server...")

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	s.logger.Info().Msg("HTTP server stopped")
	return nil
}

// SetShutdownChannel wires the channel signaled by the drain endpoint.
func (s *Server) SetShutdownChannel(ch chan<- struct{}) {
	s.shutdownChan = ch
}

// ShutdownHandler handles POST /api/shutdown: stop accepting work and
// drain. Used by the drain CLI command against a running process.
func (s *Server) ShutdownHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.shutdownChan == nil {
		http.Error(w, "Shutdown not available", http.StatusServiceUnavailable)
		return
	}

	s.logger.Info().Str("remote", r.RemoteAddr).Msg("Shutdown requested via HTTP")
	w.WriteHeader(http.StatusAccepted)
	fmt.Fprint(w, `{"status":"draining"}`)

	select {
	case s.shutdownChan <- struct{}{}:
	default:
	}
}

// Router exposes the routed handler for tests.
func (s *Server) Router() http.Handler {
	return s.withMiddleware(s.router)
}
