package server

import (
	"net/http"
	"strings"
)

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	// System
	mux.HandleFunc("/health", s.handlers.Status.HealthHandler) // kiosk probe
	mux.HandleFunc("/api/health", s.handlers.API.HealthHandler)
	mux.HandleFunc("/api/version", s.handlers.API.VersionHandler)
	mux.HandleFunc("/api/status", s.handlers.Status.GetStatusHandler)
	mux.HandleFunc("/api/shutdown", s.ShutdownHandler)
	mux.Handle("/metrics", s.handlers.Metrics)

	// Capture intake (kiosk route plus API alias)
	mux.HandleFunc("/capture", s.handlers.Queue.CaptureHandler)
	mux.HandleFunc("/api/capture", s.handlers.Queue.CaptureHandler)
	mux.HandleFunc("/api/queue/pause", s.handlers.Queue.PauseHandler)
	mux.HandleFunc("/api/queue/resume", s.handlers.Queue.ResumeHandler)

	// Scans and the operator decision surface
	mux.HandleFunc("/api/scans", s.handlers.Scans.ListHandler)
	mux.HandleFunc("/api/scans/", s.handleScanRoutes) // GET /{id}, POST /{id}/{action}

	// Operator sessions
	mux.HandleFunc("/api/sessions", s.handlers.Session.OpenHandler)
	mux.HandleFunc("/api/sessions/active", s.handlers.Session.ActiveHandler)
	mux.HandleFunc("/api/sessions/", s.handleSessionRoutes) // GET /{id}, /{id}/events, POST /{id}/{verb}

	// Catalog and prices
	mux.HandleFunc("/api/catalog/reload", s.handlers.Catalog.ReloadHandler)
	mux.HandleFunc("/api/prices/", s.handlePriceRoutes) // GET /{catalog_id}

	return mux
}

// handleScanRoutes dispatches /api/scans/{id} and /api/scans/{id}/{action}
func (s *Server) handleScanRoutes(w http.ResponseWriter, r *http.Request) {
	parts := splitPath(r.URL.Path, "/api/scans/")
	switch len(parts) {
	case 1:
		s.handlers.Scans.GetHandler(w, r, parts[0])
	case 2:
		scanID, action := parts[0], parts[1]
		switch action {
		case "accept":
			s.handlers.Scans.AcceptHandler(w, r, scanID)
		case "flag":
			s.handlers.Scans.FlagHandler(w, r, scanID)
		case "review":
			s.handlers.Scans.ReviewHandler(w, r, scanID)
		case "rescan":
			s.handlers.Scans.RescanHandler(w, r, scanID)
		case "back-capture":
			s.handlers.Scans.BackCaptureHandler(w, r, scanID)
		case "override":
			s.handlers.Scans.OverrideHandler(w, r, scanID)
		default:
			s.handlers.API.NotFoundHandler(w, r)
		}
	default:
		s.handlers.API.NotFoundHandler(w, r)
	}
}

// handleSessionRoutes dispatches /api/sessions/{id} and /api/sessions/{id}/{verb}
func (s *Server) handleSessionRoutes(w http.ResponseWriter, r *http.Request) {
	parts := splitPath(r.URL.Path, "/api/sessions/")
	switch len(parts) {
	case 1:
		s.handlers.Session.GetHandler(w, r, parts[0])
	case 2:
		if parts[1] == "events" {
			s.handlers.Session.EventsHandler(w, r, parts[0])
			return
		}
		s.handlers.Session.PhaseHandler(w, r, parts[0], parts[1])
	default:
		s.handlers.API.NotFoundHandler(w, r)
	}
}

// handlePriceRoutes dispatches /api/prices/{catalog_id}
func (s *Server) handlePriceRoutes(w http.ResponseWriter, r *http.Request) {
	parts := splitPath(r.URL.Path, "/api/prices/")
	if len(parts) != 1 || parts[0] == "" {
		s.handlers.API.NotFoundHandler(w, r)
		return
	}
	s.handlers.Catalog.PriceHandler(w, r, parts[0])
}

// splitPath strips prefix and splits the remainder into non-empty segments.
func splitPath(path, prefix string) []string {
	rest := strings.TrimPrefix(path, prefix)
	rest = strings.Trim(rest, "/")
	if rest == "" {
		return nil
	}
	return strings.Split(rest, "/")
}
