package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/Profusion-AI/cardmint/internal/session"
	"github.com/Profusion-AI/cardmint/internal/storage/sqlite"
)

// SessionHandler exposes the operator session lifecycle.
type SessionHandler struct {
	logger   arbor.ILogger
	sessions *session.Service
}

func NewSessionHandler(logger arbor.ILogger, sessions *session.Service) *SessionHandler {
	return &SessionHandler{logger: logger, sessions: sessions}
}

type openSessionRequest struct {
	Baseline bool   `json:"baseline,omitempty"`
	Notes    string `json:"notes,omitempty"`
}

// OpenHandler creates a new session in PREP.
func (h *SessionHandler) OpenHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "POST") {
		return
	}
	var req openSessionRequest
	if !DecodeBody(w, r, &req) {
		return
	}

	sess, err := h.sessions.Open(r.Context(), req.Baseline, req.Notes)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	WriteJSON(w, http.StatusCreated, sess)
}

// ActiveHandler returns the active session, or 404 when none.
func (h *SessionHandler) ActiveHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	sess, err := h.sessions.Active(r.Context())
	if err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if sess == nil {
		WriteError(w, http.StatusNotFound, "no active session")
		return
	}
	WriteJSON(w, http.StatusOK, sess)
}

// GetHandler returns one session.
func (h *SessionHandler) GetHandler(w http.ResponseWriter, r *http.Request, sessionID string) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	sess, err := h.sessions.Get(r.Context(), sessionID)
	if err != nil {
		h.writeSessionError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, sess)
}

// PhaseHandler dispatches the lifecycle verbs: begin, validate, close,
// abort, heartbeat.
func (h *SessionHandler) PhaseHandler(w http.ResponseWriter, r *http.Request, sessionID, verb string) {
	if !RequireMethod(w, r, "POST") {
		return
	}

	var err error
	switch verb {
	case "begin":
		err = h.sessions.Begin(r.Context(), sessionID)
	case "validate":
		err = h.sessions.Validate(r.Context(), sessionID)
	case "close":
		err = h.sessions.Close(r.Context(), sessionID)
	case "abort":
		err = h.sessions.Abort(r.Context(), sessionID)
	case "heartbeat":
		err = h.sessions.Heartbeat(r.Context(), sessionID)
	default:
		WriteError(w, http.StatusNotFound, "unknown session action "+verb)
		return
	}
	if err != nil {
		h.writeSessionError(w, err)
		return
	}
	WriteSuccess(w, "session "+verb)
}

// EventsHandler returns a session's event stream, optionally bounded by
// a ?since RFC3339 timestamp.
func (h *SessionHandler) EventsHandler(w http.ResponseWriter, r *http.Request, sessionID string) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	since := time.Time{}
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			WriteError(w, http.StatusBadRequest, "since must be RFC3339")
			return
		}
		since = parsed
	}

	evts, err := h.sessions.EventsSince(r.Context(), sessionID, since)
	if err != nil {
		h.writeSessionError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{"events": evts, "count": len(evts)})
}

func (h *SessionHandler) writeSessionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, sqlite.ErrSessionNotFound):
		WriteError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, sqlite.ErrActiveSessionExists):
		WriteError(w, http.StatusConflict, err.Error())
	default:
		WriteError(w, http.StatusBadRequest, err.Error())
	}
}
