package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/ternarybob/arbor"

	"github.com/Profusion-AI/cardmint/internal/models"
	"github.com/Profusion-AI/cardmint/internal/operator"
	"github.com/Profusion-AI/cardmint/internal/storage/sqlite"
)

// ScanHandler exposes scan reads and the operator decision surface.
type ScanHandler struct {
	logger arbor.ILogger
	scans  *sqlite.ScanStorage
	ops    *operator.Service
}

func NewScanHandler(logger arbor.ILogger, scans *sqlite.ScanStorage, ops *operator.Service) *ScanHandler {
	return &ScanHandler{logger: logger, scans: scans, ops: ops}
}

// ListHandler returns scans filtered by status, oldest first. Without a
// status filter it returns the operator working set.
func (h *ScanHandler) ListHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	limit := QueryInt(r, "limit", 50)
	var (
		jobs []*models.ScanJob
		err  error
	)
	if status := r.URL.Query().Get("status"); status != "" {
		jobs, err = h.scans.ListByStatus(r.Context(), models.ScanStatus(status), limit)
	} else {
		jobs, err = h.ops.Pending(r.Context(), limit)
	}
	if err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{"scans": jobs, "count": len(jobs)})
}

// GetHandler returns one scan by id.
func (h *ScanHandler) GetHandler(w http.ResponseWriter, r *http.Request, scanID string) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	job, err := h.scans.Get(r.Context(), scanID)
	if err != nil {
		WriteError(w, http.StatusNotFound, "scan not found")
		return
	}
	WriteJSON(w, http.StatusOK, job)
}

type decisionRequest struct {
	Operator  string `json:"operator"`
	CatalogID string `json:"catalog_id,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// AcceptHandler locks a scan identity.
func (h *ScanHandler) AcceptHandler(w http.ResponseWriter, r *http.Request, scanID string) {
	if !RequireMethod(w, r, "POST") {
		return
	}
	var req decisionRequest
	if !DecodeBody(w, r, &req) {
		return
	}

	job, err := h.ops.Accept(r.Context(), scanID, req.Operator, req.CatalogID)
	if err != nil {
		h.writeDecisionError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, job)
}

// FlagHandler marks a scan as problematic.
func (h *ScanHandler) FlagHandler(w http.ResponseWriter, r *http.Request, scanID string) {
	h.closeOut(w, r, scanID, h.ops.Flag)
}

// ReviewHandler parks a scan for a later, more careful pass.
func (h *ScanHandler) ReviewHandler(w http.ResponseWriter, r *http.Request, scanID string) {
	h.closeOut(w, r, scanID, h.ops.NeedsReview)
}

func (h *ScanHandler) closeOut(w http.ResponseWriter, r *http.Request, scanID string, decide func(context.Context, string, string, string) error) {
	if !RequireMethod(w, r, "POST") {
		return
	}
	var req decisionRequest
	if !DecodeBody(w, r, &req) {
		return
	}
	if err := decide(r.Context(), scanID, req.Operator, req.Reason); err != nil {
		h.writeDecisionError(w, err)
		return
	}
	WriteSuccess(w, "scan updated")
}

// RescanHandler queues a fresh inference pass for a scan.
func (h *ScanHandler) RescanHandler(w http.ResponseWriter, r *http.Request, scanID string) {
	if !RequireMethod(w, r, "POST") {
		return
	}
	var req decisionRequest
	if !DecodeBody(w, r, &req) {
		return
	}
	if err := h.ops.RequestRescan(r.Context(), scanID, req.Operator); err != nil {
		h.writeDecisionError(w, err)
		return
	}
	WriteSuccess(w, "rescan queued")
}

// BackCaptureHandler sends a scan back to the capture station.
func (h *ScanHandler) BackCaptureHandler(w http.ResponseWriter, r *http.Request, scanID string) {
	if !RequireMethod(w, r, "POST") {
		return
	}
	var req decisionRequest
	if !DecodeBody(w, r, &req) {
		return
	}
	if err := h.ops.RequestBackCapture(r.Context(), scanID, req.Operator); err != nil {
		h.writeDecisionError(w, err)
		return
	}
	WriteSuccess(w, "back capture requested")
}

type overrideBody struct {
	Operator string                   `json:"operator"`
	Fields   operator.OverrideRequest `json:"fields"`
}

// OverrideHandler applies operator field corrections.
func (h *ScanHandler) OverrideHandler(w http.ResponseWriter, r *http.Request, scanID string) {
	if !RequireMethod(w, r, "POST") {
		return
	}
	var req overrideBody
	if !DecodeBody(w, r, &req) {
		return
	}

	job, err := h.ops.Override(r.Context(), scanID, req.Operator, req.Fields)
	if err != nil {
		h.writeDecisionError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, job)
}

func (h *ScanHandler) writeDecisionError(w http.ResponseWriter, err error) {
	if errors.Is(err, sqlite.ErrScanNotFound) {
		WriteError(w, http.StatusNotFound, err.Error())
		return
	}
	if models.ErrorCode(err) == models.ErrCodeInvalidTransition {
		WriteError(w, http.StatusConflict, err.Error())
		return
	}
	WriteError(w, http.StatusBadRequest, err.Error())
}
