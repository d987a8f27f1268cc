package handlers

import (
	"net/http"

	"github.com/ternarybob/arbor"

	"github.com/Profusion-AI/cardmint/internal/catalog"
	"github.com/Profusion-AI/cardmint/internal/inference"
	"github.com/Profusion-AI/cardmint/internal/models"
	"github.com/Profusion-AI/cardmint/internal/queue"
	"github.com/Profusion-AI/cardmint/internal/storage/sqlite"
	"github.com/Profusion-AI/cardmint/internal/watcher"
	"github.com/Profusion-AI/cardmint/internal/worker"
)

// StatusHandler aggregates the pipeline's live state for the operator
// dashboard.
type StatusHandler struct {
	logger     arbor.ILogger
	queueMgr   *queue.Manager
	pool       *worker.Pool
	watch      *watcher.Watcher
	scans      *sqlite.ScanStorage
	catalogSvc *catalog.Service
	quota      *inference.QuotaTracker
}

func NewStatusHandler(logger arbor.ILogger, queueMgr *queue.Manager, pool *worker.Pool, watch *watcher.Watcher, scans *sqlite.ScanStorage, catalogSvc *catalog.Service, quota *inference.QuotaTracker) *StatusHandler {
	return &StatusHandler{
		logger:     logger,
		queueMgr:   queueMgr,
		pool:       pool,
		watch:      watch,
		scans:      scans,
		catalogSvc: catalogSvc,
		quota:      quota,
	}
}

// HealthHandler answers the kiosk health probe: overall status, spool
// depth (queued captures awaiting ingest), and camera tether info.
// offline means the watcher is down; degraded means intake is paused or
// the capture lane is suspended by backpressure.
func (h *StatusHandler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	status := "healthy"
	switch {
	case !h.watch.Running():
		status = "offline"
	case h.pool.Paused() || h.pool.CaptureLanePaused():
		status = "degraded"
	}

	ws := h.watch.Stats()
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"status":      status,
		"spool_depth": h.queueMgr.Depth(models.LaneCapture),
		"camera": map[string]interface{}{
			"drop_dir":   h.watch.DropDir(),
			"detected":   ws.Detected,
			"dropped":    ws.Dropped,
			"duplicates": ws.Duplicates,
			"deferred":   ws.Deferred,
		},
	})
}

// GetStatusHandler returns the application status snapshot.
func (h *StatusHandler) GetStatusHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	counts, err := h.scans.CountByStatus(r.Context())
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "failed to count scans: "+err.Error())
		return
	}

	status := map[string]interface{}{
		"queue": map[string]interface{}{
			"capture_depth":       h.queueMgr.Depth(models.LaneCapture),
			"processing_depth":    h.queueMgr.Depth(models.LaneProcessing),
			"capture_lane_paused": h.pool.CaptureLanePaused(),
		},
		"watcher": h.watch.Stats(),
		"scans": counts,
		"catalog": map[string]interface{}{
			"cards":     h.catalogSvc.Snapshot().Size(),
			"loaded_at": h.catalogSvc.Snapshot().LoadedAt(),
		},
		"quota_remaining": h.quota.Remaining(),
	}
	WriteJSON(w, http.StatusOK, status)
}
