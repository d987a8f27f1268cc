package handlers

import (
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/Profusion-AI/cardmint/internal/models"
	"github.com/Profusion-AI/cardmint/internal/queue"
	"github.com/Profusion-AI/cardmint/internal/watcher"
	"github.com/Profusion-AI/cardmint/internal/worker"
)

var captureUIDPattern = regexp.MustCompile(`(?i)^DSC(\d{5})$`)

// QueueHandler exposes queue control and the kiosk capture endpoint.
type QueueHandler struct {
	logger   arbor.ILogger
	queueMgr *queue.Manager
	pool     *worker.Pool
	watch    *watcher.Watcher
}

func NewQueueHandler(logger arbor.ILogger, queueMgr *queue.Manager, pool *worker.Pool, watch *watcher.Watcher) *QueueHandler {
	return &QueueHandler{logger: logger, queueMgr: queueMgr, pool: pool, watch: watch}
}

// PauseHandler suspends job intake.
func (h *QueueHandler) PauseHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "POST") {
		return
	}
	h.pool.Pause()
	WriteSuccess(w, "queue paused")
}

// ResumeHandler lifts an operator pause.
func (h *QueueHandler) ResumeHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "POST") {
		return
	}
	h.pool.Resume()
	WriteSuccess(w, "queue resumed")
}

type captureRequest struct {
	UID     string `json:"uid"`
	Profile string `json:"profile,omitempty"`
}

type captureLocal struct {
	Img  string `json:"img"`
	Meta string `json:"meta,omitempty"`
}

type captureResponse struct {
	OK        bool         `json:"ok"`
	UID       string       `json:"uid"`
	Local     captureLocal `json:"local"`
	Profile   string       `json:"profile,omitempty"`
	Timestamp string       `json:"timestamp"`
}

// CaptureHandler registers a kiosk capture by uid. The camera tether has
// already written <uid>.JPG (and optionally <uid>.json sidecar metadata)
// into the drop directory; this endpoint resolves the files and enqueues
// the ingest job without waiting for the filesystem watcher.
func (h *QueueHandler) CaptureHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "POST") {
		return
	}
	var req captureRequest
	if !DecodeBody(w, r, &req) {
		return
	}

	uid := strings.ToUpper(strings.TrimSuffix(strings.TrimSuffix(req.UID, ".JPG"), ".jpg"))
	m := captureUIDPattern.FindStringSubmatch(uid)
	if m == nil {
		WriteError(w, http.StatusBadRequest, "uid must match DSCnnnnn")
		return
	}

	imgPath := filepath.Join(h.watch.DropDir(), uid+".JPG")
	if _, err := os.Stat(imgPath); err != nil {
		WriteError(w, http.StatusBadRequest, "capture file unreadable: "+err.Error())
		return
	}
	metaPath := filepath.Join(h.watch.DropDir(), uid+".json")
	if _, err := os.Stat(metaPath); err != nil {
		metaPath = ""
	}

	sequence, _ := strconv.Atoi(m[1])
	payload, err := json.Marshal(models.IngestPayload{
		Path:      imgPath,
		Filename:  uid + ".JPG",
		ArrivedAt: time.Now(),
		Sequence:  sequence,
	})
	if err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}

	msg := models.QueueMessage{Type: models.JobTypeIngest, Priority: 1, Payload: payload}
	if err := h.queueMgr.Enqueue(r.Context(), models.LaneCapture, msg); err != nil {
		WriteError(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	h.logger.Info().Str("uid", uid).Str("profile", req.Profile).Msg("Kiosk capture registered")
	WriteJSON(w, http.StatusOK, captureResponse{
		OK:        true,
		UID:       uid,
		Local:     captureLocal{Img: imgPath, Meta: metaPath},
		Profile:   req.Profile,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}
