package watcher

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/fsnotify/fsnotify"
	"github.com/ternarybob/arbor"

	"github.com/Profusion-AI/cardmint/internal/common"
	"github.com/Profusion-AI/cardmint/internal/events"
	"github.com/Profusion-AI/cardmint/internal/models"
	"github.com/Profusion-AI/cardmint/internal/queue"
)

// captureFilePattern matches the camera's tethered-capture output:
// DSC followed by exactly five digits. The tether writes .tmp first
// and renames, so .tmp never matches.
var captureFilePattern = regexp.MustCompile(`(?i)^DSC(\d{5})\.JPG$`)

// fingerprintBytes is how much of the file head goes into the dedup
// hash. The JPEG header plus the first scanlines is unique per shot
// and keeps detection well under budget on network shares.
const fingerprintBytes = 4096

// Capture is the payload published on capture events.
type Capture struct {
	Path        string
	Filename    string
	Sequence    int
	Fingerprint string
	DetectionMs int64
}

// Backpressure is the payload published when a capture is dropped.
type Backpressure struct {
	Filename string
	Depth    int
	Limit    int
}

// Watcher detects new capture files in the drop directory and feeds
// the capture lane. Detection combines fsnotify events with a polling
// sweep backstop for events the OS loses (SMB mounts drop them
// routinely). The detection path itself does no blocking work beyond
// reading the file head; everything downstream happens on the worker
// pool.
type Watcher struct {
	logger   arbor.ILogger
	bus      *events.Bus
	queueMgr *queue.Manager

	dropDir         string
	pollInterval    time.Duration
	maxQueueDepth   int
	detectionBudget time.Duration

	mu           sync.Mutex
	seenFiles    map[string]bool   // filename -> dispatched
	fingerprints map[uint64]bool   // content dedup
	fpOrder      []uint64          // insertion order, for pruning
	fpLimit      int
	fpPrune      int

	fsw     *fsnotify.Watcher
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running atomic.Bool

	detected      atomic.Int64
	dropped       atomic.Int64
	duped         atomic.Int64
	detectTotalMs atomic.Int64
	deferred      atomic.Bool
}

// Stats is a snapshot of the watcher's detection metrics.
type Stats struct {
	Detected       int64   `json:"detected"`
	Dropped        int64   `json:"dropped"`
	Duplicates     int64   `json:"duplicates"`
	AvgDetectionMs float64 `json:"avg_detection_ms"`
	Deferred       bool    `json:"deferred"`
}

// New creates a watcher over the configured drop directory.
func New(logger arbor.ILogger, bus *events.Bus, queueMgr *queue.Manager, cfg *common.WatcherConfig) *Watcher {
	return &Watcher{
		logger:          logger,
		bus:             bus,
		queueMgr:        queueMgr,
		dropDir:         cfg.DropDir,
		pollInterval:    common.MustDuration(cfg.PollInterval),
		maxQueueDepth:   cfg.MaxQueueDepth,
		detectionBudget: common.MustDuration(cfg.DetectionBudget),
		seenFiles:       make(map[string]bool),
		fingerprints:    make(map[uint64]bool),
		fpLimit:         cfg.FingerprintLimit,
		fpPrune:         cfg.FingerprintPrune,
	}
}

// Start begins watching. Idempotent: a running watcher ignores it.
func (w *Watcher) Start() error {
	if !w.running.CompareAndSwap(false, true) {
		return nil
	}

	if err := os.MkdirAll(w.dropDir, 0o755); err != nil {
		w.running.Store(false)
		return fmt.Errorf("failed to create drop dir: %w", err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		w.running.Store(false)
		return fmt.Errorf("failed to create fs watcher: %w", err)
	}
	if err := fsw.Add(w.dropDir); err != nil {
		fsw.Close()
		w.running.Store(false)
		return fmt.Errorf("failed to watch drop dir: %w", err)
	}
	w.fsw = fsw
	w.ctx, w.cancel = context.WithCancel(context.Background())

	w.wg.Add(2)
	common.SafeGo(w.logger, "watcher-events", func() {
		defer w.wg.Done()
		w.eventLoop()
	})
	common.SafeGo(w.logger, "watcher-sweep", func() {
		defer w.wg.Done()
		w.sweepLoop()
	})

	w.logger.Info().
		Str("drop_dir", w.dropDir).
		Dur("sweep_interval", w.pollInterval).
		Msg("Capture watcher started")
	w.bus.Publish(w.ctx, events.Event{Type: events.TypeStarted, Payload: "watcher"})
	return nil
}

// Stop halts watching. Idempotent: a stopped watcher ignores it.
func (w *Watcher) Stop() {
	if !w.running.CompareAndSwap(true, false) {
		return
	}
	w.cancel()
	w.fsw.Close()
	w.wg.Wait()
	w.logger.Info().
		Int64("detected", w.detected.Load()).
		Int64("dropped", w.dropped.Load()).
		Int64("duplicates", w.duped.Load()).
		Msg("Capture watcher stopped")
	w.bus.Publish(context.Background(), events.Event{Type: events.TypeStopped, Payload: "watcher"})
}

func (w *Watcher) eventLoop() {
	for {
		select {
		case <-w.ctx.Done():
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			// The tether writes DSCnnnnn.JPG.tmp then renames into
			// place; Create and Rename both mark the final name.
			if event.Op&(fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.dispatch(filepath.Base(event.Name))
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn().Err(err).Msg("Watcher fs event error")
			w.bus.Publish(w.ctx, events.Event{Type: events.TypeWatcherError, Payload: err.Error()})
		}
	}
}

// sweepLoop re-lists the drop directory on an interval so captures
// whose events were lost still get picked up.
func (w *Watcher) sweepLoop() {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			entries, err := os.ReadDir(w.dropDir)
			if err != nil {
				w.logger.Warn().Err(err).Msg("Watcher sweep failed")
				continue
			}
			for _, entry := range entries {
				if !entry.IsDir() {
					w.dispatch(entry.Name())
				}
			}
		}
	}
}

// dispatch filters a candidate filename and hands accepted files to
// the detection path on a fresh goroutine so neither loop ever blocks.
func (w *Watcher) dispatch(filename string) {
	if strings.HasSuffix(strings.ToLower(filename), ".tmp") {
		return
	}
	m := captureFilePattern.FindStringSubmatch(filename)
	if m == nil {
		return
	}

	w.mu.Lock()
	if w.seenFiles[filename] {
		w.mu.Unlock()
		return
	}
	w.seenFiles[filename] = true
	w.mu.Unlock()

	sequence, _ := strconv.Atoi(m[1])
	common.SafeGo(w.logger, "watcher-detect", func() {
		w.detect(filename, sequence)
	})
}

func (w *Watcher) detect(filename string, sequence int) {
	start := time.Now()
	path := filepath.Join(w.dropDir, filename)

	fp, err := fingerprintFile(path)
	if err != nil {
		// The file may have been renamed away between event and read;
		// unmark so a sweep can retry if it reappears.
		w.mu.Lock()
		delete(w.seenFiles, filename)
		w.mu.Unlock()
		w.logger.Warn().Err(err).Str("file", filename).Msg("Failed to fingerprint capture")
		return
	}

	if w.isDuplicate(fp) {
		w.duped.Add(1)
		w.logger.Info().
			Str("file", filename).
			Str("fingerprint", fmt.Sprintf("%016x", fp)).
			Msg("Duplicate capture ignored")
		return
	}

	depth := w.queueMgr.Depth(models.LaneCapture)
	if depth >= w.maxQueueDepth {
		w.dropped.Add(1)
		w.deferred.Store(true)
		w.logger.Error().
			Str("file", filename).
			Int("depth", depth).
			Int("limit", w.maxQueueDepth).
			Msg("Capture dropped, queue at capacity")
		w.bus.Publish(w.ctx, events.Event{
			Type:    events.TypeBackpressure,
			Payload: Backpressure{Filename: filename, Depth: depth, Limit: w.maxQueueDepth},
		})
		return
	}

	payload, err := json.Marshal(models.IngestPayload{
		Path:        path,
		Filename:    filename,
		ArrivedAt:   start,
		Sequence:    sequence,
		Fingerprint: fmt.Sprintf("%016x", fp),
	})
	if err != nil {
		w.logger.Error().Err(err).Str("file", filename).Msg("Failed to encode ingest payload")
		return
	}

	msg := models.QueueMessage{Type: models.JobTypeIngest, Priority: 1, Payload: payload}
	if err := w.queueMgr.Enqueue(w.ctx, models.LaneCapture, msg); err != nil {
		w.logger.Error().Err(err).Str("file", filename).Msg("Failed to enqueue capture")
		return
	}

	elapsed := time.Since(start)
	w.detected.Add(1)
	w.detectTotalMs.Add(elapsed.Milliseconds())
	w.deferred.Store(false)
	if elapsed > w.detectionBudget {
		w.logger.Warn().
			Str("file", filename).
			Dur("detection", elapsed).
			Dur("budget", w.detectionBudget).
			Msg("Capture detection over budget")
	}

	w.bus.Publish(w.ctx, events.Event{Type: events.TypeCapture, Payload: Capture{
		Path:        path,
		Filename:    filename,
		Sequence:    sequence,
		Fingerprint: fmt.Sprintf("%016x", fp),
		DetectionMs: elapsed.Milliseconds(),
	}})

	w.logger.Info().
		Str("file", filename).
		Int("sequence", sequence).
		Dur("detection", elapsed).
		Msg("Capture detected")
}

// isDuplicate records a fingerprint and reports whether it was already
// known. The set is bounded: at the limit the oldest entries are
// pruned down to the retention floor.
func (w *Watcher) isDuplicate(fp uint64) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.fingerprints[fp] {
		return true
	}
	w.fingerprints[fp] = true
	w.fpOrder = append(w.fpOrder, fp)

	if len(w.fpOrder) > w.fpLimit {
		cut := len(w.fpOrder) - w.fpPrune
		for _, old := range w.fpOrder[:cut] {
			delete(w.fingerprints, old)
		}
		w.fpOrder = append([]uint64(nil), w.fpOrder[cut:]...)
	}
	return false
}

// Stats returns detection metrics for the status surface. The average
// is over successful detections since start; Deferred reports whether
// the most recent capture was turned away by queue backpressure.
func (w *Watcher) Stats() Stats {
	s := Stats{
		Detected:   w.detected.Load(),
		Dropped:    w.dropped.Load(),
		Duplicates: w.duped.Load(),
		Deferred:   w.deferred.Load(),
	}
	if s.Detected > 0 {
		s.AvgDetectionMs = float64(w.detectTotalMs.Load()) / float64(s.Detected)
	}
	return s
}

// Running reports whether the watcher is live.
func (w *Watcher) Running() bool {
	return w.running.Load()
}

// DropDir returns the watched capture directory.
func (w *Watcher) DropDir() string {
	return w.dropDir
}

// fingerprintFile hashes the first 4 KiB of a file with xxHash64.
func fingerprintFile(path string) (uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	h := xxhash.New()
	if _, err := io.Copy(h, io.LimitReader(f, fingerprintBytes)); err != nil {
		return 0, err
	}
	return h.Sum64(), nil
}
