package watcher

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Profusion-AI/cardmint/internal/common"
	"github.com/Profusion-AI/cardmint/internal/events"
	"github.com/Profusion-AI/cardmint/internal/models"
	"github.com/Profusion-AI/cardmint/internal/queue"
)

func newTestWatcher(t *testing.T, depth int) (*Watcher, *queue.Manager, string) {
	t.Helper()
	opts := badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	db, err := badger.Open(opts)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	logger := common.GetLogger()
	mgr, err := queue.NewManager(db, logger, time.Minute, 3)
	require.NoError(t, err)

	dropDir := t.TempDir()
	cfg := common.NewDefaultConfig().Watcher
	cfg.DropDir = dropDir
	cfg.PollInterval = "50ms"
	cfg.MaxQueueDepth = depth

	w := New(logger, events.NewBus(logger), mgr, &cfg)
	return w, mgr, dropDir
}

// writeCapture simulates the tether: write .tmp, then rename.
func writeCapture(t *testing.T, dir, name string, content []byte) {
	t.Helper()
	tmp := filepath.Join(dir, name+".tmp")
	require.NoError(t, os.WriteFile(tmp, content, 0o644))
	require.NoError(t, os.Rename(tmp, filepath.Join(dir, name)))
}

func waitForDepth(t *testing.T, mgr *queue.Manager, want int) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for mgr.Depth(models.LaneCapture) != want && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	assert.Equal(t, want, mgr.Depth(models.LaneCapture))
}

func TestDetectsRenamedCapture(t *testing.T) {
	w, mgr, dropDir := newTestWatcher(t, 300)
	require.NoError(t, w.Start())
	t.Cleanup(w.Stop)

	writeCapture(t, dropDir, "DSC00042.JPG", []byte("capture-42"))
	waitForDepth(t, mgr, 1)

	d, err := mgr.Receive(context.Background(), models.LaneCapture)
	require.NoError(t, err)
	assert.Equal(t, models.JobTypeIngest, d.Msg.Type)

	var payload models.IngestPayload
	require.NoError(t, json.Unmarshal(d.Msg.Payload, &payload))
	assert.Equal(t, "DSC00042.JPG", payload.Filename)
	assert.Equal(t, 42, payload.Sequence)
	assert.NotEmpty(t, payload.Fingerprint)
	require.NoError(t, d.Done())

	stats := w.Stats()
	assert.Equal(t, int64(1), stats.Detected)
	assert.GreaterOrEqual(t, stats.AvgDetectionMs, 0.0)
	assert.False(t, stats.Deferred)
}

func TestIgnoresNonCaptureFiles(t *testing.T) {
	w, mgr, dropDir := newTestWatcher(t, 300)
	require.NoError(t, w.Start())
	t.Cleanup(w.Stop)

	for _, name := range []string{
		"notes.txt", "DSC1234.JPG", "DSC123456.JPG", "IMG00001.JPG", "DSC00001.PNG",
	} {
		require.NoError(t, os.WriteFile(filepath.Join(dropDir, name), []byte("x"), 0o644))
	}
	// In-progress tether writes are invisible until renamed.
	require.NoError(t, os.WriteFile(filepath.Join(dropDir, "DSC00009.JPG.tmp"), []byte("x"), 0o644))

	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 0, mgr.Depth(models.LaneCapture))
}

func TestCaseInsensitiveFilename(t *testing.T) {
	w, mgr, dropDir := newTestWatcher(t, 300)
	require.NoError(t, w.Start())
	t.Cleanup(w.Stop)

	writeCapture(t, dropDir, "dsc00007.jpg", []byte("lowercase"))
	waitForDepth(t, mgr, 1)
}

func TestDuplicateContentIgnored(t *testing.T) {
	w, mgr, dropDir := newTestWatcher(t, 300)
	require.NoError(t, w.Start())
	t.Cleanup(w.Stop)

	// Two files with identical bytes: a double-fire of the shutter
	// tether. Only the first registers.
	writeCapture(t, dropDir, "DSC00001.JPG", []byte("same-frame"))
	writeCapture(t, dropDir, "DSC00002.JPG", []byte("same-frame"))

	waitForDepth(t, mgr, 1)
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, 1, mgr.Depth(models.LaneCapture))

	assert.Equal(t, int64(1), w.Stats().Duplicates)
}

func TestSweepBackstopFindsPreexistingFiles(t *testing.T) {
	w, mgr, dropDir := newTestWatcher(t, 300)

	// File lands before the watcher starts; only the sweep can see it.
	writeCapture(t, dropDir, "DSC00100.JPG", []byte("early"))

	require.NoError(t, w.Start())
	t.Cleanup(w.Stop)
	waitForDepth(t, mgr, 1)
}

func TestBackpressureDropsAtCapacity(t *testing.T) {
	w, mgr, dropDir := newTestWatcher(t, 1)

	dropEvents := make(chan Backpressure, 1)
	require.NoError(t, w.bus.Subscribe(events.TypeBackpressure, func(_ context.Context, e events.Event) error {
		dropEvents <- e.Payload.(Backpressure)
		return nil
	}))

	require.NoError(t, w.Start())
	t.Cleanup(w.Stop)

	writeCapture(t, dropDir, "DSC00001.JPG", []byte("first"))
	waitForDepth(t, mgr, 1)

	writeCapture(t, dropDir, "DSC00002.JPG", []byte("second"))
	select {
	case bp := <-dropEvents:
		assert.Equal(t, "DSC00002.JPG", bp.Filename)
		assert.Equal(t, 1, bp.Limit)
	case <-time.After(3 * time.Second):
		t.Fatal("backpressure event never published")
	}

	assert.Equal(t, 1, mgr.Depth(models.LaneCapture))
	stats := w.Stats()
	assert.Equal(t, int64(1), stats.Dropped)
	assert.True(t, stats.Deferred)

	// Draining the lane clears the deferral on the next capture.
	d, err := mgr.Receive(context.Background(), models.LaneCapture)
	require.NoError(t, err)
	require.NoError(t, d.Done())

	writeCapture(t, dropDir, "DSC00003.JPG", []byte("third"))
	waitForDepth(t, mgr, 1)
	assert.False(t, w.Stats().Deferred)
}

func TestStartStopIdempotent(t *testing.T) {
	w, _, _ := newTestWatcher(t, 300)
	require.NoError(t, w.Start())
	require.NoError(t, w.Start()) // second start is a no-op
	w.Stop()
	w.Stop() // second stop is a no-op
}

func TestFingerprintPruneBounded(t *testing.T) {
	w, _, _ := newTestWatcher(t, 300)
	w.fpLimit = 10
	w.fpPrune = 5

	for i := 0; i < 11; i++ {
		assert.False(t, w.isDuplicate(uint64(i)))
	}
	// Over the limit the set was pruned to the newest five.
	assert.LessOrEqual(t, len(w.fingerprints), 6)

	// Old fingerprints were forgotten, recent ones kept.
	assert.False(t, w.isDuplicate(0))
	assert.True(t, w.isDuplicate(10))
}

func TestFilenamePattern(t *testing.T) {
	valid := []string{"DSC00001.JPG", "dsc99999.jpg", "DSC12345.Jpg"}
	invalid := []string{"DSC0001.JPG", "DSC000001.JPG", "DSCX0001.JPG", "DSC00001.JPEG", "DSC00001.JPG.tmp"}

	for _, name := range valid {
		assert.True(t, captureFilePattern.MatchString(name), name)
	}
	for _, name := range invalid {
		assert.False(t, captureFilePattern.MatchString(name), fmt.Sprintf("%s must not match", name))
	}
}
