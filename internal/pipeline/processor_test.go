package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/jpeg"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Profusion-AI/cardmint/internal/catalog"
	"github.com/Profusion-AI/cardmint/internal/common"
	"github.com/Profusion-AI/cardmint/internal/events"
	"github.com/Profusion-AI/cardmint/internal/inference"
	"github.com/Profusion-AI/cardmint/internal/models"
	"github.com/Profusion-AI/cardmint/internal/queue"
	"github.com/Profusion-AI/cardmint/internal/resolver"
	"github.com/Profusion-AI/cardmint/internal/storage/sqlite"
	"github.com/Profusion-AI/cardmint/internal/worker"
)

const testCSV = `id,name,set_code,set_name,collector_number,set_size,rarity,artist,card_type,hp
base1-58,Pikachu,base1,Base Set,58,102,common,Mitsuhiro Arita,lightning,40
base1-4,Charizard,base1,Base Set,4,102,rare_holo,Mitsuhiro Arita,fire,120
jungle-60,Pikachu,jungle,Jungle,60,64,common,Keiji Kinebuchi,lightning,40
`

// stubProvider scripts a sequence of extraction outcomes.
type stubProvider struct {
	name   string
	calls  int
	errs   []error // consumed per call; nil means success
	fields models.ExtractedFields
}

func (s *stubProvider) Name() string { return s.name }

func (s *stubProvider) Extract(ctx context.Context, data []byte) (*inference.Extraction, error) {
	idx := s.calls
	s.calls++
	if idx < len(s.errs) && s.errs[idx] != nil {
		return nil, s.errs[idx]
	}
	return &inference.Extraction{Fields: s.fields, Model: s.name + "-model"}, nil
}

func pikachuFields() models.ExtractedFields {
	hp := 40
	return models.ExtractedFields{
		Name:      "Pikachu",
		HP:        &hp,
		SetNumber: "58/102",
		SetName:   "Base Set",
		Rarity:    models.RarityCommon,
		HoloType:  models.HoloTypeNonHolo,
	}
}

type harness struct {
	proc     *Processor
	scans    *sqlite.ScanStorage
	queueMgr *queue.Manager
	bus      *events.Bus
	dropDir  string
	images   common.ImageDirs
}

func newHarness(t *testing.T, primary, fallback inference.Provider) *harness {
	t.Helper()
	logger := common.GetLogger()
	root := t.TempDir()

	db, err := sqlite.New(logger, &common.SQLiteConfig{
		Path: filepath.Join(root, "test.db"), CacheSizeMB: 8, BusyTimeoutMS: 1000,
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	bdb, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
	require.NoError(t, err)
	t.Cleanup(func() { bdb.Close() })
	mgr, err := queue.NewManager(bdb, logger, time.Minute, 3)
	require.NoError(t, err)

	cardsCSV := filepath.Join(root, "cards.csv")
	require.NoError(t, os.WriteFile(cardsCSV, []byte(testCSV), 0o644))
	catalogSvc, err := catalog.NewService(logger, &common.CatalogConfig{CardsCSV: cardsCSV})
	require.NoError(t, err)

	cfg := common.NewDefaultConfig()
	bus := events.NewBus(logger)
	orch := inference.NewOrchestrator(logger, bus, primary, fallback, nil, &cfg.Inference)
	res := resolver.New(logger, &cfg.Resolver, nil, nil)
	preproc := inference.NewPreprocessor(logger, cfg.Inference.TargetImageBytes)

	images := common.ImageDirs{
		Raw:       filepath.Join(root, "raw"),
		Processed: filepath.Join(root, "processed"),
		Master:    filepath.Join(root, "master"),
	}
	scans := sqlite.NewScanStorage(db)
	proc := New(logger, bus, scans, mgr, catalogSvc, res, orch, preproc, images)

	return &harness{
		proc: proc, scans: scans, queueMgr: mgr, bus: bus,
		dropDir: filepath.Join(root, "drop"), images: images,
	}
}

// writeTestJPEG renders a small decodable capture.
func writeTestJPEG(t *testing.T, path string) {
	t.Helper()
	src := image.NewRGBA(image.Rect(0, 0, 160, 112))
	for y := 0; y < 112; y++ {
		for x := 0; x < 160; x++ {
			src.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: uint8(x + y), A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, src, &jpeg.Options{Quality: 85}))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
}

func ingestMsg(t *testing.T, path, filename, fingerprint string) models.QueueMessage {
	t.Helper()
	payload, err := json.Marshal(models.IngestPayload{
		Path: path, Filename: filename, ArrivedAt: time.Now(),
		Sequence: 42, Fingerprint: fingerprint,
	})
	require.NoError(t, err)
	return models.QueueMessage{Type: models.JobTypeIngest, Priority: 1, Payload: payload}
}

// capturedScan creates a scan over a real JPEG, as ingest would.
func capturedScan(t *testing.T, h *harness) *models.ScanJob {
	t.Helper()
	rawRef := filepath.Join(h.images.Raw, "DSC00042.JPG")
	writeTestJPEG(t, rawRef)
	job := models.NewScanJob(rawRef, "DSC00042.JPG", 42, "fp-42")
	require.NoError(t, h.scans.Create(context.Background(), job))
	return job
}

func TestIngestRegistersCapture(t *testing.T) {
	h := newHarness(t, &stubProvider{name: "gemini", fields: pikachuFields()}, nil)
	ctx := context.Background()

	dropPath := filepath.Join(h.dropDir, "DSC00042.JPG")
	writeTestJPEG(t, dropPath)

	require.NoError(t, h.proc.HandleIngest(ctx, ingestMsg(t, dropPath, "DSC00042.JPG", "fp-42")))

	job, err := h.scans.FindByFingerprint(ctx, "fp-42")
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, models.StatusCaptured, job.Status)
	assert.Equal(t, "DSC00042.JPG", job.SourceFile)
	assert.Equal(t, 42, job.Sequence)
	assert.FileExists(t, job.RawImageRef)
	assert.FileExists(t, job.MasterImageRef)

	// The scan is waiting on the processing lane.
	assert.Equal(t, 1, h.queueMgr.Depth(models.LaneProcessing))
	d, err := h.queueMgr.Receive(ctx, models.LaneProcessing)
	require.NoError(t, err)
	assert.Equal(t, models.JobTypeProcess, d.Msg.Type)
	assert.Equal(t, job.ID, d.Msg.ScanID)
	require.NoError(t, d.Done())
}

func TestIngestSkipsKnownFingerprint(t *testing.T) {
	h := newHarness(t, &stubProvider{name: "gemini", fields: pikachuFields()}, nil)
	ctx := context.Background()

	dropPath := filepath.Join(h.dropDir, "DSC00001.JPG")
	writeTestJPEG(t, dropPath)

	require.NoError(t, h.proc.HandleIngest(ctx, ingestMsg(t, dropPath, "DSC00001.JPG", "fp-dup")))
	require.NoError(t, h.proc.HandleIngest(ctx, ingestMsg(t, dropPath, "DSC00001.JPG", "fp-dup")))

	assert.Equal(t, 1, h.queueMgr.Depth(models.LaneProcessing))
}

func TestProcessHappyPath(t *testing.T) {
	primary := &stubProvider{name: "gemini", fields: pikachuFields()}
	h := newHarness(t, primary, nil)
	ctx := context.Background()
	job := capturedScan(t, h)

	require.NoError(t, h.proc.HandleProcess(ctx, models.QueueMessage{
		ScanID: job.ID, Type: models.JobTypeProcess,
	}))

	got, err := h.scans.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusOperatorPending, got.Status)
	assert.Equal(t, models.PathPrimary, got.InferencePath)
	require.NotNil(t, got.Extracted)
	assert.Equal(t, "Pikachu", got.Extracted.Name)

	require.NotEmpty(t, got.Candidates)
	assert.Equal(t, "base1-58", got.Candidates[0].CatalogID)
	assert.True(t, got.Candidates[0].AutoConfirm)

	assert.FileExists(t, got.ProcessedImageRef)
	assert.Nil(t, got.Lease)
	require.NotNil(t, got.Timings)
	assert.Equal(t, "gemini-model", got.Timings.Model)
}

func TestProcessUnmatchedSurfacesToOperator(t *testing.T) {
	// A name the catalog has never seen leaves no reasonable candidate.
	fields := models.ExtractedFields{Name: "Blorbimon", HoloType: models.HoloTypeUnknown}
	h := newHarness(t, &stubProvider{name: "gemini", fields: fields}, nil)
	ctx := context.Background()
	job := capturedScan(t, h)

	require.NoError(t, h.proc.HandleProcess(ctx, models.QueueMessage{
		ScanID: job.ID, Type: models.JobTypeProcess,
	}))

	got, err := h.scans.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusUnmatched, got.Status)
	assert.Empty(t, got.Candidates)
}

func TestProcessTerminalFailureMovesToFailed(t *testing.T) {
	primary := &stubProvider{name: "gemini", errs: []error{
		models.NewPipelineError(models.ErrCodeInfer4XX, "bad request"),
	}}
	h := newHarness(t, primary, nil)
	ctx := context.Background()
	job := capturedScan(t, h)

	terminal := make(chan *models.ScanJob, 1)
	require.NoError(t, h.bus.Subscribe(events.TypeScanTerminal, func(_ context.Context, e events.Event) error {
		terminal <- e.Payload.(*models.ScanJob)
		return nil
	}))

	err := h.proc.HandleProcess(ctx, models.QueueMessage{ScanID: job.ID, Type: models.JobTypeProcess})
	require.Error(t, err)
	assert.False(t, models.IsRetriable(err))

	got, err := h.scans.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Equal(t, models.ErrCodeInfer4XX, got.ErrorCode)
	assert.NotEmpty(t, got.ErrorMessage)

	select {
	case failed := <-terminal:
		assert.Equal(t, job.ID, failed.ID)
	case <-time.After(3 * time.Second):
		t.Fatal("scan terminal event never published")
	}
}

func TestProcessRetriableBumpsRetryCount(t *testing.T) {
	transient := func() error { return models.NewRetriableError(models.ErrCodeInfer5XX, "upstream 503") }
	// Transient on the call and its single retry, no fallback configured.
	primary := &stubProvider{name: "gemini", errs: []error{transient(), transient()}}
	h := newHarness(t, primary, nil)
	ctx := context.Background()
	job := capturedScan(t, h)

	err := h.proc.HandleProcess(ctx, models.QueueMessage{ScanID: job.ID, Type: models.JobTypeProcess})
	require.Error(t, err)
	assert.True(t, models.IsRetriable(err))

	got, err := h.scans.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.RetryCount)
	assert.Equal(t, models.StatusInferencing, got.Status) // resumable, not failed
	assert.Equal(t, models.ErrCodeInfer5XX, got.ErrorCode)
	assert.Nil(t, got.Lease) // released for the next delivery
}

func TestProcessResumesAfterTransient(t *testing.T) {
	transient := func() error { return models.NewRetriableError(models.ErrCodeInfer5XX, "upstream 503") }
	primary := &stubProvider{name: "gemini", fields: pikachuFields(),
		errs: []error{transient(), transient(), nil}}
	h := newHarness(t, primary, nil)
	ctx := context.Background()
	job := capturedScan(t, h)
	msg := models.QueueMessage{ScanID: job.ID, Type: models.JobTypeProcess}

	require.Error(t, h.proc.HandleProcess(ctx, msg))

	// Redelivery picks up mid-pipeline and completes.
	require.NoError(t, h.proc.HandleProcess(ctx, msg))
	got, err := h.scans.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusOperatorPending, got.Status)
	assert.Empty(t, got.ErrorCode)
}

func TestProcessDropsTerminalScan(t *testing.T) {
	primary := &stubProvider{name: "gemini", fields: pikachuFields()}
	h := newHarness(t, primary, nil)
	ctx := context.Background()
	job := capturedScan(t, h)
	require.NoError(t, h.scans.Transition(ctx, job, models.StatusFailed))

	require.NoError(t, h.proc.HandleProcess(ctx, models.QueueMessage{
		ScanID: job.ID, Type: models.JobTypeProcess,
	}))
	assert.Equal(t, 0, primary.calls)
}

func TestProcessRescanReentry(t *testing.T) {
	primary := &stubProvider{name: "gemini", fields: pikachuFields()}
	h := newHarness(t, primary, nil)
	ctx := context.Background()
	job := capturedScan(t, h)
	msg := models.QueueMessage{ScanID: job.ID, Type: models.JobTypeProcess}

	require.NoError(t, h.proc.HandleProcess(ctx, msg))

	// Operator requested a rescan: the job re-enters from OPERATOR_PENDING.
	require.NoError(t, h.proc.HandleProcess(ctx, msg))
	got, err := h.scans.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusOperatorPending, got.Status)
	assert.Equal(t, 2, primary.calls)
	require.NotEmpty(t, got.Candidates)
	assert.Equal(t, "base1-58", got.Candidates[0].CatalogID)
}

func TestJobFailedEventClosesRetryGap(t *testing.T) {
	primary := &stubProvider{name: "gemini", fields: pikachuFields()}
	h := newHarness(t, primary, nil)
	ctx := context.Background()
	job := capturedScan(t, h)

	// The pool gave up after max attempts on a retriable error.
	require.NoError(t, h.proc.onJobFailed(ctx, events.Event{
		Type:    events.TypeJobFailed,
		Payload: worker.JobResult{ScanID: job.ID, Type: models.JobTypeProcess, Attempts: 3, Error: "upstream 503"},
	}))

	got, err := h.scans.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Equal(t, "upstream 503", got.ErrorMessage)
}
