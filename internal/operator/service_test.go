package operator

import (
	"context"
	"encoding/json"
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
	"github.com/Profusion-AI/cardmint/internal/models"
	"github.com/Profusion-AI/cardmint/internal/queue"
	"github.com/Profusion-AI/cardmint/internal/storage/sqlite"
)

const testCSV = `id,name,set_code,set_name,collector_number,set_size,rarity,hp
base1-58,Pikachu,base1,Base Set,58,102,common,40
base1-4,Charizard,base1,Base Set,4,102,rare_holo,120
`

type harness struct {
	svc      *Service
	scans    *sqlite.ScanStorage
	sessions *sqlite.SessionStorage
	queueMgr *queue.Manager
	bus      *events.Bus
}

func newHarness(t *testing.T) *harness {
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

	bus := events.NewBus(logger)
	scans := sqlite.NewScanStorage(db)
	sessions := sqlite.NewSessionStorage(db)
	svc := NewService(logger, bus, scans, sessions, mgr, catalogSvc)
	return &harness{svc: svc, scans: scans, sessions: sessions, queueMgr: mgr, bus: bus}
}

// pendingScan creates a scan parked at OPERATOR_PENDING with one
// auto-confirmable Pikachu candidate.
func pendingScan(t *testing.T, h *harness) *models.ScanJob {
	t.Helper()
	ctx := context.Background()
	hp := 40
	job := models.NewScanJob("/raw/DSC00042.JPG", "DSC00042.JPG", 42, "fp-42")
	job.Extracted = &models.ExtractedFields{
		Name: "Pikachu", HP: &hp, SetNumber: "58/102", SetName: "Base Set",
		HoloType: models.HoloTypeNonHolo,
	}
	job.Candidates = []models.Candidate{
		{CatalogID: "base1-58", Title: "Pikachu #58/102", Confidence: 0.97, Source: "exact", AutoConfirm: true},
		{CatalogID: "base1-4", Title: "Charizard #4/102", Confidence: 0.45, Source: "fuzzy"},
	}
	require.NoError(t, h.scans.Create(ctx, job))
	require.NoError(t, h.scans.Transition(ctx, job, models.StatusPreprocessing))
	require.NoError(t, h.scans.Transition(ctx, job, models.StatusInferencing))
	require.NoError(t, h.scans.Transition(ctx, job, models.StatusCandidatesReady))
	require.NoError(t, h.scans.Transition(ctx, job, models.StatusOperatorPending))
	return job
}

func unmatchedScan(t *testing.T, h *harness) *models.ScanJob {
	t.Helper()
	ctx := context.Background()
	job := models.NewScanJob("/raw/DSC00099.JPG", "DSC00099.JPG", 99, "fp-99")
	job.Extracted = &models.ExtractedFields{Name: "Blorbimon", HoloType: models.HoloTypeUnknown}
	require.NoError(t, h.scans.Create(ctx, job))
	require.NoError(t, h.scans.Transition(ctx, job, models.StatusPreprocessing))
	require.NoError(t, h.scans.Transition(ctx, job, models.StatusInferencing))
	require.NoError(t, h.scans.Transition(ctx, job, models.StatusUnmatched))
	return job
}

func TestAcceptLocksTruth(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	job := pendingScan(t, h)

	accepted, err := h.svc.Accept(ctx, job.ID, "dana", "base1-58")
	require.NoError(t, err)
	assert.Equal(t, models.StatusAccepted, accepted.Status)
	require.NotNil(t, accepted.Truth)
	assert.Equal(t, "base1-58", accepted.Truth.AcceptedCatalogID)
	assert.Equal(t, "Pikachu", accepted.Truth.AcceptedName)
	assert.Equal(t, "58", accepted.Truth.AcceptedCollectorNo)
	assert.Equal(t, "Base Set", accepted.Truth.AcceptedSetName)
	assert.Equal(t, 102, accepted.Truth.AcceptedSetSize)
	require.NotNil(t, accepted.Truth.AcceptedHP)
	assert.Equal(t, 40, *accepted.Truth.AcceptedHP)

	got, err := h.scans.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "dana", got.Operator)
	require.NotNil(t, got.Truth)
}

func TestAcceptIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	job := pendingScan(t, h)

	_, err := h.svc.Accept(ctx, job.ID, "dana", "base1-58")
	require.NoError(t, err)

	// Same identity again: no-op.
	_, err = h.svc.Accept(ctx, job.ID, "dana", "base1-58")
	require.NoError(t, err)

	// A different identity after acceptance is refused.
	_, err = h.svc.Accept(ctx, job.ID, "dana", "base1-4")
	require.Error(t, err)
}

func TestAcceptRejectsUnknownCandidate(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	job := pendingScan(t, h)

	// base1-4 is a candidate but neo1-1 is not.
	_, err := h.svc.Accept(ctx, job.ID, "dana", "neo1-1")
	require.Error(t, err)

	got, err := h.scans.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusOperatorPending, got.Status)
}

func TestAcceptWithoutCandidateUsesExtracted(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	job := pendingScan(t, h)

	accepted, err := h.svc.Accept(ctx, job.ID, "dana", "")
	require.NoError(t, err)
	assert.Equal(t, "Pikachu", accepted.Truth.AcceptedName)
	assert.Equal(t, 102, accepted.Truth.AcceptedSetSize) // from "58/102"
}

func TestFlagAndNeedsReview(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	terminal := make(chan *models.ScanJob, 2)
	require.NoError(t, h.bus.Subscribe(events.TypeScanTerminal, func(_ context.Context, e events.Event) error {
		terminal <- e.Payload.(*models.ScanJob)
		return nil
	}))

	flagged := pendingScan(t, h)
	require.NoError(t, h.svc.Flag(ctx, flagged.ID, "dana", "double feed"))
	got, err := h.scans.Get(ctx, flagged.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFlagged, got.Status)

	review := pendingScan(t, h)
	require.NoError(t, h.svc.NeedsReview(ctx, review.ID, "dana", "glare on holo"))
	got, err = h.scans.Get(ctx, review.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusNeedsReview, got.Status)

	for i := 0; i < 2; i++ {
		select {
		case <-terminal:
		case <-time.After(3 * time.Second):
			t.Fatal("terminal event never published")
		}
	}
}

func TestRequestRescanEnqueues(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	job := pendingScan(t, h)

	require.NoError(t, h.svc.RequestRescan(ctx, job.ID, "dana"))
	assert.Equal(t, 1, h.queueMgr.Depth(models.LaneProcessing))

	d, err := h.queueMgr.Receive(ctx, models.LaneProcessing)
	require.NoError(t, err)
	assert.Equal(t, job.ID, d.Msg.ScanID)
	assert.Equal(t, models.JobTypeProcess, d.Msg.Type)
	require.NoError(t, d.Done())

	// State is untouched until a worker picks the job up.
	got, err := h.scans.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusOperatorPending, got.Status)
}

func TestRequestBackCapture(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	job := pendingScan(t, h)

	require.NoError(t, h.svc.RequestBackCapture(ctx, job.ID, "dana"))
	got, err := h.scans.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCapturing, got.Status)
}

func TestOverrideValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	job := pendingScan(t, h)

	tooBig := 500
	bad := []OverrideRequest{
		{CardName: "ab"},               // below min length
		{SetNumber: "58/102/3"},        // malformed collector number
		{HP: &tooBig},                  // above cap
		{VariantHint: "sparkly"},       // not in the closed set
	}
	for _, req := range bad {
		_, err := h.svc.Override(ctx, job.ID, "dana", req)
		require.Error(t, err, "%+v", req)
	}
}

func TestOverrideAppliesAndRecordsDiffs(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	job := pendingScan(t, h)

	hp := 50
	updated, err := h.svc.Override(ctx, job.ID, "dana", OverrideRequest{
		CardName: "Raichu", HP: &hp, VariantHint: "holo",
	})
	require.NoError(t, err)
	assert.Equal(t, "Raichu", updated.Extracted.Name)
	assert.Equal(t, 50, *updated.Extracted.HP)
	assert.Equal(t, models.HoloTypeHolo, updated.Extracted.HoloType)
	// Untouched fields survive.
	assert.Equal(t, "58/102", updated.Extracted.SetNumber)

	got, err := h.scans.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "Raichu", got.Extracted.Name)
	assert.Equal(t, "dana", got.Operator)
}

func TestOverrideReplaysDiffsOnActiveSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	job := pendingScan(t, h)

	sess := models.NewOperatorSession(false)
	require.NoError(t, h.sessions.Create(ctx, sess))
	require.NoError(t, h.sessions.SetPhase(ctx, sess.ID, models.PhaseRunning))

	start := time.Now().Add(-time.Second)
	hp := 50
	_, err := h.svc.Override(ctx, job.ID, "dana", OverrideRequest{CardName: "Raichu", HP: &hp})
	require.NoError(t, err)

	evts, err := h.sessions.EventsSince(ctx, sess.ID, start)
	require.NoError(t, err)
	require.Len(t, evts, 1)
	evt := evts[0]
	assert.Equal(t, models.SourceOperator, evt.Source)
	assert.Equal(t, models.PhaseRunning, evt.Phase)
	assert.Contains(t, evt.Message, job.ID)

	var payload struct {
		ScanID   string         `json:"scan_id"`
		Operator string         `json:"operator"`
		Diffs    []overrideDiff `json:"diffs"`
	}
	require.NoError(t, json.Unmarshal([]byte(evt.Payload), &payload))
	assert.Equal(t, job.ID, payload.ScanID)
	assert.Equal(t, "dana", payload.Operator)
	require.Len(t, payload.Diffs, 2)
	assert.Equal(t, overrideDiff{Field: "card_name", Before: "Pikachu", After: "Raichu"}, payload.Diffs[0])
	assert.Equal(t, overrideDiff{Field: "hp", Before: "40", After: "50"}, payload.Diffs[1])
}

func TestOverrideWithoutSessionAppendsNothing(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	job := pendingScan(t, h)

	_, err := h.svc.Override(ctx, job.ID, "dana", OverrideRequest{CardName: "Raichu"})
	require.NoError(t, err)

	got, err := h.scans.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "Raichu", got.Extracted.Name)
}

func TestOverrideUnmatchedReturnsToOperator(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	job := unmatchedScan(t, h)

	updated, err := h.svc.Override(ctx, job.ID, "dana", OverrideRequest{CardName: "Pikachu"})
	require.NoError(t, err)
	assert.Equal(t, models.StatusOperatorPending, updated.Status)
}

func TestPendingListsBothQueues(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	pendingScan(t, h)
	unmatchedScan(t, h)

	jobs, err := h.svc.Pending(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, jobs, 2)
}
