package session

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Profusion-AI/cardmint/internal/common"
	"github.com/Profusion-AI/cardmint/internal/events"
	"github.com/Profusion-AI/cardmint/internal/models"
	"github.com/Profusion-AI/cardmint/internal/storage/sqlite"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	logger := common.GetLogger()
	db, err := sqlite.New(logger, &common.SQLiteConfig{
		Path: filepath.Join(t.TempDir(), "test.db"), CacheSizeMB: 8, BusyTimeoutMS: 1000,
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	cfg := common.NewDefaultConfig().Session
	return NewService(logger, events.NewBus(logger),
		sqlite.NewSessionStorage(db), sqlite.NewScanStorage(db), &cfg)
}

func TestSessionLifecycle(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	sess, err := s.Open(ctx, false, "morning batch")
	require.NoError(t, err)
	assert.Equal(t, models.PhasePrep, sess.Phase)

	require.NoError(t, s.Begin(ctx, sess.ID))
	require.NoError(t, s.Validate(ctx, sess.ID))

	// Validation can bounce back to running for another tranche.
	require.NoError(t, s.Begin(ctx, sess.ID))
	require.NoError(t, s.Validate(ctx, sess.ID))
	require.NoError(t, s.Close(ctx, sess.ID))

	got, err := s.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PhaseClosed, got.Phase)
	require.NotNil(t, got.EndedAt)
}

func TestSessionInvalidPhaseEdge(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	sess, err := s.Open(ctx, false, "")
	require.NoError(t, err)

	// PREP cannot validate or close directly.
	assert.Error(t, s.Validate(ctx, sess.ID))
	assert.Error(t, s.Close(ctx, sess.ID))

	require.NoError(t, s.Abort(ctx, sess.ID))
	// Terminal phases accept nothing further.
	assert.Error(t, s.Begin(ctx, sess.ID))
}

func TestSingleActiveSession(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	first, err := s.Open(ctx, false, "")
	require.NoError(t, err)
	require.NoError(t, s.Begin(ctx, first.ID))

	second, err := s.Open(ctx, false, "")
	require.NoError(t, err)
	err = s.Begin(ctx, second.ID)
	require.ErrorIs(t, err, sqlite.ErrActiveSessionExists)

	require.NoError(t, s.Close(ctx, first.ID))
	require.NoError(t, s.Begin(ctx, second.ID))

	active, err := s.Active(ctx)
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, second.ID, active.ID)
}

func TestRecordRequiresActiveSession(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	// No active session: the event is dropped silently.
	require.NoError(t, s.Record(ctx, models.EventInfo, models.SourceWatcher, "ignored", nil))

	sess, err := s.Open(ctx, false, "")
	require.NoError(t, err)
	require.NoError(t, s.Begin(ctx, sess.ID))

	since := time.Now().Add(-time.Minute)
	require.NoError(t, s.Record(ctx, models.EventWarning, models.SourceInference,
		"fallback engaged", map[string]string{"provider": "local"}))

	evts, err := s.EventsSince(ctx, sess.ID, since)
	require.NoError(t, err)
	require.Len(t, evts, 1)
	assert.Equal(t, models.EventWarning, evts[0].Level)
	assert.Equal(t, models.SourceInference, evts[0].Source)
	assert.Equal(t, models.PhaseRunning, evts[0].Phase)
	assert.Contains(t, evts[0].Payload, `"provider":"local"`)
}

func TestBusEventsLandInStream(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	require.NoError(t, s.Start())
	t.Cleanup(s.Stop)

	sess, err := s.Open(ctx, false, "")
	require.NoError(t, err)
	require.NoError(t, s.Begin(ctx, sess.ID))

	since := time.Now().Add(-time.Minute)
	s.bus.PublishSync(ctx, events.Event{Type: events.TypeQuotaLow, Payload: 42})

	evts, err := s.EventsSince(ctx, sess.ID, since)
	require.NoError(t, err)
	require.Len(t, evts, 1)
	assert.Equal(t, models.SourceInference, evts[0].Source)
	assert.Contains(t, evts[0].Message, "42")
}

func TestSweepAbortsStaleSession(t *testing.T) {
	s := newTestService(t)
	s.heartbeatStale = 10 * time.Millisecond
	ctx := context.Background()

	sess, err := s.Open(ctx, false, "")
	require.NoError(t, err)
	require.NoError(t, s.Begin(ctx, sess.ID))

	time.Sleep(20 * time.Millisecond)
	s.sweep()

	got, err := s.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PhaseAborted, got.Phase)
}

func TestSweepKeepsHealthySession(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	sess, err := s.Open(ctx, false, "")
	require.NoError(t, err)
	require.NoError(t, s.Begin(ctx, sess.ID))
	require.NoError(t, s.Heartbeat(ctx, sess.ID))

	s.sweep()

	got, err := s.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PhaseRunning, got.Phase)
}
