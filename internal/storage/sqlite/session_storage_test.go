package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Profusion-AI/cardmint/internal/models"
)

func TestSessionSingleActiveInvariant(t *testing.T) {
	db := newTestDB(t)
	store := NewSessionStorage(db)
	ctx := context.Background()

	a := models.NewOperatorSession(false)
	b := models.NewOperatorSession(false)
	require.NoError(t, store.Create(ctx, a))
	require.NoError(t, store.Create(ctx, b))

	require.NoError(t, store.SetPhase(ctx, a.ID, models.PhaseRunning))

	// Second session cannot enter an active phase.
	err := store.SetPhase(ctx, b.ID, models.PhaseRunning)
	assert.ErrorIs(t, err, ErrActiveSessionExists)
	err = store.SetPhase(ctx, b.ID, models.PhaseValidating)
	assert.ErrorIs(t, err, ErrActiveSessionExists)

	// The active session may move between active phases.
	require.NoError(t, store.SetPhase(ctx, a.ID, models.PhaseValidating))

	// Closing frees the slot.
	require.NoError(t, store.SetPhase(ctx, a.ID, models.PhaseClosed))
	require.NoError(t, store.SetPhase(ctx, b.ID, models.PhaseRunning))

	active, err := store.ActiveSession(ctx)
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, b.ID, active.ID)
}

func TestSessionHeartbeatAndStaleness(t *testing.T) {
	db := newTestDB(t)
	store := NewSessionStorage(db)
	ctx := context.Background()

	sess := models.NewOperatorSession(false)
	require.NoError(t, store.Create(ctx, sess))
	require.NoError(t, store.Heartbeat(ctx, sess.ID))

	got, err := store.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.False(t, got.Stale(90*time.Second, time.Now()))
	assert.True(t, got.Stale(90*time.Second, time.Now().Add(2*time.Minute)))

	assert.ErrorIs(t, store.Heartbeat(ctx, "sess_missing"), ErrSessionNotFound)
}

func TestSessionEventsAppendAndRangeScan(t *testing.T) {
	db := newTestDB(t)
	store := NewSessionStorage(db)
	ctx := context.Background()

	sess := models.NewOperatorSession(true)
	require.NoError(t, store.Create(ctx, sess))

	start := time.Now().Add(-time.Second)
	for i, msg := range []string{"prep done", "scan accepted", "scan flagged"} {
		evt := models.NewSessionEvent(sess.ID, models.PhaseRunning, models.EventInfo, models.SourceOperator, msg)
		evt.Timestamp = start.Add(time.Duration(i) * time.Millisecond)
		require.NoError(t, store.AppendEvent(ctx, evt))
	}

	events, err := store.EventsSince(ctx, sess.ID, start)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, "prep done", events[0].Message)
	assert.Equal(t, "scan flagged", events[2].Message)

	// Range scan from midway excludes earlier events.
	events, err = store.EventsSince(ctx, sess.ID, start.Add(time.Millisecond))
	require.NoError(t, err)
	assert.Len(t, events, 2)
}

func TestSessionPruneClosed(t *testing.T) {
	db := newTestDB(t)
	store := NewSessionStorage(db)
	ctx := context.Background()

	old := models.NewOperatorSession(false)
	require.NoError(t, store.Create(ctx, old))
	require.NoError(t, store.SetPhase(ctx, old.ID, models.PhaseAborted))

	open := models.NewOperatorSession(false)
	require.NoError(t, store.Create(ctx, open))

	// Retention of zero prunes everything already ended.
	time.Sleep(2 * time.Millisecond)
	pruned, err := store.PruneClosed(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), pruned)

	_, err = store.Get(ctx, old.ID)
	assert.ErrorIs(t, err, ErrSessionNotFound)
	_, err = store.Get(ctx, open.ID)
	assert.NoError(t, err)
}
