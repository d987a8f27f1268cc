package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Profusion-AI/cardmint/internal/models"
)

// ErrSessionNotFound is returned when a session id has no row.
var ErrSessionNotFound = errors.New("session not found")

// ErrActiveSessionExists enforces the single-active invariant: at most one
// session in RUNNING or VALIDATING process-wide.
var ErrActiveSessionExists = errors.New("another session is already active")

// SessionStorage persists operator sessions and their append-only events.
type SessionStorage struct {
	db *DB
}

// NewSessionStorage creates session storage over an initialized DB.
func NewSessionStorage(db *DB) *SessionStorage {
	return &SessionStorage{db: db}
}

// Create inserts a new session.
func (s *SessionStorage) Create(ctx context.Context, sess *models.OperatorSession) error {
	_, err := s.db.db.ExecContext(ctx, `
		INSERT INTO operator_sessions (id, phase, started_at, ended_at, heartbeat, baseline, notes)
		VALUES (?,?,?,?,?,?,?)`,
		sess.ID, string(sess.Phase), sess.StartedAt.UnixMilli(),
		nullTime(sess.EndedAt), sess.Heartbeat.UnixMilli(), boolInt(sess.Baseline), nullStr(sess.Notes))
	if err != nil {
		return fmt.Errorf("failed to insert session %s: %w", sess.ID, err)
	}
	return nil
}

// Get loads a session by id.
func (s *SessionStorage) Get(ctx context.Context, id string) (*models.OperatorSession, error) {
	row := s.db.db.QueryRowContext(ctx, `
		SELECT id, phase, started_at, ended_at, heartbeat, baseline, notes
		FROM operator_sessions WHERE id = ?`, id)
	sess, err := sessionRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	return sess, err
}

// SetPhase moves a session to a new phase. Entering RUNNING or VALIDATING
// is guarded by the single-active invariant inside one transaction.
func (s *SessionStorage) SetPhase(ctx context.Context, id string, phase models.SessionPhase) error {
	tx, err := s.db.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if phase.IsActive() {
		var active int
		err := tx.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM operator_sessions
			WHERE phase IN ('RUNNING','VALIDATING') AND id != ?`, id).Scan(&active)
		if err != nil {
			return err
		}
		if active > 0 {
			return ErrActiveSessionExists
		}
	}

	var endedAt interface{}
	if phase == models.PhaseClosed || phase == models.PhaseAborted {
		endedAt = time.Now().UnixMilli()
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE operator_sessions SET phase = ?, ended_at = COALESCE(?, ended_at) WHERE id = ?`,
		string(phase), endedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrSessionNotFound
	}

	return tx.Commit()
}

// Heartbeat refreshes a session's liveness timestamp.
func (s *SessionStorage) Heartbeat(ctx context.Context, id string) error {
	res, err := s.db.db.ExecContext(ctx,
		`UPDATE operator_sessions SET heartbeat = ? WHERE id = ?`,
		time.Now().UnixMilli(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// ActiveSession returns the session currently in RUNNING or VALIDATING,
// or nil when none is active.
func (s *SessionStorage) ActiveSession(ctx context.Context) (*models.OperatorSession, error) {
	row := s.db.db.QueryRowContext(ctx, `
		SELECT id, phase, started_at, ended_at, heartbeat, baseline, notes
		FROM operator_sessions WHERE phase IN ('RUNNING','VALIDATING') LIMIT 1`)
	sess, err := sessionRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return sess, err
}

// AppendEvent appends one event to a session's stream.
func (s *SessionStorage) AppendEvent(ctx context.Context, evt *models.SessionEvent) error {
	_, err := s.db.db.ExecContext(ctx, `
		INSERT INTO operator_session_events (id, session_id, timestamp, phase, level, source, message, payload)
		VALUES (?,?,?,?,?,?,?,?)`,
		evt.ID, evt.SessionID, evt.Timestamp.UnixMilli(), string(evt.Phase),
		string(evt.Level), string(evt.Source), evt.Message, nullStr(evt.Payload))
	if err != nil {
		return fmt.Errorf("failed to append event for session %s: %w", evt.SessionID, err)
	}
	return nil
}

// EventsSince range-scans a session's events from a point in time forward.
func (s *SessionStorage) EventsSince(ctx context.Context, sessionID string, since time.Time) ([]*models.SessionEvent, error) {
	rows, err := s.db.db.QueryContext(ctx, `
		SELECT id, session_id, timestamp, phase, level, source, message, payload
		FROM operator_session_events
		WHERE session_id = ? AND timestamp >= ?
		ORDER BY timestamp ASC`, sessionID, since.UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*models.SessionEvent
	for rows.Next() {
		var (
			evt                   models.SessionEvent
			ts                    int64
			phase, level, source  string
			payload               sql.NullString
		)
		if err := rows.Scan(&evt.ID, &evt.SessionID, &ts, &phase, &level, &source, &evt.Message, &payload); err != nil {
			return nil, err
		}
		evt.Timestamp = time.UnixMilli(ts)
		evt.Phase = models.SessionPhase(phase)
		evt.Level = models.EventLevel(level)
		evt.Source = models.EventSource(source)
		evt.Payload = payload.String
		events = append(events, &evt)
	}
	return events, rows.Err()
}

// PruneClosed deletes closed/aborted sessions (and their events, via
// cascade) older than the retention window. Returns sessions removed.
func (s *SessionStorage) PruneClosed(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention).UnixMilli()
	res, err := s.db.db.ExecContext(ctx, `
		DELETE FROM operator_sessions
		WHERE phase IN ('CLOSED','ABORTED') AND ended_at IS NOT NULL AND ended_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func sessionRow(row rowScanner) (*models.OperatorSession, error) {
	var (
		sess      models.OperatorSession
		phase     string
		startedAt int64
		endedAt   sql.NullInt64
		heartbeat int64
		baseline  int
		notes     sql.NullString
	)
	err := row.Scan(&sess.ID, &phase, &startedAt, &endedAt, &heartbeat, &baseline, &notes)
	if err != nil {
		return nil, err
	}
	sess.Phase = models.SessionPhase(phase)
	sess.StartedAt = time.UnixMilli(startedAt)
	if endedAt.Valid {
		t := time.UnixMilli(endedAt.Int64)
		sess.EndedAt = &t
	}
	sess.Heartbeat = time.UnixMilli(heartbeat)
	sess.Baseline = baseline != 0
	sess.Notes = notes.String
	return &sess, nil
}

func nullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
