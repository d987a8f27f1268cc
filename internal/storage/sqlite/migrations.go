package sqlite

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// migration is one schema change, identified by a lexically ordered id.
// The checksum recorded in schema_migrations is the hex SHA-256 of the SQL,
// so an edited migration is detected instead of silently re-run.
type migration struct {
	id  string
	sql string
}

// migrations are applied in lexical id order.
var migrations = []migration{
	{
		id: "001_scans",
		sql: `
CREATE TABLE IF NOT EXISTS scans (
	id TEXT PRIMARY KEY,
	status TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	raw_image_ref TEXT,
	processed_image_ref TEXT,
	master_image_ref TEXT,
	extracted TEXT,
	candidates TEXT,
	timings TEXT,
	retry_count INTEGER NOT NULL DEFAULT 0,
	error_code TEXT,
	error_message TEXT,
	operator TEXT,
	processor_id TEXT,
	locked_at INTEGER,
	inference_path TEXT,
	accepted_name TEXT,
	accepted_hp INTEGER,
	accepted_collector_no TEXT,
	accepted_set_name TEXT,
	accepted_set_size INTEGER,
	accepted_variant_tags TEXT,
	source_file TEXT,
	sequence INTEGER,
	fingerprint TEXT
);
CREATE INDEX IF NOT EXISTS idx_scans_status ON scans(status);
CREATE INDEX IF NOT EXISTS idx_scans_fingerprint ON scans(fingerprint);
CREATE INDEX IF NOT EXISTS idx_scans_created ON scans(created_at);
`,
	},
	{
		id: "002_operator_sessions",
		sql: `
CREATE TABLE IF NOT EXISTS operator_sessions (
	id TEXT PRIMARY KEY,
	phase TEXT NOT NULL,
	started_at INTEGER NOT NULL,
	ended_at INTEGER,
	heartbeat INTEGER NOT NULL,
	baseline INTEGER NOT NULL DEFAULT 0,
	notes TEXT
);
CREATE TABLE IF NOT EXISTS operator_session_events (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	timestamp INTEGER NOT NULL,
	phase TEXT NOT NULL,
	level TEXT NOT NULL,
	source TEXT NOT NULL,
	message TEXT NOT NULL,
	payload TEXT,
	FOREIGN KEY (session_id) REFERENCES operator_sessions(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_session_events_range ON operator_session_events(session_id, timestamp);
`,
	},
	{
		id: "003_override_diffs",
		sql: `
CREATE TABLE IF NOT EXISTS override_diffs (
	id TEXT PRIMARY KEY,
	scan_id TEXT NOT NULL,
	session_id TEXT,
	timestamp INTEGER NOT NULL,
	field TEXT NOT NULL,
	before_value TEXT,
	after_value TEXT,
	FOREIGN KEY (scan_id) REFERENCES scans(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_override_diffs_scan ON override_diffs(scan_id);
`,
	},
	{
		id: "004_accepted_catalog_id",
		sql: `
ALTER TABLE scans ADD COLUMN accepted_catalog_id TEXT;
`,
	},
}

// Migrate creates the schema_migrations table and applies any unapplied
// migration in lexical order. Re-running is a no-op: applied ids are
// skipped after a checksum check.
func (s *DB) Migrate() error {
	ctx := context.Background()

	if _, err := s.db.ExecContext(ctx, `
	CREATE TABLE IF NOT EXISTS schema_migrations (
		id TEXT PRIMARY KEY,
		checksum TEXT NOT NULL,
		applied_at INTEGER NOT NULL
	)`); err != nil {
		return fmt.Errorf("failed to create schema_migrations: %w", err)
	}

	ordered := make([]migration, len(migrations))
	copy(ordered, migrations)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].id < ordered[j].id })

	for _, m := range ordered {
		if err := s.runMigration(ctx, m); err != nil {
			return fmt.Errorf("migration %s failed: %w", m.id, err)
		}
	}

	return nil
}

func checksum(sql string) string {
	sum := sha256.Sum256([]byte(sql))
	return hex.EncodeToString(sum[:])
}

// alreadyAppliedShape matches the error shapes a partially applied migration
// produces on re-run. These are treated as success: the migration is marked
// applied and startup continues.
func alreadyAppliedShape(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "duplicate column name") ||
		strings.Contains(msg, "already exists")
}

func (s *DB) runMigration(ctx context.Context, m migration) error {
	sum := checksum(m.sql)

	var recorded string
	err := s.db.QueryRowContext(ctx,
		"SELECT checksum FROM schema_migrations WHERE id = ?", m.id).Scan(&recorded)
	switch {
	case err == nil:
		if recorded != sum {
			return fmt.Errorf("checksum mismatch for applied migration %s (recorded %s, have %s)", m.id, recorded[:8], sum[:8])
		}
		return nil // already applied
	case errors.Is(err, sql.ErrNoRows):
		// fall through and apply
	default:
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, m.sql); err != nil {
		if !alreadyAppliedShape(err) {
			return err
		}
		s.logger.Warn().
			Str("migration", m.id).
			Err(err).
			Msg("Migration statements already present, marking applied")
	}

	if _, err := tx.ExecContext(ctx,
		"INSERT INTO schema_migrations (id, checksum, applied_at) VALUES (?, ?, strftime('%s','now')*1000)",
		m.id, sum); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	s.logger.Info().Str("migration", m.id).Msg("Migration applied")
	return nil
}
