package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Profusion-AI/cardmint/internal/models"
)

// ErrScanNotFound is returned when a scan id has no row.
var ErrScanNotFound = errors.New("scan not found")

// ScanStorage persists scan jobs. All mutations are durable; a transition
// writes the new status, updated_at, and derived fields in one statement
// or not at all.
type ScanStorage struct {
	db *DB
}

// NewScanStorage creates scan storage over an initialized DB.
func NewScanStorage(db *DB) *ScanStorage {
	return &ScanStorage{db: db}
}

const scanColumns = `id, status, created_at, updated_at,
	raw_image_ref, processed_image_ref, master_image_ref,
	extracted, candidates, timings,
	retry_count, error_code, error_message, operator,
	processor_id, locked_at, inference_path,
	accepted_catalog_id, accepted_name, accepted_hp, accepted_collector_no, accepted_set_name, accepted_set_size, accepted_variant_tags,
	source_file, sequence, fingerprint`

// Create inserts a new scan job.
func (s *ScanStorage) Create(ctx context.Context, job *models.ScanJob) error {
	extracted, candidates, timings, variantTags, err := encodeNested(job)
	if err != nil {
		return err
	}

	var truth models.TruthCore
	if job.Truth != nil {
		truth = *job.Truth
	}

	_, err = s.db.db.ExecContext(ctx, `
		INSERT INTO scans (`+scanColumns+`)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		job.ID, string(job.Status), job.CreatedAt.UnixMilli(), job.UpdatedAt.UnixMilli(),
		nullStr(job.RawImageRef), nullStr(job.ProcessedImageRef), nullStr(job.MasterImageRef),
		extracted, candidates, timings,
		job.RetryCount, nullStr(job.ErrorCode), nullStr(job.ErrorMessage), nullStr(job.Operator),
		leaseProcessor(job.Lease), leaseLockedAt(job.Lease), nullStr(string(job.InferencePath)),
		nullStr(truth.AcceptedCatalogID),
		nullStr(truth.AcceptedName), nullInt(truth.AcceptedHP), nullStr(truth.AcceptedCollectorNo),
		nullStr(truth.AcceptedSetName), truth.AcceptedSetSize, variantTags,
		nullStr(job.SourceFile), job.Sequence, nullStr(job.Fingerprint))
	if err != nil {
		return fmt.Errorf("failed to insert scan %s: %w", job.ID, err)
	}
	return nil
}

// Get loads a scan job by id.
func (s *ScanStorage) Get(ctx context.Context, id string) (*models.ScanJob, error) {
	row := s.db.db.QueryRowContext(ctx, `SELECT `+scanColumns+` FROM scans WHERE id = ?`, id)
	job, err := scanRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrScanNotFound
	}
	return job, err
}

// FindByFingerprint returns the most recent scan with the given capture
// fingerprint, or nil. Used for idempotent ingest.
func (s *ScanStorage) FindByFingerprint(ctx context.Context, fingerprint string) (*models.ScanJob, error) {
	if fingerprint == "" {
		return nil, nil
	}
	row := s.db.db.QueryRowContext(ctx,
		`SELECT `+scanColumns+` FROM scans WHERE fingerprint = ? ORDER BY created_at DESC LIMIT 1`, fingerprint)
	job, err := scanRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return job, err
}

// Transition atomically moves a scan from its current status to the target
// status, persisting the job's mutated fields in the same statement. The
// edge is validated against the state machine; an illegal edge returns
// INVALID_TRANSITION without mutation.
func (s *ScanStorage) Transition(ctx context.Context, job *models.ScanJob, to models.ScanStatus) error {
	if !models.ValidTransition(job.Status, to) {
		return models.NewPipelineError(models.ErrCodeInvalidTransition,
			fmt.Sprintf("%s -> %s", job.Status, to))
	}

	from := job.Status
	job.Status = to
	job.UpdatedAt = time.Now()
	if to.IsTerminal() {
		// Lease released on terminal transition.
		job.Lease = nil
	}

	extracted, candidates, timings, variantTags, err := encodeNested(job)
	if err != nil {
		job.Status = from
		return err
	}

	var truth models.TruthCore
	if job.Truth != nil {
		truth = *job.Truth
	}

	res, err := s.db.db.ExecContext(ctx, `
		UPDATE scans SET
			status = ?, updated_at = ?,
			raw_image_ref = ?, processed_image_ref = ?, master_image_ref = ?,
			extracted = ?, candidates = ?, timings = ?,
			retry_count = ?, error_code = ?, error_message = ?, operator = ?,
			processor_id = ?, locked_at = ?, inference_path = ?,
			accepted_catalog_id = ?, accepted_name = ?, accepted_hp = ?, accepted_collector_no = ?,
			accepted_set_name = ?, accepted_set_size = ?, accepted_variant_tags = ?
		WHERE id = ? AND status = ?`,
		string(to), job.UpdatedAt.UnixMilli(),
		nullStr(job.RawImageRef), nullStr(job.ProcessedImageRef), nullStr(job.MasterImageRef),
		extracted, candidates, timings,
		job.RetryCount, nullStr(job.ErrorCode), nullStr(job.ErrorMessage), nullStr(job.Operator),
		leaseProcessor(job.Lease), leaseLockedAt(job.Lease), nullStr(string(job.InferencePath)),
		nullStr(truth.AcceptedCatalogID),
		nullStr(truth.AcceptedName), nullInt(truth.AcceptedHP), nullStr(truth.AcceptedCollectorNo),
		nullStr(truth.AcceptedSetName), truth.AcceptedSetSize, variantTags,
		job.ID, string(from))
	if err != nil {
		job.Status = from
		return fmt.Errorf("failed to transition scan %s: %w", job.ID, err)
	}

	affected, _ := res.RowsAffected()
	if affected == 0 {
		job.Status = from
		// The persisted row moved under us; the caller lost the race.
		return models.NewPipelineError(models.ErrCodeInvalidTransition,
			fmt.Sprintf("scan %s no longer in %s", job.ID, from))
	}
	return nil
}

// Update persists non-status field mutations (timings, images, extracted
// fields) for the current lease holder without changing status.
func (s *ScanStorage) Update(ctx context.Context, job *models.ScanJob) error {
	extracted, candidates, timings, variantTags, err := encodeNested(job)
	if err != nil {
		return err
	}

	var truth models.TruthCore
	if job.Truth != nil {
		truth = *job.Truth
	}

	job.UpdatedAt = time.Now()
	_, err = s.db.db.ExecContext(ctx, `
		UPDATE scans SET
			updated_at = ?,
			raw_image_ref = ?, processed_image_ref = ?, master_image_ref = ?,
			extracted = ?, candidates = ?, timings = ?,
			retry_count = ?, error_code = ?, error_message = ?, operator = ?,
			inference_path = ?,
			accepted_catalog_id = ?, accepted_name = ?, accepted_hp = ?, accepted_collector_no = ?,
			accepted_set_name = ?, accepted_set_size = ?, accepted_variant_tags = ?
		WHERE id = ?`,
		job.UpdatedAt.UnixMilli(),
		nullStr(job.RawImageRef), nullStr(job.ProcessedImageRef), nullStr(job.MasterImageRef),
		extracted, candidates, timings,
		job.RetryCount, nullStr(job.ErrorCode), nullStr(job.ErrorMessage), nullStr(job.Operator),
		nullStr(string(job.InferencePath)),
		nullStr(truth.AcceptedCatalogID),
		nullStr(truth.AcceptedName), nullInt(truth.AcceptedHP), nullStr(truth.AcceptedCollectorNo),
		nullStr(truth.AcceptedSetName), truth.AcceptedSetSize, variantTags,
		job.ID)
	if err != nil {
		return fmt.Errorf("failed to update scan %s: %w", job.ID, err)
	}
	return nil
}

// AcquireLease performs the ownership CAS: set (processor_id, locked_at) iff
// the current owner is null or the previous lease is older than expiry.
// Returns LEASE_LOST when another live processor holds the job.
func (s *ScanStorage) AcquireLease(ctx context.Context, scanID, processorID string, expiry time.Duration) (*models.Lease, error) {
	now := time.Now()
	cutoff := now.Add(-expiry).UnixMilli()

	res, err := s.db.db.ExecContext(ctx, `
		UPDATE scans SET processor_id = ?, locked_at = ?
		WHERE id = ?
		  AND (processor_id IS NULL OR processor_id = ? OR locked_at < ?)`,
		processorID, now.UnixMilli(), scanID, processorID, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lease on %s: %w", scanID, err)
	}

	affected, _ := res.RowsAffected()
	if affected == 0 {
		return nil, models.NewPipelineError(models.ErrCodeLeaseLost,
			fmt.Sprintf("scan %s held by another processor", scanID))
	}
	return &models.Lease{ProcessorID: processorID, LockedAt: now}, nil
}

// ReleaseLease clears ownership explicitly. Only the holder may release.
func (s *ScanStorage) ReleaseLease(ctx context.Context, scanID, processorID string) error {
	_, err := s.db.db.ExecContext(ctx, `
		UPDATE scans SET processor_id = NULL, locked_at = NULL
		WHERE id = ? AND processor_id = ?`, scanID, processorID)
	return err
}

// ReleaseExpiredLeases clears leases older than expiry on non-terminal
// scans so redelivered queue messages can reclaim them. Returns the number
// of leases released.
func (s *ScanStorage) ReleaseExpiredLeases(ctx context.Context, expiry time.Duration) (int64, error) {
	cutoff := time.Now().Add(-expiry).UnixMilli()
	res, err := s.db.db.ExecContext(ctx, `
		UPDATE scans SET processor_id = NULL, locked_at = NULL
		WHERE processor_id IS NOT NULL AND locked_at < ?
		  AND status NOT IN ('ACCEPTED','FLAGGED','NEEDS_REVIEW','FAILED')`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// CountByStatus returns scan counts keyed by status.
func (s *ScanStorage) CountByStatus(ctx context.Context) (map[models.ScanStatus]int, error) {
	rows, err := s.db.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM scans GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[models.ScanStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[models.ScanStatus(status)] = n
	}
	return counts, rows.Err()
}

// ListByStatus returns scans in a given status, oldest first.
func (s *ScanStorage) ListByStatus(ctx context.Context, status models.ScanStatus, limit int) ([]*models.ScanJob, error) {
	rows, err := s.db.db.QueryContext(ctx,
		`SELECT `+scanColumns+` FROM scans WHERE status = ? ORDER BY created_at ASC LIMIT ?`,
		string(status), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*models.ScanJob
	for rows.Next() {
		job, err := scanRow(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// RecordOverrideDiff persists one before/after field diff from an operator
// override.
func (s *ScanStorage) RecordOverrideDiff(ctx context.Context, id, scanID, sessionID, field, before, after string) error {
	_, err := s.db.db.ExecContext(ctx, `
		INSERT INTO override_diffs (id, scan_id, session_id, timestamp, field, before_value, after_value)
		VALUES (?,?,?,?,?,?,?)`,
		id, scanID, nullStr(sessionID), time.Now().UnixMilli(), field, before, after)
	return err
}

// --- row plumbing ---

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRow(row rowScanner) (*models.ScanJob, error) {
	var (
		job                                  models.ScanJob
		status                               string
		createdAt, updatedAt                 int64
		rawRef, procRef, masterRef           sql.NullString
		extracted, candidates, timings       sql.NullString
		errCode, errMsg, operator            sql.NullString
		processorID                          sql.NullString
		lockedAt                             sql.NullInt64
		inferPath                            sql.NullString
		accCatalogID                         sql.NullString
		accName, accCollector, accSet        sql.NullString
		accHP                                sql.NullInt64
		accSetSize                           sql.NullInt64
		accVariants                          sql.NullString
		sourceFile, fingerprint              sql.NullString
		sequence                             sql.NullInt64
	)

	err := row.Scan(&job.ID, &status, &createdAt, &updatedAt,
		&rawRef, &procRef, &masterRef,
		&extracted, &candidates, &timings,
		&job.RetryCount, &errCode, &errMsg, &operator,
		&processorID, &lockedAt, &inferPath,
		&accCatalogID, &accName, &accHP, &accCollector, &accSet, &accSetSize, &accVariants,
		&sourceFile, &sequence, &fingerprint)
	if err != nil {
		return nil, err
	}

	job.Status = models.ScanStatus(status)
	job.CreatedAt = time.UnixMilli(createdAt)
	job.UpdatedAt = time.UnixMilli(updatedAt)
	job.RawImageRef = rawRef.String
	job.ProcessedImageRef = procRef.String
	job.MasterImageRef = masterRef.String
	job.ErrorCode = errCode.String
	job.ErrorMessage = errMsg.String
	job.Operator = operator.String
	job.InferencePath = models.InferencePath(inferPath.String)
	job.SourceFile = sourceFile.String
	job.Sequence = int(sequence.Int64)
	job.Fingerprint = fingerprint.String

	if processorID.Valid {
		job.Lease = &models.Lease{
			ProcessorID: processorID.String,
			LockedAt:    time.UnixMilli(lockedAt.Int64),
		}
	}

	if extracted.Valid && extracted.String != "" {
		job.Extracted = &models.ExtractedFields{}
		if err := json.Unmarshal([]byte(extracted.String), job.Extracted); err != nil {
			return nil, fmt.Errorf("corrupt extracted fields on %s: %w", job.ID, err)
		}
	}
	if candidates.Valid && candidates.String != "" {
		if err := json.Unmarshal([]byte(candidates.String), &job.Candidates); err != nil {
			return nil, fmt.Errorf("corrupt candidates on %s: %w", job.ID, err)
		}
	}
	if timings.Valid && timings.String != "" {
		job.Timings = &models.StageTimings{}
		if err := json.Unmarshal([]byte(timings.String), job.Timings); err != nil {
			return nil, fmt.Errorf("corrupt timings on %s: %w", job.ID, err)
		}
	}

	if accName.Valid || accCollector.Valid || accSet.Valid {
		truth := &models.TruthCore{
			AcceptedCatalogID:   accCatalogID.String,
			AcceptedName:        accName.String,
			AcceptedCollectorNo: accCollector.String,
			AcceptedSetName:     accSet.String,
			AcceptedSetSize:     int(accSetSize.Int64),
		}
		if accHP.Valid {
			hp := int(accHP.Int64)
			truth.AcceptedHP = &hp
		}
		if accVariants.Valid && accVariants.String != "" {
			if err := json.Unmarshal([]byte(accVariants.String), &truth.AcceptedVariantTags); err != nil {
				return nil, fmt.Errorf("corrupt variant tags on %s: %w", job.ID, err)
			}
		}
		job.Truth = truth
	}

	return &job, nil
}

func encodeNested(job *models.ScanJob) (extracted, candidates, timings, variantTags interface{}, err error) {
	if job.Extracted != nil {
		if extracted, err = encodeJSON(job.Extracted); err != nil {
			return
		}
	}
	if len(job.Candidates) > 0 {
		if candidates, err = encodeJSON(job.Candidates); err != nil {
			return
		}
	}
	if job.Timings != nil {
		if timings, err = encodeJSON(job.Timings); err != nil {
			return
		}
	}
	if job.Truth != nil && len(job.Truth.AcceptedVariantTags) > 0 {
		variantTags, err = encodeJSON(job.Truth.AcceptedVariantTags)
	}
	return
}

func encodeJSON(v interface{}) (interface{}, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal nested field: %w", err)
	}
	return string(data), nil
}

func nullStr(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullInt(p *int) interface{} {
	if p == nil {
		return nil
	}
	return *p
}

func leaseProcessor(l *models.Lease) interface{} {
	if l == nil {
		return nil
	}
	return l.ProcessorID
}

func leaseLockedAt(l *models.Lease) interface{} {
	if l == nil {
		return nil
	}
	return l.LockedAt.UnixMilli()
}
