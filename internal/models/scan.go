package models

import (
	"time"

	"github.com/Profusion-AI/cardmint/internal/common"
)

// ScanStatus enumerates the scan job state machine.
type ScanStatus string

const (
	StatusQueued           ScanStatus = "QUEUED"
	StatusCapturing        ScanStatus = "CAPTURING"
	StatusCaptured         ScanStatus = "CAPTURED"
	StatusBackImage        ScanStatus = "BACK_IMAGE"
	StatusPreprocessing    ScanStatus = "PREPROCESSING"
	StatusInferencing      ScanStatus = "INFERENCING"
	StatusCandidatesReady  ScanStatus = "CANDIDATES_READY"
	StatusOperatorPending  ScanStatus = "OPERATOR_PENDING"
	StatusUnmatched        ScanStatus = "UNMATCHED_NO_REASONABLE_CANDIDATE"
	StatusAccepted         ScanStatus = "ACCEPTED"
	StatusFlagged          ScanStatus = "FLAGGED"
	StatusNeedsReview      ScanStatus = "NEEDS_REVIEW"
	StatusFailed           ScanStatus = "FAILED"
)

// IsTerminal reports whether a status ends the job lifecycle.
func (s ScanStatus) IsTerminal() bool {
	switch s {
	case StatusAccepted, StatusFlagged, StatusNeedsReview, StatusFailed:
		return true
	}
	return false
}

// transitions enumerates every permitted edge. Forward progress with narrow
// back-edges only; FAILED is additionally reachable from any non-terminal
// state (handled in ValidTransition).
var transitions = map[ScanStatus][]ScanStatus{
	StatusQueued:          {StatusCapturing, StatusCaptured},
	StatusCapturing:       {StatusCaptured},
	StatusCaptured:        {StatusBackImage, StatusPreprocessing},
	StatusBackImage:       {StatusCaptured, StatusPreprocessing},
	StatusPreprocessing:   {StatusInferencing},
	StatusInferencing:     {StatusCandidatesReady, StatusUnmatched},
	StatusCandidatesReady: {StatusOperatorPending},
	StatusOperatorPending: {StatusAccepted, StatusFlagged, StatusNeedsReview, StatusInferencing, StatusCapturing},
	StatusUnmatched:       {StatusOperatorPending, StatusInferencing},
}

// ValidTransition reports whether from -> to is a permitted edge.
func ValidTransition(from, to ScanStatus) bool {
	if from.IsTerminal() {
		return false
	}
	if to == StatusFailed {
		// Any non-terminal state may fail on a non-retriable error.
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Candidate is one ranked catalog match. Confidences are strictly
// non-increasing when a candidate list is iterated top to bottom.
type Candidate struct {
	CatalogID   string   `json:"catalog_id"`
	Title       string   `json:"title"`
	Confidence  float64  `json:"confidence"`
	ThumbnailRef string  `json:"thumbnail_ref,omitempty"`
	Source      string   `json:"source"` // "exact", "fuzzy", "structural"
	AutoConfirm bool     `json:"auto_confirm"`
	Signals     []string `json:"signals,omitempty"` // short tags for what matched
}

// Lease is the (processor id, locked at) pair proving exclusive ownership
// of a job during non-terminal transitions.
type Lease struct {
	ProcessorID string    `json:"processor_id"`
	LockedAt    time.Time `json:"locked_at"`
}

// TruthCore holds the operator-locked fields persisted on ACCEPTED.
type TruthCore struct {
	AcceptedCatalogID   string   `json:"accepted_catalog_id,omitempty"`
	AcceptedName        string   `json:"accepted_name"`
	AcceptedHP          *int     `json:"accepted_hp"`
	AcceptedCollectorNo string   `json:"accepted_collector_no"`
	AcceptedSetName     string   `json:"accepted_set_name"`
	AcceptedSetSize     int      `json:"accepted_set_size"`
	AcceptedVariantTags []string `json:"accepted_variant_tags"`
}

// InferencePath records which extraction path produced the fields.
type InferencePath string

const (
	PathPrimary  InferencePath = "primary"
	PathFallback InferencePath = "fallback"
)

// ScanJob is the primary aggregate: one physical capture moving through
// the pipeline. Created by the watcher, mutated only by the lease-holding
// worker, read by the operator surface, retained after termination.
type ScanJob struct {
	ID        string     `json:"id"`
	Status    ScanStatus `json:"status"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`

	RawImageRef       string `json:"raw_image_ref,omitempty"`
	ProcessedImageRef string `json:"processed_image_ref,omitempty"`
	MasterImageRef    string `json:"master_image_ref,omitempty"`

	Extracted  *ExtractedFields `json:"extracted,omitempty"`
	Candidates []Candidate      `json:"candidates,omitempty"`
	Timings    *StageTimings    `json:"timings,omitempty"`

	RetryCount   int    `json:"retry_count"`
	ErrorCode    string `json:"error_code,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`

	Operator string `json:"operator,omitempty"`
	Lease    *Lease `json:"lease,omitempty"`

	InferencePath InferencePath `json:"inference_path,omitempty"`
	Truth         *TruthCore    `json:"truth,omitempty"`

	// Capture metadata carried from the watcher.
	SourceFile  string `json:"source_file,omitempty"`
	Sequence    int    `json:"sequence,omitempty"` // camera-assigned DSC number
	Fingerprint string `json:"fingerprint,omitempty"`
}

// NewScanJob creates a scan job for a durable capture file. Watcher-created
// jobs enter at CAPTURED: the raw image already exists on disk.
func NewScanJob(rawImageRef, sourceFile string, sequence int, fingerprint string) *ScanJob {
	now := time.Now()
	return &ScanJob{
		ID:          common.NewScanID(),
		Status:      StatusCaptured,
		CreatedAt:   now,
		UpdatedAt:   now,
		RawImageRef: rawImageRef,
		SourceFile:  sourceFile,
		Sequence:    sequence,
		Fingerprint: fingerprint,
		Timings:     &StageTimings{},
	}
}

// NewPendingScanJob creates a job awaiting a two-stage kiosk capture.
func NewPendingScanJob() *ScanJob {
	now := time.Now()
	return &ScanJob{
		ID:        common.NewScanID(),
		Status:    StatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
		Timings:   &StageTimings{},
	}
}
