package operator

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/ternarybob/arbor"

	"github.com/Profusion-AI/cardmint/internal/catalog"
	"github.com/Profusion-AI/cardmint/internal/common"
	"github.com/Profusion-AI/cardmint/internal/events"
	"github.com/Profusion-AI/cardmint/internal/models"
	"github.com/Profusion-AI/cardmint/internal/queue"
	"github.com/Profusion-AI/cardmint/internal/storage/sqlite"
)

// setNumberPattern mirrors the extraction constraint: "NNN" or "NNN/TTT".
var setNumberPattern = regexp.MustCompile(`^\d{1,3}(/\d{1,3})?$`)

// OverrideRequest carries operator-supplied field corrections. Zero
// values mean "leave unchanged".
type OverrideRequest struct {
	CardName    string `json:"card_name" validate:"omitempty,min=3,max=80"`
	SetName     string `json:"set_name" validate:"omitempty,min=3,max=80"`
	SetNumber   string `json:"set_number" validate:"omitempty,setnumber"`
	HP          *int   `json:"hp" validate:"omitempty,gte=0,lte=400"`
	VariantHint string `json:"variant_hint" validate:"omitempty,oneof=holo reverse_holo non_holo first_edition shadowless"`
}

// overrideDiff is one recorded field change, replayed on the active
// session's event stream.
type overrideDiff struct {
	Field  string `json:"field"`
	Before string `json:"before"`
	After  string `json:"after"`
}

// Service implements the operator decision surface: accept, flag, review,
// override, and the two re-capture paths. Every decision is attributed to
// an operator and recorded on the active session where one exists.
type Service struct {
	logger     arbor.ILogger
	bus        *events.Bus
	scans      *sqlite.ScanStorage
	sessions   *sqlite.SessionStorage
	queueMgr   *queue.Manager
	catalogSvc *catalog.Service
	validate   *validator.Validate
}

// NewService creates the operator service.
func NewService(logger arbor.ILogger, bus *events.Bus, scans *sqlite.ScanStorage, sessions *sqlite.SessionStorage, queueMgr *queue.Manager, catalogSvc *catalog.Service) *Service {
	v := validator.New()
	// Closed-form collector number; validator has no builtin for it.
	_ = v.RegisterValidation("setnumber", func(fl validator.FieldLevel) bool {
		return setNumberPattern.MatchString(fl.Field().String())
	})
	return &Service{
		logger:     logger,
		bus:        bus,
		scans:      scans,
		sessions:   sessions,
		queueMgr:   queueMgr,
		catalogSvc: catalogSvc,
		validate:   v,
	}
}

// Accept locks a scan's identity. With a catalog id the matching
// candidate's card becomes the truth record; without one the operator's
// (possibly overridden) extracted fields do. Accepting an already
// accepted scan with the same identity is a no-op.
func (s *Service) Accept(ctx context.Context, scanID, operatorName, catalogID string) (*models.ScanJob, error) {
	job, err := s.scans.Get(ctx, scanID)
	if err != nil {
		return nil, err
	}

	if job.Status == models.StatusAccepted {
		if job.Truth != nil && s.sameIdentity(job, catalogID) {
			return job, nil
		}
		return nil, fmt.Errorf("scan %s already accepted with a different identity", scanID)
	}
	if job.Status != models.StatusOperatorPending {
		return nil, models.NewPipelineError(models.ErrCodeInvalidTransition,
			fmt.Sprintf("scan %s cannot be accepted from %s", scanID, job.Status))
	}

	truth, err := s.buildTruth(job, catalogID)
	if err != nil {
		return nil, err
	}

	job.Truth = truth
	job.Operator = operatorName
	if err := s.scans.Transition(ctx, job, models.StatusAccepted); err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("scan_id", job.ID).
		Str("operator", operatorName).
		Str("accepted_name", truth.AcceptedName).
		Str("catalog_id", catalogID).
		Msg("Scan accepted")
	s.bus.Publish(ctx, events.Event{Type: events.TypeScanTerminal, Payload: job})
	return job, nil
}

// Flag marks a scan as problematic and removes it from the working set.
func (s *Service) Flag(ctx context.Context, scanID, operatorName, reason string) error {
	return s.closeOut(ctx, scanID, operatorName, reason, models.StatusFlagged)
}

// NeedsReview parks a scan for a later, more careful pass.
func (s *Service) NeedsReview(ctx context.Context, scanID, operatorName, reason string) error {
	return s.closeOut(ctx, scanID, operatorName, reason, models.StatusNeedsReview)
}

func (s *Service) closeOut(ctx context.Context, scanID, operatorName, reason string, to models.ScanStatus) error {
	job, err := s.scans.Get(ctx, scanID)
	if err != nil {
		return err
	}
	if job.Status == to {
		return nil
	}
	if job.Status != models.StatusOperatorPending {
		return models.NewPipelineError(models.ErrCodeInvalidTransition,
			fmt.Sprintf("scan %s cannot move to %s from %s", scanID, to, job.Status))
	}

	job.Operator = operatorName
	if err := s.scans.Transition(ctx, job, to); err != nil {
		return err
	}

	s.logger.Info().
		Str("scan_id", job.ID).
		Str("operator", operatorName).
		Str("status", string(to)).
		Str("reason", reason).
		Msg("Scan closed out by operator")
	s.bus.Publish(ctx, events.Event{Type: events.TypeScanTerminal, Payload: job})
	return nil
}

// RequestRescan re-queues a scan for a fresh inference pass. The scan
// keeps its current state until a worker picks the job up.
func (s *Service) RequestRescan(ctx context.Context, scanID, operatorName string) error {
	job, err := s.scans.Get(ctx, scanID)
	if err != nil {
		return err
	}
	if job.Status != models.StatusOperatorPending && job.Status != models.StatusUnmatched {
		return models.NewPipelineError(models.ErrCodeInvalidTransition,
			fmt.Sprintf("scan %s cannot be rescanned from %s", scanID, job.Status))
	}

	msg := models.QueueMessage{ScanID: job.ID, Type: models.JobTypeProcess, Priority: 1}
	if err := s.queueMgr.Enqueue(ctx, models.LaneProcessing, msg); err != nil {
		return err
	}
	s.logger.Info().
		Str("scan_id", job.ID).
		Str("operator", operatorName).
		Msg("Rescan requested")
	return nil
}

// RequestBackCapture sends a scan back to the capture station for a
// reverse-side shot.
func (s *Service) RequestBackCapture(ctx context.Context, scanID, operatorName string) error {
	job, err := s.scans.Get(ctx, scanID)
	if err != nil {
		return err
	}
	job.Operator = operatorName
	if err := s.scans.Transition(ctx, job, models.StatusCapturing); err != nil {
		return err
	}
	s.logger.Info().
		Str("scan_id", job.ID).
		Str("operator", operatorName).
		Msg("Back capture requested")
	return nil
}

// Override applies operator field corrections to a scan's extracted
// record, with a before/after diff row per changed field. Overriding an
// UNMATCHED scan moves it back to the operator queue.
func (s *Service) Override(ctx context.Context, scanID, operatorName string, req OverrideRequest) (*models.ScanJob, error) {
	if err := s.validate.Struct(&req); err != nil {
		return nil, fmt.Errorf("invalid override: %w", err)
	}

	job, err := s.scans.Get(ctx, scanID)
	if err != nil {
		return nil, err
	}
	if job.Status != models.StatusOperatorPending && job.Status != models.StatusUnmatched {
		return nil, models.NewPipelineError(models.ErrCodeInvalidTransition,
			fmt.Sprintf("scan %s cannot be overridden from %s", scanID, job.Status))
	}
	if job.Extracted == nil {
		job.Extracted = &models.ExtractedFields{HoloType: models.HoloTypeUnknown}
	}

	active := s.activeSession(ctx)
	sessionID := ""
	if active != nil {
		sessionID = active.ID
	}

	var changes []overrideDiff
	diff := func(field, before, after string) {
		if before == after {
			return
		}
		changes = append(changes, overrideDiff{Field: field, Before: before, After: after})
		if err := s.scans.RecordOverrideDiff(ctx, common.NewEventID(),
			job.ID, sessionID, field, before, after); err != nil {
			s.logger.Warn().Err(err).Str("scan_id", job.ID).Str("field", field).
				Msg("Failed to record override diff")
		}
	}

	if req.CardName != "" {
		diff("card_name", job.Extracted.Name, req.CardName)
		job.Extracted.Name = req.CardName
	}
	if req.SetName != "" {
		diff("set_name", job.Extracted.SetName, req.SetName)
		job.Extracted.SetName = req.SetName
	}
	if req.SetNumber != "" {
		diff("set_number", job.Extracted.SetNumber, req.SetNumber)
		job.Extracted.SetNumber = req.SetNumber
	}
	if req.HP != nil {
		before := ""
		if job.Extracted.HP != nil {
			before = strconv.Itoa(*job.Extracted.HP)
		}
		diff("hp", before, strconv.Itoa(*req.HP))
		job.Extracted.HP = req.HP
	}
	if req.VariantHint != "" {
		diff("variant_hint", string(job.Extracted.HoloType), req.VariantHint)
		switch req.VariantHint {
		case "holo", "reverse_holo", "non_holo":
			job.Extracted.HoloType = models.HoloType(req.VariantHint)
		case "first_edition":
			job.Extracted.FirstEditionStamp = true
		case "shadowless":
			job.Extracted.Shadowless = true
		}
	}

	job.Operator = operatorName
	if job.Status == models.StatusUnmatched {
		if err := s.scans.Transition(ctx, job, models.StatusOperatorPending); err != nil {
			return nil, err
		}
	} else if err := s.scans.Update(ctx, job); err != nil {
		return nil, err
	}

	if active != nil && len(changes) > 0 {
		evt := models.NewSessionEvent(active.ID, active.Phase, models.EventInfo, models.SourceOperator,
			fmt.Sprintf("scan %s fields overridden by %s", job.ID, operatorName))
		if payload, perr := json.Marshal(map[string]interface{}{
			"scan_id": job.ID, "operator": operatorName, "diffs": changes,
		}); perr == nil {
			evt.Payload = string(payload)
		}
		if err := s.sessions.AppendEvent(ctx, evt); err != nil {
			s.logger.Warn().Err(err).Str("scan_id", job.ID).Str("session_id", active.ID).
				Msg("Failed to replay override diffs on session")
		}
	}

	s.logger.Info().
		Str("scan_id", job.ID).
		Str("operator", operatorName).
		Int("fields_changed", len(changes)).
		Msg("Scan fields overridden")
	return job, nil
}

// Pending lists scans waiting on an operator decision, oldest first.
func (s *Service) Pending(ctx context.Context, limit int) ([]*models.ScanJob, error) {
	pending, err := s.scans.ListByStatus(ctx, models.StatusOperatorPending, limit)
	if err != nil {
		return nil, err
	}
	unmatched, err := s.scans.ListByStatus(ctx, models.StatusUnmatched, limit)
	if err != nil {
		return nil, err
	}
	return append(pending, unmatched...), nil
}

func (s *Service) buildTruth(job *models.ScanJob, catalogID string) (*models.TruthCore, error) {
	var tags []string
	if job.Extracted != nil {
		tags = job.Extracted.VariantTags()
	}

	if catalogID != "" {
		if !s.hasCandidate(job, catalogID) {
			return nil, fmt.Errorf("scan %s has no candidate %s", job.ID, catalogID)
		}
		card, ok := s.catalogSvc.Snapshot().ByID(catalogID)
		if !ok {
			return nil, fmt.Errorf("catalog id %s not found", catalogID)
		}
		return &models.TruthCore{
			AcceptedCatalogID:   catalogID,
			AcceptedName:        card.Name,
			AcceptedHP:          card.HP,
			AcceptedCollectorNo: card.CollectorNumber,
			AcceptedSetName:     card.SetName,
			AcceptedSetSize:     card.SetSize,
			AcceptedVariantTags: tags,
		}, nil
	}

	if job.Extracted == nil || job.Extracted.Name == "" {
		return nil, fmt.Errorf("scan %s has no identity to accept", job.ID)
	}
	setSize := 0
	if total := job.Extracted.PrintedTotal(); total != "" {
		setSize, _ = strconv.Atoi(total)
	}
	return &models.TruthCore{
		AcceptedName:        job.Extracted.Name,
		AcceptedHP:          job.Extracted.HP,
		AcceptedCollectorNo: job.Extracted.CollectorNumber(),
		AcceptedSetName:     job.Extracted.SetName,
		AcceptedSetSize:     setSize,
		AcceptedVariantTags: tags,
	}, nil
}

func (s *Service) hasCandidate(job *models.ScanJob, catalogID string) bool {
	for _, c := range job.Candidates {
		if c.CatalogID == catalogID {
			return true
		}
	}
	return false
}

func (s *Service) sameIdentity(job *models.ScanJob, catalogID string) bool {
	if catalogID == "" {
		return true
	}
	card, ok := s.catalogSvc.Snapshot().ByID(catalogID)
	if !ok {
		return false
	}
	return job.Truth.AcceptedName == card.Name &&
		job.Truth.AcceptedCollectorNo == card.CollectorNumber &&
		job.Truth.AcceptedSetName == card.SetName
}

func (s *Service) activeSession(ctx context.Context) *models.OperatorSession {
	active, err := s.sessions.ActiveSession(ctx)
	if err != nil {
		return nil
	}
	return active
}
