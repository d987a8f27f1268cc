package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"

	"github.com/Profusion-AI/cardmint/internal/common"
	"github.com/Profusion-AI/cardmint/internal/events"
	"github.com/Profusion-AI/cardmint/internal/models"
	"github.com/Profusion-AI/cardmint/internal/storage/sqlite"
	"github.com/Profusion-AI/cardmint/internal/watcher"
	"github.com/Profusion-AI/cardmint/internal/worker"
)

// staleLeaseExpiry matches the pipeline lease TTL: leases older than this
// on non-terminal scans belong to dead workers.
const staleLeaseExpiry = 3 * time.Minute

// sweepSchedule runs the stale-session and stale-lease checks. Every
// thirty seconds keeps abandonment detection well inside one heartbeat
// window.
const sweepSchedule = "*/30 * * * * *"

// phaseEdges enumerates the permitted session phase transitions.
var phaseEdges = map[models.SessionPhase][]models.SessionPhase{
	models.PhasePrep:       {models.PhaseRunning, models.PhaseAborted},
	models.PhaseRunning:    {models.PhaseValidating, models.PhaseClosed, models.PhaseAborted},
	models.PhaseValidating: {models.PhaseRunning, models.PhaseClosed, models.PhaseAborted},
}

// Service manages operator sessions: lifecycle, the append-only event
// stream, and the background hygiene jobs (closed-session pruning, stale
// session abort, stale scan-lease release).
type Service struct {
	logger   arbor.ILogger
	bus      *events.Bus
	sessions *sqlite.SessionStorage
	scans    *sqlite.ScanStorage

	heartbeatStale time.Duration
	retention      time.Duration
	pruneSchedule  string

	cron *cron.Cron
}

// NewService creates the session service. Call Start to begin the
// hygiene jobs and event capture.
func NewService(logger arbor.ILogger, bus *events.Bus, sessions *sqlite.SessionStorage, scans *sqlite.ScanStorage, cfg *common.SessionConfig) *Service {
	return &Service{
		logger:         logger,
		bus:            bus,
		sessions:       sessions,
		scans:          scans,
		heartbeatStale: common.MustDuration(cfg.HeartbeatStale),
		retention:      common.MustDuration(cfg.Retention),
		pruneSchedule:  cfg.PruneSchedule,
		cron:           cron.New(cron.WithSeconds()),
	}
}

// Start schedules the hygiene jobs and subscribes the event stream to
// the pipeline bus.
func (s *Service) Start() error {
	if _, err := s.cron.AddFunc(s.pruneSchedule, s.pruneClosed); err != nil {
		return fmt.Errorf("invalid prune schedule %q: %w", s.pruneSchedule, err)
	}
	if _, err := s.cron.AddFunc(sweepSchedule, s.sweep); err != nil {
		return fmt.Errorf("invalid sweep schedule: %w", err)
	}

	subs := map[events.Type]func(context.Context, events.Event) error{
		events.TypeCapture:      s.onCapture,
		events.TypeBackpressure: s.onBackpressure,
		events.TypeJobFailed:    s.onJobFailed,
		events.TypeFallback:     s.onFallback,
		events.TypeQuotaLow:     s.onQuotaLow,
		events.TypeQueuePaused:  s.onQueuePaused,
		events.TypeQueueResumed: s.onQueueResumed,
	}
	for eventType, handler := range subs {
		if err := s.bus.Subscribe(eventType, handler); err != nil {
			return err
		}
	}

	s.cron.Start()
	s.logger.Info().
		Str("prune_schedule", s.pruneSchedule).
		Dur("heartbeat_stale", s.heartbeatStale).
		Msg("Session service started")
	return nil
}

// Stop halts the hygiene jobs. In-flight jobs finish first.
func (s *Service) Stop() {
	<-s.cron.Stop().Done()
}

// Open creates a new session in PREP.
func (s *Service) Open(ctx context.Context, baseline bool, notes string) (*models.OperatorSession, error) {
	sess := models.NewOperatorSession(baseline)
	sess.Notes = notes
	if err := s.sessions.Create(ctx, sess); err != nil {
		return nil, err
	}
	s.logger.Info().Str("session_id", sess.ID).Bool("baseline", baseline).Msg("Session opened")
	return sess, nil
}

// Begin moves a session into RUNNING. Fails when another session is
// already active.
func (s *Service) Begin(ctx context.Context, id string) error {
	return s.setPhase(ctx, id, models.PhaseRunning)
}

// Validate moves a RUNNING session into the validation phase.
func (s *Service) Validate(ctx context.Context, id string) error {
	return s.setPhase(ctx, id, models.PhaseValidating)
}

// Close ends a session normally.
func (s *Service) Close(ctx context.Context, id string) error {
	return s.setPhase(ctx, id, models.PhaseClosed)
}

// Abort ends a session without validation.
func (s *Service) Abort(ctx context.Context, id string) error {
	return s.setPhase(ctx, id, models.PhaseAborted)
}

// Heartbeat refreshes a session's liveness timestamp.
func (s *Service) Heartbeat(ctx context.Context, id string) error {
	return s.sessions.Heartbeat(ctx, id)
}

// Active returns the currently active session, or nil.
func (s *Service) Active(ctx context.Context) (*models.OperatorSession, error) {
	return s.sessions.ActiveSession(ctx)
}

// Get loads one session.
func (s *Service) Get(ctx context.Context, id string) (*models.OperatorSession, error) {
	return s.sessions.Get(ctx, id)
}

// EventsSince returns a session's event stream from a point in time.
func (s *Service) EventsSince(ctx context.Context, id string, since time.Time) ([]*models.SessionEvent, error) {
	return s.sessions.EventsSince(ctx, id, since)
}

// Record appends an event to the active session's stream. Without an
// active session the event is dropped; the stream documents operator
// working windows, not idle time.
func (s *Service) Record(ctx context.Context, level models.EventLevel, source models.EventSource, message string, payload any) error {
	active, err := s.sessions.ActiveSession(ctx)
	if err != nil || active == nil {
		return err
	}

	evt := models.NewSessionEvent(active.ID, active.Phase, level, source, message)
	if payload != nil {
		data, err := json.Marshal(payload)
		if err == nil {
			evt.Payload = string(data)
		}
	}
	return s.sessions.AppendEvent(ctx, evt)
}

func (s *Service) setPhase(ctx context.Context, id string, to models.SessionPhase) error {
	sess, err := s.sessions.Get(ctx, id)
	if err != nil {
		return err
	}

	allowed := false
	for _, next := range phaseEdges[sess.Phase] {
		if next == to {
			allowed = true
			break
		}
	}
	if !allowed {
		return fmt.Errorf("session %s cannot move %s -> %s", id, sess.Phase, to)
	}

	if err := s.sessions.SetPhase(ctx, id, to); err != nil {
		return err
	}
	s.logger.Info().
		Str("session_id", id).
		Str("from", string(sess.Phase)).
		Str("to", string(to)).
		Msg("Session phase changed")
	return nil
}

// pruneClosed removes closed and aborted sessions past retention.
func (s *Service) pruneClosed() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	removed, err := s.sessions.PruneClosed(ctx, s.retention)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Session prune failed")
		return
	}
	if removed > 0 {
		s.logger.Info().Int64("removed", removed).Msg("Pruned expired sessions")
	}
}

// sweep aborts sessions whose heartbeat lapsed and releases scan leases
// abandoned by dead workers.
func (s *Service) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	active, err := s.sessions.ActiveSession(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Session sweep failed")
	} else if active != nil && active.Stale(s.heartbeatStale, time.Now()) {
		s.logger.Warn().
			Str("session_id", active.ID).
			Str("last_heartbeat", active.Heartbeat.Format(time.RFC3339)).
			Msg("Aborting stale session")
		if err := s.sessions.SetPhase(ctx, active.ID, models.PhaseAborted); err != nil {
			s.logger.Warn().Err(err).Str("session_id", active.ID).Msg("Failed to abort stale session")
		}
	}

	released, err := s.scans.ReleaseExpiredLeases(ctx, staleLeaseExpiry)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Stale lease sweep failed")
		return
	}
	if released > 0 {
		s.logger.Info().Int64("released", released).Msg("Released stale scan leases")
	}
}

func (s *Service) onCapture(ctx context.Context, e events.Event) error {
	c, ok := e.Payload.(watcher.Capture)
	if !ok {
		return nil
	}
	return s.Record(ctx, models.EventInfo, models.SourceWatcher,
		fmt.Sprintf("Capture detected: %s", c.Filename), c)
}

func (s *Service) onBackpressure(ctx context.Context, e events.Event) error {
	bp, ok := e.Payload.(watcher.Backpressure)
	if !ok {
		return nil
	}
	return s.Record(ctx, models.EventError, models.SourceWatcher,
		fmt.Sprintf("Capture dropped at queue capacity: %s", bp.Filename), bp)
}

func (s *Service) onJobFailed(ctx context.Context, e events.Event) error {
	result, ok := e.Payload.(worker.JobResult)
	if !ok {
		return nil
	}
	return s.Record(ctx, models.EventError, models.SourceWorker,
		fmt.Sprintf("Job failed terminally: %s (%s)", result.ScanID, result.Type), result)
}

func (s *Service) onFallback(ctx context.Context, e events.Event) error {
	return s.Record(ctx, models.EventWarning, models.SourceInference,
		"Primary extraction unavailable, using local fallback", e.Payload)
}

func (s *Service) onQuotaLow(ctx context.Context, e events.Event) error {
	return s.Record(ctx, models.EventWarning, models.SourceInference,
		fmt.Sprintf("Daily inference quota low: %v calls remaining", e.Payload), nil)
}

func (s *Service) onQueuePaused(ctx context.Context, e events.Event) error {
	return s.Record(ctx, models.EventWarning, models.SourceQueue,
		fmt.Sprintf("Capture intake paused (%v)", e.Payload), nil)
}

func (s *Service) onQueueResumed(ctx context.Context, e events.Event) error {
	return s.Record(ctx, models.EventInfo, models.SourceQueue,
		fmt.Sprintf("Capture intake resumed (%v)", e.Payload), nil)
}
