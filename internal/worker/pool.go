package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ternarybob/arbor"
	"golang.org/x/time/rate"

	"github.com/Profusion-AI/cardmint/internal/common"
	"github.com/Profusion-AI/cardmint/internal/events"
	"github.com/Profusion-AI/cardmint/internal/models"
	"github.com/Profusion-AI/cardmint/internal/queue"
)

// Handler executes one job type. A nil return acknowledges the message;
// a retriable error requeues it with backoff, anything else fails it
// terminally.
type Handler func(ctx context.Context, msg models.QueueMessage) error

// JobResult is the payload published on jobCompleted / jobFailed events.
type JobResult struct {
	ScanID   string        `json:"scan_id"`
	Type     string        `json:"type"`
	Lane     models.Lane   `json:"lane"`
	Attempts int           `json:"attempts"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

// Pool runs a fixed set of worker loops over both queue lanes.
//
// The capture lane is polled before the processing lane so freshly
// detected captures register quickly, but the capture lane is suspended
// whenever the processing backlog crosses the auto-pause depth and only
// resumes once it falls back to the auto-resume depth. The gap between
// the two thresholds stops the pool from flapping at the boundary.
type Pool struct {
	queueMgr *queue.Manager
	handlers map[string]Handler
	logger   arbor.ILogger
	bus      *events.Bus
	limiter  *rate.Limiter
	retry    queue.RetryPolicy

	pollInterval    time.Duration
	workers         int
	autoPauseDepth  int
	autoResumeDepth int
	gracefulBudget  time.Duration
	workerWait      time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	paused        atomic.Bool // operator pause: nothing is claimed
	capturePaused atomic.Bool // hysteresis pause: capture lane only
	draining      atomic.Bool
	inflight      atomic.Int64
	started       atomic.Bool
}

// NewPool creates a worker pool from the queue section of the config.
// The total loop count is workers * concurrency; the rate limiter is
// shared across all loops so the ceiling is global.
func NewPool(queueMgr *queue.Manager, bus *events.Bus, logger arbor.ILogger, cfg *common.QueueConfig) *Pool {
	window := common.MustDuration(cfg.RateLimitWindow)
	limiter := rate.NewLimiter(rate.Limit(float64(cfg.RateLimitJobs)/window.Seconds()), cfg.RateLimitJobs)

	ctx, cancel := context.WithCancel(context.Background())

	return &Pool{
		queueMgr: queueMgr,
		handlers: make(map[string]Handler),
		logger:   logger,
		bus:      bus,
		limiter:  limiter,
		retry: queue.RetryPolicy{
			Base: common.MustDuration(cfg.RetryBase),
			Cap:  common.MustDuration(cfg.RetryCap),
		},
		pollInterval:    common.MustDuration(cfg.PollInterval),
		workers:         cfg.Workers * cfg.Concurrency,
		autoPauseDepth:  cfg.AutoPauseDepth,
		autoResumeDepth: cfg.AutoResumeDepth,
		gracefulBudget:  common.MustDuration(cfg.GracefulShutdown),
		workerWait:      common.MustDuration(cfg.WorkerWait),
		ctx:             ctx,
		cancel:          cancel,
	}
}

// RegisterHandler binds a job type to its executor. Must be called
// before Start.
func (p *Pool) RegisterHandler(jobType string, handler Handler) {
	p.handlers[jobType] = handler
	p.logger.Debug().
		Str("job_type", jobType).
		Msg("Job handler registered")
}

// Start launches the worker loops. Calling Start twice is a no-op.
func (p *Pool) Start() error {
	if !p.started.CompareAndSwap(false, true) {
		return nil
	}
	if len(p.handlers) == 0 {
		return errors.New("no job handlers registered")
	}

	p.logger.Info().
		Int("workers", p.workers).
		Dur("poll_interval", p.pollInterval).
		Msg("Starting worker pool")

	for i := 0; i < p.workers; i++ {
		workerID := i
		p.wg.Add(1)
		common.SafeGo(p.logger, fmt.Sprintf("worker-%d", workerID), func() {
			defer p.wg.Done()
			p.worker(workerID)
		})
	}
	return nil
}

// Pause suspends claiming on both lanes. In-flight jobs finish normally.
func (p *Pool) Pause() {
	if p.paused.CompareAndSwap(false, true) {
		p.logger.Info().Msg("Worker pool paused")
		p.bus.Publish(p.ctx, events.Event{Type: events.TypeQueuePaused, Payload: "operator"})
	}
}

// Resume lifts an operator pause.
func (p *Pool) Resume() {
	if p.paused.CompareAndSwap(true, false) {
		p.logger.Info().Msg("Worker pool resumed")
		p.bus.Publish(p.ctx, events.Event{Type: events.TypeQueueResumed, Payload: "operator"})
	}
}

// Paused reports whether an operator pause is in effect.
func (p *Pool) Paused() bool {
	return p.paused.Load()
}

// Drain stops claiming new jobs and waits for in-flight work to finish,
// bounded by the graceful-shutdown budget. Returns the number of jobs
// still running when the budget expired (zero on a clean drain).
func (p *Pool) Drain() int {
	p.draining.Store(true)
	p.logger.Info().
		Int64("inflight", p.inflight.Load()).
		Dur("budget", p.gracefulBudget).
		Msg("Draining worker pool")

	deadline := time.Now().Add(p.gracefulBudget)
	for time.Now().Before(deadline) {
		if p.inflight.Load() == 0 {
			return 0
		}
		time.Sleep(50 * time.Millisecond)
	}

	remaining := int(p.inflight.Load())
	if remaining > 0 {
		p.logger.Warn().
			Int("inflight", remaining).
			Msg("Drain budget expired with jobs still running")
	}
	return remaining
}

// Stop drains, then cancels the worker loops and waits for them to
// exit, capped per worker so a wedged handler cannot hang shutdown.
func (p *Pool) Stop() error {
	if !p.started.Load() {
		return nil
	}
	p.Drain()
	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info().Msg("Worker pool stopped")
		return nil
	case <-time.After(p.workerWait * time.Duration(p.workers)):
		return errors.New("worker pool shutdown timed out")
	}
}

func (p *Pool) worker(workerID int) {
	// Stagger starts so the loops do not hammer the queue in lockstep.
	stagger := (p.pollInterval / time.Duration(p.workers)) * time.Duration(workerID)
	select {
	case <-p.ctx.Done():
		return
	case <-time.After(stagger):
	}

	p.logger.Debug().
		Int("worker_id", workerID).
		Msg("Worker started")

	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			p.logger.Debug().
				Int("worker_id", workerID).
				Msg("Worker stopped")
			return

		case <-ticker.C:
			if p.paused.Load() || p.draining.Load() {
				continue
			}
			p.updateHysteresis()

			if err := p.processOne(workerID); err != nil && !errors.Is(err, models.ErrNoMessage) {
				p.logger.Warn().
					Err(err).
					Int("worker_id", workerID).
					Msg("Error processing message")
			}
		}
	}
}

// updateHysteresis flips the capture lane off at the pause depth and
// back on at the resume depth.
func (p *Pool) updateHysteresis() {
	depth := p.queueMgr.Depth(models.LaneProcessing)

	if depth >= p.autoPauseDepth {
		if p.capturePaused.CompareAndSwap(false, true) {
			p.logger.Warn().
				Int("depth", depth).
				Int("threshold", p.autoPauseDepth).
				Msg("Processing backlog high, capture lane auto-paused")
			p.bus.Publish(p.ctx, events.Event{Type: events.TypeQueuePaused, Payload: "backlog"})
		}
		return
	}
	if depth <= p.autoResumeDepth {
		if p.capturePaused.CompareAndSwap(true, false) {
			p.logger.Info().
				Int("depth", depth).
				Int("threshold", p.autoResumeDepth).
				Msg("Processing backlog recovered, capture lane resumed")
			p.bus.Publish(p.ctx, events.Event{Type: events.TypeQueueResumed, Payload: "backlog"})
		}
	}
}

// CaptureLanePaused reports whether backlog hysteresis has the capture
// lane suspended.
func (p *Pool) CaptureLanePaused() bool {
	return p.capturePaused.Load()
}

// processOne claims and executes at most one job, preferring the
// capture lane unless hysteresis has it suspended.
func (p *Pool) processOne(workerID int) error {
	lanes := []models.Lane{models.LaneCapture, models.LaneProcessing}
	if p.capturePaused.Load() {
		lanes = lanes[1:]
	}

	for _, lane := range lanes {
		if p.queueMgr.Depth(lane) == 0 {
			continue
		}
		if !p.limiter.Allow() {
			return nil // over the global rate ceiling, try next tick
		}

		delivery, err := p.queueMgr.Receive(p.ctx, lane)
		if err != nil {
			if errors.Is(err, models.ErrNoMessage) {
				continue
			}
			return err
		}
		return p.execute(workerID, lane, delivery)
	}
	return models.ErrNoMessage
}

func (p *Pool) execute(workerID int, lane models.Lane, delivery *queue.Delivery) error {
	msg := delivery.Msg

	handler, exists := p.handlers[msg.Type]
	if !exists {
		p.logger.Error().
			Str("type", msg.Type).
			Str("scan_id", msg.ScanID).
			Msg("No handler registered for job type")
		return delivery.Fail("no handler for job type " + msg.Type)
	}

	p.inflight.Add(1)
	defer p.inflight.Add(-1)

	p.logger.Debug().
		Str("scan_id", msg.ScanID).
		Str("type", msg.Type).
		Str("lane", string(lane)).
		Int("attempt", delivery.Attempts).
		Int("worker_id", workerID).
		Msg("Processing job")

	start := time.Now()
	handlerErr := handler(p.ctx, msg)
	duration := time.Since(start)

	result := JobResult{
		ScanID:   msg.ScanID,
		Type:     msg.Type,
		Lane:     lane,
		Attempts: delivery.Attempts,
		Duration: duration,
	}

	if handlerErr == nil {
		if err := delivery.Done(); err != nil {
			return fmt.Errorf("failed to ack job %s: %w", msg.ScanID, err)
		}
		p.logger.Info().
			Str("scan_id", msg.ScanID).
			Str("type", msg.Type).
			Dur("duration", duration).
			Int("worker_id", workerID).
			Msg("Job completed")
		p.bus.Publish(p.ctx, events.Event{Type: events.TypeJobCompleted, Payload: result})
		return nil
	}

	result.Error = handlerErr.Error()

	if models.IsRetriable(handlerErr) && delivery.Attempts < p.queueMgr.MaxAttempts() {
		delay := p.retry.Delay(delivery.Attempts - 1)
		p.logger.Warn().
			Err(handlerErr).
			Str("scan_id", msg.ScanID).
			Int("attempt", delivery.Attempts).
			Dur("retry_in", delay).
			Int("worker_id", workerID).
			Msg("Job failed, requeued with backoff")
		return delivery.Retry(delay, handlerErr.Error())
	}

	p.logger.Error().
		Err(handlerErr).
		Str("scan_id", msg.ScanID).
		Str("type", msg.Type).
		Int("attempt", delivery.Attempts).
		Int("worker_id", workerID).
		Msg("Job failed terminally")
	if err := delivery.Fail(handlerErr.Error()); err != nil {
		return err
	}
	p.bus.Publish(p.ctx, events.Event{Type: events.TypeJobFailed, Payload: result})
	return nil
}
