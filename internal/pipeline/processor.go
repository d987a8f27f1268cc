package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/ternarybob/arbor"

	"github.com/Profusion-AI/cardmint/internal/catalog"
	"github.com/Profusion-AI/cardmint/internal/common"
	"github.com/Profusion-AI/cardmint/internal/events"
	"github.com/Profusion-AI/cardmint/internal/inference"
	"github.com/Profusion-AI/cardmint/internal/models"
	"github.com/Profusion-AI/cardmint/internal/queue"
	"github.com/Profusion-AI/cardmint/internal/resolver"
	"github.com/Profusion-AI/cardmint/internal/storage/sqlite"
	"github.com/Profusion-AI/cardmint/internal/worker"
)

// leaseTTL bounds how long a worker may own a scan before another worker
// can reclaim it. Must exceed the worst-case stage walk: inference
// timeout, the single retry, and the fallback call.
const leaseTTL = 3 * time.Minute

// Processor executes the two pipeline job types. Ingest registers a
// detected capture as a scan job; process walks a scan from CAPTURED to
// an operator-facing state. All scan mutations happen under the lease.
type Processor struct {
	logger       arbor.ILogger
	bus          *events.Bus
	scans        *sqlite.ScanStorage
	queueMgr     *queue.Manager
	catalogSvc   *catalog.Service
	resolve      *resolver.Resolver
	orchestrator *inference.Orchestrator
	preproc      *inference.Preprocessor
	images       common.ImageDirs
	processorID  string
}

// New creates the pipeline processor.
func New(
	logger arbor.ILogger,
	bus *events.Bus,
	scans *sqlite.ScanStorage,
	queueMgr *queue.Manager,
	catalogSvc *catalog.Service,
	res *resolver.Resolver,
	orch *inference.Orchestrator,
	preproc *inference.Preprocessor,
	images common.ImageDirs,
) *Processor {
	return &Processor{
		logger:       logger,
		bus:          bus,
		scans:        scans,
		queueMgr:     queueMgr,
		catalogSvc:   catalogSvc,
		resolve:      res,
		orchestrator: orch,
		preproc:      preproc,
		images:       images,
		processorID:  "proc_" + uuid.New().String(),
	}
}

// Register binds the processor to the worker pool and subscribes to
// terminal job failures so scans whose retries ran out still land in
// FAILED instead of sticking mid-pipeline.
func (p *Processor) Register(pool *worker.Pool) error {
	pool.RegisterHandler(models.JobTypeIngest, p.HandleIngest)
	pool.RegisterHandler(models.JobTypeProcess, p.HandleProcess)
	return p.bus.Subscribe(events.TypeJobFailed, p.onJobFailed)
}

// HandleIngest registers a detected capture: archive the file, create
// the scan row, and hand it to the processing lane. Fingerprints already
// persisted are dropped here, which also covers restarts that wiped the
// watcher's in-memory dedup set.
func (p *Processor) HandleIngest(ctx context.Context, msg models.QueueMessage) error {
	var payload models.IngestPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return fmt.Errorf("malformed ingest payload: %w", err)
	}

	if payload.Fingerprint != "" {
		existing, err := p.scans.FindByFingerprint(ctx, payload.Fingerprint)
		if err != nil {
			return models.WrapPipelineError(models.ErrCodeQueueBackpressure, true, err)
		}
		if existing != nil {
			p.logger.Info().
				Str("file", payload.Filename).
				Str("existing_scan", existing.ID).
				Msg("Capture already registered, skipping")
			return nil
		}
	}

	start := time.Now()
	rawRef, masterRef, err := p.archiveCapture(payload.Path, payload.Filename)
	if err != nil {
		// Disk trouble before the scan row exists is worth retrying.
		return models.WrapPipelineError(models.ErrCodeQueueBackpressure, true, err)
	}

	job := models.NewScanJob(rawRef, payload.Filename, payload.Sequence, payload.Fingerprint)
	job.MasterImageRef = masterRef
	job.Timings.CaptureMs = time.Since(payload.ArrivedAt).Milliseconds()
	if err := p.scans.Create(ctx, job); err != nil {
		return models.WrapPipelineError(models.ErrCodeQueueBackpressure, true, err)
	}

	process := models.QueueMessage{ScanID: job.ID, Type: models.JobTypeProcess}
	if err := p.queueMgr.Enqueue(ctx, models.LaneProcessing, process); err != nil {
		return models.WrapPipelineError(models.ErrCodeQueueBackpressure, true, err)
	}

	p.logger.Info().
		Str("scan_id", job.ID).
		Str("file", payload.Filename).
		Dur("ingest", time.Since(start)).
		Msg("Capture registered")
	return nil
}

// HandleProcess walks one scan through preprocess, inference, and
// resolution under the scan lease. Retriable errors propagate so the
// pool requeues with backoff; terminal errors move the scan to FAILED
// before returning.
func (p *Processor) HandleProcess(ctx context.Context, msg models.QueueMessage) error {
	job, err := p.scans.Get(ctx, msg.ScanID)
	if err != nil {
		return fmt.Errorf("scan %s not found: %w", msg.ScanID, err)
	}
	if job.Status.IsTerminal() {
		p.logger.Warn().
			Str("scan_id", job.ID).
			Str("status", string(job.Status)).
			Msg("Scan already terminal, dropping job")
		return nil
	}

	lease, err := p.scans.AcquireLease(ctx, job.ID, p.processorID, leaseTTL)
	if err != nil {
		// Another worker owns it; redelivery retries after their
		// lease expires.
		return err
	}
	job.Lease = lease
	defer p.releaseLease(job)

	if err := p.runStages(ctx, job); err != nil {
		return p.routeFailure(ctx, job, err)
	}
	return nil
}

func (p *Processor) runStages(ctx context.Context, job *models.ScanJob) error {
	// A redelivery or rescan re-enters with stale results; clear them.
	job.Candidates = nil
	job.Extracted = nil
	job.ErrorCode = ""
	job.ErrorMessage = ""

	switch job.Status {
	case models.StatusCaptured, models.StatusBackImage:
		if err := p.scans.Transition(ctx, job, models.StatusPreprocessing); err != nil {
			return err
		}
	case models.StatusPreprocessing, models.StatusInferencing:
		// Redelivery after a transient failure or crash; resume in place.
	case models.StatusOperatorPending, models.StatusUnmatched:
		// Operator-requested rescan re-enters at inference.
		if err := p.scans.Transition(ctx, job, models.StatusInferencing); err != nil {
			return err
		}
	default:
		return models.NewPipelineError(models.ErrCodeInvalidTransition,
			fmt.Sprintf("scan %s not processable from %s", job.ID, job.Status))
	}

	processed, err := p.ensureProcessed(job)
	if err != nil {
		return err
	}
	if job.Status == models.StatusPreprocessing {
		if err := p.scans.Transition(ctx, job, models.StatusInferencing); err != nil {
			return err
		}
	}

	inferStart := time.Now()
	extraction, path, err := p.orchestrator.Run(ctx, processed, job.Timings)
	if err != nil {
		return err
	}
	job.Timings.InferMs = time.Since(inferStart).Milliseconds()
	job.Extracted = &extraction.Fields
	job.InferencePath = path

	symbolCrop, cropErr := p.preproc.SymbolRegion(processed)
	if cropErr != nil {
		// No crop just means no symbol signal for the resolver.
		p.logger.Debug().Err(cropErr).Str("scan_id", job.ID).Msg("Set-symbol crop unavailable")
	}

	result := p.resolve.Resolve(p.catalogSvc.Snapshot(), job.Extracted, symbolCrop)
	job.Candidates = result.Candidates
	if result.PathC != nil {
		job.Timings.PathC = result.PathC
	}

	if result.NoReasonable {
		// UNMATCHED surfaces to the operator for a manual override
		// or rescan; it is not a failure.
		return p.scans.Transition(ctx, job, models.StatusUnmatched)
	}

	if err := p.scans.Transition(ctx, job, models.StatusCandidatesReady); err != nil {
		return err
	}
	if err := p.scans.Transition(ctx, job, models.StatusOperatorPending); err != nil {
		return err
	}

	p.logger.Info().
		Str("scan_id", job.ID).
		Int("candidates", len(job.Candidates)).
		Bool("auto_confirm", len(job.Candidates) > 0 && job.Candidates[0].AutoConfirm).
		Str("path", string(path)).
		Int64("infer_ms", job.Timings.InferMs).
		Msg("Scan ready for operator")
	return nil
}

// ensureProcessed returns the preprocessed JPEG, running the shrink pass
// if this scan has no processed image yet. Redeliveries reuse the cached
// artifact instead of re-encoding.
func (p *Processor) ensureProcessed(job *models.ScanJob) ([]byte, error) {
	if job.ProcessedImageRef != "" {
		data, err := os.ReadFile(job.ProcessedImageRef)
		if err == nil {
			return data, nil
		}
		p.logger.Warn().
			Str("scan_id", job.ID).
			Str("ref", job.ProcessedImageRef).
			Msg("Processed image missing, re-running preprocess")
	}

	raw, err := os.ReadFile(job.RawImageRef)
	if err != nil {
		return nil, fmt.Errorf("raw image unreadable: %w", err)
	}

	start := time.Now()
	processed, err := p.preproc.Process(raw)
	if err != nil {
		return nil, err
	}
	job.Timings.PreprocessMs = time.Since(start).Milliseconds()

	if err := os.MkdirAll(p.images.Processed, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create processed dir: %w", err)
	}
	ref := filepath.Join(p.images.Processed, job.ID+".jpg")
	if err := os.WriteFile(ref, processed, 0o644); err != nil {
		return nil, fmt.Errorf("failed to write processed image: %w", err)
	}
	job.ProcessedImageRef = ref
	return processed, nil
}

// archiveCapture copies the drop-directory file into the raw working dir
// and the master archive. The drop copy is left in place for the
// operator to clear; deleting it would race the tether.
func (p *Processor) archiveCapture(srcPath, filename string) (rawRef, masterRef string, err error) {
	rawRef = filepath.Join(p.images.Raw, filename)
	if err := copyFile(srcPath, rawRef); err != nil {
		return "", "", err
	}
	masterRef = filepath.Join(p.images.Master, filename)
	if err := copyFile(srcPath, masterRef); err != nil {
		return "", "", err
	}
	return rawRef, masterRef, nil
}

// routeFailure persists the outcome of a failed stage walk. Retriable
// errors bump the retry count and propagate so the pool requeues the
// job; anything else is terminal and moves the scan to FAILED.
func (p *Processor) routeFailure(ctx context.Context, job *models.ScanJob, stageErr error) error {
	job.ErrorCode = models.ErrorCode(stageErr)
	job.ErrorMessage = stageErr.Error()

	if models.IsRetriable(stageErr) {
		job.RetryCount++
		if err := p.scans.Update(ctx, job); err != nil {
			p.logger.Warn().Err(err).Str("scan_id", job.ID).Msg("Failed to persist retry state")
		}
		return stageErr
	}

	p.failScan(ctx, job)
	return stageErr
}

// onJobFailed marks scans FAILED when the queue gave up on their job:
// retriable errors that exhausted max attempts never reach routeFailure's
// terminal branch, so the pool's failure event closes that gap.
func (p *Processor) onJobFailed(ctx context.Context, e events.Event) error {
	result, ok := e.Payload.(worker.JobResult)
	if !ok || result.ScanID == "" {
		return nil
	}
	job, err := p.scans.Get(ctx, result.ScanID)
	if err != nil || job.Status.IsTerminal() {
		return nil
	}
	if job.ErrorCode == "" {
		job.ErrorCode = models.ErrCodeQueueBackpressure
	}
	if job.ErrorMessage == "" {
		job.ErrorMessage = result.Error
	}
	p.failScan(ctx, job)
	return nil
}

func (p *Processor) failScan(ctx context.Context, job *models.ScanJob) {
	if err := p.scans.Transition(ctx, job, models.StatusFailed); err != nil {
		p.logger.Error().Err(err).Str("scan_id", job.ID).Msg("Failed to mark scan FAILED")
		return
	}
	p.logger.Error().
		Str("scan_id", job.ID).
		Str("error_code", job.ErrorCode).
		Str("error", job.ErrorMessage).
		Msg("Scan failed terminally")
	p.bus.Publish(ctx, events.Event{Type: events.TypeScanTerminal, Payload: job})
}

func (p *Processor) releaseLease(job *models.ScanJob) {
	// Terminal transitions clear the lease columns themselves.
	if job.Status.IsTerminal() {
		job.Lease = nil
		return
	}
	if err := p.scans.ReleaseLease(context.Background(), job.ID, p.processorID); err != nil {
		p.logger.Warn().Err(err).Str("scan_id", job.ID).Msg("Failed to release scan lease")
	}
	job.Lease = nil
}

func copyFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
