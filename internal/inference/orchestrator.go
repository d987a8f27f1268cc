package inference

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/Profusion-AI/cardmint/internal/common"
	"github.com/Profusion-AI/cardmint/internal/events"
	"github.com/Profusion-AI/cardmint/internal/models"
)

// Retry jitter bounds for transient primary-path failures. One retry
// only: a second consecutive transient failure means the upstream is
// unhealthy and the fallback is the faster route to an answer.
const (
	retryJitterMin = 250 * time.Millisecond
	retryJitterMax = 500 * time.Millisecond
)

// Orchestrator runs the extraction policy: oversize guardrail, primary
// call with one jittered retry on transient failures, then the local
// fallback. The policy decisions live in nextAction so they can be
// tested without a network.
type Orchestrator struct {
	logger   arbor.ILogger
	bus      *events.Bus
	primary  Provider
	fallback Provider
	quota    *QuotaTracker

	timeout       time.Duration
	maxImageBytes int64
}

// NewOrchestrator wires the providers to the extraction policy.
// fallback may be nil when no local extractor is deployed.
func NewOrchestrator(logger arbor.ILogger, bus *events.Bus, primary, fallback Provider, quota *QuotaTracker, cfg *common.InferenceConfig) *Orchestrator {
	return &Orchestrator{
		logger:        logger,
		bus:           bus,
		primary:       primary,
		fallback:      fallback,
		quota:         quota,
		timeout:       common.MustDuration(cfg.Timeout),
		maxImageBytes: cfg.MaxImageBytes,
	}
}

// action is one step of the extraction policy.
type action int

const (
	actionCallPrimary action = iota
	actionRetryPrimary
	actionFallback
	actionFail
)

// nextAction decides what follows a failed attempt. attempt counts
// primary calls made so far; transient marks a timeout or 5xx.
func nextAction(attempt int, transient, fallbackAvailable bool) action {
	if transient && attempt == 1 {
		return actionRetryPrimary
	}
	if fallbackAvailable {
		return actionFallback
	}
	return actionFail
}

// Run extracts fields from a processed JPEG. The returned path records
// which provider produced the result; timings are filled in place.
func (o *Orchestrator) Run(ctx context.Context, jpeg []byte, timings *models.StageTimings) (*Extraction, models.InferencePath, error) {
	if int64(len(jpeg)) > o.maxImageBytes {
		return nil, "", models.NewPipelineError(models.ErrCodeInferOversize,
			fmt.Sprintf("image is %d bytes, limit %d", len(jpeg), o.maxImageBytes))
	}

	// A spent daily budget routes straight to the fallback rather than
	// burning calls that will be rejected.
	if o.quota != nil && o.quota.Exhausted() && o.fallback != nil {
		o.logger.Warn().Msg("Daily quota exhausted, using fallback extractor")
		return o.runFallback(ctx, jpeg, timings, nil)
	}

	attempt := 0
	for {
		attempt++
		result, err := o.callProvider(ctx, o.primary, jpeg, timings)
		if err == nil {
			o.consumeQuota(ctx)
			return result, models.PathPrimary, nil
		}

		transient := models.IsRetriable(err)
		o.logger.Warn().
			Err(err).
			Str("provider", o.primary.Name()).
			Int("attempt", attempt).
			Bool("transient", transient).
			Msg("Primary extraction attempt failed")
		if transient {
			o.consumeQuota(ctx)
		}

		switch nextAction(attempt, transient, o.fallback != nil) {
		case actionRetryPrimary:
			timings.RetriedOnce = true
			select {
			case <-ctx.Done():
				return nil, "", models.WrapPipelineError(models.ErrCodeInferTimeout, true, ctx.Err())
			case <-time.After(retryJitter()):
			}

		case actionFallback:
			return o.runFallback(ctx, jpeg, timings, err)

		default:
			return nil, "", err
		}
	}
}

func (o *Orchestrator) runFallback(ctx context.Context, jpeg []byte, timings *models.StageTimings, primaryErr error) (*Extraction, models.InferencePath, error) {
	if o.fallback == nil {
		if primaryErr != nil {
			return nil, "", primaryErr
		}
		return nil, "", models.NewPipelineError(models.ErrCodeFallbackFailed, "no fallback extractor configured")
	}

	o.bus.Publish(ctx, events.Event{Type: events.TypeFallback, Payload: o.fallback.Name()})

	result, err := o.callProvider(ctx, o.fallback, jpeg, timings)
	if err != nil {
		o.logger.Error().
			Err(err).
			Str("provider", o.fallback.Name()).
			Msg("Fallback extraction failed")
		return nil, "", models.WrapPipelineError(models.ErrCodeFallbackFailed, false, err)
	}
	return result, models.PathFallback, nil
}

func (o *Orchestrator) callProvider(ctx context.Context, provider Provider, jpeg []byte, timings *models.StageTimings) (*Extraction, error) {
	callCtx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	start := time.Now()
	result, err := provider.Extract(callCtx, jpeg)
	elapsed := time.Since(start)
	if err != nil {
		return nil, err
	}

	timings.UploadBytes = int64(len(jpeg))
	timings.UploadMs = elapsed.Milliseconds()
	timings.TokensIn = result.TokensIn
	timings.TokensOut = result.TokensOut
	timings.Model = result.Model
	return result, nil
}

// consumeQuota counts one primary call and raises the low-budget event
// the first time the warning threshold is crossed.
func (o *Orchestrator) consumeQuota(ctx context.Context) {
	if o.quota == nil {
		return
	}
	remaining, warn := o.quota.Consume()
	if warn {
		o.logger.Warn().Int("remaining", remaining).Msg("Daily extraction quota running low")
		o.bus.Publish(ctx, events.Event{Type: events.TypeQuotaLow, Payload: remaining})
	}
}

func retryJitter() time.Duration {
	spread := int(retryJitterMax - retryJitterMin)
	return retryJitterMin + time.Duration(rand.Intn(spread))
}
