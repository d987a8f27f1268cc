package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Profusion-AI/cardmint/internal/events"
	"github.com/Profusion-AI/cardmint/internal/models"
	"github.com/Profusion-AI/cardmint/internal/queue"
	"github.com/Profusion-AI/cardmint/internal/worker"
)

// Metrics exposes the pipeline's Prometheus instrumentation. Counters
// are fed from the event bus so instrumented packages stay unaware of
// the metrics surface.
type Metrics struct {
	registry *prometheus.Registry

	capturesDetected prometheus.Counter
	capturesDropped  prometheus.Counter

	jobsCompleted *prometheus.CounterVec
	jobsFailed    *prometheus.CounterVec
	jobDuration   *prometheus.HistogramVec

	scansTerminal *prometheus.CounterVec
	fallbacks     prometheus.Counter
	quotaLow      prometheus.Counter
	pauses        prometheus.Counter
}

// New creates the metrics set on a fresh registry and registers the
// queue depth gauges over the live manager.
func New(queueMgr *queue.Manager) *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	m := &Metrics{
		registry: registry,
		capturesDetected: factory.NewCounter(prometheus.CounterOpts{
			Name: "cardmint_captures_detected_total",
			Help: "Capture files detected by the watcher.",
		}),
		capturesDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "cardmint_captures_dropped_total",
			Help: "Captures dropped at queue capacity.",
		}),
		jobsCompleted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cardmint_jobs_completed_total",
			Help: "Queue jobs completed, by lane and type.",
		}, []string{"lane", "type"}),
		jobsFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cardmint_jobs_failed_total",
			Help: "Queue jobs failed terminally, by lane and type.",
		}, []string{"lane", "type"}),
		jobDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cardmint_job_duration_seconds",
			Help:    "Job execution time, by type.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		}, []string{"type"}),
		scansTerminal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cardmint_scans_terminal_total",
			Help: "Scans reaching a terminal status.",
		}, []string{"status"}),
		fallbacks: factory.NewCounter(prometheus.CounterOpts{
			Name: "cardmint_inference_fallbacks_total",
			Help: "Inference calls served by the local fallback.",
		}),
		quotaLow: factory.NewCounter(prometheus.CounterOpts{
			Name: "cardmint_inference_quota_warnings_total",
			Help: "Daily quota warning crossings.",
		}),
		pauses: factory.NewCounter(prometheus.CounterOpts{
			Name: "cardmint_queue_pauses_total",
			Help: "Capture intake pauses (operator or backlog).",
		}),
	}

	for _, lane := range []models.Lane{models.LaneCapture, models.LaneProcessing} {
		lane := lane
		factory.NewGaugeFunc(prometheus.GaugeOpts{
			Name:        "cardmint_queue_depth",
			Help:        "Messages waiting in a queue lane.",
			ConstLabels: prometheus.Labels{"lane": string(lane)},
		}, func() float64 { return float64(queueMgr.Depth(lane)) })
	}

	return m
}

// Subscribe attaches the counters to the pipeline event bus.
func (m *Metrics) Subscribe(bus *events.Bus) error {
	subs := map[events.Type]func(context.Context, events.Event) error{
		events.TypeCapture:      m.onCapture,
		events.TypeBackpressure: m.onBackpressure,
		events.TypeJobCompleted: m.onJobCompleted,
		events.TypeJobFailed:    m.onJobFailed,
		events.TypeScanTerminal: m.onScanTerminal,
		events.TypeFallback:     m.onFallback,
		events.TypeQuotaLow:     m.onQuotaLow,
		events.TypeQueuePaused:  m.onQueuePaused,
	}
	for eventType, handler := range subs {
		if err := bus.Subscribe(eventType, handler); err != nil {
			return err
		}
	}
	return nil
}

// Handler returns the scrape endpoint handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) onCapture(context.Context, events.Event) error {
	m.capturesDetected.Inc()
	return nil
}

func (m *Metrics) onBackpressure(context.Context, events.Event) error {
	m.capturesDropped.Inc()
	return nil
}

func (m *Metrics) onJobCompleted(_ context.Context, e events.Event) error {
	if result, ok := e.Payload.(worker.JobResult); ok {
		m.jobsCompleted.WithLabelValues(string(result.Lane), result.Type).Inc()
		m.jobDuration.WithLabelValues(result.Type).Observe(result.Duration.Seconds())
	}
	return nil
}

func (m *Metrics) onJobFailed(_ context.Context, e events.Event) error {
	if result, ok := e.Payload.(worker.JobResult); ok {
		m.jobsFailed.WithLabelValues(string(result.Lane), result.Type).Inc()
	}
	return nil
}

func (m *Metrics) onScanTerminal(_ context.Context, e events.Event) error {
	if job, ok := e.Payload.(*models.ScanJob); ok {
		m.scansTerminal.WithLabelValues(string(job.Status)).Inc()
	}
	return nil
}

func (m *Metrics) onFallback(context.Context, events.Event) error {
	m.fallbacks.Inc()
	return nil
}

func (m *Metrics) onQuotaLow(context.Context, events.Event) error {
	m.quotaLow.Inc()
	return nil
}

func (m *Metrics) onQueuePaused(context.Context, events.Event) error {
	m.pauses.Inc()
	return nil
}
