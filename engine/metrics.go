package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is the Prometheus instrumentation surface shared by the engine
// and the path executor.
type Metrics struct {
	RunningJobs     prometheus.Gauge
	InflightBatches prometheus.Gauge

	StepDurationMS prometheus.Histogram
	PathDurationMS prometheus.Histogram

	RetriesTotal          prometheus.Counter
	StepsTotal            *prometheus.CounterVec
	CacheHitsTotal        prometheus.Counter
	CacheMissesTotal      prometheus.Counter
	ResourceRestartsTotal prometheus.Counter
	EventsEmittedTotal    prometheus.Counter
}

// NewMetrics registers the engine metric family on reg; pass nil to use the
// default registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	const ns = "biomapper"

	return &Metrics{
		RunningJobs: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Name: "running_jobs",
			Help: "Jobs currently in the Running state.",
		}),
		InflightBatches: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Name: "inflight_batches",
			Help: "Path-execution batches currently admitted by the limiter.",
		}),
		StepDurationMS: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: ns, Name: "step_duration_ms",
			Help:    "Wall-clock duration of step executions in milliseconds.",
			Buckets: prometheus.ExponentialBuckets(10, 3, 10),
		}),
		PathDurationMS: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: ns, Name: "path_duration_ms",
			Help:    "Wall-clock duration of path executions in milliseconds.",
			Buckets: prometheus.ExponentialBuckets(10, 3, 10),
		}),
		RetriesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Name: "retries_total",
			Help: "Step retry attempts.",
		}),
		StepsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "steps_total",
			Help: "Steps finished, by terminal status.",
		}, []string{"status"}),
		CacheHitsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Name: "cache_hits_total",
			Help: "Mapping-cache hits.",
		}),
		CacheMissesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Name: "cache_misses_total",
			Help: "Mapping-cache misses.",
		}),
		ResourceRestartsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Name: "resource_restarts_total",
			Help: "Auto-start attempts made by resource supervisors.",
		}),
		EventsEmittedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Name: "events_emitted_total",
			Help: "Events forwarded to the live event bus.",
		}),
	}
}

// NopMetrics returns metrics bound to a throwaway registry, for tests and
// callers that do not scrape.
func NopMetrics() *Metrics {
	return NewMetrics(prometheus.NewRegistry())
}
