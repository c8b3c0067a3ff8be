// Package metrics exposes Prometheus instruments for the pipeline, the store
// and the chain adapters.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"cyclearb/types"
)

// Namespace prefixes every metric name.
const Namespace = "cyclearb"

// Metrics holds all Prometheus metrics for the engine.
type Metrics struct {
	// Pipeline metrics
	Outcomes         *prometheus.CounterVec
	PipelineLatency  prometheus.Histogram
	DegradedSearches prometheus.Counter
	ExpectedProfit   prometheus.Histogram

	// Search metrics
	SearchExpansions prometheus.Histogram
	SearchTimeouts   prometheus.Counter

	// Ingestion metrics
	FeedEvents     *prometheus.CounterVec
	Dropped        prometheus.Counter
	RefreshQueued  prometheus.Counter
	RefreshDropped prometheus.Counter

	// Store metrics
	Venues          prometheus.Gauge
	CorruptReserves prometheus.Counter

	// Sink metrics
	SinkFailures *prometheus.CounterVec

	// Admission metrics
	InFlight prometheus.Gauge
}

// New registers every instrument on reg. A nil reg means the default
// registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Metrics{
		Outcomes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "pipeline",
			Name:      "outcomes_total",
			Help:      "Pipeline runs by outcome",
		}, []string{"outcome"}),
		PipelineLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "pipeline",
			Name:      "latency_seconds",
			Help:      "End-to-end latency of one pending transaction",
			Buckets:   []float64{.0001, .00025, .0005, .001, .002, .005, .01, .025, .05, .1},
		}),
		DegradedSearches: f.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "pipeline",
			Name:      "degraded_total",
			Help:      "Runs whose search hit the deadline and returned best-so-far",
		}),
		ExpectedProfit: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "pipeline",
			Name:      "expected_profit_wei",
			Help:      "Expected net profit of verified opportunities",
			Buckets:   prometheus.ExponentialBuckets(1e12, 10, 10),
		}),

		SearchExpansions: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "search",
			Name:      "expansions",
			Help:      "Node expansions per cycle search",
			Buckets:   prometheus.ExponentialBuckets(16, 4, 10),
		}),
		SearchTimeouts: f.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "search",
			Name:      "timeouts_total",
			Help:      "Searches that expired without any candidate",
		}),

		FeedEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "feed",
			Name:      "events_total",
			Help:      "Feed events by kind",
		}, []string{"kind"}),
		Dropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "feed",
			Name:      "dropped_total",
			Help:      "Pending transactions dropped because every worker ring was full",
		}),
		RefreshQueued: f.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "refresh",
			Name:      "queued_total",
			Help:      "Venue refresh requests accepted",
		}),
		RefreshDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "refresh",
			Name:      "dropped_total",
			Help:      "Venue refresh requests discarded on a full queue",
		}),

		Venues: f.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "store",
			Name:      "venues",
			Help:      "Registered venues",
		}),
		CorruptReserves: f.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "store",
			Name:      "corrupt_reserves_total",
			Help:      "Reserve updates rejected as inconsistent",
		}),

		SinkFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "sink",
			Name:      "failures_total",
			Help:      "Sink write failures by sink",
		}, []string{"sink"}),

		InFlight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "admission",
			Name:      "in_flight",
			Help:      "Pipelines currently holding an admission slot",
		}),
	}
}

// ObserveRecord folds one pipeline record into the counters.
func (m *Metrics) ObserveRecord(rec types.Record) {
	if m == nil {
		return
	}
	m.Outcomes.WithLabelValues(string(rec.Outcome)).Inc()
	if rec.Outcome == types.OutcomeDropped {
		m.Dropped.Inc()
		return
	}
	m.PipelineLatency.Observe(rec.Latency.Seconds())
	if rec.Degraded {
		m.DegradedSearches.Inc()
	}
	if op := rec.Opportunity; op != nil && op.ExpectedProfit != nil {
		m.ExpectedProfit.Observe(op.ExpectedProfit.Float64())
	}
}

// Handler serves the given gatherer in the Prometheus text format.
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
