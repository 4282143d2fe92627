// Package observability exposes Prometheus metrics for the assistant.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/becomeliminal/nim-recall/engine"
)

// Metrics groups all Prometheus instruments used by the service. It implements
// engine.Observer.
type Metrics struct {
	registry *prometheus.Registry

	Turns             *prometheus.CounterVec
	DegradedTurns     prometheus.Counter
	TurnDuration      prometheus.Histogram
	ContextTokens     prometheus.Histogram
	MemoryQuality     prometheus.Histogram
	RetrievalFailures *prometheus.CounterVec
	PersistFailures   *prometheus.CounterVec
	MemoryOperations  *prometheus.CounterVec
	WSMessages        *prometheus.CounterVec
	RateLimited       prometheus.Counter
}

// NewMetrics registers the instruments on a fresh registry, so several
// instances can coexist in tests.
func NewMetrics(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		Turns: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Turns by final stage and error kind.",
		}, []string{"stage", "error_kind"}),
		DegradedTurns: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "degraded_turns_total",
			Help:      "Turns answered without memory because retrieval failed.",
		}),
		TurnDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turn_duration_seconds",
			Help:      "End-to-end turn latency.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 4, 8, 16, 32, 60},
		}),
		ContextTokens: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "context_tokens",
			Help:      "Estimated tokens of memory context per turn.",
			Buckets:   []float64{0, 50, 100, 250, 500, 750, 1000, 2000, 4000},
		}),
		MemoryQuality: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "memory_quality_score",
			Help:      "Mean combined score of the memories placed in context.",
			Buckets:   prometheus.LinearBuckets(0, 0.1, 11),
		}),
		RetrievalFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retrieval_failures_total",
			Help:      "Memory retrieval failures by cause.",
		}, []string{"kind"}),
		PersistFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persist_failures_total",
			Help:      "Failed inserts of completed turns by cause.",
		}, []string{"kind"}),
		MemoryOperations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "memory_operations_total",
			Help:      "Direct memory API operations by operation and outcome.",
		}, []string{"operation", "outcome"}),
		WSMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
		RateLimited: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Requests rejected by the rate limiter.",
		}),
	}
}

// ObserveTurn implements engine.Observer.
func (m *Metrics) ObserveTurn(out engine.TurnOutcome) {
	m.Turns.WithLabelValues(string(out.Stage), out.ErrKind).Inc()
	m.TurnDuration.Observe(out.Duration.Seconds())
	if out.Stage != engine.StageFormatted {
		return
	}
	if out.Degraded {
		m.DegradedTurns.Inc()
	}
	m.ContextTokens.Observe(float64(out.ContextTokens))
	m.MemoryQuality.Observe(out.QualityScore)
}

// ObserveRetrievalFailure implements engine.Observer.
func (m *Metrics) ObserveRetrievalFailure(kind string) {
	m.RetrievalFailures.WithLabelValues(kind).Inc()
}

// ObservePersistFailure implements engine.Observer.
func (m *Metrics) ObservePersistFailure(kind string) {
	m.PersistFailures.WithLabelValues(kind).Inc()
}

// ObserveMemoryOperation counts a direct memory API call.
func (m *Metrics) ObserveMemoryOperation(operation string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.MemoryOperations.WithLabelValues(operation, outcome).Inc()
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

var _ engine.Observer = (*Metrics)(nil)
