// Package metrics holds the Prometheus collectors for the responder.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "responder"

// Metrics holds all the Prometheus metrics for the responder.
type Metrics struct {
	registry *prometheus.Registry

	DetectionsIngested prometheus.Counter
	DetectionsRejected prometheus.Counter
	MalformedEvents    prometheus.Counter
	QueueDropped       prometheus.Counter

	Decisions           *prometheus.CounterVec
	Actions             *prometheus.CounterVec
	HardBlocksAdded     prometheus.Counter
	PersistenceFailures prometheus.Counter
	NotifyErrors        prometheus.Counter
	AuditWrites         prometheus.Counter
	AuditErrors         prometheus.Counter

	EvaluationSeconds prometheus.Histogram
	RiskScore         prometheus.Histogram
	QueueDepth        prometheus.Gauge

	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec
	RateLimited  prometheus.Counter
	AuthFailures prometheus.Counter
}

// New creates a Metrics instance on its own registry, including Go and
// process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		DetectionsIngested: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "detections_ingested_total",
			Help:      "Total number of detections accepted for storage",
		}),
		DetectionsRejected: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "detections_rejected_total",
			Help:      "Total number of detections rejected by validation",
		}),
		MalformedEvents: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "malformed_events_total",
			Help:      "Total number of stored events dropped during correlation",
		}),
		QueueDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_dropped_total",
			Help:      "Total number of detections dropped because the ingest queue was full",
		}),
		Decisions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decisions_total",
			Help:      "Decisions by verdict and policy",
		}, []string{"decision", "policy"}),
		Actions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "actions_total",
			Help:      "Enforcement actions by action and whether they executed",
		}, []string{"action", "executed"}),
		HardBlocksAdded: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hard_blocks_added_total",
			Help:      "Total number of addresses added to the hard-block set",
		}),
		PersistenceFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persistence_failures_total",
			Help:      "Total number of hard-block store failures",
		}),
		NotifyErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notify_errors_total",
			Help:      "Total number of failed enforcement notifications",
		}),
		AuditWrites: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_writes_total",
			Help:      "Total number of audit entries written",
		}),
		AuditErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_errors_total",
			Help:      "Total number of failed audit writes",
		}),
		EvaluationSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "evaluation_duration_seconds",
			Help:      "Time to evaluate one address end to end",
			Buckets:   prometheus.DefBuckets,
		}),
		RiskScore: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "risk_score",
			Help:      "Distribution of evaluated risk scores",
			Buckets:   []float64{10, 20, 30, 40, 50, 60, 70, 80, 90, 100},
		}),
		QueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Detections waiting in the ingest queue",
		}),
		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by status code and method",
		}, []string{"code", "method"}),
		HTTPDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by method",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
		RateLimited: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_rate_limited_total",
			Help:      "Total number of requests rejected by the rate limiter",
		}),
		AuthFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_auth_failures_total",
			Help:      "Total number of requests rejected for a missing or invalid API key",
		}),
	}
}

// Registry returns the registry the collectors are registered on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Instrument wraps next with request counting and latency collectors.
func (m *Metrics) Instrument(next http.Handler) http.Handler {
	return promhttp.InstrumentHandlerDuration(m.HTTPDuration,
		promhttp.InstrumentHandlerCounter(m.HTTPRequests, next))
}

// ObserveDecision records one decision.
func (m *Metrics) ObserveDecision(decision, policy string, riskScore float64) {
	m.Decisions.WithLabelValues(decision, policy).Inc()
	m.RiskScore.Observe(riskScore)
}

// ObserveAction records one enforcement result.
func (m *Metrics) ObserveAction(action string, executed bool) {
	label := "false"
	if executed {
		label = "true"
	}
	m.Actions.WithLabelValues(action, label).Inc()
}
