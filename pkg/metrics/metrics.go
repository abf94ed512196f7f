// Package metrics exposes orchestrator counters in Prometheus format.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/zen-systems/carepath/pkg/clinical"
)

const namespace = "carepath"

// Metrics holds the collectors on a private registry. A nil *Metrics is a
// valid no-op.
type Metrics struct {
	registry *prometheus.Registry

	answers    *prometheus.CounterVec
	attempts   *prometheus.CounterVec
	latency    *prometheus.HistogramVec
	cacheHits  prometheus.Counter
	failures   prometheus.Counter
	queued     *prometheus.CounterVec
	queueDepth prometheus.Gauge
	replays    *prometheus.CounterVec
	biasFound  *prometheus.CounterVec
}

// New registers every collector on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		answers: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "answers_total",
			Help:      "Answers returned, by backend and confidence level.",
		}, []string{"backend", "confidence"}),
		attempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backend_attempts_total",
			Help:      "Backend calls, by backend, outcome and error kind.",
		}, []string{"backend", "outcome", "kind"}),
		latency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "backend_attempt_duration_seconds",
			Help:      "Latency of single backend calls.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 14),
		}, []string{"backend"}),
		cacheHits: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Answers served from the response cache.",
		}),
		failures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chain_failures_total",
			Help:      "Queries for which every backend failed.",
		}),
		queued: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queued_total",
			Help:      "Queries written to the offline queue, by priority.",
		}, []string{"priority"}),
		queueDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Entries currently waiting in the offline queue.",
		}),
		replays: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "replays_total",
			Help:      "Queued queries replayed, by result.",
		}, []string{"result"}),
		biasFound: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bias_reports_total",
			Help:      "Remote answers scanned for bias, by overall severity.",
		}, []string{"severity"}),
	}
}

// Handler serves the registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.HandlerFor(prometheus.NewRegistry(), promhttp.HandlerOpts{})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ObserveAnswer records an answer and its attempts.
func (m *Metrics) ObserveAnswer(r *clinical.AnswerResult) {
	if m == nil || r == nil {
		return
	}
	if r.Cached {
		m.cacheHits.Inc()
	}
	for _, a := range r.Attempts {
		m.attempts.WithLabelValues(a.Backend, string(a.Outcome), a.ErrorKind).Inc()
		m.latency.WithLabelValues(a.Backend).Observe(a.Latency.Seconds())
	}
	if r.Failed() {
		m.failures.Inc()
		return
	}
	m.answers.WithLabelValues(r.Backend, string(r.Confidence)).Inc()
	if r.Bias != nil {
		m.biasFound.WithLabelValues(string(r.Bias.Overall)).Inc()
	}
}

// ObserveQueued records an enqueue.
func (m *Metrics) ObserveQueued(p clinical.Priority) {
	if m == nil {
		return
	}
	m.queued.WithLabelValues(string(p)).Inc()
}

// SetQueueDepth records the current queue length.
func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

// ObserveReplay records the outcome of one replayed entry.
func (m *Metrics) ObserveReplay(succeeded bool) {
	if m == nil {
		return
	}
	result := "failed"
	if succeeded {
		result = "succeeded"
	}
	m.replays.WithLabelValues(result).Inc()
}
