package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"sparkwise/internal/domain"
)

const namespace = "sparkwise"

// Metrics holds the Prometheus collectors for the consultation pipeline.
// It satisfies usecase.Recorder.
type Metrics struct {
	registry *prometheus.Registry

	AgentCalls           *prometheus.CounterVec
	AgentCallLatency     *prometheus.HistogramVec
	AgentRetries         *prometheus.CounterVec
	CacheLookups         *prometheus.CounterVec
	SharedLookupsSkipped prometheus.Counter
	Challenges           *prometheus.CounterVec
	Consultations        *prometheus.CounterVec
	ConsultationLatency  prometheus.Histogram
	ActiveStreams        *prometheus.GaugeVec
	HTTPRequests         *prometheus.CounterVec
	HTTPLatency          *prometheus.HistogramVec
}

// New registers all collectors on a private registry, plus the Go runtime
// and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		AgentCalls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_calls_total",
			Help:      "Expert agent invocations by agent and outcome.",
		}, []string{"agent", "outcome"}),

		AgentCallLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "agent_call_duration_seconds",
			Help:      "Expert agent call latency including retries.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"agent"}),

		AgentRetries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_retries_total",
			Help:      "Retried expert agent calls.",
		}, []string{"agent"}),

		CacheLookups: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Cache lookups by layer and result.",
		}, []string{"layer", "result"}),

		SharedLookupsSkipped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "shared_lookups_avoided_total",
			Help:      "Regulation lookups skipped because citations were already in the shared facts pool.",
		}),

		Challenges: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "challenges_total",
			Help:      "Cross-agent challenges by severity and resolution action.",
		}, []string{"severity", "action"}),

		Consultations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "consultations_total",
			Help:      "Consultations by outcome.",
		}, []string{"outcome"}),

		ConsultationLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "consultation_duration_seconds",
			Help:      "End-to-end consultation latency.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}),

		ActiveStreams: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_streams",
			Help:      "Open streaming consultations by transport.",
		}, []string{"transport"}),

		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Gateway requests by route and status code.",
		}, []string{"route", "code"}),

		HTTPLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Gateway request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
	}
}

// Handler serves the private registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) AgentCall(agent domain.AgentID, outcome string, d time.Duration) {
	m.AgentCalls.WithLabelValues(string(agent), outcome).Inc()
	if d > 0 {
		m.AgentCallLatency.WithLabelValues(string(agent)).Observe(d.Seconds())
	}
}

func (m *Metrics) AgentRetry(agent domain.AgentID) {
	m.AgentRetries.WithLabelValues(string(agent)).Inc()
}

func (m *Metrics) CacheLookup(layer string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.CacheLookups.WithLabelValues(layer, result).Inc()
}

func (m *Metrics) SharedLookupsAvoided(n int) {
	if n > 0 {
		m.SharedLookupsSkipped.Add(float64(n))
	}
}

func (m *Metrics) Challenge(severity domain.Severity, action domain.ResolutionAction) {
	m.Challenges.WithLabelValues(string(severity), string(action)).Inc()
}

func (m *Metrics) Consultation(outcome string, d time.Duration) {
	m.Consultations.WithLabelValues(outcome).Inc()
	m.ConsultationLatency.Observe(d.Seconds())
}

// StreamOpened and StreamClosed track open SSE and WebSocket consultations.
func (m *Metrics) StreamOpened(transport string) {
	m.ActiveStreams.WithLabelValues(transport).Inc()
}

func (m *Metrics) StreamClosed(transport string) {
	m.ActiveStreams.WithLabelValues(transport).Dec()
}

// HTTPRequest records one finished gateway request.
func (m *Metrics) HTTPRequest(route string, code int, d time.Duration) {
	m.HTTPRequests.WithLabelValues(route, strconv.Itoa(code)).Inc()
	m.HTTPLatency.WithLabelValues(route).Observe(d.Seconds())
}
