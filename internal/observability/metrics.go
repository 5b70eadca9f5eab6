package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/yungbote/graphpilot-backend/internal/platform/envutil"
)

const namespace = "graphpilot"

// Metrics owns a private registry so tests can build as many as they like.
type Metrics struct {
	registry *prometheus.Registry

	apiRequests *prometheus.CounterVec
	apiLatency  *prometheus.HistogramVec
	apiInflight prometheus.Gauge

	llmCalls       *prometheus.CounterVec
	llmTokens      *prometheus.CounterVec
	llmCost        *prometheus.CounterVec
	llmLimitBreach *prometheus.CounterVec

	retrievalLatency *prometheus.HistogramVec
	turns            *prometheus.CounterVec
}

func Enabled() bool {
	return envutil.Bool("METRICS_ENABLED", true)
}

func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		apiRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "requests_total",
			Help:      "HTTP requests by method, route and status.",
		}, []string{"method", "route", "status"}),
		apiLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"method", "route"}),
		apiInflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "inflight_requests",
			Help:      "HTTP requests currently being served.",
		}),
		llmCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "llm",
			Name:      "calls_total",
			Help:      "Recorded LLM calls by provider, model and label.",
		}, []string{"provider", "model", "label", "kind"}),
		llmTokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "llm",
			Name:      "tokens_total",
			Help:      "LLM tokens by provider, model and direction.",
		}, []string{"provider", "model", "direction"}),
		llmCost: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "llm",
			Name:      "cost_usd_total",
			Help:      "Estimated LLM spend in USD.",
		}, []string{"provider", "model"}),
		llmLimitBreach: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "llm",
			Name:      "limit_exceeded_total",
			Help:      "Usage limit crossings by limit name.",
		}, []string{"limit"}),
		retrievalLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "graphrag",
			Name:      "retrieve_duration_seconds",
			Help:      "Graph context retrieval latency.",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}, []string{"cache"}),
		turns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "assistant",
			Name:      "turns_total",
			Help:      "Assistant turns by kind and outcome.",
		}, []string{"kind", "outcome"}),
	}
	reg.MustRegister(
		m.apiRequests, m.apiLatency, m.apiInflight,
		m.llmCalls, m.llmTokens, m.llmCost, m.llmLimitBreach,
		m.retrievalLatency, m.turns,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) ApiInflightInc() {
	if m != nil {
		m.apiInflight.Inc()
	}
}

func (m *Metrics) ApiInflightDec() {
	if m != nil {
		m.apiInflight.Dec()
	}
}

func (m *Metrics) ObserveAPI(method, route, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.apiRequests.WithLabelValues(method, route, status).Inc()
	m.apiLatency.WithLabelValues(method, route).Observe(d.Seconds())
}

// ObserveRetrieval records one retrieval; cache is "hit" or "miss".
func (m *Metrics) ObserveRetrieval(cache string, d time.Duration) {
	if m == nil {
		return
	}
	m.retrievalLatency.WithLabelValues(cache).Observe(d.Seconds())
}

// ObserveTurn counts one chat or resume turn by result type or error code.
func (m *Metrics) ObserveTurn(kind, outcome string) {
	if m == nil {
		return
	}
	m.turns.WithLabelValues(kind, outcome).Inc()
}
