package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	requestsTotal   *prometheus.CounterVec
	latencyMs       *prometheus.HistogramVec
	rejectionsTotal *prometheus.CounterVec
	inflight        *prometheus.GaugeVec
	toolInvocations *prometheus.CounterVec
}

func New() *Metrics {
	r := prometheus.NewRegistry()
	m := &Metrics{
		registry: r,
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ai_gateway_requests_total",
			Help: "Total number of requests processed by the gateway.",
		}, []string{"route_kind", "backend", "status"}),
		latencyMs: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ai_gateway_request_latency_ms",
			Help:    "Request latency in milliseconds.",
			Buckets: []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2000, 5000, 10000, 30000, 60000},
		}, []string{"route_kind", "backend", "status"}),
		rejectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ai_gateway_rejections_total",
			Help: "Requests rejected before reaching an upstream.",
		}, []string{"route_kind", "backend", "reason"}),
		inflight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ai_gateway_inflight_requests",
			Help: "Requests currently holding an admission slot.",
		}, []string{"route_kind", "backend"}),
		toolInvocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ai_gateway_tool_invocations_total",
			Help: "Tool bus invocations by outcome.",
		}, []string{"tool", "outcome"}),
	}
	r.MustRegister(m.requestsTotal, m.latencyMs, m.rejectionsTotal, m.inflight, m.toolInvocations)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveRequest(routeKind, backend string, status int, dur time.Duration) {
	s := strconv.Itoa(status)
	m.requestsTotal.WithLabelValues(routeKind, backend, s).Inc()
	m.latencyMs.WithLabelValues(routeKind, backend, s).Observe(float64(dur.Milliseconds()))
}

// ObserveRejection counts overload and not-ready refusals; reason is the
// stable error token sent to the client.
func (m *Metrics) ObserveRejection(routeKind, backend, reason string) {
	m.rejectionsTotal.WithLabelValues(routeKind, backend, reason).Inc()
}

func (m *Metrics) IncInflight(routeKind, backend string) {
	m.inflight.WithLabelValues(routeKind, backend).Inc()
}

func (m *Metrics) DecInflight(routeKind, backend string) {
	m.inflight.WithLabelValues(routeKind, backend).Dec()
}

func (m *Metrics) ObserveTool(tool, outcome string) {
	m.toolInvocations.WithLabelValues(tool, outcome).Inc()
}
