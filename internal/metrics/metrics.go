package metrics

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/congo-pay/metergate/internal/gateway"
)

// Metrics holds the gateway, billing and webhook collectors.
type Metrics struct {
	registry *prometheus.Registry

	upstreamCalls    *prometheus.CounterVec
	upstreamLatency  *prometheus.HistogramVec
	breakerState     *prometheus.GaugeVec
	charges          *prometheus.CounterVec
	webhookEvents    *prometheus.CounterVec
	reconciledTopups *prometheus.CounterVec
}

// New registers the collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		upstreamCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "metergate_upstream_calls_total",
			Help: "Partner calls by outcome.",
		}, []string{"partner", "outcome"}),
		upstreamLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "metergate_upstream_call_duration_seconds",
			Help:    "Partner call latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"partner"}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "metergate_circuit_breaker_state",
			Help: "Breaker state per partner: 0 closed, 1 open, 2 half open.",
		}, []string{"partner"}),
		charges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "metergate_billing_charges_total",
			Help: "Post-response charge attempts by result.",
		}, []string{"service", "result"}),
		webhookEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "metergate_webhook_events_total",
			Help: "Payment webhook deliveries by event and result.",
		}, []string{"event", "result"}),
		reconciledTopups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "metergate_topup_verifications_total",
			Help: "Top-up verifications by source and outcome.",
		}, []string{"source", "outcome"}),
	}
	m.registry.MustRegister(
		m.upstreamCalls, m.upstreamLatency, m.breakerState,
		m.charges, m.webhookEvents, m.reconciledTopups,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// ObserveCall implements gateway.Observer.
func (m *Metrics) ObserveCall(partner, outcome string, elapsed time.Duration) {
	m.upstreamCalls.WithLabelValues(partner, outcome).Inc()
	if elapsed > 0 {
		m.upstreamLatency.WithLabelValues(partner).Observe(elapsed.Seconds())
	}
}

// ObserveBreakerState implements gateway.Observer.
func (m *Metrics) ObserveBreakerState(partner string, state gateway.State) {
	m.breakerState.WithLabelValues(partner).Set(float64(state))
}

// Charge counts a billing charge outcome.
func (m *Metrics) Charge(service, result string) {
	m.charges.WithLabelValues(service, result).Inc()
}

// Webhook counts a webhook delivery outcome.
func (m *Metrics) Webhook(event, result string) {
	m.webhookEvents.WithLabelValues(event, result).Inc()
}

// Verification counts a top-up verification outcome.
func (m *Metrics) Verification(source, outcome string) {
	m.reconciledTopups.WithLabelValues(source, outcome).Inc()
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() fiber.Handler {
	return adaptor.HTTPHandler(promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
}
