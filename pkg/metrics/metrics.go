// Package metrics registers the Prometheus instruments shared across the
// pipeline and exposes the scrape handler.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the pipeline instruments. All fields are safe for
// concurrent use.
type Metrics struct {
	registry *prometheus.Registry

	EventsReceived *prometheus.CounterVec
	EventsMapped   *prometheus.CounterVec
	EventsFailed   *prometheus.CounterVec
	EventsDLQ      *prometheus.CounterVec

	RateLimited *prometheus.CounterVec

	LLMInvocations *prometheus.CounterVec
	LLMCostToday   prometheus.Gauge
	BudgetAlerts   *prometheus.CounterVec

	GateDecisions *prometheus.CounterVec
	GateDuration  prometheus.Histogram

	MapDuration prometheus.Histogram

	WebhookDeliveries *prometheus.CounterVec
}

// New creates a Metrics set on a fresh registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		EventsReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "langhook_events_received_total",
			Help: "Webhook payloads accepted at the ingest endpoint.",
		}, []string{"source"}),
		EventsMapped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "langhook_events_mapped_total",
			Help: "Raw events successfully mapped to canonical events.",
		}, []string{"source"}),
		EventsFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "langhook_events_failed_total",
			Help: "Raw events that failed mapping.",
		}, []string{"source"}),
		EventsDLQ: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "langhook_events_dlq_total",
			Help: "Messages sent to dead-letter subjects.",
		}, []string{"stage", "source"}),
		RateLimited: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "langhook_ingest_rate_limited_total",
			Help: "Ingest requests rejected by the rate limiter.",
		}, []string{"source"}),
		LLMInvocations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "langhook_llm_invocations_total",
			Help: "LLM calls by prompt kind.",
		}, []string{"kind"}),
		LLMCostToday: factory.NewGauge(prometheus.GaugeOpts{
			Name: "langhook_llm_cost_today_usd",
			Help: "Estimated LLM spend for the current UTC day.",
		}),
		BudgetAlerts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "langhook_budget_alerts_total",
			Help: "Budget alerts fired.",
		}, []string{"alert_type"}),
		GateDecisions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "langhook_gate_decisions_total",
			Help: "Gate outcomes per subscription.",
		}, []string{"decision"}),
		GateDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "langhook_gate_duration_seconds",
			Help:    "Time spent on one gate evaluation.",
			Buckets: prometheus.DefBuckets,
		}),
		MapDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "langhook_map_duration_seconds",
			Help:    "Time spent mapping one raw event.",
			Buckets: prometheus.DefBuckets,
		}),
		WebhookDeliveries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "langhook_webhook_deliveries_total",
			Help: "Webhook delivery attempts by final status.",
		}, []string{"status"}),
	}
}

// Handler returns the /metrics scrape handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
