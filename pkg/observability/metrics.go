// Package observability exposes Prometheus metrics for the RPC surfaces.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the instrument set for one agent process. Construct one per
// process and share it; a fresh registry keeps tests independent.
type Metrics struct {
	registry *prometheus.Registry

	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RateLimited      prometheus.Counter
	PaymentsAccepted *prometheus.CounterVec
	PaymentsRejected prometheus.Counter
	PaymentsSigned   prometheus.Counter
	OutboundCalls    *prometheus.CounterVec
	OutreachRounds   prometheus.Counter
	TasksByStatus    *prometheus.GaugeVec
}

// New creates a metrics set on its own registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "agentmesh_rpc_requests_total",
			Help: "Inbound JSON-RPC requests by method and outcome.",
		}, []string{"method", "outcome"}),
		RequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "agentmesh_rpc_request_duration_seconds",
			Help:    "Inbound request latency by method.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method"}),
		RateLimited: factory.NewCounter(prometheus.CounterOpts{
			Name: "agentmesh_rate_limited_total",
			Help: "Requests rejected by the sliding-window rate limiter.",
		}),
		PaymentsAccepted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "agentmesh_payments_accepted_total",
			Help: "Accepted inbound payments by verification tier.",
		}, []string{"tier"}),
		PaymentsRejected: factory.NewCounter(prometheus.CounterOpts{
			Name: "agentmesh_payments_rejected_total",
			Help: "Rejected inbound payment proofs.",
		}),
		PaymentsSigned: factory.NewCounter(prometheus.CounterOpts{
			Name: "agentmesh_payments_signed_total",
			Help: "Outbound payment proofs signed.",
		}),
		OutboundCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "agentmesh_outbound_calls_total",
			Help: "Outbound agent calls by outcome.",
		}, []string{"outcome"}),
		OutreachRounds: factory.NewCounter(prometheus.CounterOpts{
			Name: "agentmesh_outreach_rounds_total",
			Help: "Completed outreach rounds.",
		}),
		TasksByStatus: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "agentmesh_tasks",
			Help: "Task counts by status, refreshed from the store.",
		}, []string{"status"}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
