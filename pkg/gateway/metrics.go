// Copyright 2026 Mandala Network
//
// Prometheus metrics for the gateway.

package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the gateway's instrument set.
type Metrics struct {
	RequestsTotal  *prometheus.CounterVec
	RepliesTotal   *prometheus.CounterVec
	DroppedTotal   *prometheus.CounterVec
	AuditAppends   prometheus.Counter
	AgentIterations prometheus.Histogram
}

// NewMetrics registers the instrument set on reg (or the default registry
// when reg is nil).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agid_requests_total",
			Help: "Inbound requests by kind.",
		}, []string{"kind"}),
		RepliesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agid_replies_total",
			Help: "Replies by outcome.",
		}, []string{"outcome"}),
		DroppedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agid_dropped_total",
			Help: "Messages dropped before reply by reason.",
		}, []string{"reason"}),
		AuditAppends: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agid_audit_appends_total",
			Help: "Audit chain entries appended.",
		}),
		AgentIterations: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "agid_agent_iterations",
			Help:    "Agent loop iterations per prompt.",
			Buckets: prometheus.LinearBuckets(1, 1, 10),
		}),
	}
	reg.MustRegister(m.RequestsTotal, m.RepliesTotal, m.DroppedTotal, m.AuditAppends, m.AgentIterations)
	return m
}
