// Package metrics exposes the bridge's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles the collectors the coordinator and client report into.
type Metrics struct {
	PollsTotal      *prometheus.CounterVec
	PollDuration    prometheus.Histogram
	CommandsTotal   *prometheus.CounterVec
	DecodeFailures  prometheus.Counter
	SessionRenewals prometheus.Counter
}

// New creates and registers the bridge collectors.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		PollsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aldesbridge_polls_total",
			Help: "Poll cycles against the vendor cloud, by result.",
		}, []string{"result"}),
		PollDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "aldesbridge_poll_duration_seconds",
			Help:    "Wall time of one poll cycle.",
			Buckets: prometheus.DefBuckets,
		}),
		CommandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aldesbridge_commands_total",
			Help: "Commands issued to the vendor cloud, by kind and result.",
		}, []string{"kind", "result"}),
		DecodeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "aldesbridge_decode_failures_total",
			Help: "Device payloads that could not be decoded at all.",
		}),
		SessionRenewals: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "aldesbridge_session_renewals_total",
			Help: "Vendor session re-authentications.",
		}),
	}

	reg.MustRegister(m.PollsTotal, m.PollDuration, m.CommandsTotal,
		m.DecodeFailures, m.SessionRenewals)
	return m
}
