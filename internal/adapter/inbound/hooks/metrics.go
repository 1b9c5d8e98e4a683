package hooks

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus metrics for the hook service.
type Metrics struct {
	HookEventsTotal  *prometheus.CounterVec
	DecisionsTotal   *prometheus.CounterVec
	PendingApprovals prometheus.Gauge
	ActiveSessions   prometheus.Gauge
}

// NewMetrics creates and registers all metrics with the given registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		HookEventsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "claudecube",
				Name:      "hook_events_total",
				Help:      "Total hook events received, by event type",
			},
			[]string{"event"},
		),
		DecisionsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "claudecube",
				Name:      "decisions_total",
				Help:      "Total pre-tool decisions, by outcome and decider",
			},
			[]string{"decision", "decided_by"},
		),
		PendingApprovals: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: "claudecube",
				Name:      "pending_approvals",
				Help:      "Approvals currently awaiting a human",
			},
		),
		ActiveSessions: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: "claudecube",
				Name:      "active_sessions",
				Help:      "Sessions currently tracked by the registry",
			},
		),
	}
}
