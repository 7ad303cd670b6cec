// Package metrics exposes the service's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups the collectors the monitor and server report into.
type Metrics struct {
	CyclesTotal       *prometheus.CounterVec
	DecisionsTotal    *prometheus.CounterVec
	CycleErrorsTotal  *prometheus.CounterVec
	ExecutionsTotal   *prometheus.CounterVec
	MarketRiskScore   prometheus.Gauge
	MarketSnapshotAge prometheus.Gauge
	ActiveWorkers     prometheus.Gauge
	CycleDuration     prometheus.Histogram
}

// New registers the collectors with reg and returns them.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		CyclesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "driftwatch",
			Name:      "cycles_total",
			Help:      "Monitoring cycles evaluated, by wallet.",
		}, []string{"wallet"}),
		DecisionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "driftwatch",
			Name:      "decisions_total",
			Help:      "Decision outcomes, by action type.",
		}, []string{"action"}),
		CycleErrorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "driftwatch",
			Name:      "cycle_errors_total",
			Help:      "Cycles that failed before a decision, by stage.",
		}, []string{"stage"}),
		ExecutionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "driftwatch",
			Name:      "executions_total",
			Help:      "Rebalance submissions, by result.",
		}, []string{"result"}),
		MarketRiskScore: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "driftwatch",
			Name:      "market_risk_score",
			Help:      "Effective market risk score consumed by decisions.",
		}),
		MarketSnapshotAge: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "driftwatch",
			Name:      "market_snapshot_age_seconds",
			Help:      "Age of the current market snapshot.",
		}),
		ActiveWorkers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "driftwatch",
			Name:      "active_workers",
			Help:      "Wallet workers currently running.",
		}),
		CycleDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "driftwatch",
			Name:      "cycle_duration_seconds",
			Help:      "Wall time of one monitoring cycle.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}

// NewDefault registers against the default Prometheus registry.
func NewDefault() *Metrics {
	return New(prometheus.DefaultRegisterer)
}
