// Package metrics provides Prometheus metrics for the monitor.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "order_ladder"

// Metrics holds every collector the scheduler and engine report to.
type Metrics struct {
	registry prometheus.Gatherer

	// Run metrics
	RunsTotal     *prometheus.CounterVec
	RunDuration   *prometheus.HistogramVec
	SkippedTicks  *prometheus.CounterVec
	MissedRuns    *prometheus.CounterVec
	LastSuccess   *prometheus.GaugeVec
	ProfileStatus *prometheus.GaugeVec

	// Reconciliation metrics
	Transitions  *prometheus.CounterVec
	Replacements *prometheus.CounterVec
	Failures     *prometheus.CounterVec
	MissingSlots *prometheus.GaugeVec
}

// New registers all metrics on reg. A nil reg uses a fresh registry.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		RunsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "runs_total",
			Help:      "Total number of reconciliation runs by outcome",
		}, []string{"profile", "outcome"}),
		RunDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "run_duration_seconds",
			Help:      "Wall time of reconciliation runs",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"profile"}),
		SkippedTicks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "skipped_ticks_total",
			Help:      "Ticks dropped because the previous run was still active",
		}, []string{"profile"}),
		MissedRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "missed_runs_total",
			Help:      "Runs started later than interval plus grace after the last success",
		}, []string{"profile"}),
		LastSuccess: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time of the last successful run",
		}, []string{"profile"}),
		ProfileStatus: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "profile_state",
			Help:      "1 for the current state of each profile, 0 otherwise",
		}, []string{"profile", "state"}),

		Transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "transitions_total",
			Help:      "Order status transitions applied",
		}, []string{"profile"}),
		Replacements: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "replacements_total",
			Help:      "Replacement orders placed for TP-met slots",
		}, []string{"profile"}),
		Failures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "failures_total",
			Help:      "Per-token failures by kind",
		}, []string{"profile", "kind"}),
		MissingSlots: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "missing_slots",
			Help:      "Ladder slots without an open order after the last run",
		}, []string{"profile"}),
	}
}

// ObserveRun records the outcome of one run.
func (m *Metrics) ObserveRun(profile, outcome string, d time.Duration) {
	m.RunsTotal.WithLabelValues(profile, outcome).Inc()
	m.RunDuration.WithLabelValues(profile).Observe(d.Seconds())
}

// SetState marks state as the only active state of profile.
func (m *Metrics) SetState(profile, state string, states []string) {
	for _, s := range states {
		v := 0.0
		if s == state {
			v = 1
		}
		m.ProfileStatus.WithLabelValues(profile, s).Set(v)
	}
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
