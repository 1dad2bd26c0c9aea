// Package metrics exposes Prometheus instrumentation for the governance
// pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the decision core.
type Metrics struct {
	// Decision metrics
	DecisionTotal    *prometheus.CounterVec
	DecisionDuration *prometheus.HistogramVec

	// Trust metrics
	TrustScore      *prometheus.GaugeVec
	TrustRecomputes *prometheus.CounterVec

	// Escalation metrics
	EscalationTotal    *prometheus.CounterVec
	EscalationOpen     *prometheus.GaugeVec
	EscalationExpired  prometheus.Counter
	EscalationResolved *prometheus.CounterVec

	// Proof chain metrics
	ChainAppends   prometheus.Counter
	ChainConflicts prometheus.Counter
	ChainLength    prometheus.Gauge
}

// NewMetrics creates all metrics and registers them with the default
// registry.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith registers the metrics with reg. Tests pass their own
// registry to avoid duplicate-registration panics.
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		DecisionTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "governance_decisions_total",
				Help: "Total authorization decisions by outcome and rule",
			},
			[]string{"outcome", "rule_id"},
		),

		DecisionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "governance_decision_duration_seconds",
				Help:    "Latency of the full intent-to-decision pipeline",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"outcome"},
		),

		TrustScore: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "governance_agent_trust_score",
				Help: "Current trust score per agent",
			},
			[]string{"agent_id", "tier"},
		),

		TrustRecomputes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "governance_trust_recomputes_total",
				Help: "Trust score recomputations by trigger",
			},
			[]string{"trigger"}, // stale, event, manual
		),

		EscalationTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "governance_escalations_total",
				Help: "Escalations created by priority",
			},
			[]string{"priority"},
		),

		EscalationOpen: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "governance_escalations_open",
				Help: "Open escalations awaiting review by priority",
			},
			[]string{"priority"},
		),

		EscalationExpired: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "governance_escalations_expired_total",
				Help: "Escalations that lapsed without a verdict",
			},
		),

		EscalationResolved: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "governance_escalations_resolved_total",
				Help: "Resolved escalations by verdict",
			},
			[]string{"resolution"},
		),

		ChainAppends: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "governance_chain_appends_total",
				Help: "Proof chain entries appended",
			},
		),

		ChainConflicts: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "governance_chain_conflicts_total",
				Help: "Proof chain append conflicts retried",
			},
		),

		ChainLength: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "governance_chain_length",
				Help: "Current proof chain length",
			},
		),
	}
}

// AppendRecorded satisfies the proof chain's observer contract.
func (m *Metrics) AppendRecorded(length uint64) {
	m.ChainAppends.Inc()
	m.ChainLength.Set(float64(length))
}

// ConflictRetried satisfies the proof chain's observer contract.
func (m *Metrics) ConflictRetried() {
	m.ChainConflicts.Inc()
}

// EscalationOpened satisfies the escalation observer contract.
func (m *Metrics) EscalationOpened(priority string) {
	m.EscalationTotal.WithLabelValues(priority).Inc()
	m.EscalationOpen.WithLabelValues(priority).Inc()
}

// EscalationDecided records a reviewer verdict closing an escalation.
func (m *Metrics) EscalationDecided(priority, resolution string) {
	m.EscalationOpen.WithLabelValues(priority).Dec()
	m.EscalationResolved.WithLabelValues(resolution).Inc()
}

// EscalationLapsed records an escalation expiring without a verdict.
func (m *Metrics) EscalationLapsed(priority string) {
	m.EscalationOpen.WithLabelValues(priority).Dec()
	m.EscalationExpired.Inc()
}
