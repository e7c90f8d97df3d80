package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ReconciliationMetrics tracks webhook intake, settlement attempts and admin transitions.
type ReconciliationMetrics struct {
	webhooks    *prometheus.CounterVec
	latency     *prometheus.HistogramVec
	settlements *prometheus.CounterVec
	transitions *prometheus.CounterVec
}

// NewReconciliationMetrics registers the reconciliation collectors on reg.
func NewReconciliationMetrics(reg prometheus.Registerer) *ReconciliationMetrics {
	if reg == nil {
		return &ReconciliationMetrics{}
	}
	webhooks := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rampledger_webhook_events_total",
		Help: "Provider webhook events by outcome.",
	}, []string{"provider", "outcome"})
	latency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "rampledger_webhook_duration_seconds",
		Help:    "Time spent reconciling a webhook event.",
		Buckets: prometheus.DefBuckets,
	}, []string{"provider"})
	settlements := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rampledger_settlement_attempts_total",
		Help: "Settlement attempts by result.",
	}, []string{"result"})
	transitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rampledger_transaction_transitions_total",
		Help: "Transaction state machine actions by result.",
	}, []string{"action", "result"})
	reg.MustRegister(webhooks, latency, settlements, transitions)
	return &ReconciliationMetrics{
		webhooks:    webhooks,
		latency:     latency,
		settlements: settlements,
		transitions: transitions,
	}
}

// ObserveWebhook records one processed webhook.
func (m *ReconciliationMetrics) ObserveWebhook(provider, outcome string, took time.Duration) {
	if m == nil || m.webhooks == nil {
		return
	}
	m.webhooks.WithLabelValues(normalizeLabel(provider), normalizeLabel(outcome)).Inc()
	m.latency.WithLabelValues(normalizeLabel(provider)).Observe(took.Seconds())
}

// IncSettlement counts a settlement attempt.
func (m *ReconciliationMetrics) IncSettlement(result string) {
	if m == nil || m.settlements == nil {
		return
	}
	m.settlements.WithLabelValues(normalizeLabel(result)).Inc()
}

// IncTransition counts a state machine action.
func (m *ReconciliationMetrics) IncTransition(action, result string) {
	if m == nil || m.transitions == nil {
		return
	}
	m.transitions.WithLabelValues(normalizeLabel(action), normalizeLabel(result)).Inc()
}
