package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/signalix/autoresponder/internal/model"
)

const namespace = "autoresponder"

// Message intake outcomes
const (
	OutcomeIgnored   = "ignored"
	OutcomeBusy      = "busy"
	OutcomeNoMatch   = "no_match"
	OutcomeGated     = "gated"
	OutcomeResponded = "responded"
	OutcomeError     = "error"
)

// Metrics holds the process collectors. A nil *Metrics records nothing.
type Metrics struct {
	MessagesReceived *prometheus.CounterVec
	RuleMatches      *prometheus.CounterVec
	FlowsExecuted    prometheus.Counter
	FlowSteps        *prometheus.CounterVec
	Reconnects       prometheus.Counter
	Sessions         *prometheus.GaugeVec
}

// New creates the collectors and registers them with reg
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		MessagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Inbound messages by intake outcome.",
		}, []string{"outcome"}),
		RuleMatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rule_matches_total",
			Help:      "Messages that resolved to a rule, by frequency policy.",
		}, []string{"frequency"}),
		FlowsExecuted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flows_executed_total",
			Help:      "Response flows run to completion.",
		}),
		FlowSteps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flow_steps_total",
			Help:      "Flow steps by kind and result.",
		}, []string{"kind", "result"}),
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnects_total",
			Help:      "Automatic reconnects after a transient connection close.",
		}),
		Sessions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions",
			Help:      "Live tenant sessions by status.",
		}, []string{"status"}),
	}
	reg.MustRegister(m.MessagesReceived, m.RuleMatches, m.FlowsExecuted, m.FlowSteps, m.Reconnects, m.Sessions)
	return m
}

func (m *Metrics) MessageReceived(outcome string) {
	if m == nil {
		return
	}
	m.MessagesReceived.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RuleMatched(freq model.Frequency) {
	if m == nil {
		return
	}
	m.RuleMatches.WithLabelValues(string(freq)).Inc()
}

func (m *Metrics) FlowExecuted() {
	if m == nil {
		return
	}
	m.FlowsExecuted.Inc()
}

// StepExecuted records one step; result is "ok", "error" or "skipped"
func (m *Metrics) StepExecuted(kind model.StepKind, result string) {
	if m == nil {
		return
	}
	m.FlowSteps.WithLabelValues(string(kind), result).Inc()
}

func (m *Metrics) Reconnected() {
	if m == nil {
		return
	}
	m.Reconnects.Inc()
}

// SessionTransition moves one session between status buckets. An empty from adds a session.
func (m *Metrics) SessionTransition(from, to model.SessionStatus) {
	if m == nil || from == to {
		return
	}
	if from != "" {
		m.Sessions.WithLabelValues(string(from)).Dec()
	}
	if to != "" {
		m.Sessions.WithLabelValues(string(to)).Inc()
	}
}
