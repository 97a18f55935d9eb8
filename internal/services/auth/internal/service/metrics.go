package service

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the service counters. A nil *Metrics records nothing.
type Metrics struct {
	logins          *prometheus.CounterVec
	reconciliations *prometheus.CounterVec
	consumptions    *prometheus.CounterVec
	creditsSpent    prometheus.Counter
}

// NewMetrics creates the service counters and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		logins: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "gatekeeper",
				Subsystem: "auth",
				Name:      "logins_total",
				Help:      "Login attempts by outcome",
			},
			[]string{"outcome"},
		),
		reconciliations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "gatekeeper",
				Subsystem: "auth",
				Name:      "reconciliations_total",
				Help:      "Identity reconciliations by action taken on the local user",
			},
			[]string{"action"},
		),
		consumptions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "gatekeeper",
				Subsystem: "credits",
				Name:      "consumptions_total",
				Help:      "Credit consumption attempts by outcome",
			},
			[]string{"outcome"},
		),
		creditsSpent: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "gatekeeper",
				Subsystem: "credits",
				Name:      "spent_total",
				Help:      "Credits successfully consumed",
			},
		),
	}

	if reg != nil {
		reg.MustRegister(m.logins, m.reconciliations, m.consumptions, m.creditsSpent)
	}

	return m
}

func (m *Metrics) login(outcome string) {
	if m == nil {
		return
	}
	m.logins.WithLabelValues(outcome).Inc()
}

func (m *Metrics) reconciled(action string) {
	if m == nil {
		return
	}
	m.reconciliations.WithLabelValues(action).Inc()
}

func (m *Metrics) consumed(outcome string, amount int64) {
	if m == nil {
		return
	}
	m.consumptions.WithLabelValues(outcome).Inc()
	if outcome == outcomeOK {
		m.creditsSpent.Add(float64(amount))
	}
}

const (
	outcomeOK           = "ok"
	outcomeInsufficient = "insufficient"
	outcomeError        = "error"
	outcomeRejected     = "rejected"
	outcomeInvalid      = "invalid"
	outcomeInactive     = "inactive"

	actionCreated   = "created"
	actionUpdated   = "updated"
	actionUnchanged = "unchanged"
	actionLinked    = "linked"
	actionConflict  = "conflict"
	actionError     = "error"
)
