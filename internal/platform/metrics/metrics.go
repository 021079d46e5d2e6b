// Package metrics holds the Prometheus collectors for the medication safety
// engine. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	MARTransitions      *prometheus.CounterVec
	SafetyGateBlocks    *prometheus.CounterVec
	SafetyChecks        *prometheus.CounterVec
	AllocationShortfall prometheus.Counter
	StockCommits        *prometheus.CounterVec
	RecallsInitiated    prometheus.Counter
	RecallAffected      *prometheus.GaugeVec
	Notifications       *prometheus.CounterVec
	EventsPublished     *prometheus.CounterVec
	CircuitBreakerState *prometheus.GaugeVec

	gatherer prometheus.Gatherer
}

// New creates the collectors and registers them on reg. Pass
// prometheus.NewRegistry() in tests to avoid clashing with the default one.
func New(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		MARTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mar_transitions_total",
			Help: "Administration record transitions out of scheduled, by target status",
		}, []string{"status"}),
		SafetyGateBlocks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mar_safety_gate_blocks_total",
			Help: "Administrations rejected by the safety gate, by reason",
		}, []string{"reason"}),
		SafetyChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mar_safety_checks_total",
			Help: "Pre-administration safety checks, by outcome",
		}, []string{"outcome"}),
		AllocationShortfall: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "inventory_allocation_shortfall_units_total",
			Help: "Units requested but not allocatable from eligible batches",
		}),
		StockCommits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "inventory_stock_commits_total",
			Help: "Stock commit attempts, by result",
		}, []string{"result"}),
		RecallsInitiated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "recalls_initiated_total",
			Help: "Total batch recalls initiated",
		}),
		RecallAffected: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "recall_affected_patients",
			Help: "Patients found by the last trace of a recall, by category",
		}, []string{"category"}),
		Notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "recall_notifications_total",
			Help: "Recall notifications handed to the transport, by result",
		}, []string{"result"}),
		EventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "events_published_total",
			Help: "Domain events published, by type and result",
		}, []string{"type", "result"}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		}, []string{"name"}),
		gatherer: reg,
	}

	reg.MustRegister(
		m.MARTransitions,
		m.SafetyGateBlocks,
		m.SafetyChecks,
		m.AllocationShortfall,
		m.StockCommits,
		m.RecallsInitiated,
		m.RecallAffected,
		m.Notifications,
		m.EventsPublished,
		m.CircuitBreakerState,
	)
	return m
}

func (m *Metrics) Transition(status string) {
	if m == nil {
		return
	}
	m.MARTransitions.WithLabelValues(status).Inc()
}

func (m *Metrics) GateBlocked(reason string) {
	if m == nil {
		return
	}
	m.SafetyGateBlocks.WithLabelValues(reason).Inc()
}

func (m *Metrics) SafetyCheck(outcome string) {
	if m == nil {
		return
	}
	m.SafetyChecks.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Shortfall(units int) {
	if m == nil || units <= 0 {
		return
	}
	m.AllocationShortfall.Add(float64(units))
}

func (m *Metrics) StockCommit(result string) {
	if m == nil {
		return
	}
	m.StockCommits.WithLabelValues(result).Inc()
}

func (m *Metrics) RecallInitiated() {
	if m == nil {
		return
	}
	m.RecallsInitiated.Inc()
}

func (m *Metrics) RecallTraced(exposed, atRisk int) {
	if m == nil {
		return
	}
	m.RecallAffected.WithLabelValues("exposed").Set(float64(exposed))
	m.RecallAffected.WithLabelValues("at_risk").Set(float64(atRisk))
}

func (m *Metrics) Notification(result string) {
	if m == nil {
		return
	}
	m.Notifications.WithLabelValues(result).Inc()
}

func (m *Metrics) EventPublished(eventType, result string) {
	if m == nil {
		return
	}
	m.EventsPublished.WithLabelValues(eventType, result).Inc()
}

// BreakerState records a gobreaker state transition as 0/1/2.
func (m *Metrics) BreakerState(name string, state int) {
	if m == nil {
		return
	}
	m.CircuitBreakerState.WithLabelValues(name).Set(float64(state))
}

// Handler serves the registry m was built on.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
