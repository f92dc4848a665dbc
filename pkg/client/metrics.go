package client

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	outcomeAppended               = "appended"
	outcomeAlreadyApplied         = "already_applied"
	outcomeConditionalCheckFailed = "conditional_check_failed"
	outcomeFailed                 = "failed"
)

// Metrics counts writer activity. A nil *Metrics records nothing.
type Metrics struct {
	writes     *prometheus.CounterVec
	reconnects prometheus.Counter
	retries    prometheus.Counter
}

// NewMetrics creates writer metrics and registers them with reg, if non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		writes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "seglog",
			Subsystem: "writer",
			Name:      "writes_total",
			Help:      "Conditional writes by outcome.",
		}, []string{"outcome"}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "seglog",
			Subsystem: "writer",
			Name:      "reconnects_total",
			Help:      "Append setups performed on new connections.",
		}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "seglog",
			Subsystem: "writer",
			Name:      "retries_total",
			Help:      "Failed exchanges that were retried after backoff.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.writes, m.reconnects, m.retries)
	}
	return m
}

func (m *Metrics) write(outcome string) {
	if m == nil {
		return
	}
	m.writes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) reconnect() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

func (m *Metrics) retry() {
	if m == nil {
		return
	}
	m.retries.Inc()
}
