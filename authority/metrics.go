package authority

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts what the authority decided and published.
type Metrics struct {
	commands    *prometheus.CounterVec
	events      *prometheus.CounterVec
	subscribers prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "notesync",
			Subsystem: "authority",
			Name:      "commands_total",
			Help:      "Commands handled, by operation and outcome.",
		}, []string{"op", "outcome"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "notesync",
			Subsystem: "authority",
			Name:      "events_published_total",
			Help:      "Push events published, by type.",
		}, []string{"type"}),
		subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "notesync",
			Subsystem: "authority",
			Name:      "subscribers",
			Help:      "Live push subscribers on this instance.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.commands, m.events, m.subscribers)
	}
	return m
}

func (m *Metrics) command(op, outcome string) {
	m.commands.WithLabelValues(op, outcome).Inc()
}

func (m *Metrics) published(eventType string) {
	m.events.WithLabelValues(eventType).Inc()
}
