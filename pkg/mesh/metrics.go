package mesh

import "github.com/prometheus/client_golang/prometheus"

// Metrics are the node's exported counters and gauges. A Node always
// carries one; registering it with a prometheus.Registerer is the
// caller's choice, not the node's.
type Metrics struct {
	connections     prometheus.Gauge
	primaryChanges  prometheus.Counter
	routedMessages  prometheus.Counter
	controlMessages *prometheus.CounterVec
}

// NewMetrics constructs an unregistered Metrics set.
func NewMetrics() *Metrics {
	return &Metrics{
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "truffle",
			Subsystem: "mesh",
			Name:      "connections",
			Help:      "Number of live transport connections.",
		}),
		primaryChanges: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "truffle",
			Subsystem: "mesh",
			Name:      "primary_changes_total",
			Help:      "Number of times the local device's primary/secondary role flipped.",
		}),
		routedMessages: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "truffle",
			Subsystem: "mesh",
			Name:      "routed_messages_total",
			Help:      "Number of route:message/route:broadcast envelopes relayed by a primary.",
		}),
		controlMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "truffle",
			Subsystem: "mesh",
			Name:      "control_messages_total",
			Help:      "Control-plane messages handled, by type.",
		}, []string{"type"}),
	}
}

// Collectors returns every metric for registration with a
// prometheus.Registerer, e.g. registry.MustRegister(m.Collectors()...).
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{m.connections, m.primaryChanges, m.routedMessages, m.controlMessages}
}
