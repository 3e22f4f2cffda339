package server

import "github.com/prometheus/client_golang/prometheus"

// Metrics instruments the cluster engine itself, grounded on the teacher's
// request/duration/storage gauges in internal/node/server.go but aimed at
// coordination-core events instead of HTTP traffic: node counts by role,
// slots owned, elections started/won, PFAIL/FAIL transitions, and gossip
// messages by type and direction. The engine updates only the node-count
// and slots-owned gauges; the election, FAIL-transition and gossip-message
// collectors are registered but nothing increments them.
type Metrics struct {
	RequestTotal    *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	NodesByRole       *prometheus.GaugeVec
	SlotsOwned        prometheus.Gauge
	ElectionsStarted  prometheus.Counter
	ElectionsWon      prometheus.Counter
	FailTransitions   *prometheus.CounterVec
	GossipMessages    *prometheus.CounterVec
}

// NewMetrics constructs and registers every metric against reg. Tests
// should pass a fresh prometheus.NewRegistry() to avoid the "duplicate
// metrics collector registration attempted" panic MustRegister raises
// against the global default registry across repeated test runs.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "clustermesh_admin_requests_total",
				Help: "Total number of admin API HTTP requests.",
			},
			[]string{"method", "endpoint", "status"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name: "clustermesh_admin_request_duration_seconds",
				Help: "Admin API HTTP request duration in seconds.",
			},
			[]string{"method", "endpoint"},
		),
		NodesByRole: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "clustermesh_nodes",
				Help: "Known nodes by role (master/slave).",
			},
			[]string{"role"},
		),
		SlotsOwned: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "clustermesh_slots_owned",
				Help: "Hash slots owned by this node.",
			},
		),
		ElectionsStarted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "clustermesh_elections_started_total",
				Help: "Failover elections this node has started, automatic or manual.",
			},
		),
		ElectionsWon: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "clustermesh_elections_won_total",
				Help: "Failover elections this node has won.",
			},
		),
		FailTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "clustermesh_fail_transitions_total",
				Help: "PFAIL/FAIL state transitions observed, by transition.",
			},
			[]string{"transition"},
		),
		GossipMessages: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "clustermesh_gossip_messages_total",
				Help: "Gossip bus messages by type and direction.",
			},
			[]string{"type", "direction"},
		),
	}

	reg.MustRegister(
		m.RequestTotal, m.RequestDuration,
		m.NodesByRole, m.SlotsOwned,
		m.ElectionsStarted, m.ElectionsWon,
		m.FailTransitions, m.GossipMessages,
	)
	return m
}
