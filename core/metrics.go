package core

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every gauge and counter the mesh components update as
// they run. It exposes no HTTP /metrics endpoint itself: a caller
// embeds these collectors into whatever registry its own process
// already serves.
type Metrics struct {
	registry *prometheus.Registry

	PeerCount            prometheus.Gauge
	OpenConnections      prometheus.Gauge
	ConsensusActionQueue prometheus.Gauge
	EventLogSize         prometheus.Gauge
	RunningServices      prometheus.Gauge

	ProposalsSubmitted prometheus.Counter
	ProposalsCommitted prometheus.Counter
	ProposalsAborted   prometheus.Counter
	RoutingErrors      prometheus.Counter
}

// NewMetrics constructs and registers the mesh's Prometheus collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		PeerCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "splinter_peer_count",
			Help: "Number of currently referenced peers",
		}),
		OpenConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "splinter_open_connections",
			Help: "Number of open connections in the matrix",
		}),
		ConsensusActionQueue: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "splinter_consensus_action_queue",
			Help: "Number of unexecuted consensus actions across all circuits",
		}),
		EventLogSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "splinter_admin_event_log_size",
			Help: "Number of admin events persisted so far",
		}),
		RunningServices: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "splinter_running_services",
			Help: "Number of services currently instantiated by the orchestrator",
		}),
		ProposalsSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "splinter_proposals_submitted_total",
			Help: "Total number of circuit proposals submitted",
		}),
		ProposalsCommitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "splinter_proposals_committed_total",
			Help: "Total number of circuit proposals committed",
		}),
		ProposalsAborted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "splinter_proposals_aborted_total",
			Help: "Total number of circuit proposals aborted",
		}),
		RoutingErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "splinter_routing_errors_total",
			Help: "Total number of CircuitErrorMessage frames sent",
		}),
	}
	reg.MustRegister(
		m.PeerCount, m.OpenConnections, m.ConsensusActionQueue, m.EventLogSize, m.RunningServices,
		m.ProposalsSubmitted, m.ProposalsCommitted, m.ProposalsAborted, m.RoutingErrors,
	)
	return m
}

// Registry returns the underlying Prometheus registry so an embedding
// process can serve it however it likes.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }
