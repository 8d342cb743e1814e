// Package monitoring provides Prometheus metrics for quorum nodes.
package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/VanDung-dev/quorum-engine/consensus"
)

// Metrics holds all Prometheus metrics for a node. It implements
// consensus.Observer.
type Metrics struct {
	// Message metrics
	MessagesReceived *prometheus.CounterVec
	MessagesSent     *prometheus.CounterVec
	MessagesDropped  *prometheus.CounterVec

	// Proposal metrics
	ProposalsStarted   prometheus.Counter
	ProposalsCommitted prometheus.Counter
	ProposalsTimedOut  prometheus.Counter
	AcksRecorded       *prometheus.CounterVec
	CommitLatency      prometheus.Histogram

	// State metrics
	StateTransitions *prometheus.CounterVec
	CurrentState     prometheus.Gauge
	ReachablePeers   prometheus.Gauge

	// gRPC metrics
	GRPCRequestsTotal   *prometheus.CounterVec
	GRPCRequestDuration *prometheus.HistogramVec
}

var _ consensus.Observer = (*Metrics)(nil)

// NewMetrics registers a new Metrics set on reg under namespace. Each node
// in a process needs its own registry.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		MessagesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Total consensus messages accepted from members, by type",
		}, []string{"type"}),
		MessagesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_sent_total",
			Help:      "Total consensus messages sent to peers, by type",
		}, []string{"type"}),
		MessagesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_dropped_total",
			Help:      "Total inbound messages discarded, by reason",
		}, []string{"reason"}),

		ProposalsStarted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "proposals_started_total",
			Help:      "Total proposals originated by this node",
		}),
		ProposalsCommitted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "proposals_committed_total",
			Help:      "Total originated proposals that reached majority",
		}),
		ProposalsTimedOut: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "proposals_timed_out_total",
			Help:      "Total proposal waits that expired before commit",
		}),
		AcksRecorded: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "acks_recorded_total",
			Help:      "Total acknowledgments recorded, by outcome",
		}, []string{"outcome"}),
		CommitLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "commit_latency_seconds",
			Help:      "Time from proposal start to majority in seconds",
			Buckets:   []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}),

		StateTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_transitions_total",
			Help:      "Total applied state transitions",
		}, []string{"from", "to"}),
		CurrentState: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "state",
			Help:      "Current node state (0=init, 1=running, 2=stopped)",
		}),
		ReachablePeers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "reachable_peers",
			Help:      "Number of peers currently considered reachable",
		}),

		GRPCRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "grpc_requests_total",
			Help:      "Total admin gRPC requests by method and status",
		}, []string{"method", "status"}),
		GRPCRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "grpc_request_duration_seconds",
			Help:      "Admin gRPC request duration by method",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
	}
}

// MessageReceived counts an accepted inbound message.
func (m *Metrics) MessageReceived(t consensus.MessageType) {
	m.MessagesReceived.WithLabelValues(t.String()).Inc()
}

// MessageSent counts a successful outbound send.
func (m *Metrics) MessageSent(t consensus.MessageType) {
	m.MessagesSent.WithLabelValues(t.String()).Inc()
}

// MessageDropped counts a discarded message.
func (m *Metrics) MessageDropped(reason string) {
	m.MessagesDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) ProposalStarted() {
	m.ProposalsStarted.Inc()
}

func (m *Metrics) AckRecorded(outcome consensus.AckOutcome) {
	m.AcksRecorded.WithLabelValues(outcome.String()).Inc()
}

// ProposalCommitted records a commit and its latency.
func (m *Metrics) ProposalCommitted(latency time.Duration) {
	m.ProposalsCommitted.Inc()
	m.CommitLatency.Observe(latency.Seconds())
}

func (m *Metrics) ProposalTimedOut() {
	m.ProposalsTimedOut.Inc()
}

// StateApplied records a transition and updates the state gauge.
func (m *Metrics) StateApplied(from, to consensus.State) {
	m.StateTransitions.WithLabelValues(from.String(), to.String()).Inc()
	m.CurrentState.Set(float64(to))
}

func (m *Metrics) PeersReachable(n int) {
	m.ReachablePeers.Set(float64(n))
}

// RecordGRPCRequest records an admin gRPC request.
func (m *Metrics) RecordGRPCRequest(method, status string, duration time.Duration) {
	m.GRPCRequestsTotal.WithLabelValues(method, status).Inc()
	m.GRPCRequestDuration.WithLabelValues(method).Observe(duration.Seconds())
}
