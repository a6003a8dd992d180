package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for the roomloop cluster node.
//
// Naming convention: namespace_subsystem_name
// - namespace: roomloop (application-level grouping)
// - subsystem: gateway, room, raft, rpc (feature-level grouping)
// - name: specific metric (sessions_active, proposals_total, etc.)

var (
	// ActiveSessions tracks the current number of connected client sessions.
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "roomloop",
		Subsystem: "gateway",
		Name:      "sessions_active",
		Help:      "Current number of connected WebSocket sessions",
	})

	// ClientMessages counts client frames by type and outcome.
	ClientMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "roomloop",
		Subsystem: "gateway",
		Name:      "messages_total",
		Help:      "Total client messages processed",
	}, []string{"message_type", "status"})

	// DroppedStateUpdates counts ROOM_STATE_UPDATE frames shed under backpressure.
	DroppedStateUpdates = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "roomloop",
		Subsystem: "gateway",
		Name:      "dropped_state_updates_total",
		Help:      "State update frames dropped because a session's buffer was full",
	})

	// ActiveRooms tracks the current number of rooms hosted on this node.
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "roomloop",
		Subsystem: "room",
		Name:      "rooms_active",
		Help:      "Current number of active rooms",
	})

	// RoomSubscribers tracks local subscribers per room.
	RoomSubscribers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "roomloop",
		Subsystem: "room",
		Name:      "subscribers_count",
		Help:      "Number of locally connected subscribers per room",
	}, []string{"room_code"})

	// ElectionsStarted counts elections this node has initiated.
	ElectionsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "roomloop",
		Subsystem: "raft",
		Name:      "elections_started_total",
		Help:      "Total elections started by this node across all rooms",
	})

	// LeadershipTransitions counts transitions into the leader role.
	LeadershipTransitions = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "roomloop",
		Subsystem: "raft",
		Name:      "leadership_transitions_total",
		Help:      "Times this node became leader of a room",
	})

	// Proposals counts operations proposed on this node.
	Proposals = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "roomloop",
		Subsystem: "raft",
		Name:      "proposals_total",
		Help:      "Operations proposed by this node",
	}, []string{"status"})

	// CurrentTerm exposes each hosted room's current Raft term on this node.
	// Deleted when the room is cleaned up.
	CurrentTerm = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "roomloop",
		Subsystem: "raft",
		Name:      "current_term",
		Help:      "Current Raft term per hosted room",
	}, []string{"room_code"})

	// CommittedEntries counts log entries applied to room state machines.
	CommittedEntries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "roomloop",
		Subsystem: "raft",
		Name:      "committed_entries_total",
		Help:      "Log entries committed and applied on this node",
	})

	// RPCRequests counts inter-node RPCs by type and outcome.
	RPCRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "roomloop",
		Subsystem: "rpc",
		Name:      "requests_total",
		Help:      "Inter-node RPC requests sent",
	}, []string{"rpc_type", "status"})

	// RPCDuration tracks inter-node RPC round trip latency.
	RPCDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "roomloop",
		Subsystem: "rpc",
		Name:      "request_duration_seconds",
		Help:      "Inter-node RPC round trip latency",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2},
	}, []string{"rpc_type"})

	// CircuitBreakerState exposes the per-peer breaker state (0=closed, 1=open, 2=half-open).
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "roomloop",
		Subsystem: "rpc",
		Name:      "circuit_breaker_state",
		Help:      "Circuit breaker state per peer (0=closed, 1=open, 2=half-open)",
	}, []string{"peer"})
)

func IncSession() {
	ActiveSessions.Inc()
}

func DecSession() {
	ActiveSessions.Dec()
}
