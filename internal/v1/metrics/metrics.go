package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for the distributed chat node
//
// Naming convention: namespace_subsystem_name
// - namespace: meshchat (application-level grouping)
// - subsystem: websocket, room, rpc, twopc, heartbeat, ratelimit
// - name: specific metric (connections_active, events_total, etc.)
//
// Metric Types:
// - Gauge: Current state (connections, rooms, members)
// - Counter: Cumulative events (messages sequenced, evictions, errors)
// - Histogram: Latency distributions (peer call duration)

var (
	// ActiveWebSocketConnections tracks the current number of active client sessions (Gauge - current state)
	ActiveWebSocketConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "meshchat",
		Subsystem: "websocket",
		Name:      "connections_active",
		Help:      "Current number of active client WebSocket sessions",
	})

	// WebsocketEvents tracks the total number of client frames processed (CounterVec - cumulative)
	WebsocketEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "meshchat",
		Subsystem: "websocket",
		Name:      "events_total",
		Help:      "Total client frames processed",
	}, []string{"event_type", "status"})

	// HostedRooms tracks the number of rooms administered by this node (Gauge - current state)
	HostedRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "meshchat",
		Subsystem: "room",
		Name:      "hosted_total",
		Help:      "Current number of rooms administered by this node",
	})

	// RoomMembers tracks the member count of each hosted room (GaugeVec with room_id label)
	// Gauge rather than Histogram because we want the current membership per room,
	// not a distribution of historical counts
	RoomMembers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "meshchat",
		Subsystem: "room",
		Name:      "members_count",
		Help:      "Number of members in each hosted room",
	}, []string{"room_id"})

	// MessagesSequenced counts messages assigned a sequence number by this node (Counter - cumulative)
	MessagesSequenced = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "meshchat",
		Subsystem: "room",
		Name:      "messages_sequenced_total",
		Help:      "Total messages sequenced by this node as room administrator",
	})

	// MembersEvicted counts members removed by the failure detector (CounterVec by reason)
	MembersEvicted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "meshchat",
		Subsystem: "room",
		Name:      "members_evicted_total",
		Help:      "Total members evicted by failure detection or inactivity",
	}, []string{"reason"})

	// BroadcastFanout counts per-target broadcast deliveries (CounterVec - cumulative)
	BroadcastFanout = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "meshchat",
		Subsystem: "room",
		Name:      "broadcast_fanout_total",
		Help:      "Broadcast deliveries by target kind and outcome",
	}, []string{"target", "status"})

	// RPCServerRequests counts inter-node RPC calls served (CounterVec - cumulative)
	RPCServerRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "meshchat",
		Subsystem: "rpc",
		Name:      "server_requests_total",
		Help:      "Inter-node RPC requests served, by method and status",
	}, []string{"method", "status"})

	// RPCClientDuration tracks outbound peer call latency (HistogramVec - distribution)
	RPCClientDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "meshchat",
		Subsystem: "rpc",
		Name:      "client_duration_seconds",
		Help:      "Outbound peer RPC latency by method",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
	}, []string{"method"})

	// HeartbeatFailures counts missed heartbeats per peer (CounterVec - cumulative)
	HeartbeatFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "meshchat",
		Subsystem: "heartbeat",
		Name:      "failures_total",
		Help:      "Heartbeat failures by peer node",
	}, []string{"peer"})

	// DeletionTransactions counts finished 2PC deletions by outcome (CounterVec - cumulative)
	DeletionTransactions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "meshchat",
		Subsystem: "twopc",
		Name:      "deletions_total",
		Help:      "Completed room deletion transactions by outcome",
	}, []string{"outcome"})

	// PreparedTransactions tracks participant-side prepared deletions awaiting a decision (Gauge)
	PreparedTransactions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "meshchat",
		Subsystem: "twopc",
		Name:      "prepared_transactions",
		Help:      "Participant-side prepared transactions awaiting commit or rollback",
	})

	// CircuitBreakerState exposes the breaker state per peer (0=closed, 1=open, 2=half-open)
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "meshchat",
		Subsystem: "rpc",
		Name:      "circuit_breaker_state",
		Help:      "Circuit breaker state per peer (0=closed, 1=open, 2=half-open)",
	}, []string{"peer"})

	// CircuitBreakerFailures counts calls rejected by an open breaker (CounterVec - cumulative)
	CircuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "meshchat",
		Subsystem: "rpc",
		Name:      "circuit_breaker_failures_total",
		Help:      "Peer calls rejected because the circuit breaker was open",
	}, []string{"peer"})

	// RateLimitRequests counts requests that passed a rate limit check (CounterVec - cumulative)
	RateLimitRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "meshchat",
		Subsystem: "ratelimit",
		Name:      "requests_total",
		Help:      "Requests checked against a rate limit",
	}, []string{"scope"})

	// RateLimitExceeded counts requests rejected by a rate limit (CounterVec - cumulative)
	RateLimitExceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "meshchat",
		Subsystem: "ratelimit",
		Name:      "exceeded_total",
		Help:      "Requests rejected by a rate limit",
	}, []string{"scope", "key_type"})
)

func IncConnection() {
	ActiveWebSocketConnections.Inc()
}

func DecConnection() {
	ActiveWebSocketConnections.Dec()
}
