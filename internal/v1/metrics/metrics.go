package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for the signaling server.
//
// Naming convention: namespace_subsystem_name
// - namespace: signal_fish (application-level grouping)
// - subsystem: websocket, room, reconnect, ratelimit, lock, cleanup
// - name: specific metric (connections_active, events_total, etc.)
//
// Metric Types:
// - Gauge: Current state (connections, rooms, players)
// - Counter: Cumulative events (messages processed, drops, rejections)
// - Histogram: Latency distributions (processing time)

var (
	// ActiveConnections tracks the current number of live WebSocket connections.
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "signal_fish",
		Subsystem: "websocket",
		Name:      "connections_active",
		Help:      "Current number of active WebSocket connections",
	})

	// ActiveRooms tracks the current number of active rooms.
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "signal_fish",
		Subsystem: "room",
		Name:      "rooms_active",
		Help:      "Current number of active rooms",
	})

	// RoomPlayers tracks the number of players per game.
	RoomPlayers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "signal_fish",
		Subsystem: "room",
		Name:      "players_count",
		Help:      "Number of connected players per game",
	}, []string{"game"})

	// ActiveSpectators tracks the current number of spectators across all rooms.
	ActiveSpectators = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "signal_fish",
		Subsystem: "room",
		Name:      "spectators_active",
		Help:      "Current number of spectators across all rooms",
	})

	// MessagesProcessed counts inbound messages by type and outcome.
	MessagesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "signal_fish",
		Subsystem: "websocket",
		Name:      "events_total",
		Help:      "Total WebSocket events processed",
	}, []string{"event_type", "status"})

	// DroppedMessages counts outbound messages lost to full queues or
	// undecodable encodings.
	DroppedMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "signal_fish",
		Subsystem: "websocket",
		Name:      "dropped_messages_total",
		Help:      "Total outbound messages dropped",
	}, []string{"reason"})

	// RateLimitRejections counts rejections per enforcement layer.
	RateLimitRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "signal_fish",
		Subsystem: "ratelimit",
		Name:      "rejections_total",
		Help:      "Total rate limit rejections",
	}, []string{"layer"})

	// Reconnections counts reconnection attempts by outcome.
	Reconnections = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "signal_fish",
		Subsystem: "reconnect",
		Name:      "attempts_total",
		Help:      "Total reconnection attempts",
	}, []string{"status"})

	// LockContention counts failed try-acquires on the distributed mutex.
	LockContention = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "signal_fish",
		Subsystem: "lock",
		Name:      "contention_total",
		Help:      "Total contended lock acquisition attempts",
	})

	// CleanupReaped counts entities reaped by the cleanup task.
	CleanupReaped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "signal_fish",
		Subsystem: "cleanup",
		Name:      "reaped_total",
		Help:      "Total entities reaped by the cleanup task",
	}, []string{"kind"})

	// MessageProcessingDuration tracks time spent processing inbound messages.
	MessageProcessingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "signal_fish",
		Subsystem: "websocket",
		Name:      "message_processing_seconds",
		Help:      "Time spent processing WebSocket messages",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"event_type"})

	// CircuitBreakerState tracks bus circuit breaker state (0=closed, 1=open, 2=half-open).
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "signal_fish",
		Subsystem: "bus",
		Name:      "circuit_breaker_state",
		Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"target"})

	// CircuitBreakerFailures counts requests refused by an open breaker.
	CircuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "signal_fish",
		Subsystem: "bus",
		Name:      "circuit_breaker_failures_total",
		Help:      "Requests refused by an open circuit breaker",
	}, []string{"target"})
)

func IncConnection() {
	ActiveConnections.Inc()
}

func DecConnection() {
	ActiveConnections.Dec()
}
