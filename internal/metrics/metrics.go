// Package metrics declares the Prometheus metrics for the stage server.
//
// Naming convention: namespace_subsystem_name
//   - namespace: stage (application-level grouping)
//   - subsystem: websocket, room, dispatcher, queue, circuit_breaker, rate_limit
//   - name: specific metric
//
// Metric types: Gauge for current state, Counter for cumulative events,
// Histogram for latency distributions.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ActiveWebSocketConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "stage",
		Subsystem: "websocket",
		Name:      "connections_active",
		Help:      "Current number of active WebSocket connections",
	})

	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "stage",
		Subsystem: "room",
		Name:      "rooms_active",
		Help:      "Current number of active rooms",
	})

	RoomMembers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "stage",
		Subsystem: "room",
		Name:      "members_count",
		Help:      "Number of members in each room",
	}, []string{"room_id"})

	DispatcherEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "stage",
		Subsystem: "dispatcher",
		Name:      "events_total",
		Help:      "Total inbound dispatcher events processed",
	}, []string{"type", "status"})

	DispatcherDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "stage",
		Subsystem: "dispatcher",
		Name:      "processing_seconds",
		Help:      "Time spent processing one inbound dispatcher event",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"type"})

	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "stage",
		Subsystem: "queue",
		Name:      "depth",
		Help:      "Number of items currently in a room's queue",
	}, []string{"room_id"})

	PredownloadDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "stage",
		Subsystem: "queue",
		Name:      "predownload_seconds",
		Help:      "Time spent pre-downloading a priority-region track",
		Buckets:   prometheus.DefBuckets,
	}, []string{"status"})

	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "stage",
		Subsystem: "circuit_breaker",
		Name:      "state",
		Help:      "Current state of a collaborator circuit breaker (0: Closed, 1: Open, 2: Half-Open)",
	}, []string{"service"})

	CircuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "stage",
		Subsystem: "circuit_breaker",
		Name:      "failures_total",
		Help:      "Total requests rejected by a collaborator circuit breaker",
	}, []string{"service"})

	RateLimitExceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "stage",
		Subsystem: "rate_limit",
		Name:      "exceeded_total",
		Help:      "Total number of requests that exceeded the rate limit",
	}, []string{"endpoint"})
)

func IncConnection() {
	ActiveWebSocketConnections.Inc()
}

func DecConnection() {
	ActiveWebSocketConnections.Dec()
}
