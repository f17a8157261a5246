// Package metrics exposes prometheus instrumentation for the investigator.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Investigation metrics
	InvestigationTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "investigator_investigation_transitions_total",
			Help: "Investigation status transitions",
		},
		[]string{"from", "to"},
	)

	InvestigationsTimedOut = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "investigator_investigations_timed_out_total",
			Help: "Investigations force-failed by the watchdog",
		},
	)

	ActiveDrivers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "investigator_active_drivers",
			Help: "Investigations with a running dispatch driver",
		},
	)

	// Subtask metrics
	SubtasksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "investigator_subtasks_total",
			Help: "Subtask executions by type and outcome",
		},
		[]string{"task_type", "outcome"}, // outcome: completed/retried/failed
	)

	SubtaskDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "investigator_subtask_duration_seconds",
			Help:    "Subtask execution duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12), // 100ms to ~7min
		},
		[]string{"task_type"},
	)

	// Gateway metrics
	GatewayRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "investigator_gateway_requests_total",
			Help: "Reasoning gateway calls by operation and status",
		},
		[]string{"operation", "status"},
	)

	GatewayRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "investigator_gateway_request_duration_seconds",
			Help:    "Reasoning gateway call duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 100ms to ~1min
		},
		[]string{"operation"},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "investigator_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	// Graph metrics
	GraphWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "investigator_graph_writes_total",
			Help: "Knowledge graph writes by kind and outcome",
		},
		[]string{"kind", "outcome"}, // outcome: created/updated/dropped
	)

	// Event metrics
	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "investigator_events_published_total",
			Help: "Events published by type",
		},
		[]string{"type"},
	)

	EventsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "investigator_events_dropped_total",
			Help: "Events dropped because a subscriber buffer was full",
		},
		[]string{"type"},
	)

	Subscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "investigator_event_subscribers",
			Help: "Currently attached event subscribers",
		},
	)

	// Persistence metrics
	PersistenceConflicts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "investigator_persistence_conflicts_total",
			Help: "Database transactions retried after a conflict, by operation",
		},
		[]string{"operation"},
	)

	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "investigator_http_requests_total",
			Help: "HTTP requests by method, route and status code",
		},
		[]string{"method", "route", "code"},
	)

	WebSocketConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "investigator_websocket_connections",
			Help: "Open WebSocket connections",
		},
	)
)
