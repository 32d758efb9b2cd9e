// Package metrics declares the orchestrator's prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Run metrics
var (
	// RunsClaimed tracks runs claimed by this dispatcher
	RunsClaimed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "orchestrator_runs_claimed_total",
			Help: "Total number of queued runs claimed by this process",
		},
	)

	// RunsFinished tracks runs reaching a terminal state by status
	RunsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestrator_runs_finished_total",
			Help: "Total number of runs reaching a terminal state by status",
		},
		[]string{"scenario_id", "status"},
	)

	// RunDuration tracks execution time from claim to terminal state
	RunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "orchestrator_run_duration_seconds",
			Help:    "Run execution duration in seconds",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800, 3600},
		},
		[]string{"scenario_id"},
	)

	// RunsInProgress tracks runs executing in this process
	RunsInProgress = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "orchestrator_runs_in_progress",
			Help: "Number of runs currently executing in this process",
		},
	)

	// RunsReclaimed tracks stale runs failed by the reclaim sweep
	RunsReclaimed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "orchestrator_runs_reclaimed_total",
			Help: "Total number of abandoned running runs failed by the reclaim sweep",
		},
	)

	// DispatcherErrors tracks poll-loop level errors
	DispatcherErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestrator_loop_errors_total",
			Help: "Total number of poll-loop errors by component",
		},
		[]string{"component"},
	)
)

// Finding metrics
var (
	// FindingsRecorded tracks findings by classification
	FindingsRecorded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestrator_findings_recorded_total",
			Help: "Total number of findings recorded by classification",
		},
		[]string{"classification"},
	)

	// ChainVerifications tracks evidence chain verification outcomes
	ChainVerifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestrator_chain_verifications_total",
			Help: "Total number of evidence chain verifications by result",
		},
		[]string{"result"},
	)
)

// Schedule metrics
var (
	// SchedulesTriggered tracks runs created by schedules
	SchedulesTriggered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "orchestrator_schedules_triggered_total",
			Help: "Total number of schedule activations",
		},
	)
)

// Webhook metrics
var (
	// WebhookDeliveries tracks delivery outcomes per endpoint task
	WebhookDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestrator_webhook_deliveries_total",
			Help: "Total number of webhook deliveries by event and outcome",
		},
		[]string{"event", "outcome"},
	)

	// WebhookAttempts tracks individual HTTP attempts
	WebhookAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestrator_webhook_attempts_total",
			Help: "Total number of webhook HTTP attempts by result",
		},
		[]string{"result"},
	)

	// WebhookEndpointsDisabled tracks endpoints auto-disabled after repeated failures
	WebhookEndpointsDisabled = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "orchestrator_webhook_endpoints_disabled_total",
			Help: "Total number of endpoints disabled after reaching the failure threshold",
		},
	)

	// WebhookEventsSuppressed tracks duplicate events dropped inside the dedupe window
	WebhookEventsSuppressed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "orchestrator_webhook_events_suppressed_total",
			Help: "Total number of duplicate events suppressed",
		},
	)
)

// Progress metrics
var (
	// ProgressStreamsOpen tracks open SSE progress streams
	ProgressStreamsOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "orchestrator_progress_streams_open",
			Help: "Number of open progress streams",
		},
	)

	// WebSocketConnections tracks websocket clients
	WebSocketConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "orchestrator_websocket_connections",
			Help: "Number of connected websocket clients",
		},
	)
)

// Controller metrics
var (
	// ControllerReconciles tracks reconciliation passes by controller and result
	ControllerReconciles = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestrator_controller_reconcile_total",
			Help: "Total number of reconciliations by controller and result",
		},
		[]string{"controller", "result"},
	)

	// ControllerReconcileDuration tracks how long one pass takes
	ControllerReconcileDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "orchestrator_controller_reconcile_duration_seconds",
			Help:    "Duration of reconciliation in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		},
		[]string{"controller"},
	)

	// ControllerItemsProcessed tracks items changed by reconciliation
	ControllerItemsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestrator_controller_items_processed_total",
			Help: "Total number of items processed by controller",
		},
		[]string{"controller"},
	)

	// ControllerRunning reports whether a controller loop is active
	ControllerRunning = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "orchestrator_controller_running",
			Help: "Whether the controller is running (1) or not (0)",
		},
		[]string{"controller"},
	)

	// ControllerLastReconcile is the unix time of the last pass
	ControllerLastReconcile = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "orchestrator_controller_last_reconcile_timestamp_seconds",
			Help: "Unix timestamp of the last reconciliation",
		},
		[]string{"controller"},
	)
)
