package controller

import (
	"time"

	"github.com/openctemio/orchestrator/internal/metrics"
)

// PrometheusMetrics records controller activity in the process collectors.
type PrometheusMetrics struct{}

var _ Metrics = PrometheusMetrics{}

// RecordReconcile records a reconciliation run.
func (PrometheusMetrics) RecordReconcile(controller string, itemsProcessed int, duration time.Duration, err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	metrics.ControllerReconciles.WithLabelValues(controller, result).Inc()
	metrics.ControllerReconcileDuration.WithLabelValues(controller).Observe(duration.Seconds())
	if itemsProcessed > 0 {
		metrics.ControllerItemsProcessed.WithLabelValues(controller).Add(float64(itemsProcessed))
	}
}

// SetControllerRunning sets whether a controller is running.
func (PrometheusMetrics) SetControllerRunning(controller string, running bool) {
	val := 0.0
	if running {
		val = 1.0
	}
	metrics.ControllerRunning.WithLabelValues(controller).Set(val)
}

// IncrementReconcileErrors increments the error counter.
func (PrometheusMetrics) IncrementReconcileErrors(controller string) {
	metrics.DispatcherErrors.WithLabelValues(controller).Inc()
}

// SetLastReconcileTime sets the last reconcile timestamp.
func (PrometheusMetrics) SetLastReconcileTime(controller string, t time.Time) {
	metrics.ControllerLastReconcile.WithLabelValues(controller).Set(float64(t.Unix()))
}
