package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/openctemio/orchestrator/internal/app"
	"github.com/openctemio/orchestrator/pkg/logger"
)

// =============================================================================
// Task Types
// =============================================================================

const (
	// TypeWebhookEvent is the task type for fanning an event out to endpoints.
	TypeWebhookEvent = "webhook:event"

	// DefaultQueue is the queue webhook tasks are placed on.
	DefaultQueue = "notifications"
)

// =============================================================================
// Task Creators
// =============================================================================

// NewWebhookEventTask creates a task delivering ev to every subscribed endpoint.
// Per-endpoint retries happen inside the delivery; the task itself is only
// retried when candidates could not be loaded.
func NewWebhookEventTask(ev app.WebhookEvent, queue string) (*asynq.Task, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("marshal webhook event payload: %w", err)
	}
	if queue == "" {
		queue = DefaultQueue
	}

	return asynq.NewTask(
		TypeWebhookEvent,
		payload,
		asynq.MaxRetry(3),
		asynq.Timeout(5*time.Minute),
		asynq.Queue(queue),
	), nil
}

// =============================================================================
// Task Handlers
// =============================================================================

// WebhookProcessor delivers one event. It is implemented by app.NotificationService.
type WebhookProcessor interface {
	Deliver(ctx context.Context, ev app.WebhookEvent) (app.DeliveryReport, error)
}

// WebhookTaskHandler handles webhook tasks.
type WebhookTaskHandler struct {
	processor WebhookProcessor
	logger    *logger.Logger
}

// NewWebhookTaskHandler creates a new webhook task handler.
func NewWebhookTaskHandler(processor WebhookProcessor, log *logger.Logger) *WebhookTaskHandler {
	return &WebhookTaskHandler{
		processor: processor,
		logger:    log.With("component", "webhook_task_handler"),
	}
}

// HandleEvent handles the webhook event task.
func (h *WebhookTaskHandler) HandleEvent(ctx context.Context, t *asynq.Task) error {
	var ev app.WebhookEvent
	if err := json.Unmarshal(t.Payload(), &ev); err != nil {
		// A malformed payload never becomes valid; do not retry it.
		return fmt.Errorf("unmarshal payload: %v: %w", err, asynq.SkipRetry)
	}

	report, err := h.processor.Deliver(ctx, ev)
	if err != nil {
		h.logger.Error("failed to deliver webhook event", "event", ev.Event, "error", err)
		return err
	}

	h.logger.Info("webhook event processed",
		"event", ev.Event,
		"endpoints", report.Endpoints,
		"delivered", report.Delivered,
		"failed", report.Failed,
		"disabled", report.Disabled,
	)
	return nil
}

// RegisterHandlers registers webhook task handlers with the asynq server mux.
func (h *WebhookTaskHandler) RegisterHandlers(mux *asynq.ServeMux) {
	mux.HandleFunc(TypeWebhookEvent, h.HandleEvent)
}
