package app

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/errgroup"

	"github.com/openctemio/orchestrator/internal/metrics"
	"github.com/openctemio/orchestrator/pkg/domain/shared"
	"github.com/openctemio/orchestrator/pkg/domain/webhook"
	"github.com/openctemio/orchestrator/pkg/logger"
	"github.com/openctemio/orchestrator/pkg/ttlset"
)

// WebhookEvent is the JSON body delivered to endpoints.
type WebhookEvent struct {
	Event     string         `json:"event"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// WebhookDelivery is one signed HTTP attempt.
type WebhookDelivery struct {
	ID     string
	URL    string
	Secret string
	Event  string
	Body   []byte
}

// WebhookSender performs a single delivery attempt and returns the HTTP
// status code. A transport failure is returned as an error.
type WebhookSender interface {
	Send(ctx context.Context, d WebhookDelivery) (int, error)
}

// EventQueue hands events to a background worker.
type EventQueue interface {
	EnqueueEvent(ctx context.Context, ev WebhookEvent) error
}

// NotificationConfig holds delivery policy.
type NotificationConfig struct {
	// MaxAttempts per endpoint per event (default: 3)
	MaxAttempts int
	// BackoffBase is the delay after the first failed attempt; it doubles
	// after each further failure (default: 1s)
	BackoffBase time.Duration
	// FailureThreshold disables an endpoint once reached (default: 10)
	FailureThreshold int
	// DedupeWindow suppresses repeated (event, run) pairs; zero disables it
	DedupeWindow time.Duration
	// DeliveryTimeout bounds a whole background delivery (default: 5m)
	DeliveryTimeout time.Duration
}

// DeliveryReport summarizes one fan-out.
type DeliveryReport struct {
	Endpoints int `json:"endpoints"`
	Delivered int `json:"delivered"`
	Failed    int `json:"failed"`
	Disabled  int `json:"disabled"`
}

// PingResult is the outcome of a test ping.
type PingResult struct {
	Success    bool   `json:"success"`
	StatusCode int    `json:"status_code,omitempty"`
	DeliveryID string `json:"delivery_id"`
	Error      string `json:"error,omitempty"`
}

// NotificationService delivers signed webhook events.
type NotificationService struct {
	repo   webhook.Repository
	sender WebhookSender
	queue  EventQueue
	seen   ttlset.Set
	cfg    NotificationConfig
	logger *logger.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
	wg    sync.WaitGroup
}

// NewNotificationService creates a new NotificationService. queue and seen
// may be nil: events are then delivered from a goroutine and never deduplicated.
func NewNotificationService(
	repo webhook.Repository,
	sender WebhookSender,
	queue EventQueue,
	seen ttlset.Set,
	cfg NotificationConfig,
	log *logger.Logger,
) *NotificationService {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = time.Second
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = webhook.DefaultFailureThreshold
	}
	if cfg.DeliveryTimeout <= 0 {
		cfg.DeliveryTimeout = 5 * time.Minute
	}
	return &NotificationService{
		repo:   repo,
		sender: sender,
		queue:  queue,
		seen:   seen,
		cfg:    cfg,
		logger: log.With("service", "notification"),
		now:    time.Now,
		sleep:  sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Dispatch raises event and returns without waiting for delivery. Failures
// are logged and never reach the caller.
func (s *NotificationService) Dispatch(ctx context.Context, event string, data map[string]any) {
	if s.isDuplicate(ctx, event, data) {
		metrics.WebhookEventsSuppressed.Inc()
		s.logger.Debug("duplicate event suppressed", "event", event)
		return
	}

	ev := WebhookEvent{Event: event, Timestamp: s.now().UTC(), Data: data}

	if s.queue != nil {
		err := s.queue.EnqueueEvent(ctx, ev)
		if err == nil {
			return
		}
		s.logger.Warn("failed to enqueue event, delivering in process", "event", event, "error", err)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		bg, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.DeliveryTimeout)
		defer cancel()
		if _, err := s.Deliver(bg, ev); err != nil {
			s.logger.Error("event delivery failed", "event", event, "error", err)
		}
	}()
}

// Wait blocks until in-process deliveries started by Dispatch have finished.
func (s *NotificationService) Wait() {
	s.wg.Wait()
}

// isDuplicate reports whether this (event, run) pair was already raised
// inside the dedupe window. Events without a run id are never suppressed.
func (s *NotificationService) isDuplicate(ctx context.Context, event string, data map[string]any) bool {
	if s.seen == nil || s.cfg.DedupeWindow <= 0 {
		return false
	}
	runID, _ := data["run_id"].(string)
	if runID == "" {
		return false
	}
	inserted, err := s.seen.Insert(ctx, "webhook:"+event+":"+runID, s.cfg.DedupeWindow)
	if err != nil {
		// Prefer a possible duplicate over a lost notification.
		s.logger.Warn("dedupe check failed", "event", event, "error", err)
		return false
	}
	return !inserted
}

// Deliver fans ev out to every candidate endpoint concurrently. Each
// endpoint retries on its own; one endpoint's outcome never affects another.
func (s *NotificationService) Deliver(ctx context.Context, ev WebhookEvent) (DeliveryReport, error) {
	endpoints, err := s.repo.ListCandidates(ctx, ev.Event, s.cfg.FailureThreshold)
	if err != nil {
		return DeliveryReport{}, fmt.Errorf("list webhook candidates: %w", err)
	}
	report := DeliveryReport{Endpoints: len(endpoints)}
	if len(endpoints) == 0 {
		return report, nil
	}

	body, err := json.Marshal(ev)
	if err != nil {
		return report, fmt.Errorf("marshal event: %w", err)
	}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	for _, e := range endpoints {
		g.Go(func() error {
			delivered, disabled := s.deliverTo(ctx, e, ev.Event, body)
			mu.Lock()
			defer mu.Unlock()
			if delivered {
				report.Delivered++
			} else {
				report.Failed++
			}
			if disabled {
				report.Disabled++
			}
			return nil
		})
	}
	_ = g.Wait()

	s.logger.Info("event delivered",
		"event", ev.Event,
		"endpoints", report.Endpoints,
		"delivered", report.Delivered,
		"failed", report.Failed,
	)
	return report, nil
}

// deliverTo attempts delivery up to MaxAttempts times, sleeping
// base, 2*base, ... between attempts and not after the last one.
func (s *NotificationService) deliverTo(ctx context.Context, e *webhook.Endpoint, event string, body []byte) (delivered, disabled bool) {
	log := s.logger.With("endpoint_id", e.ID().String(), "event", event)
	d := WebhookDelivery{
		ID:     ulid.Make().String(),
		URL:    e.URL(),
		Secret: e.Secret(),
		Event:  event,
		Body:   body,
	}

	delay := s.cfg.BackoffBase
	for attempt := 1; attempt <= s.cfg.MaxAttempts; attempt++ {
		status, err := s.sender.Send(ctx, d)
		if err == nil && isSuccess(status) {
			metrics.WebhookAttempts.WithLabelValues("success").Inc()
			if err := s.repo.RecordSuccess(ctx, e.ID(), s.now()); err != nil {
				log.Error("failed to record webhook success", "error", err)
			}
			metrics.WebhookDeliveries.WithLabelValues(event, "delivered").Inc()
			log.Debug("webhook delivered", "attempt", attempt, "status", status)
			return true, false
		}

		metrics.WebhookAttempts.WithLabelValues("failure").Inc()
		log.Warn("webhook attempt failed", "attempt", attempt, "status", status, "error", err)

		if attempt == s.cfg.MaxAttempts {
			break
		}
		if err := s.sleep(ctx, delay); err != nil {
			log.Warn("webhook retries interrupted", "error", err)
			break
		}
		delay *= 2
	}

	metrics.WebhookDeliveries.WithLabelValues(event, "failed").Inc()
	disabled, err := s.repo.RecordFailure(context.WithoutCancel(ctx), e.ID(), s.cfg.FailureThreshold)
	if err != nil {
		log.Error("failed to record webhook failure", "error", err)
		return false, false
	}
	if disabled {
		metrics.WebhookEndpointsDisabled.Inc()
		log.Warn("webhook endpoint disabled after repeated failures", "threshold", s.cfg.FailureThreshold)
	}
	return false, disabled
}

// TestPing sends one webhook.test event to the endpoint regardless of its
// subscriptions or state. There is no retry and no failure accounting.
func (s *NotificationService) TestPing(ctx context.Context, id string) (*PingResult, error) {
	endpointID, err := shared.IDFromString(id)
	if err != nil {
		return nil, err
	}
	e, err := s.repo.GetByID(ctx, endpointID)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(WebhookEvent{
		Event:     webhook.EventTest,
		Timestamp: s.now().UTC(),
		Data: map[string]any{
			"endpoint_id": e.ID().String(),
			"message":     "test delivery",
		},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal event: %w", err)
	}

	d := WebhookDelivery{
		ID:     ulid.Make().String(),
		URL:    e.URL(),
		Secret: e.Secret(),
		Event:  webhook.EventTest,
		Body:   body,
	}
	status, err := s.sender.Send(ctx, d)
	res := &PingResult{StatusCode: status, DeliveryID: d.ID, Success: err == nil && isSuccess(status)}
	if err != nil {
		res.Error = err.Error()
	} else if !res.Success {
		res.Error = fmt.Sprintf("unexpected status %d", status)
	}
	s.logger.Info("webhook test ping", "endpoint_id", id, "success", res.Success, "status", status)
	return res, nil
}

func isSuccess(status int) bool {
	return status >= 200 && status < 300
}
