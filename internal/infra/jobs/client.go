package jobs

import (
	"context"
	"fmt"

	"github.com/hibiken/asynq"

	"github.com/openctemio/orchestrator/internal/app"
	"github.com/openctemio/orchestrator/pkg/logger"
)

// Client manages enqueueing background jobs using Asynq.
type Client struct {
	client *asynq.Client
	queue  string
	logger *logger.Logger
}

var _ app.EventQueue = (*Client)(nil)

// ClientConfig contains configuration for the job client.
type ClientConfig struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	Queue         string
}

// NewClient creates a new job client for enqueueing tasks.
func NewClient(cfg ClientConfig, log *logger.Logger) *Client {
	client := asynq.NewClient(asynq.RedisClientOpt{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	return &Client{
		client: client,
		queue:  cfg.Queue,
		logger: log.With("component", "job_client"),
	}
}

// Close closes the client connection.
func (c *Client) Close() error {
	return c.client.Close()
}

// EnqueueEvent enqueues a webhook event for background delivery.
func (c *Client) EnqueueEvent(ctx context.Context, ev app.WebhookEvent) error {
	task, err := NewWebhookEventTask(ev, c.queue)
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}

	info, err := c.client.EnqueueContext(ctx, task)
	if err != nil {
		c.logger.Error("failed to enqueue webhook event", "event", ev.Event, "error", err)
		return fmt.Errorf("failed to enqueue task: %w", err)
	}

	c.logger.Debug("webhook event queued",
		"task_id", info.ID,
		"event", ev.Event,
		"queue", info.Queue,
	)
	return nil
}
