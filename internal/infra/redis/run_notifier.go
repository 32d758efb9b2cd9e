package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/openctemio/orchestrator/internal/app"
	"github.com/openctemio/orchestrator/pkg/domain/run"
	"github.com/openctemio/orchestrator/pkg/logger"
)

// RunQueuedChannel is the Redis pub/sub channel for queued-run wakeups.
const RunQueuedChannel = "orchestrator:runs:queued"

// RunQueued is the message published when a run is queued.
type RunQueued struct {
	RunID string `json:"run_id"`
}

// RunNotifier publishes queued-run wakeups and delivers them to the local
// dispatcher. Messages are hints: the store remains the only source of work.
type RunNotifier struct {
	client *Client
	logger *logger.Logger
}

var _ app.QueueNotifier = (*RunNotifier)(nil)

// NewRunNotifier creates a new RunNotifier.
func NewRunNotifier(client *Client, log *logger.Logger) *RunNotifier {
	return &RunNotifier{
		client: client,
		logger: log.With("component", "run_notifier"),
	}
}

// NotifyQueued publishes that runID is waiting to be claimed.
func (n *RunNotifier) NotifyQueued(ctx context.Context, runID run.ID) error {
	data, err := json.Marshal(RunQueued{RunID: runID.String()})
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	if err := n.client.Client().Publish(ctx, RunQueuedChannel, data).Err(); err != nil {
		return fmt.Errorf("publish run queued: %w", err)
	}
	n.logger.Debug("published run queued", "run_id", runID.String())
	return nil
}

// StartListener subscribes to the channel and calls wake for every message
// until ctx is done.
func (n *RunNotifier) StartListener(ctx context.Context, wake func()) error {
	pubsub := n.client.Client().Subscribe(ctx, RunQueuedChannel)

	// Wait for subscription confirmation
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return fmt.Errorf("subscribe to channel: %w", err)
	}
	n.logger.Info("listening for queued runs", "channel", RunQueuedChannel)

	go n.listenLoop(ctx, pubsub, wake)
	return nil
}

func (n *RunNotifier) listenLoop(ctx context.Context, pubsub *redis.PubSub, wake func()) {
	defer func() { _ = pubsub.Close() }()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			n.logger.Info("run notifier stopping")
			return
		case msg, ok := <-ch:
			if !ok {
				n.logger.Warn("pub/sub channel closed")
				return
			}
			var note RunQueued
			if err := json.Unmarshal([]byte(msg.Payload), &note); err != nil {
				n.logger.Error("failed to unmarshal notification", "payload", msg.Payload, "error", err)
				continue
			}
			n.logger.Debug("run queued notification received", "run_id", note.RunID)
			wake()
		}
	}
}
