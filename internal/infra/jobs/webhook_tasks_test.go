package jobs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openctemio/orchestrator/internal/app"
	"github.com/openctemio/orchestrator/pkg/logger"
)

type fakeProcessor struct {
	got    []app.WebhookEvent
	report app.DeliveryReport
	err    error
}

func (f *fakeProcessor) Deliver(_ context.Context, ev app.WebhookEvent) (app.DeliveryReport, error) {
	f.got = append(f.got, ev)
	return f.report, f.err
}

func TestNewWebhookEventTask(t *testing.T) {
	ev := app.WebhookEvent{
		Event:     "run.completed",
		Timestamp: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		Data:      map[string]any{"run_id": "r1"},
	}

	task, err := NewWebhookEventTask(ev, "")
	require.NoError(t, err)
	assert.Equal(t, TypeWebhookEvent, task.Type())
	assert.JSONEq(t, `{"event":"run.completed","timestamp":"2026-03-01T10:00:00Z","data":{"run_id":"r1"}}`, string(task.Payload()))
}

func TestWebhookTaskHandler_HandleEvent(t *testing.T) {
	proc := &fakeProcessor{report: app.DeliveryReport{Endpoints: 2, Delivered: 2}}
	h := NewWebhookTaskHandler(proc, logger.NewNop())

	task, err := NewWebhookEventTask(app.WebhookEvent{Event: "run.failed", Data: map[string]any{"run_id": "r9"}}, "notifications")
	require.NoError(t, err)
	require.NoError(t, h.HandleEvent(context.Background(), task))

	require.Len(t, proc.got, 1)
	assert.Equal(t, "run.failed", proc.got[0].Event)
	assert.Equal(t, "r9", proc.got[0].Data["run_id"])
}

func TestWebhookTaskHandler_PropagatesDeliveryError(t *testing.T) {
	proc := &fakeProcessor{err: errors.New("database unavailable")}
	h := NewWebhookTaskHandler(proc, logger.NewNop())

	task, err := NewWebhookEventTask(app.WebhookEvent{Event: "run.failed"}, "")
	require.NoError(t, err)
	err = h.HandleEvent(context.Background(), task)
	require.Error(t, err)
	assert.NotErrorIs(t, err, asynq.SkipRetry)
}

func TestWebhookTaskHandler_MalformedPayloadSkipsRetry(t *testing.T) {
	h := NewWebhookTaskHandler(&fakeProcessor{}, logger.NewNop())

	err := h.HandleEvent(context.Background(), asynq.NewTask(TypeWebhookEvent, []byte("{oops")))
	assert.ErrorIs(t, err, asynq.SkipRetry)
}
