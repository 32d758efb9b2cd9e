package app

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openctemio/orchestrator/internal/infra/memory"
	"github.com/openctemio/orchestrator/pkg/domain/shared"
	"github.com/openctemio/orchestrator/pkg/domain/webhook"
	"github.com/openctemio/orchestrator/pkg/logger"
	"github.com/openctemio/orchestrator/pkg/ttlset"
)

// scriptedSender answers each URL from a queue of status codes. A zero
// status means a transport error. When a URL's script runs out, the last
// entry repeats.
type scriptedSender struct {
	mu         sync.Mutex
	scripts    map[string][]int
	deliveries []WebhookDelivery
}

func newScriptedSender(scripts map[string][]int) *scriptedSender {
	return &scriptedSender{scripts: scripts}
}

func (s *scriptedSender) Send(_ context.Context, d WebhookDelivery) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deliveries = append(s.deliveries, d)

	script := s.scripts[d.URL]
	if len(script) == 0 {
		return 200, nil
	}
	status := script[0]
	if len(script) > 1 {
		s.scripts[d.URL] = script[1:]
	}
	if status == 0 {
		return 0, errors.New("connection refused")
	}
	return status, nil
}

func (s *scriptedSender) sentTo(url string) []WebhookDelivery {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []WebhookDelivery
	for _, d := range s.deliveries {
		if d.URL == url {
			out = append(out, d)
		}
	}
	return out
}

// sleepRecorder replaces real backoff sleeps.
type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *sleepRecorder) sleep(_ context.Context, d time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delays = append(r.delays, d)
	return nil
}

type queueRecorder struct {
	mu     sync.Mutex
	events []WebhookEvent
	err    error
}

func (q *queueRecorder) EnqueueEvent(_ context.Context, ev WebhookEvent) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.events = append(q.events, ev)
	return nil
}

func newTestNotifier(t *testing.T, repo webhook.Repository, sender WebhookSender, queue EventQueue, seen ttlset.Set, cfg NotificationConfig) (*NotificationService, *sleepRecorder) {
	t.Helper()
	svc := NewNotificationService(repo, sender, queue, seen, cfg, logger.NewNop())
	rec := &sleepRecorder{}
	svc.sleep = rec.sleep
	return svc, rec
}

func addEndpoint(t *testing.T, repo webhook.Repository, url string, events ...string) *webhook.Endpoint {
	t.Helper()
	if len(events) == 0 {
		events = []string{webhook.EventRunCompleted}
	}
	e, err := webhook.NewEndpoint("alice", "hook "+url, url, events, "whsec_test")
	require.NoError(t, err)
	require.NoError(t, repo.Create(context.Background(), e))
	return e
}

func runCompleted() WebhookEvent {
	return WebhookEvent{
		Event:     webhook.EventRunCompleted,
		Timestamp: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		Data:      map[string]any{"run_id": "run-1", "status": "completed"},
	}
}

func TestDeliver_RetriesThenSucceeds(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewWebhookRepository()
	e := addEndpoint(t, repo, "https://hooks.example/a")
	sender := newScriptedSender(map[string][]int{"https://hooks.example/a": {500, 0, 204}})
	svc, sleeps := newTestNotifier(t, repo, sender, nil, nil, NotificationConfig{})

	report, err := svc.Deliver(ctx, runCompleted())
	require.NoError(t, err)
	assert.Equal(t, DeliveryReport{Endpoints: 1, Delivered: 1}, report)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, sleeps.delays)

	sent := sender.sentTo(e.URL())
	require.Len(t, sent, 3)
	for _, d := range sent {
		assert.Equal(t, sent[0].ID, d.ID)
		assert.Equal(t, webhook.EventRunCompleted, d.Event)
		assert.Equal(t, "whsec_test", d.Secret)
	}

	var body WebhookEvent
	require.NoError(t, json.Unmarshal(sent[0].Body, &body))
	assert.Equal(t, webhook.EventRunCompleted, body.Event)
	assert.Equal(t, "run-1", body.Data["run_id"])

	got, err := repo.GetByID(ctx, e.ID())
	require.NoError(t, err)
	assert.Equal(t, 0, got.FailureCount())
	assert.NotNil(t, got.LastTriggeredAt())
}

func TestDeliver_SuccessResetsFailureCount(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewWebhookRepository()
	e := addEndpoint(t, repo, "https://hooks.example/a")
	for range 4 {
		_, err := repo.RecordFailure(ctx, e.ID(), webhook.DefaultFailureThreshold)
		require.NoError(t, err)
	}
	svc, _ := newTestNotifier(t, repo, newScriptedSender(nil), nil, nil, NotificationConfig{})

	_, err := svc.Deliver(ctx, runCompleted())
	require.NoError(t, err)

	got, err := repo.GetByID(ctx, e.ID())
	require.NoError(t, err)
	assert.Equal(t, 0, got.FailureCount())
}

func TestDeliver_ExhaustedAttemptsCountOneFailure(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewWebhookRepository()
	e := addEndpoint(t, repo, "https://hooks.example/a")
	sender := newScriptedSender(map[string][]int{"https://hooks.example/a": {503}})
	svc, sleeps := newTestNotifier(t, repo, sender, nil, nil, NotificationConfig{})

	report, err := svc.Deliver(ctx, runCompleted())
	require.NoError(t, err)
	assert.Equal(t, DeliveryReport{Endpoints: 1, Failed: 1}, report)
	assert.Len(t, sender.sentTo(e.URL()), 3)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, sleeps.delays)

	got, err := repo.GetByID(ctx, e.ID())
	require.NoError(t, err)
	assert.Equal(t, 1, got.FailureCount())
	assert.True(t, got.IsActive())
	assert.Nil(t, got.LastTriggeredAt())
}

func TestDeliver_DisablesAfterThreshold(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewWebhookRepository()
	e := addEndpoint(t, repo, "https://hooks.example/down")
	sender := newScriptedSender(map[string][]int{"https://hooks.example/down": {0}})
	svc, _ := newTestNotifier(t, repo, sender, nil, nil, NotificationConfig{})

	for i := 1; i <= webhook.DefaultFailureThreshold; i++ {
		report, err := svc.Deliver(ctx, runCompleted())
		require.NoError(t, err)
		if i < webhook.DefaultFailureThreshold {
			assert.Zero(t, report.Disabled, "cycle %d", i)
		} else {
			assert.Equal(t, 1, report.Disabled)
		}
	}

	got, err := repo.GetByID(ctx, e.ID())
	require.NoError(t, err)
	assert.Equal(t, webhook.DefaultFailureThreshold, got.FailureCount())
	assert.False(t, got.IsActive())

	// A disabled endpoint is no longer a candidate.
	before := len(sender.sentTo(e.URL()))
	report, err := svc.Deliver(ctx, runCompleted())
	require.NoError(t, err)
	assert.Equal(t, 0, report.Endpoints)
	assert.Len(t, sender.sentTo(e.URL()), before)
}

func TestDeliver_EndpointsAreIndependent(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewWebhookRepository()
	good := addEndpoint(t, repo, "https://hooks.example/good")
	bad := addEndpoint(t, repo, "https://hooks.example/bad")
	other := addEndpoint(t, repo, "https://hooks.example/other", webhook.EventRunFailed)
	sender := newScriptedSender(map[string][]int{"https://hooks.example/bad": {500}})
	svc, _ := newTestNotifier(t, repo, sender, nil, nil, NotificationConfig{})

	report, err := svc.Deliver(ctx, runCompleted())
	require.NoError(t, err)
	assert.Equal(t, DeliveryReport{Endpoints: 2, Delivered: 1, Failed: 1}, report)

	assert.Len(t, sender.sentTo(good.URL()), 1)
	assert.Len(t, sender.sentTo(bad.URL()), 3)
	assert.Empty(t, sender.sentTo(other.URL()))

	goodState, _ := repo.GetByID(ctx, good.ID())
	badState, _ := repo.GetByID(ctx, bad.ID())
	assert.Equal(t, 0, goodState.FailureCount())
	assert.Equal(t, 1, badState.FailureCount())
}

func TestDeliver_NoCandidates(t *testing.T) {
	sender := newScriptedSender(nil)
	svc, _ := newTestNotifier(t, memory.NewWebhookRepository(), sender, nil, nil, NotificationConfig{})

	report, err := svc.Deliver(context.Background(), runCompleted())
	require.NoError(t, err)
	assert.Equal(t, DeliveryReport{}, report)
	assert.Empty(t, sender.deliveries)
}

func TestDeliver_CancelledContextStopsRetries(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	repo := memory.NewWebhookRepository()
	e := addEndpoint(t, repo, "https://hooks.example/a")
	sender := newScriptedSender(map[string][]int{"https://hooks.example/a": {500}})
	svc, _ := newTestNotifier(t, repo, sender, nil, nil, NotificationConfig{})
	svc.sleep = func(ctx context.Context, _ time.Duration) error {
		cancel()
		return ctx.Err()
	}

	_, err := svc.Deliver(ctx, runCompleted())
	require.NoError(t, err)
	assert.Len(t, sender.sentTo(e.URL()), 1)

	got, _ := repo.GetByID(context.Background(), e.ID())
	assert.Equal(t, 1, got.FailureCount())
}

func TestDispatch_EnqueuesEvent(t *testing.T) {
	queue := &queueRecorder{}
	sender := newScriptedSender(nil)
	svc, _ := newTestNotifier(t, memory.NewWebhookRepository(), sender, queue, nil, NotificationConfig{})

	svc.Dispatch(context.Background(), webhook.EventRunFailed, map[string]any{"run_id": "r1"})
	svc.Wait()

	require.Len(t, queue.events, 1)
	assert.Equal(t, webhook.EventRunFailed, queue.events[0].Event)
	assert.Empty(t, sender.deliveries)
}

func TestDispatch_FallsBackToInProcessDelivery(t *testing.T) {
	repo := memory.NewWebhookRepository()
	e := addEndpoint(t, repo, "https://hooks.example/a", webhook.EventRunFailed)
	sender := newScriptedSender(nil)
	queue := &queueRecorder{err: errors.New("redis down")}
	svc, _ := newTestNotifier(t, repo, sender, queue, nil, NotificationConfig{})

	svc.Dispatch(context.Background(), webhook.EventRunFailed, map[string]any{"run_id": "r1"})
	svc.Wait()

	assert.Len(t, sender.sentTo(e.URL()), 1)
}

func TestDispatch_SuppressesDuplicatesInWindow(t *testing.T) {
	queue := &queueRecorder{}
	svc, _ := newTestNotifier(t, memory.NewWebhookRepository(), newScriptedSender(nil), queue, ttlset.NewMemory(),
		NotificationConfig{DedupeWindow: time.Minute})
	ctx := context.Background()

	svc.Dispatch(ctx, webhook.EventRunCompleted, map[string]any{"run_id": "r1"})
	svc.Dispatch(ctx, webhook.EventRunCompleted, map[string]any{"run_id": "r1"})
	svc.Dispatch(ctx, webhook.EventRunFailed, map[string]any{"run_id": "r1"})
	svc.Dispatch(ctx, webhook.EventRunCompleted, map[string]any{"run_id": "r2"})
	svc.Dispatch(ctx, webhook.EventScheduleTriggered, map[string]any{"schedule_id": "s1"})
	svc.Dispatch(ctx, webhook.EventScheduleTriggered, map[string]any{"schedule_id": "s1"})

	assert.Len(t, queue.events, 5)
}

func TestTestPing(t *testing.T) {
	tests := []struct {
		name    string
		script  []int
		success bool
		status  int
		errText string
	}{
		{name: "accepted", script: []int{200}, success: true, status: 200},
		{name: "rejected", script: []int{410}, status: 410, errText: "unexpected status 410"},
		{name: "unreachable", script: []int{0}, errText: "connection refused"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			repo := memory.NewWebhookRepository()
			// Subscribed to a different event and already disabled.
			e := addEndpoint(t, repo, "https://hooks.example/ping", webhook.EventRunFailed)
			e.Disable()
			require.NoError(t, repo.Update(ctx, e))

			sender := newScriptedSender(map[string][]int{e.URL(): tt.script})
			svc, sleeps := newTestNotifier(t, repo, sender, nil, nil, NotificationConfig{})

			res, err := svc.TestPing(ctx, e.ID().String())
			require.NoError(t, err)
			assert.Equal(t, tt.success, res.Success)
			assert.Equal(t, tt.status, res.StatusCode)
			assert.Contains(t, res.Error, tt.errText)
			assert.NotEmpty(t, res.DeliveryID)

			sent := sender.sentTo(e.URL())
			require.Len(t, sent, 1)
			assert.Equal(t, webhook.EventTest, sent[0].Event)
			assert.Empty(t, sleeps.delays)

			got, _ := repo.GetByID(ctx, e.ID())
			assert.Equal(t, 0, got.FailureCount())
			assert.Nil(t, got.LastTriggeredAt())
		})
	}
}

func TestTestPing_UnknownEndpoint(t *testing.T) {
	svc, _ := newTestNotifier(t, memory.NewWebhookRepository(), newScriptedSender(nil), nil, nil, NotificationConfig{})

	_, err := svc.TestPing(context.Background(), "not-an-id")
	assert.ErrorIs(t, err, shared.ErrValidation)

	_, err = svc.TestPing(context.Background(), shared.NewID().String())
	assert.ErrorIs(t, err, shared.ErrNotFound)
}
