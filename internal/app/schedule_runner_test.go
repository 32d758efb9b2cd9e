package app

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openctemio/orchestrator/internal/infra/memory"
	"github.com/openctemio/orchestrator/pkg/domain/run"
	"github.com/openctemio/orchestrator/pkg/domain/schedule"
	"github.com/openctemio/orchestrator/pkg/domain/webhook"
	"github.com/openctemio/orchestrator/pkg/logger"
)

type queueSpy struct {
	mu  sync.Mutex
	ids []run.ID
}

func (q *queueSpy) NotifyQueued(_ context.Context, id run.ID) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ids = append(q.ids, id)
	return nil
}

var created = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func nightly(t *testing.T, store *memory.Store, name string) *schedule.Schedule {
	t.Helper()
	sc, err := schedule.NewSchedule(name, "0 2 * * *", "jailbreak", "https://model.example", map[string]any{"depth": 2}, "alice", created)
	require.NoError(t, err)
	require.NoError(t, store.Schedules.Create(context.Background(), sc))
	return sc
}

func TestScheduleRunner_TriggersDueSchedule(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	sc := nightly(t, store, "nightly")
	require.Equal(t, time.Date(2026, 3, 2, 2, 0, 0, 0, time.UTC), *sc.NextRunAt)

	queue := &queueSpy{}
	events := &eventRecorder{}
	runner := NewScheduleRunner(store.Schedules, store.Runs, queue, events, ScheduleRunnerConfig{}, logger.NewNop())

	// Not due yet.
	n, err := runner.RunOnce(ctx, time.Date(2026, 3, 2, 1, 59, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Zero(t, n)

	fireAt := time.Date(2026, 3, 2, 2, 0, 30, 0, time.UTC)
	n, err = runner.RunOnce(ctx, fireAt)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := store.Schedules.GetByID(ctx, sc.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.RunCount)
	require.NotNil(t, got.LastRunAt)
	assert.True(t, fireAt.Equal(*got.LastRunAt))
	assert.Equal(t, time.Date(2026, 3, 3, 2, 0, 0, 0, time.UTC), *got.NextRunAt)

	runs, err := store.Runs.List(ctx, run.Filter{})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	r := runs[0]
	assert.Equal(t, run.StatusQueued, r.Status())
	assert.Equal(t, "jailbreak", r.ScenarioID())
	assert.Equal(t, "alice", r.Owner())
	require.NotNil(t, r.ScheduleID())
	assert.Equal(t, sc.ID, *r.ScheduleID())
	assert.Equal(t, 2, r.Config()["depth"])
	assert.Equal(t, sc.ID.String(), r.Config()["schedule_id"])

	assert.Equal(t, []run.ID{r.ID()}, queue.ids)
	evs := events.all()
	require.Len(t, evs, 1)
	assert.Equal(t, webhook.EventScheduleTriggered, evs[0].Event)
	assert.Equal(t, r.ID().String(), evs[0].Data["run_id"])

	// Same instant again: the activation was consumed.
	n, err = runner.RunOnce(ctx, fireAt)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestScheduleRunner_SkipsInactive(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	sc := nightly(t, store, "paused")
	sc.Deactivate(created)
	require.NoError(t, store.Schedules.Update(ctx, sc))

	runner := NewScheduleRunner(store.Schedules, store.Runs, nil, nil, ScheduleRunnerConfig{}, logger.NewNop())
	n, err := runner.RunOnce(ctx, created.Add(48*time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestScheduleRunner_ConcurrentRunnersFireOnce(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	for _, name := range []string{"a", "b", "c"} {
		nightly(t, store, name)
	}
	fireAt := time.Date(2026, 3, 2, 2, 0, 0, 0, time.UTC)

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		fired int
	)
	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			runner := NewScheduleRunner(store.Schedules, store.Runs, nil, nil, ScheduleRunnerConfig{}, logger.NewNop())
			n, err := runner.RunOnce(ctx, fireAt)
			assert.NoError(t, err)
			mu.Lock()
			fired += n
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 3, fired)
	runs, err := store.Runs.List(ctx, run.Filter{})
	require.NoError(t, err)
	assert.Len(t, runs, 3)
}

type failingRunStore struct {
	*memory.RunRepository
}

func (failingRunStore) Create(context.Context, *run.Run) error {
	return errors.New("connection reset")
}

func TestScheduleRunner_TriggerFailureIsLoggedAndRetried(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	sc := nightly(t, store, "flaky")

	var buf bytes.Buffer
	log := logger.New(logger.Config{Level: "info", Format: "json", Output: &buf})
	fireAt := time.Date(2026, 3, 2, 2, 0, 30, 0, time.UTC)

	broken := NewScheduleRunner(store.Schedules, failingRunStore{store.Runs}, nil, nil, ScheduleRunnerConfig{}, log)
	n, err := broken.RunOnce(ctx, fireAt)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Contains(t, buf.String(), "schedule trigger failed")
	assert.Contains(t, buf.String(), sc.ID.String())
	assert.Contains(t, buf.String(), "connection reset")

	got, err := store.Schedules.GetByID(ctx, sc.ID)
	require.NoError(t, err)
	assert.Zero(t, got.RunCount)
	assert.True(t, got.IsDue(fireAt))

	healthy := NewScheduleRunner(store.Schedules, store.Runs, nil, nil, ScheduleRunnerConfig{}, logger.NewNop())
	n, err = healthy.RunOnce(ctx, fireAt)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestScheduleService_CreateValidatesEagerly(t *testing.T) {
	tests := []struct {
		name  string
		input CreateScheduleInput
	}{
		{name: "bad cron", input: CreateScheduleInput{Name: "x", CronExpression: "every day", ScenarioID: "jailbreak", Target: "t"}},
		{name: "six fields", input: CreateScheduleInput{Name: "x", CronExpression: "0 0 2 * * *", ScenarioID: "jailbreak", Target: "t"}},
		{name: "missing target", input: CreateScheduleInput{Name: "x", CronExpression: "@daily", ScenarioID: "jailbreak"}},
		{name: "unknown scenario", input: CreateScheduleInput{Name: "x", CronExpression: "@daily", ScenarioID: "nope", Target: "t"}},
		{name: "bad baseline", input: CreateScheduleInput{Name: "x", CronExpression: "@daily", ScenarioID: "jailbreak", Target: "t", BaselineRunID: "abc"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := memory.NewScheduleRepository()
			svc := NewScheduleService(repo, testRegistry(t), logger.NewNop())

			_, err := svc.CreateSchedule(context.Background(), tt.input)
			require.Error(t, err)

			list, err := repo.List(context.Background(), schedule.Filter{})
			require.NoError(t, err)
			assert.Empty(t, list)
		})
	}
}

func TestScheduleService_CreateAndUpdate(t *testing.T) {
	ctx := context.Background()
	svc := NewScheduleService(memory.NewScheduleRepository(), testRegistry(t), logger.NewNop())
	svc.now = func() time.Time { return created }

	inactive := false
	sc, err := svc.CreateSchedule(ctx, CreateScheduleInput{
		Name:           "nightly",
		CronExpression: "0 2 * * *",
		ScenarioID:     "jailbreak",
		Target:         "https://model.example",
		CompareDrift:   true,
		IsActive:       &inactive,
		Owner:          "alice",
	})
	require.NoError(t, err)
	assert.False(t, sc.IsActive)
	assert.True(t, sc.CompareDrift)

	badCron := "61 * * * *"
	_, err = svc.UpdateSchedule(ctx, sc.ID.String(), UpdateScheduleInput{CronExpression: &badCron})
	require.Error(t, err)
	unchanged, err := svc.GetSchedule(ctx, sc.ID.String())
	require.NoError(t, err)
	assert.Equal(t, "0 2 * * *", unchanged.CronExpression)

	cron := "30 4 * * 1"
	active := true
	updated, err := svc.UpdateSchedule(ctx, sc.ID.String(), UpdateScheduleInput{CronExpression: &cron, IsActive: &active})
	require.NoError(t, err)
	assert.True(t, updated.IsActive)
	assert.Equal(t, time.Date(2026, 3, 2, 4, 30, 0, 0, time.UTC), *updated.NextRunAt)

	require.NoError(t, svc.DeleteSchedule(ctx, sc.ID.String()))
	_, err = svc.GetSchedule(ctx, sc.ID.String())
	assert.ErrorIs(t, err, schedule.ErrScheduleNotFound)
}
