package app

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openctemio/orchestrator/internal/infra/memory"
	"github.com/openctemio/orchestrator/pkg/domain/shared"
	"github.com/openctemio/orchestrator/pkg/logger"
)

func newTestScheduleService(t *testing.T, now time.Time) *ScheduleService {
	t.Helper()
	svc := NewScheduleService(memory.NewScheduleRepository(), testRegistry(t), logger.NewNop())
	svc.now = func() time.Time { return now }
	return svc
}

func ptr[T any](v T) *T { return &v }

func TestScheduleService_CreateSchedule(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 10, 30, 0, 0, time.UTC)
	svc := newTestScheduleService(t, now)

	sc, err := svc.CreateSchedule(ctx, CreateScheduleInput{
		Name:           " nightly ",
		CronExpression: "0 2 * * *",
		ScenarioID:     "jailbreak",
		Target:         "https://model.example.com",
		CompareDrift:   true,
		Owner:          "alice",
	})
	require.NoError(t, err)
	assert.Equal(t, "nightly", sc.Name)
	assert.True(t, sc.IsActive)
	assert.True(t, sc.CompareDrift)
	require.NotNil(t, sc.NextRunAt)
	assert.Equal(t, time.Date(2026, 3, 2, 2, 0, 0, 0, time.UTC), *sc.NextRunAt)

	got, err := svc.GetSchedule(ctx, sc.ID.String())
	require.NoError(t, err)
	assert.Equal(t, "alice", got.Owner)
}

func TestScheduleService_CreateScheduleErrors(t *testing.T) {
	ctx := context.Background()
	svc := newTestScheduleService(t, time.Now())

	tests := []struct {
		name  string
		input CreateScheduleInput
	}{
		{"bad cron", CreateScheduleInput{Name: "n", CronExpression: "every day", ScenarioID: "jailbreak", Target: "t"}},
		{"unknown scenario", CreateScheduleInput{Name: "n", CronExpression: "@daily", ScenarioID: "nope", Target: "t"}},
		{"blank name", CreateScheduleInput{Name: "  ", CronExpression: "@daily", ScenarioID: "jailbreak", Target: "t"}},
		{"bad baseline", CreateScheduleInput{Name: "n", CronExpression: "@daily", ScenarioID: "jailbreak", Target: "t", BaselineRunID: "x"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.CreateSchedule(ctx, tt.input)
			require.Error(t, err)
			assert.True(t, shared.IsValidation(err), "got %v", err)
		})
	}

	all, err := svc.ListSchedules(ctx, "", false)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestScheduleService_CreateInactive(t *testing.T) {
	ctx := context.Background()
	svc := newTestScheduleService(t, time.Now())

	sc, err := svc.CreateSchedule(ctx, CreateScheduleInput{
		Name: "paused", CronExpression: "@hourly", ScenarioID: "jailbreak", Target: "t", IsActive: ptr(false),
	})
	require.NoError(t, err)
	assert.False(t, sc.IsActive)

	active, err := svc.ListSchedules(ctx, "", true)
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestScheduleService_UpdateSchedule(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 10, 30, 0, 0, time.UTC)
	svc := newTestScheduleService(t, now)

	sc, err := svc.CreateSchedule(ctx, CreateScheduleInput{
		Name: "nightly", CronExpression: "0 2 * * *", ScenarioID: "jailbreak", Target: "t",
	})
	require.NoError(t, err)

	baseline := shared.NewID().String()
	updated, err := svc.UpdateSchedule(ctx, sc.ID.String(), UpdateScheduleInput{
		CronExpression: ptr("0 12 * * *"),
		ScenarioID:     ptr("prompt-injection"),
		BaselineRunID:  ptr(baseline),
		IsActive:       ptr(false),
	})
	require.NoError(t, err)
	assert.Equal(t, "0 12 * * *", updated.CronExpression)
	assert.Equal(t, "prompt-injection", updated.ScenarioID)
	require.NotNil(t, updated.BaselineRunID)
	assert.Equal(t, baseline, updated.BaselineRunID.String())
	assert.False(t, updated.IsActive)
	assert.Equal(t, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC), *updated.NextRunAt)

	cleared, err := svc.UpdateSchedule(ctx, sc.ID.String(), UpdateScheduleInput{BaselineRunID: ptr(""), IsActive: ptr(true)})
	require.NoError(t, err)
	assert.Nil(t, cleared.BaselineRunID)
	assert.True(t, cleared.IsActive)
}

func TestScheduleService_UpdateRejectsInvalidInput(t *testing.T) {
	ctx := context.Background()
	svc := newTestScheduleService(t, time.Now())

	sc, err := svc.CreateSchedule(ctx, CreateScheduleInput{
		Name: "nightly", CronExpression: "@daily", ScenarioID: "jailbreak", Target: "t",
	})
	require.NoError(t, err)

	tests := []struct {
		name  string
		input UpdateScheduleInput
	}{
		{"bad cron", UpdateScheduleInput{CronExpression: ptr("61 * * * *")}},
		{"blank name", UpdateScheduleInput{Name: ptr(" ")}},
		{"blank target", UpdateScheduleInput{Target: ptr("")}},
		{"unknown scenario", UpdateScheduleInput{ScenarioID: ptr("nope")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.UpdateSchedule(ctx, sc.ID.String(), tt.input)
			require.Error(t, err)
			assert.True(t, shared.IsValidation(err), "got %v", err)
		})
	}

	got, err := svc.GetSchedule(ctx, sc.ID.String())
	require.NoError(t, err)
	assert.Equal(t, "@daily", got.CronExpression)
	assert.Equal(t, "nightly", got.Name)
}

func TestScheduleService_DeleteSchedule(t *testing.T) {
	ctx := context.Background()
	svc := newTestScheduleService(t, time.Now())

	sc, err := svc.CreateSchedule(ctx, CreateScheduleInput{
		Name: "nightly", CronExpression: "@daily", ScenarioID: "jailbreak", Target: "t",
	})
	require.NoError(t, err)

	require.NoError(t, svc.DeleteSchedule(ctx, sc.ID.String()))
	_, err = svc.GetSchedule(ctx, sc.ID.String())
	assert.True(t, shared.IsNotFound(err))

	err = svc.DeleteSchedule(ctx, sc.ID.String())
	assert.True(t, shared.IsNotFound(err))

	err = svc.DeleteSchedule(ctx, "not-an-id")
	assert.True(t, shared.IsValidation(err))
}
