package schedule

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openctemio/orchestrator/pkg/domain/shared"
)

var ref = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func TestNewSchedule_ComputesNextRun(t *testing.T) {
	s, err := NewSchedule("nightly", "0 2 * * *", "prompt-injection", "gpt-4o", nil, "alice", ref)
	require.NoError(t, err)
	require.NotNil(t, s.NextRunAt)
	assert.Equal(t, time.Date(2026, 3, 2, 2, 0, 0, 0, time.UTC), *s.NextRunAt)
	assert.True(t, s.IsActive)
	assert.Nil(t, s.LastRunAt)
}

func TestNewSchedule_Validation(t *testing.T) {
	tests := []struct {
		name     string
		schName  string
		cronExpr string
		scenario string
		target   string
	}{
		{"bad cron", "n", "not a cron", "s", "t"},
		{"six fields", "n", "0 0 2 * * *", "s", "t"},
		{"empty cron", "n", "", "s", "t"},
		{"no name", "", "0 2 * * *", "s", "t"},
		{"no scenario", "n", "0 2 * * *", "", "t"},
		{"no target", "n", "0 2 * * *", "s", " "},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewSchedule(tt.schName, tt.cronExpr, tt.scenario, tt.target, nil, "", ref)
			require.Error(t, err)
			assert.True(t, shared.IsValidation(err))
		})
	}
}

func TestSchedule_Trigger(t *testing.T) {
	s, err := NewSchedule("hourly", "0 * * * *", "jailbreak", "claude", map[string]any{"depth": 2}, "", ref)
	require.NoError(t, err)

	fireAt := ref.Add(50 * time.Minute)
	require.NoError(t, s.Trigger(fireAt))

	assert.Equal(t, fireAt, *s.LastRunAt)
	assert.Equal(t, time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC), *s.NextRunAt)
	assert.Equal(t, 1, s.RunCount)
}

func TestSchedule_IsDue(t *testing.T) {
	s, err := NewSchedule("nightly", "0 2 * * *", "s", "t", nil, "", ref)
	require.NoError(t, err)

	assert.False(t, s.IsDue(ref))
	assert.True(t, s.IsDue(*s.NextRunAt))

	s.Deactivate(ref)
	assert.False(t, s.IsDue(*s.NextRunAt))
}

func TestSchedule_SetCronRejectsInvalid(t *testing.T) {
	s, err := NewSchedule("nightly", "0 2 * * *", "s", "t", nil, "", ref)
	require.NoError(t, err)
	before := *s.NextRunAt

	err = s.SetCron("61 * * * *", ref)
	assert.True(t, shared.IsValidation(err))
	assert.Equal(t, "0 2 * * *", s.CronExpression)
	assert.Equal(t, before, *s.NextRunAt)
}

func TestSchedule_RunConfig(t *testing.T) {
	s, err := NewSchedule("drift", "@daily", "s", "t", map[string]any{"temperature": 0.2}, "", ref)
	require.NoError(t, err)
	baseline := shared.NewID()
	s.CompareDrift = true
	s.BaselineRunID = &baseline

	cfg := s.RunConfig()
	assert.Equal(t, 0.2, cfg["temperature"])
	assert.Equal(t, true, cfg["compare_drift"])
	assert.Equal(t, baseline.String(), cfg["baseline_run_id"])
	assert.Equal(t, s.ID.String(), cfg["schedule_id"])
	assert.NotContains(t, s.Config, "compare_drift")
}
