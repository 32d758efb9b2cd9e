package webhook

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openctemio/orchestrator/pkg/domain/shared"
)

func TestNewEndpoint(t *testing.T) {
	e, err := NewEndpoint("alice", "ops", "https://hooks.example.com/x",
		[]string{EventRunFailed, " run.completed", EventRunFailed}, "s3cret")
	require.NoError(t, err)

	assert.True(t, e.IsActive())
	assert.Equal(t, []string{EventRunCompleted, EventRunFailed}, e.Events())
	assert.True(t, e.Subscribes(EventRunCompleted))
	assert.False(t, e.Subscribes(EventScheduleTriggered))
}

func TestNewEndpoint_Validation(t *testing.T) {
	tests := []struct {
		name   string
		url    string
		events []string
		secret string
	}{
		{"no url", "", []string{EventRunCompleted}, "s"},
		{"no events", "https://x", nil, "s"},
		{"unknown event", "https://x", []string{"run.deleted"}, "s"},
		{"test event not subscribable", "https://x", []string{EventTest}, "s"},
		{"no secret", "https://x", []string{EventRunCompleted}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewEndpoint("", "", tt.url, tt.events, tt.secret)
			assert.True(t, shared.IsValidation(err))
		})
	}
}

func TestEndpoint_FailureAccounting(t *testing.T) {
	e, err := NewEndpoint("", "", "https://x", []string{EventRunCompleted}, "s")
	require.NoError(t, err)

	for i := 1; i < DefaultFailureThreshold; i++ {
		assert.False(t, e.RecordFailure(DefaultFailureThreshold))
		assert.True(t, e.IsCandidate(EventRunCompleted, DefaultFailureThreshold))
	}
	assert.True(t, e.RecordFailure(DefaultFailureThreshold))
	assert.False(t, e.IsActive())
	assert.Equal(t, DefaultFailureThreshold, e.FailureCount())
	assert.False(t, e.IsCandidate(EventRunCompleted, DefaultFailureThreshold))

	// Further failures do not report a second disable.
	assert.False(t, e.RecordFailure(DefaultFailureThreshold))

	e.Enable()
	assert.True(t, e.IsActive())
	assert.Zero(t, e.FailureCount())
}

func TestEndpoint_RecordSuccessResets(t *testing.T) {
	e, err := NewEndpoint("", "", "https://x", []string{EventRunCompleted}, "s")
	require.NoError(t, err)
	e.RecordFailure(DefaultFailureThreshold)
	e.RecordFailure(DefaultFailureThreshold)

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	e.RecordSuccess(at)
	assert.Zero(t, e.FailureCount())
	require.NotNil(t, e.LastTriggeredAt())
	assert.Equal(t, at, *e.LastTriggeredAt())
}

func TestEndpoint_InactiveIsNotCandidate(t *testing.T) {
	e, err := NewEndpoint("", "", "https://x", []string{EventRunCompleted}, "s")
	require.NoError(t, err)
	e.Disable()
	assert.False(t, e.IsCandidate(EventRunCompleted, DefaultFailureThreshold))
}
