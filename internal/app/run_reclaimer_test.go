package app

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openctemio/orchestrator/pkg/domain/run"
	"github.com/openctemio/orchestrator/pkg/domain/webhook"
	"github.com/openctemio/orchestrator/pkg/logger"
)

func TestRunReclaimer_FailsStaleRuns(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(PriorAnyRun)
	queued, err := eng.queue(ctx, 3)
	require.NoError(t, err)

	claimed, err := eng.store.Runs.ClaimQueued(ctx, 2, "crashed-worker")
	require.NoError(t, err)
	require.Len(t, claimed, 2)

	reclaimer := NewRunReclaimer(eng.store.Runs, eng.events, time.Hour, 0, logger.NewNop())

	// Within the lease nothing happens.
	n, err := reclaimer.ReclaimStale(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	reclaimer.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	n, err = reclaimer.ReclaimStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for _, r := range claimed {
		got, err := eng.store.Runs.GetByID(ctx, r.ID())
		require.NoError(t, err)
		assert.Equal(t, run.StatusFailed, got.Status())
		assert.Equal(t, ReclaimMessage, got.ErrorMessage())
		assert.NotNil(t, got.CompletedAt())
	}

	// The unclaimed run is untouched.
	got, err := eng.store.Runs.GetByID(ctx, queued[2].ID())
	require.NoError(t, err)
	assert.Equal(t, run.StatusQueued, got.Status())

	events := eng.events.all()
	require.Len(t, events, 2)
	for _, ev := range events {
		assert.Equal(t, webhook.EventRunFailed, ev.Event)
		assert.Equal(t, ReclaimMessage, ev.Data["error"])
	}

	n, err = reclaimer.ReclaimStale(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRunReclaimer_LateResultIsDropped(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(PriorAnyRun)
	_, err := eng.queue(ctx, 1)
	require.NoError(t, err)

	release := make(chan struct{})
	started := make(chan struct{})
	exec := newFakeExecutor(func(ExecutionRequest) (*ExecutionResult, error) {
		close(started)
		<-release
		return &ExecutionResult{}, nil
	})
	d := eng.dispatcher(exec, "slow-worker", 1)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = d.RunOnce(ctx)
	}()
	<-started

	reclaimer := NewRunReclaimer(eng.store.Runs, nil, time.Minute, 0, logger.NewNop())
	reclaimer.now = func() time.Time { return time.Now().Add(time.Hour) }
	n, err := reclaimer.ReclaimStale(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	close(release)
	<-done

	runs, err := eng.store.Runs.List(ctx, run.Filter{})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, run.StatusFailed, runs[0].Status())
	assert.Equal(t, ReclaimMessage, runs[0].ErrorMessage())
	assert.Empty(t, eng.events.all())
}
