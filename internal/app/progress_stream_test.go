package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openctemio/orchestrator/internal/infra/memory"
	"github.com/openctemio/orchestrator/pkg/domain/run"
	"github.com/openctemio/orchestrator/pkg/domain/shared"
	"github.com/openctemio/orchestrator/pkg/logger"
)

type frameRecorder struct {
	mu     sync.Mutex
	frames []ProgressEvent
	onEmit func(n int)
}

func (f *frameRecorder) emit(ev ProgressEvent) error {
	f.mu.Lock()
	f.frames = append(f.frames, ev)
	n := len(f.frames)
	f.mu.Unlock()
	if f.onEmit != nil {
		f.onEmit(n)
	}
	return nil
}

func (f *frameRecorder) types() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.frames))
	for _, fr := range f.frames {
		out = append(out, fr.Type)
	}
	return out
}

func claimedRun(t *testing.T, store *memory.Store) *run.Run {
	t.Helper()
	ctx := context.Background()
	r, err := run.NewRun("jailbreak", "t", nil, "")
	require.NoError(t, err)
	require.NoError(t, store.Runs.Create(ctx, r))
	claimed, err := store.Runs.ClaimQueued(ctx, 1, "w1")
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	return claimed[0]
}

func TestProgressStream_RunningThenCompleted(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	r := claimedRun(t, store)
	stream := NewProgressStream(store.Runs, 5*time.Millisecond, logger.NewNop())

	rec := &frameRecorder{}
	rec.onEmit = func(n int) {
		switch n {
		case 1:
			require.NoError(t, store.Runs.UpdateProgress(ctx, r.ID(), 0.4))
		case 2:
			require.NoError(t, r.Complete(map[string]any{}, time.Now()))
			require.NoError(t, store.Runs.Transition(ctx, r, run.StatusRunning))
		}
	}

	require.NoError(t, stream.Stream(ctx, r.ID().String(), "", rec.emit))

	types := rec.types()
	require.GreaterOrEqual(t, len(types), 2)
	assert.Equal(t, ProgressEventDone, types[len(types)-1])
	for _, typ := range types[:len(types)-1] {
		assert.Equal(t, ProgressEventProgress, typ)
	}

	assert.Equal(t, 0.4, rec.frames[1].Data.(run.Snapshot).Progress)
	last := rec.frames[len(rec.frames)-1].Data.(run.Snapshot)
	assert.Equal(t, run.StatusCompleted, last.Status)
	assert.NotNil(t, last.CompletedAt)
}

func TestProgressStream_AlreadyTerminal(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	r := claimedRun(t, store)
	require.NoError(t, r.Fail("boom", time.Now()))
	require.NoError(t, store.Runs.Transition(ctx, r, run.StatusRunning))

	rec := &frameRecorder{}
	require.NoError(t, NewProgressStream(store.Runs, time.Millisecond, logger.NewNop()).Stream(ctx, r.ID().String(), "", rec.emit))
	assert.Equal(t, []string{ProgressEventDone}, rec.types())
}

func TestProgressStream_UnknownRun(t *testing.T) {
	stream := NewProgressStream(memory.NewRunRepository(), time.Millisecond, logger.NewNop())

	for _, id := range []string{shared.NewID().String(), "not-a-uuid"} {
		rec := &frameRecorder{}
		require.NoError(t, stream.Stream(context.Background(), id, "", rec.emit))
		require.Equal(t, []string{ProgressEventError}, rec.types())
		assert.Equal(t, ProgressError{Error: "run not found", RunID: id}, rec.frames[0].Data)
	}
}

func TestProgressStream_OwnerScoping(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	r, err := run.NewRun("jailbreak", "t", nil, "alice")
	require.NoError(t, err)
	require.NoError(t, r.Cancel(time.Now()))
	require.NoError(t, store.Runs.Create(ctx, r))
	stream := NewProgressStream(store.Runs, time.Millisecond, logger.NewNop())

	tests := []struct {
		name  string
		owner string
		want  string
	}{
		{"owner", "alice", ProgressEventDone},
		{"no owner", "", ProgressEventDone},
		{"other owner", "mallory", ProgressEventError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &frameRecorder{}
			require.NoError(t, stream.Stream(ctx, r.ID().String(), tt.owner, rec.emit))
			require.Equal(t, []string{tt.want}, rec.types())
			if tt.want == ProgressEventError {
				assert.Equal(t, ProgressError{Error: "run not found", RunID: r.ID().String()}, rec.frames[0].Data)
			}
		})
	}
}

func TestProgressStream_StopsOnDisconnect(t *testing.T) {
	store := memory.NewStore()
	r := claimedRun(t, store)
	ctx, cancel := context.WithCancel(context.Background())

	rec := &frameRecorder{onEmit: func(n int) {
		if n == 3 {
			cancel()
		}
	}}
	done := make(chan error, 1)
	go func() {
		done <- NewProgressStream(store.Runs, time.Millisecond, logger.NewNop()).Stream(ctx, r.ID().String(), "", rec.emit)
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not stop after cancellation")
	}
	assert.NotContains(t, rec.types(), ProgressEventDone)
}

func TestProgressStream_EmitErrorEndsStream(t *testing.T) {
	store := memory.NewStore()
	r := claimedRun(t, store)
	broken := errors.New("broken pipe")

	err := NewProgressStream(store.Runs, time.Millisecond, logger.NewNop()).
		Stream(context.Background(), r.ID().String(), "", func(ProgressEvent) error { return broken })
	assert.ErrorIs(t, err, broken)
}
