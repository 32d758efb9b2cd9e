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

	"github.com/openctemio/orchestrator/pkg/domain/evidence"
	"github.com/openctemio/orchestrator/pkg/domain/finding"
	"github.com/openctemio/orchestrator/pkg/domain/run"
	"github.com/openctemio/orchestrator/pkg/domain/webhook"
	"github.com/openctemio/orchestrator/pkg/logger"
)

func TestDispatcher_TwoDispatchersExecuteEachRunOnce(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(PriorAnyRun)
	const k = 50
	queued, err := eng.queue(ctx, k)
	require.NoError(t, err)

	exec := newFakeExecutor(func(ExecutionRequest) (*ExecutionResult, error) {
		time.Sleep(time.Millisecond)
		return &ExecutionResult{}, nil
	})
	dispatchers := []*Dispatcher{
		eng.dispatcher(exec, "worker-a", 4),
		eng.dispatcher(exec, "worker-b", 4),
	}

	var wg sync.WaitGroup
	for _, d := range dispatchers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				n, err := d.RunOnce(ctx)
				if !assert.NoError(t, err) || n == 0 {
					return
				}
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(k), exec.total.Load())
	for _, r := range queued {
		assert.Equal(t, 1, exec.callsFor(r.ID()), "run %s", r.ID())
		got, err := eng.store.Runs.GetByID(ctx, r.ID())
		require.NoError(t, err)
		assert.Equal(t, run.StatusCompleted, got.Status())
	}
}

func TestDispatcher_CompletesRunWithFindings(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(PriorAnyRun)
	queued, err := eng.queue(ctx, 1)
	require.NoError(t, err)
	id := queued[0].ID()

	exec := newFakeExecutor(func(req ExecutionRequest) (*ExecutionResult, error) {
		req.Progress(0.5)
		return &ExecutionResult{
			ToolsExecuted: []string{"garak", "pyrit"},
			Findings: []finding.Draft{
				{Tool: "garak", Severity: "HIGH", Title: "Prompt leak", Evidence: json.RawMessage(`{"b":2,"a":1}`)},
				{Tool: "pyrit", Severity: "low", Title: "Verbose errors", Technique: "AML.T0051.000"},
			},
		}, nil
	})
	d := eng.dispatcher(exec, "w1", 2)

	n, err := d.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := eng.store.Runs.GetByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, run.StatusCompleted, got.Status())
	assert.Equal(t, 1.0, got.Progress())
	require.NotNil(t, got.CompletedAt())
	require.NotNil(t, got.StartedAt())
	assert.Equal(t, []string{"garak", "pyrit"}, got.Results()["tools_executed"])
	assert.Equal(t, 2, got.Results()["findings_new"])

	findings, err := eng.store.Findings.ListByRun(ctx, id)
	require.NoError(t, err)
	require.Len(t, findings, 2)
	assert.Equal(t, evidence.GenesisHash, findings[0].PreviousHash)
	assert.Equal(t, findings[0].EvidenceHash, findings[1].PreviousHash)
	assert.JSONEq(t, `{"a":1,"b":2}`, string(findings[0].Evidence))
	for _, f := range findings {
		assert.True(t, f.IsNew)
		assert.NotEmpty(t, f.Fingerprint)
	}
	assert.True(t, evidence.VerifyChain(findings).Valid)

	events := eng.events.all()
	require.Len(t, events, 1)
	assert.Equal(t, webhook.EventRunCompleted, events[0].Event)
	assert.Equal(t, id.String(), events[0].Data["run_id"])
	assert.Equal(t, "completed", events[0].Data["status"])

	snaps := eng.progress.all()
	require.GreaterOrEqual(t, len(snaps), 3)
	assert.Equal(t, run.StatusRunning, snaps[0].Status)
	assert.Equal(t, 0.5, snaps[1].Progress)
	assert.Equal(t, run.StatusCompleted, snaps[len(snaps)-1].Status)
}

func TestDispatcher_ExecutorErrorFailsRun(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(PriorAnyRun)
	queued, err := eng.queue(ctx, 1)
	require.NoError(t, err)

	exec := newFakeExecutor(func(ExecutionRequest) (*ExecutionResult, error) {
		return nil, errors.New("model endpoint returned 503")
	})
	_, err = eng.dispatcher(exec, "w1", 1).RunOnce(ctx)
	require.NoError(t, err)

	got, err := eng.store.Runs.GetByID(ctx, queued[0].ID())
	require.NoError(t, err)
	assert.Equal(t, run.StatusFailed, got.Status())
	assert.Equal(t, "model endpoint returned 503", got.ErrorMessage())
	assert.NotNil(t, got.CompletedAt())

	events := eng.events.all()
	require.Len(t, events, 1)
	assert.Equal(t, webhook.EventRunFailed, events[0].Event)
	assert.Equal(t, "model endpoint returned 503", events[0].Data["error"])
}

func TestDispatcher_PanicFailsOnlyThatRun(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(PriorAnyRun)
	queued, err := eng.queue(ctx, 3)
	require.NoError(t, err)
	bad := queued[1].ID()

	exec := newFakeExecutor(func(req ExecutionRequest) (*ExecutionResult, error) {
		if req.RunID == bad {
			panic("probe crashed")
		}
		return &ExecutionResult{}, nil
	})
	n, err := eng.dispatcher(exec, "w1", 3).RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	for _, r := range queued {
		got, err := eng.store.Runs.GetByID(ctx, r.ID())
		require.NoError(t, err)
		require.NotNil(t, got.CompletedAt())
		if r.ID() == bad {
			assert.Equal(t, run.StatusFailed, got.Status())
			assert.Contains(t, got.ErrorMessage(), "probe crashed")
		} else {
			assert.Equal(t, run.StatusCompleted, got.Status())
		}
	}
}

func TestDispatcher_InvalidFindingFailsRun(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(PriorAnyRun)
	queued, err := eng.queue(ctx, 1)
	require.NoError(t, err)

	exec := newFakeExecutor(func(ExecutionRequest) (*ExecutionResult, error) {
		return &ExecutionResult{Findings: []finding.Draft{{Tool: "garak", Title: "x", Evidence: json.RawMessage(`{not json`)}}}, nil
	})
	_, err = eng.dispatcher(exec, "w1", 1).RunOnce(ctx)
	require.NoError(t, err)

	got, _ := eng.store.Runs.GetByID(ctx, queued[0].ID())
	assert.Equal(t, run.StatusFailed, got.Status())
	assert.Contains(t, got.ErrorMessage(), "record findings")
}

func TestDispatcher_FindingWithoutSeverityCompletesRun(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(PriorAnyRun)
	queued, err := eng.queue(ctx, 1)
	require.NoError(t, err)
	id := queued[0].ID()

	exec := newFakeExecutor(func(ExecutionRequest) (*ExecutionResult, error) {
		return &ExecutionResult{Findings: []finding.Draft{{Tool: "garak", Title: "Unscored leak"}}}, nil
	})
	_, err = eng.dispatcher(exec, "w1", 1).RunOnce(ctx)
	require.NoError(t, err)

	got, err := eng.store.Runs.GetByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, run.StatusCompleted, got.Status(), got.ErrorMessage())

	findings, err := eng.store.Findings.ListByRun(ctx, id)
	require.NoError(t, err)
	require.Len(t, findings, 1)
	assert.Empty(t, findings[0].Severity)
	assert.Equal(t, finding.Fingerprint("Unscored leak", "garak", "", ""), findings[0].Fingerprint)
}

func TestDispatcher_RespectsConcurrencyLimit(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(PriorAnyRun)
	_, err := eng.queue(ctx, 5)
	require.NoError(t, err)

	n, err := eng.dispatcher(newFakeExecutor(nil), "w1", 2).RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	queued := run.StatusQueued
	left, err := eng.store.Runs.List(ctx, run.Filter{Status: &queued})
	require.NoError(t, err)
	assert.Len(t, left, 3)
}

func TestDispatcher_LoopSurvivesStoreErrors(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(PriorAnyRun)
	queued, err := eng.queue(ctx, 1)
	require.NoError(t, err)

	runs := &failingRuns{Repository: eng.store.Runs}
	runs.failures.Store(2)
	d := NewDispatcher(runs, newFakeExecutor(nil), eng.ledger, eng.dedup, nil, nil, DispatcherConfig{
		PollInterval: 10 * time.Millisecond,
		Concurrency:  1,
		WorkerID:     "w1",
	}, logger.NewNop())

	d.Start()
	defer d.Stop()

	assert.Eventually(t, func() bool {
		got, err := eng.store.Runs.GetByID(ctx, queued[0].ID())
		return err == nil && got.Status() == run.StatusCompleted
	}, 2*time.Second, 10*time.Millisecond)
}

func TestDispatcher_WakeTriggersEarlyPoll(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(PriorAnyRun)
	d := NewDispatcher(eng.store.Runs, newFakeExecutor(nil), eng.ledger, eng.dedup, nil, nil, DispatcherConfig{
		PollInterval: time.Hour,
		Concurrency:  1,
	}, logger.NewNop())
	d.Start()
	defer d.Stop()

	queued, err := eng.queue(ctx, 1)
	require.NoError(t, err)
	require.NoError(t, d.NotifyQueued(ctx, queued[0].ID()))

	assert.Eventually(t, func() bool {
		got, err := eng.store.Runs.GetByID(ctx, queued[0].ID())
		return err == nil && got.Status().IsTerminal()
	}, 2*time.Second, 10*time.Millisecond)
}
