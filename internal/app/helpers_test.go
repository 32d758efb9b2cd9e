package app

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/openctemio/orchestrator/internal/infra/memory"
	"github.com/openctemio/orchestrator/pkg/domain/finding"
	"github.com/openctemio/orchestrator/pkg/domain/run"
	"github.com/openctemio/orchestrator/pkg/logger"
)

// fakeExecutor returns scripted results and counts calls per run.
type fakeExecutor struct {
	mu     sync.Mutex
	calls  map[run.ID]int
	total  atomic.Int32
	result func(req ExecutionRequest) (*ExecutionResult, error)
}

func newFakeExecutor(result func(req ExecutionRequest) (*ExecutionResult, error)) *fakeExecutor {
	if result == nil {
		result = func(ExecutionRequest) (*ExecutionResult, error) {
			return &ExecutionResult{ToolsExecuted: []string{"garak"}}, nil
		}
	}
	return &fakeExecutor{calls: make(map[run.ID]int), result: result}
}

func (f *fakeExecutor) Execute(_ context.Context, req ExecutionRequest) (*ExecutionResult, error) {
	f.mu.Lock()
	f.calls[req.RunID]++
	f.mu.Unlock()
	f.total.Add(1)
	return f.result(req)
}

func (f *fakeExecutor) callsFor(id run.ID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[id]
}

// recordedEvent is one Dispatch call seen by eventRecorder.
type recordedEvent struct {
	Event string
	Data  map[string]any
}

// eventRecorder implements EventNotifier.
type eventRecorder struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (r *eventRecorder) Dispatch(_ context.Context, event string, data map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, recordedEvent{Event: event, Data: data})
}

func (r *eventRecorder) all() []recordedEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]recordedEvent, len(r.events))
	copy(out, r.events)
	return out
}

// progressRecorder implements ProgressPublisher.
type progressRecorder struct {
	mu    sync.Mutex
	snaps []run.Snapshot
}

func (p *progressRecorder) PublishProgress(s run.Snapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.snaps = append(p.snaps, s)
}

func (p *progressRecorder) all() []run.Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]run.Snapshot, len(p.snaps))
	copy(out, p.snaps)
	return out
}

// tamperingFindings rewrites findings on the way out of the store.
type tamperingFindings struct {
	finding.Repository
	mutate func([]*finding.Finding)
}

func (t *tamperingFindings) ListByRun(ctx context.Context, runID finding.ID) ([]*finding.Finding, error) {
	list, err := t.Repository.ListByRun(ctx, runID)
	if err == nil && t.mutate != nil {
		t.mutate(list)
	}
	return list, err
}

// failingRuns makes ClaimQueued fail a fixed number of times.
type failingRuns struct {
	run.Repository
	failures atomic.Int32
}

func (f *failingRuns) ClaimQueued(ctx context.Context, limit int, workerID string) ([]*run.Run, error) {
	if f.failures.Add(-1) >= 0 {
		return nil, errors.New("store unreachable")
	}
	return f.Repository.ClaimQueued(ctx, limit, workerID)
}

type testEngine struct {
	store    *memory.Store
	ledger   *EvidenceLedger
	dedup    *Deduplicator
	events   *eventRecorder
	progress *progressRecorder
}

func newTestEngine(order PriorOrder) *testEngine {
	store := memory.NewStore()
	log := logger.NewNop()
	return &testEngine{
		store:    store,
		ledger:   NewEvidenceLedger(store.Findings, log),
		dedup:    NewDeduplicator(store.Findings, order, log),
		events:   &eventRecorder{},
		progress: &progressRecorder{},
	}
}

func (e *testEngine) dispatcher(exec TestExecutor, workerID string, concurrency int) *Dispatcher {
	return NewDispatcher(e.store.Runs, exec, e.ledger, e.dedup, e.events, e.progress, DispatcherConfig{
		Concurrency: concurrency,
		WorkerID:    workerID,
	}, logger.NewNop())
}

func (e *testEngine) queue(ctx context.Context, n int) ([]*run.Run, error) {
	base := time.Now().Add(-time.Hour)
	out := make([]*run.Run, 0, n)
	for i := range n {
		r, err := run.NewRun("jailbreak", "https://model.example", nil, "alice")
		if err != nil {
			return nil, err
		}
		r.SetCreatedAt(base.Add(time.Duration(i) * time.Millisecond))
		if err := e.store.Runs.Create(ctx, r); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}
