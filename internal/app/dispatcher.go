package app

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/openctemio/orchestrator/internal/metrics"
	"github.com/openctemio/orchestrator/pkg/domain/run"
	"github.com/openctemio/orchestrator/pkg/domain/shared"
	"github.com/openctemio/orchestrator/pkg/domain/webhook"
	"github.com/openctemio/orchestrator/pkg/logger"
)

// DispatcherConfig holds configuration for the dispatcher.
type DispatcherConfig struct {
	// PollInterval is how often to look for queued runs (default: 5s)
	PollInterval time.Duration
	// Concurrency is the max number of runs executing at once (default: 4)
	Concurrency int
	// WorkerID identifies this process in claimed_by
	WorkerID string
	// ExecutionTimeout bounds one executor call; zero means no limit
	ExecutionTimeout time.Duration
}

// Dispatcher claims queued runs and executes them to a terminal state.
// Any number of dispatchers may share one store; the claim hands each
// queued run to exactly one of them.
type Dispatcher struct {
	runs     run.Repository
	executor TestExecutor
	ledger   *EvidenceLedger
	dedup    *Deduplicator
	events   EventNotifier
	progress ProgressPublisher
	logger   *logger.Logger
	now      func() time.Time

	interval    time.Duration
	concurrency int
	workerID    string
	timeout     time.Duration

	wake   chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewDispatcher creates a new Dispatcher. events and progress may be nil.
func NewDispatcher(
	runs run.Repository,
	executor TestExecutor,
	ledger *EvidenceLedger,
	dedup *Deduplicator,
	events EventNotifier,
	progress ProgressPublisher,
	cfg DispatcherConfig,
	log *logger.Logger,
) *Dispatcher {
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 4
	}
	workerID := cfg.WorkerID
	if workerID == "" {
		workerID = "dispatcher-" + shared.NewID().String()[:8]
	}

	return &Dispatcher{
		runs:        runs,
		executor:    executor,
		ledger:      ledger,
		dedup:       dedup,
		events:      events,
		progress:    progress,
		logger:      log.With("component", "dispatcher", "worker_id", workerID),
		now:         time.Now,
		interval:    interval,
		concurrency: concurrency,
		workerID:    workerID,
		timeout:     cfg.ExecutionTimeout,
		wake:        make(chan struct{}, 1),
	}
}

// Start starts the poll loop.
func (d *Dispatcher) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	d.wg.Add(1)
	go d.loop(ctx)
	d.logger.Info("dispatcher started", "interval", d.interval, "concurrency", d.concurrency)
}

// Stop cancels in-flight executions and waits for the loop to exit.
// Cancelled executions end as failed runs.
func (d *Dispatcher) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
	d.logger.Info("dispatcher stopped")
}

// Wake asks the loop to poll now instead of waiting for the next tick.
func (d *Dispatcher) Wake() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// NotifyQueued implements QueueNotifier for in-process wakeups.
func (d *Dispatcher) NotifyQueued(_ context.Context, _ run.ID) error {
	d.Wake()
	return nil
}

func (d *Dispatcher) loop(ctx context.Context) {
	defer d.wg.Done()

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		n, err := d.RunOnce(ctx)
		if err != nil && ctx.Err() == nil {
			metrics.DispatcherErrors.WithLabelValues("dispatcher").Inc()
			d.logger.Error("dispatch cycle failed", "error", err)
		}
		// A full batch suggests more work is queued.
		if n == d.concurrency && err == nil {
			if ctx.Err() != nil {
				return
			}
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-d.wake:
		}
	}
}

// RunOnce claims up to Concurrency queued runs, executes them concurrently
// and returns after all of them reached a terminal state.
func (d *Dispatcher) RunOnce(ctx context.Context) (int, error) {
	claimed, err := d.runs.ClaimQueued(ctx, d.concurrency, d.workerID)
	if err != nil {
		return 0, fmt.Errorf("claim queued runs: %w", err)
	}
	if len(claimed) == 0 {
		return 0, nil
	}
	metrics.RunsClaimed.Add(float64(len(claimed)))
	d.logger.Debug("runs claimed", "count", len(claimed))

	var g errgroup.Group
	g.SetLimit(d.concurrency)
	for _, r := range claimed {
		g.Go(func() error {
			d.execute(ctx, r)
			return nil
		})
	}
	_ = g.Wait()
	return len(claimed), nil
}

// execute drives one claimed run to completed or failed. It never returns
// an error and never lets a panic escape.
func (d *Dispatcher) execute(ctx context.Context, r *run.Run) {
	started := d.now()
	metrics.RunsInProgress.Inc()
	defer metrics.RunsInProgress.Dec()

	log := d.logger.With("run_id", r.ID().String(), "scenario_id", r.ScenarioID())
	d.publish(r)

	result, summary, err := d.perform(ctx, r, log)
	// Terminal writes must land even when shutdown cancelled the execution.
	finishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()

	if err != nil {
		d.fail(finishCtx, r, err.Error(), log)
	} else {
		d.complete(finishCtx, r, result, summary, log)
	}
	metrics.RunDuration.WithLabelValues(r.ScenarioID()).Observe(d.now().Sub(started).Seconds())
}

func (d *Dispatcher) perform(ctx context.Context, r *run.Run, log *logger.Logger) (result *ExecutionResult, summary DedupSummary, err error) {
	defer func() {
		if p := recover(); p != nil {
			log.Error("executor panicked", "panic", p, "stack", string(debug.Stack()))
			err = fmt.Errorf("executor panic: %v", p)
		}
	}()

	execCtx := ctx
	if d.timeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	result, err = d.executor.Execute(execCtx, ExecutionRequest{
		RunID:      r.ID(),
		ScenarioID: r.ScenarioID(),
		Target:     r.Target(),
		Config:     r.Config(),
		Progress:   func(p float64) { d.reportProgress(ctx, r, p, log) },
	})
	if err != nil {
		return nil, DedupSummary{}, err
	}
	if result == nil {
		result = &ExecutionResult{}
	}

	if _, err := d.ledger.Record(ctx, r.ID(), result.Findings, d.now()); err != nil {
		return nil, DedupSummary{}, fmt.Errorf("record findings: %w", err)
	}
	summary, err = d.dedup.Classify(ctx, r.ID())
	if err != nil {
		return nil, DedupSummary{}, fmt.Errorf("classify findings: %w", err)
	}
	return result, summary, nil
}

func (d *Dispatcher) reportProgress(ctx context.Context, r *run.Run, p float64, log *logger.Logger) {
	if err := r.SetProgress(p); err != nil {
		return
	}
	if err := d.runs.UpdateProgress(ctx, r.ID(), r.Progress()); err != nil {
		log.Warn("failed to store progress", "error", err)
		return
	}
	d.publish(r)
}

func (d *Dispatcher) complete(ctx context.Context, r *run.Run, result *ExecutionResult, summary DedupSummary, log *logger.Logger) {
	tools := result.ToolsExecuted
	if tools == nil {
		tools = []string{}
	}
	results := map[string]any{
		"tools_executed":     tools,
		"findings_total":     summary.Total,
		"findings_new":       summary.New,
		"findings_recurring": summary.Recurring,
	}
	if err := r.Complete(results, d.now()); err != nil {
		log.Error("cannot complete run", "error", err)
		return
	}
	if !d.persist(ctx, r, log) {
		return
	}

	metrics.RunsFinished.WithLabelValues(r.ScenarioID(), string(run.StatusCompleted)).Inc()
	log.Info("run completed", "findings", summary.Total, "new", summary.New)
	d.notify(ctx, webhook.EventRunCompleted, r, map[string]any{
		"findings_total":     summary.Total,
		"findings_new":       summary.New,
		"findings_recurring": summary.Recurring,
	})
}

func (d *Dispatcher) fail(ctx context.Context, r *run.Run, message string, log *logger.Logger) {
	if err := r.Fail(message, d.now()); err != nil {
		log.Error("cannot fail run", "error", err)
		return
	}
	if !d.persist(ctx, r, log) {
		return
	}

	metrics.RunsFinished.WithLabelValues(r.ScenarioID(), string(run.StatusFailed)).Inc()
	log.Warn("run failed", "error", message)
	d.notify(ctx, webhook.EventRunFailed, r, map[string]any{"error": message})
}

// persist writes the terminal state. A run that left running meanwhile,
// for example through the reclaim sweep, keeps its stored state.
func (d *Dispatcher) persist(ctx context.Context, r *run.Run, log *logger.Logger) bool {
	err := d.runs.Transition(ctx, r, run.StatusRunning)
	switch {
	case err == nil:
		d.publish(r)
		return true
	case errors.Is(err, shared.ErrInvalidTransition):
		log.Warn("run changed state during execution, result dropped", "status", r.Status())
	default:
		log.Error("failed to store terminal state", "status", r.Status(), "error", err)
	}
	return false
}

func (d *Dispatcher) publish(r *run.Run) {
	if d.progress != nil {
		d.progress.PublishProgress(r.Snapshot())
	}
}

func (d *Dispatcher) notify(ctx context.Context, event string, r *run.Run, extra map[string]any) {
	if d.events == nil {
		return
	}
	d.events.Dispatch(ctx, event, runEventData(r, extra))
}

// runEventData is the webhook data payload for run events.
func runEventData(r *run.Run, extra map[string]any) map[string]any {
	data := map[string]any{
		"run_id":      r.ID().String(),
		"scenario_id": r.ScenarioID(),
		"target":      r.Target(),
		"status":      string(r.Status()),
	}
	if t := r.CompletedAt(); t != nil {
		data["completed_at"] = t.Format(time.RFC3339)
	}
	if r.ScheduleID() != nil {
		data["schedule_id"] = r.ScheduleID().String()
	}
	for k, v := range extra {
		data[k] = v
	}
	return data
}
