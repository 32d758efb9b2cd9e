package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/openctemio/orchestrator/internal/metrics"
	"github.com/openctemio/orchestrator/pkg/domain/run"
	"github.com/openctemio/orchestrator/pkg/domain/shared"
	"github.com/openctemio/orchestrator/pkg/domain/webhook"
	"github.com/openctemio/orchestrator/pkg/logger"
)

// ReclaimMessage is the error message of runs failed by the reclaim sweep.
const ReclaimMessage = "reclaimed: dispatcher lease expired"

// RunReclaimer fails runs whose dispatcher stopped reporting. A run left
// running past MaxRunning is assumed abandoned by a crashed process.
type RunReclaimer struct {
	runs       run.Repository
	events     EventNotifier
	maxRunning time.Duration
	batchSize  int
	logger     *logger.Logger
	now        func() time.Time
}

// NewRunReclaimer creates a RunReclaimer. events may be nil.
func NewRunReclaimer(runs run.Repository, events EventNotifier, maxRunning time.Duration, batchSize int, log *logger.Logger) *RunReclaimer {
	if maxRunning <= 0 {
		maxRunning = time.Hour
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	return &RunReclaimer{
		runs:       runs,
		events:     events,
		maxRunning: maxRunning,
		batchSize:  batchSize,
		logger:     log.With("component", "run_reclaimer"),
		now:        time.Now,
	}
}

// ReclaimStale fails running runs claimed more than MaxRunning ago and
// returns how many it failed. Runs that finished in the meantime are left alone.
func (r *RunReclaimer) ReclaimStale(ctx context.Context) (int, error) {
	now := r.now()
	stale, err := r.runs.ListStale(ctx, now.Add(-r.maxRunning), r.batchSize)
	if err != nil {
		return 0, fmt.Errorf("list stale runs: %w", err)
	}

	reclaimed := 0
	for _, rn := range stale {
		if err := rn.Fail(ReclaimMessage, now); err != nil {
			continue
		}
		if err := r.runs.Transition(ctx, rn, run.StatusRunning); err != nil {
			if errors.Is(err, shared.ErrInvalidTransition) {
				continue
			}
			return reclaimed, fmt.Errorf("fail stale run %s: %w", rn.ID(), err)
		}
		reclaimed++
		metrics.RunsReclaimed.Inc()
		metrics.RunsFinished.WithLabelValues(rn.ScenarioID(), string(run.StatusFailed)).Inc()
		r.logger.Warn("stale run reclaimed",
			"run_id", rn.ID().String(),
			"claimed_by", rn.ClaimedBy(),
			"claimed_at", rn.ClaimedAt(),
		)
		if r.events != nil {
			r.events.Dispatch(ctx, webhook.EventRunFailed, runEventData(rn, map[string]any{"error": ReclaimMessage}))
		}
	}
	return reclaimed, nil
}
