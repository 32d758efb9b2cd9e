package app

import (
	"context"
	"errors"
	"time"

	"github.com/openctemio/orchestrator/internal/metrics"
	"github.com/openctemio/orchestrator/pkg/domain/run"
	"github.com/openctemio/orchestrator/pkg/domain/shared"
	"github.com/openctemio/orchestrator/pkg/logger"
)

// Progress event types.
const (
	ProgressEventProgress = "progress"
	ProgressEventDone     = "done"
	ProgressEventError    = "error"
)

// ProgressEvent is one frame of a progress stream.
type ProgressEvent struct {
	Type string
	Data any
}

// ProgressError is the payload of an error frame.
type ProgressError struct {
	Error string `json:"error"`
	RunID string `json:"run_id"`
}

// ProgressStream polls a run and reports its state until it finishes.
type ProgressStream struct {
	runs     run.Repository
	interval time.Duration
	logger   *logger.Logger
}

// NewProgressStream creates a ProgressStream polling every interval (default: 1s).
func NewProgressStream(runs run.Repository, interval time.Duration, log *logger.Logger) *ProgressStream {
	if interval <= 0 {
		interval = time.Second
	}
	return &ProgressStream{
		runs:     runs,
		interval: interval,
		logger:   log.With("component", "progress_stream"),
	}
}

// Stream reads the run immediately and then once per interval. While the run
// is live it emits a progress frame per read; the first read that sees a
// terminal status emits a single done frame and ends the stream. An unknown
// run, or a run that belongs to someone other than a non-empty owner, yields
// one error frame. Stream returns when ctx is cancelled or emit fails, which
// is how a client disconnect ends it.
func (p *ProgressStream) Stream(ctx context.Context, runID, owner string, emit func(ProgressEvent) error) error {
	metrics.ProgressStreamsOpen.Inc()
	defer metrics.ProgressStreamsOpen.Dec()

	notFound := ProgressEvent{Type: ProgressEventError, Data: ProgressError{Error: "run not found", RunID: runID}}
	id, err := shared.IDFromString(runID)
	if err != nil {
		return emit(notFound)
	}

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		r, err := p.runs.GetByID(ctx, id)
		switch {
		case errors.Is(err, run.ErrRunNotFound):
			return emit(notFound)
		case err != nil:
			if ctx.Err() != nil {
				return nil
			}
			// Store hiccup: keep the stream open and try again next tick.
			p.logger.Warn("progress read failed", "run_id", runID, "error", err)
		case owner != "" && r.Owner() != owner:
			return emit(notFound)
		case r.Status().IsTerminal():
			return emit(ProgressEvent{Type: ProgressEventDone, Data: r.Snapshot()})
		default:
			if err := emit(ProgressEvent{Type: ProgressEventProgress, Data: r.Snapshot()}); err != nil {
				return err
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
