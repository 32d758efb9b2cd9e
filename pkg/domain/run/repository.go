package run

import (
	"context"
	"time"
)

// Filter narrows List results.
type Filter struct {
	Status     *Status
	ScenarioID string
	Owner      string
	Limit      int
}

// Repository persists runs. Implementations must make ClaimQueued safe
// across processes: a queued run is handed to exactly one caller.
type Repository interface {
	Create(ctx context.Context, r *Run) error
	GetByID(ctx context.Context, id ID) (*Run, error)
	List(ctx context.Context, filter Filter) ([]*Run, error)

	// ClaimQueued takes up to limit queued runs, oldest first, skipping rows
	// another claimer holds, and marks them running for workerID.
	ClaimQueued(ctx context.Context, limit int, workerID string) ([]*Run, error)

	UpdateProgress(ctx context.Context, id ID, progress float64) error

	// Transition persists r when the stored status still equals from.
	// It returns shared.ErrInvalidTransition if the stored row moved on.
	Transition(ctx context.Context, r *Run, from Status) error

	// ListStale returns running runs claimed before the cutoff.
	ListStale(ctx context.Context, claimedBefore time.Time, limit int) ([]*Run, error)
}
