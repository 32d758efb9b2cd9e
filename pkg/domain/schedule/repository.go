package schedule

import (
	"context"
	"time"
)

// Filter narrows List results.
type Filter struct {
	Owner      string
	ActiveOnly bool
}

// ClaimFunc handles one claimed schedule. It runs while the claim is held;
// returning an error releases the schedule unchanged.
type ClaimFunc func(ctx context.Context, s *Schedule) error

// Repository persists schedules.
type Repository interface {
	Create(ctx context.Context, s *Schedule) error
	GetByID(ctx context.Context, id ID) (*Schedule, error)
	List(ctx context.Context, filter Filter) ([]*Schedule, error)
	Update(ctx context.Context, s *Schedule) error
	Delete(ctx context.Context, id ID) error

	// ClaimDue locks up to limit active schedules due at now, skipping rows
	// held by other claimers, calls fn for each and saves the schedule when
	// fn succeeds. It returns the number of schedules fn handled.
	ClaimDue(ctx context.Context, now time.Time, limit int, fn ClaimFunc) (int, error)
}
