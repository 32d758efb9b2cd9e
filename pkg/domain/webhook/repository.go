package webhook

import (
	"context"
	"time"
)

// Filter represents filtering options for listing endpoints.
type Filter struct {
	Owner      string
	ActiveOnly bool
}

// Repository persists webhook endpoints. Failure accounting is done in the
// store so concurrent deliveries to one endpoint never lose an increment.
type Repository interface {
	Create(ctx context.Context, e *Endpoint) error
	GetByID(ctx context.Context, id ID) (*Endpoint, error)
	List(ctx context.Context, filter Filter) ([]*Endpoint, error)
	Update(ctx context.Context, e *Endpoint) error
	Delete(ctx context.Context, id ID) error

	// ListCandidates returns active endpoints below threshold subscribed to event.
	ListCandidates(ctx context.Context, event string, threshold int) ([]*Endpoint, error)

	// RecordSuccess zeroes failure_count and stamps last_triggered_at.
	RecordSuccess(ctx context.Context, id ID, at time.Time) error

	// RecordFailure increments failure_count, deactivating the endpoint when
	// it reaches threshold. It reports whether this call deactivated it.
	RecordFailure(ctx context.Context, id ID, threshold int) (bool, error)
}
