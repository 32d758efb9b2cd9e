package finding

import (
	"context"
	"time"
)

// Repository persists findings.
type Repository interface {
	// Create inserts findings in order. Callers pass one run's findings at a time.
	Create(ctx context.Context, findings []*Finding) error

	// ListByRun returns a run's findings in ledger order (created_at, then id).
	ListByRun(ctx context.Context, runID ID) ([]*Finding, error)

	// LastHashForRun returns the newest evidence hash recorded for the run,
	// or "" when the run has no hashed findings yet.
	LastHashForRun(ctx context.Context, runID ID) (string, error)

	// ExistsInOtherRun reports whether any finding outside runID carries fingerprint.
	ExistsInOtherRun(ctx context.Context, fingerprint string, runID ID) (bool, error)

	// ExistsInEarlierRun is ExistsInOtherRun restricted to findings created before createdAt.
	ExistsInEarlierRun(ctx context.Context, fingerprint string, runID ID, createdAt time.Time) (bool, error)

	// SetClassification stores the fingerprint and novelty flag.
	SetClassification(ctx context.Context, id ID, fingerprint string, isNew bool) error
}
