package memory

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/openctemio/orchestrator/pkg/domain/run"
	"github.com/openctemio/orchestrator/pkg/domain/shared"
)

// RunRepository implements run.Repository.
type RunRepository struct {
	mu   sync.Mutex
	runs map[shared.ID]*run.Run
	now  func() time.Time
}

var _ run.Repository = (*RunRepository)(nil)

// NewRunRepository creates an empty RunRepository.
func NewRunRepository() *RunRepository {
	return &RunRepository{
		runs: make(map[shared.ID]*run.Run),
		now:  time.Now,
	}
}

func cloneRun(r *run.Run) *run.Run {
	return run.Reconstruct(
		r.ID(), r.ScenarioID(), r.Target(), r.Status(), r.Progress(),
		cloneMap(r.Config()), cloneMap(r.Results()), r.ErrorMessage(), r.Owner(),
		r.ScheduleID(), r.ClaimedBy(), cloneTime(r.ClaimedAt()), r.CreatedAt(),
		cloneTime(r.StartedAt()), cloneTime(r.CompletedAt()),
	)
}

// Create stores a new run.
func (m *RunRepository) Create(_ context.Context, r *run.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[r.ID()]; ok {
		return fmt.Errorf("%w: run %s", shared.ErrAlreadyExists, r.ID())
	}
	m.runs[r.ID()] = cloneRun(r)
	return nil
}

// GetByID returns a copy of the run.
func (m *RunRepository) GetByID(_ context.Context, id run.ID) (*run.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok {
		return nil, run.ErrRunNotFound
	}
	return cloneRun(r), nil
}

// List returns runs newest first.
func (m *RunRepository) List(_ context.Context, filter run.Filter) ([]*run.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*run.Run
	for _, r := range m.runs {
		if filter.Status != nil && r.Status() != *filter.Status {
			continue
		}
		if filter.ScenarioID != "" && r.ScenarioID() != filter.ScenarioID {
			continue
		}
		if filter.Owner != "" && r.Owner() != filter.Owner {
			continue
		}
		out = append(out, cloneRun(r))
	}
	slices.SortFunc(out, func(a, b *run.Run) int {
		if c := b.CreatedAt().Compare(a.CreatedAt()); c != 0 {
			return c
		}
		return b.ID().Compare(a.ID())
	})

	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ClaimQueued marks up to limit of the oldest queued runs running under the
// repository lock.
func (m *RunRepository) ClaimQueued(_ context.Context, limit int, workerID string) ([]*run.Run, error) {
	if limit <= 0 {
		return nil, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var queued []*run.Run
	for _, r := range m.runs {
		if r.Status() == run.StatusQueued {
			queued = append(queued, r)
		}
	}
	slices.SortFunc(queued, func(a, b *run.Run) int {
		if c := a.CreatedAt().Compare(b.CreatedAt()); c != 0 {
			return c
		}
		return a.ID().Compare(b.ID())
	})
	if len(queued) > limit {
		queued = queued[:limit]
	}

	now := m.now()
	claimed := make([]*run.Run, 0, len(queued))
	for _, r := range queued {
		if err := r.Claim(workerID, now); err != nil {
			return nil, err
		}
		claimed = append(claimed, cloneRun(r))
	}
	return claimed, nil
}

// UpdateProgress stores progress for a running run.
func (m *RunRepository) UpdateProgress(_ context.Context, id run.ID, progress float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok {
		return run.ErrRunNotFound
	}
	return r.SetProgress(progress)
}

// Transition replaces the stored run when its status still equals from.
func (m *RunRepository) Transition(_ context.Context, r *run.Run, from run.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.runs[r.ID()]
	if !ok {
		return run.ErrRunNotFound
	}
	if stored.Status() != from {
		return fmt.Errorf("%w: run %s changed concurrently", shared.ErrInvalidTransition, r.ID())
	}
	m.runs[r.ID()] = cloneRun(r)
	return nil
}

// ListStale returns running runs claimed before the cutoff, oldest claim first.
func (m *RunRepository) ListStale(_ context.Context, claimedBefore time.Time, limit int) ([]*run.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*run.Run
	for _, r := range m.runs {
		if r.Status() == run.StatusRunning && r.ClaimedAt() != nil && r.ClaimedAt().Before(claimedBefore) {
			out = append(out, cloneRun(r))
		}
	}
	slices.SortFunc(out, func(a, b *run.Run) int {
		return a.ClaimedAt().Compare(*b.ClaimedAt())
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
