package memory

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/openctemio/orchestrator/pkg/domain/schedule"
	"github.com/openctemio/orchestrator/pkg/domain/shared"
)

// ScheduleRepository implements schedule.Repository.
type ScheduleRepository struct {
	mu        sync.Mutex
	schedules map[shared.ID]*schedule.Schedule
	inFlight  map[shared.ID]bool
}

var _ schedule.Repository = (*ScheduleRepository)(nil)

// NewScheduleRepository creates an empty ScheduleRepository.
func NewScheduleRepository() *ScheduleRepository {
	return &ScheduleRepository{
		schedules: make(map[shared.ID]*schedule.Schedule),
		inFlight:  make(map[shared.ID]bool),
	}
}

func cloneSchedule(s *schedule.Schedule) *schedule.Schedule {
	c := *s
	c.Config = cloneMap(s.Config)
	c.LastRunAt = cloneTime(s.LastRunAt)
	c.NextRunAt = cloneTime(s.NextRunAt)
	if s.BaselineRunID != nil {
		id := *s.BaselineRunID
		c.BaselineRunID = &id
	}
	return &c
}

func (m *ScheduleRepository) nameTaken(name string, except shared.ID) bool {
	for id, s := range m.schedules {
		if id != except && strings.EqualFold(s.Name, name) {
			return true
		}
	}
	return false
}

// Create stores a schedule. Names are unique.
func (m *ScheduleRepository) Create(_ context.Context, s *schedule.Schedule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.schedules[s.ID]; ok || m.nameTaken(s.Name, s.ID) {
		return fmt.Errorf("%w: schedule name %q", shared.ErrAlreadyExists, s.Name)
	}
	m.schedules[s.ID] = cloneSchedule(s)
	return nil
}

// GetByID returns a copy of the schedule.
func (m *ScheduleRepository) GetByID(_ context.Context, id schedule.ID) (*schedule.Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.schedules[id]
	if !ok {
		return nil, schedule.ErrScheduleNotFound
	}
	return cloneSchedule(s), nil
}

// List returns schedules ordered by name.
func (m *ScheduleRepository) List(_ context.Context, filter schedule.Filter) ([]*schedule.Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*schedule.Schedule
	for _, s := range m.schedules {
		if filter.Owner != "" && s.Owner != filter.Owner {
			continue
		}
		if filter.ActiveOnly && !s.IsActive {
			continue
		}
		out = append(out, cloneSchedule(s))
	}
	slices.SortFunc(out, func(a, b *schedule.Schedule) int { return strings.Compare(a.Name, b.Name) })
	return out, nil
}

// Update replaces a stored schedule.
func (m *ScheduleRepository) Update(_ context.Context, s *schedule.Schedule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.schedules[s.ID]; !ok {
		return schedule.ErrScheduleNotFound
	}
	if m.nameTaken(s.Name, s.ID) {
		return fmt.Errorf("%w: schedule name %q", shared.ErrAlreadyExists, s.Name)
	}
	m.schedules[s.ID] = cloneSchedule(s)
	return nil
}

// Delete removes a schedule.
func (m *ScheduleRepository) Delete(_ context.Context, id schedule.ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.schedules[id]; !ok {
		return schedule.ErrScheduleNotFound
	}
	delete(m.schedules, id)
	return nil
}

// ClaimDue marks due schedules in flight under the lock, then calls fn for
// each without holding it so fn may use other repositories. Schedules in
// flight are invisible to concurrent claimers until they are released.
// Only the trigger bookkeeping of a handled schedule is written back, so
// edits made through Update while fn ran are kept.
func (m *ScheduleRepository) ClaimDue(ctx context.Context, now time.Time, limit int, fn schedule.ClaimFunc) (int, error) {
	claimed := m.claim(now, limit)

	handled := 0
	for _, s := range claimed {
		dueAt := cloneTime(s.NextRunAt)
		err := fn(ctx, s)

		m.mu.Lock()
		delete(m.inFlight, s.ID)
		if cur, ok := m.schedules[s.ID]; ok && err == nil {
			recordTrigger(cur, s, dueAt)
			handled++
		}
		m.mu.Unlock()
	}
	return handled, nil
}

// recordTrigger copies a firing from the claimed copy onto the stored
// schedule. next_run_at is left alone when an update re-armed the schedule
// while it was in flight.
func recordTrigger(cur, fired *schedule.Schedule, dueAt *time.Time) {
	cur.LastRunAt = cloneTime(fired.LastRunAt)
	cur.RunCount++
	if sameTime(cur.NextRunAt, dueAt) {
		cur.NextRunAt = cloneTime(fired.NextRunAt)
	}
	if fired.UpdatedAt.After(cur.UpdatedAt) {
		cur.UpdatedAt = fired.UpdatedAt
	}
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

func (m *ScheduleRepository) claim(now time.Time, limit int) []*schedule.Schedule {
	m.mu.Lock()
	defer m.mu.Unlock()

	var due []*schedule.Schedule
	for id, s := range m.schedules {
		if !m.inFlight[id] && s.IsDue(now) {
			due = append(due, s)
		}
	}
	slices.SortFunc(due, func(a, b *schedule.Schedule) int { return a.NextRunAt.Compare(*b.NextRunAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	out := make([]*schedule.Schedule, len(due))
	for i, s := range due {
		m.inFlight[s.ID] = true
		out[i] = cloneSchedule(s)
	}
	return out
}
