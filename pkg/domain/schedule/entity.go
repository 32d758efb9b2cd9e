// Package schedule models cron-driven run templates.
package schedule

import (
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/openctemio/orchestrator/pkg/domain/shared"
)

// ID is a type alias for shared.ID.
type ID = shared.ID

// Schedule periodically creates queued runs from a template.
type Schedule struct {
	ID             ID
	Name           string
	CronExpression string
	ScenarioID     string
	Target         string
	Config         map[string]any
	IsActive       bool
	CompareDrift   bool
	BaselineRunID  *ID
	LastRunAt      *time.Time
	NextRunAt      *time.Time
	RunCount       int
	Owner          string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// NewSchedule validates the cron expression and computes the first trigger time from now.
func NewSchedule(name, cronExpr, scenarioID, target string, config map[string]any, owner string, now time.Time) (*Schedule, error) {
	if strings.TrimSpace(name) == "" {
		return nil, shared.NewValidationError("name is required")
	}
	if strings.TrimSpace(scenarioID) == "" {
		return nil, shared.NewValidationError("scenario_id is required")
	}
	if strings.TrimSpace(target) == "" {
		return nil, shared.NewValidationError("target is required")
	}
	next, err := NextAfter(cronExpr, now)
	if err != nil {
		return nil, err
	}
	if config == nil {
		config = map[string]any{}
	}
	now = now.UTC()
	return &Schedule{
		ID:             shared.NewID(),
		Name:           strings.TrimSpace(name),
		CronExpression: strings.TrimSpace(cronExpr),
		ScenarioID:     strings.TrimSpace(scenarioID),
		Target:         strings.TrimSpace(target),
		Config:         config,
		IsActive:       true,
		NextRunAt:      &next,
		Owner:          owner,
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

// SetCron replaces the expression and recomputes the next trigger from now.
// The schedule is left untouched when expr does not parse.
func (s *Schedule) SetCron(expr string, now time.Time) error {
	next, err := NextAfter(expr, now)
	if err != nil {
		return err
	}
	s.CronExpression = strings.TrimSpace(expr)
	s.NextRunAt = &next
	s.UpdatedAt = now.UTC()
	return nil
}

// Activate re-enables the schedule. The next trigger is computed from now;
// activations missed while inactive are not replayed.
func (s *Schedule) Activate(now time.Time) error {
	next, err := NextAfter(s.CronExpression, now)
	if err != nil {
		return err
	}
	s.IsActive = true
	s.NextRunAt = &next
	s.UpdatedAt = now.UTC()
	return nil
}

// Deactivate stops the schedule from triggering.
func (s *Schedule) Deactivate(now time.Time) {
	s.IsActive = false
	s.UpdatedAt = now.UTC()
}

// IsDue reports whether the schedule should fire at now.
func (s *Schedule) IsDue(now time.Time) bool {
	return s.IsActive && s.NextRunAt != nil && !s.NextRunAt.After(now)
}

// Trigger records a firing at now and advances next_run_at from now.
func (s *Schedule) Trigger(now time.Time) error {
	next, err := NextAfter(s.CronExpression, now)
	if err != nil {
		return err
	}
	now = now.UTC()
	s.LastRunAt = &now
	s.NextRunAt = &next
	s.RunCount++
	s.UpdatedAt = now
	return nil
}

// RunConfig returns the config a triggered run receives: the template config
// plus drift comparison settings when enabled.
func (s *Schedule) RunConfig() map[string]any {
	cfg := make(map[string]any, len(s.Config)+3)
	maps.Copy(cfg, s.Config)
	if s.CompareDrift {
		cfg["compare_drift"] = true
		if s.BaselineRunID != nil {
			cfg["baseline_run_id"] = s.BaselineRunID.String()
		}
	}
	cfg["schedule_id"] = s.ID.String()
	return cfg
}

// Errors.
var (
	ErrScheduleNotFound = fmt.Errorf("%w: schedule not found", shared.ErrNotFound)
)
