package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/openctemio/orchestrator/pkg/domain/scenario"
	"github.com/openctemio/orchestrator/pkg/domain/schedule"
	"github.com/openctemio/orchestrator/pkg/domain/shared"
	"github.com/openctemio/orchestrator/pkg/logger"
)

// ScheduleService provides schedule management.
type ScheduleService struct {
	repo      schedule.Repository
	scenarios *scenario.Registry
	logger    *logger.Logger
	now       func() time.Time
}

// NewScheduleService creates a new ScheduleService.
func NewScheduleService(repo schedule.Repository, scenarios *scenario.Registry, log *logger.Logger) *ScheduleService {
	if scenarios == nil {
		scenarios = scenario.Open()
	}
	return &ScheduleService{
		repo:      repo,
		scenarios: scenarios,
		logger:    log.With("service", "schedule"),
		now:       time.Now,
	}
}

// CreateScheduleInput represents input for creating a schedule.
type CreateScheduleInput struct {
	Name           string         `json:"name" validate:"required,min=1,max=255"`
	CronExpression string         `json:"cron_expression" validate:"required,cron"`
	ScenarioID     string         `json:"scenario_id" validate:"required,max=255"`
	Target         string         `json:"target" validate:"required,max=2048"`
	Config         map[string]any `json:"config"`
	CompareDrift   bool           `json:"compare_drift"`
	BaselineRunID  string         `json:"baseline_run_id" validate:"omitempty,uuid"`
	IsActive       *bool          `json:"is_active"`
	Owner          string         `json:"-"`
}

// CreateSchedule validates the cron expression eagerly and stores the schedule.
func (s *ScheduleService) CreateSchedule(ctx context.Context, input CreateScheduleInput) (*schedule.Schedule, error) {
	if err := s.scenarios.Validate(strings.TrimSpace(input.ScenarioID)); err != nil {
		return nil, err
	}
	now := s.now()
	sc, err := schedule.NewSchedule(input.Name, input.CronExpression, input.ScenarioID, input.Target, input.Config, input.Owner, now)
	if err != nil {
		return nil, err
	}
	sc.CompareDrift = input.CompareDrift
	if input.BaselineRunID != "" {
		id, err := shared.IDFromString(input.BaselineRunID)
		if err != nil {
			return nil, err
		}
		sc.BaselineRunID = &id
	}
	if input.IsActive != nil && !*input.IsActive {
		sc.Deactivate(now)
	}

	if err := s.repo.Create(ctx, sc); err != nil {
		return nil, err
	}
	s.logger.Info("schedule created",
		"schedule_id", sc.ID.String(),
		"name", sc.Name,
		"cron", sc.CronExpression,
		"next_run_at", sc.NextRunAt,
	)
	return sc, nil
}

// GetSchedule returns a schedule by id.
func (s *ScheduleService) GetSchedule(ctx context.Context, id string) (*schedule.Schedule, error) {
	scheduleID, err := shared.IDFromString(id)
	if err != nil {
		return nil, err
	}
	return s.repo.GetByID(ctx, scheduleID)
}

// ListSchedules returns schedules ordered by name.
func (s *ScheduleService) ListSchedules(ctx context.Context, owner string, activeOnly bool) ([]*schedule.Schedule, error) {
	return s.repo.List(ctx, schedule.Filter{Owner: owner, ActiveOnly: activeOnly})
}

// UpdateScheduleInput represents a partial schedule update. Nil fields are unchanged.
type UpdateScheduleInput struct {
	Name           *string         `json:"name" validate:"omitempty,min=1,max=255"`
	CronExpression *string         `json:"cron_expression" validate:"omitempty,cron"`
	ScenarioID     *string         `json:"scenario_id" validate:"omitempty,max=255"`
	Target         *string         `json:"target" validate:"omitempty,max=2048"`
	Config         *map[string]any `json:"config"`
	CompareDrift   *bool           `json:"compare_drift"`
	BaselineRunID  *string         `json:"baseline_run_id" validate:"omitempty"`
	IsActive       *bool           `json:"is_active"`
}

// UpdateSchedule applies a partial update. A changed cron expression is
// validated before anything is written.
func (s *ScheduleService) UpdateSchedule(ctx context.Context, id string, input UpdateScheduleInput) (*schedule.Schedule, error) {
	sc, err := s.GetSchedule(ctx, id)
	if err != nil {
		return nil, err
	}
	now := s.now()

	if input.CronExpression != nil {
		if err := sc.SetCron(*input.CronExpression, now); err != nil {
			return nil, err
		}
	}
	if input.Name != nil {
		name := strings.TrimSpace(*input.Name)
		if name == "" {
			return nil, shared.NewValidationError("name cannot be empty")
		}
		sc.Name = name
	}
	if input.ScenarioID != nil {
		scenarioID := strings.TrimSpace(*input.ScenarioID)
		if scenarioID == "" {
			return nil, shared.NewValidationError("scenario_id cannot be empty")
		}
		if err := s.scenarios.Validate(scenarioID); err != nil {
			return nil, err
		}
		sc.ScenarioID = scenarioID
	}
	if input.Target != nil {
		target := strings.TrimSpace(*input.Target)
		if target == "" {
			return nil, shared.NewValidationError("target cannot be empty")
		}
		sc.Target = target
	}
	if input.Config != nil {
		sc.Config = *input.Config
	}
	if input.CompareDrift != nil {
		sc.CompareDrift = *input.CompareDrift
	}
	if input.BaselineRunID != nil {
		if *input.BaselineRunID == "" {
			sc.BaselineRunID = nil
		} else {
			baseline, err := shared.IDFromString(*input.BaselineRunID)
			if err != nil {
				return nil, err
			}
			sc.BaselineRunID = &baseline
		}
	}
	if input.IsActive != nil && *input.IsActive != sc.IsActive {
		if *input.IsActive {
			if err := sc.Activate(now); err != nil {
				return nil, err
			}
		} else {
			sc.Deactivate(now)
		}
	}
	sc.UpdatedAt = now.UTC()

	if err := s.repo.Update(ctx, sc); err != nil {
		return nil, fmt.Errorf("update schedule: %w", err)
	}
	s.logger.Info("schedule updated", "schedule_id", sc.ID.String(), "next_run_at", sc.NextRunAt)
	return sc, nil
}

// DeleteSchedule removes a schedule. Runs it created are kept.
func (s *ScheduleService) DeleteSchedule(ctx context.Context, id string) error {
	scheduleID, err := shared.IDFromString(id)
	if err != nil {
		return err
	}
	if err := s.repo.Delete(ctx, scheduleID); err != nil {
		return err
	}
	s.logger.Info("schedule deleted", "schedule_id", id)
	return nil
}
