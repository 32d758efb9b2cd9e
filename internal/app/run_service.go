package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/openctemio/orchestrator/pkg/domain/evidence"
	"github.com/openctemio/orchestrator/pkg/domain/finding"
	"github.com/openctemio/orchestrator/pkg/domain/run"
	"github.com/openctemio/orchestrator/pkg/domain/scenario"
	"github.com/openctemio/orchestrator/pkg/domain/shared"
	"github.com/openctemio/orchestrator/pkg/logger"
)

// RunService provides the API-facing run operations.
type RunService struct {
	runs      run.Repository
	findings  finding.Repository
	ledger    *EvidenceLedger
	scenarios *scenario.Registry
	queue     QueueNotifier
	logger    *logger.Logger
	now       func() time.Time
}

// NewRunService creates a new RunService. queue may be nil.
func NewRunService(
	runs run.Repository,
	findings finding.Repository,
	ledger *EvidenceLedger,
	scenarios *scenario.Registry,
	queue QueueNotifier,
	log *logger.Logger,
) *RunService {
	if scenarios == nil {
		scenarios = scenario.Open()
	}
	return &RunService{
		runs:      runs,
		findings:  findings,
		ledger:    ledger,
		scenarios: scenarios,
		queue:     queue,
		logger:    log.With("service", "run"),
		now:       time.Now,
	}
}

// CreateRunInput represents input for queueing a run.
type CreateRunInput struct {
	ScenarioID string         `json:"scenario_id" validate:"required,max=255"`
	Target     string         `json:"target" validate:"required,max=2048"`
	Config     map[string]any `json:"config"`
	Owner      string         `json:"-"`
}

// CreateRun queues a new run and wakes the dispatchers.
func (s *RunService) CreateRun(ctx context.Context, input CreateRunInput) (*run.Run, error) {
	if err := s.scenarios.Validate(strings.TrimSpace(input.ScenarioID)); err != nil {
		return nil, err
	}
	r, err := run.NewRun(input.ScenarioID, input.Target, input.Config, input.Owner)
	if err != nil {
		return nil, err
	}
	if err := s.runs.Create(ctx, r); err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}

	s.notifyQueued(ctx, r.ID())
	s.logger.Info("run queued",
		"run_id", r.ID().String(),
		"scenario_id", r.ScenarioID(),
		"owner", r.Owner(),
	)
	return r, nil
}

func (s *RunService) notifyQueued(ctx context.Context, id run.ID) {
	if s.queue == nil {
		return
	}
	if err := s.queue.NotifyQueued(ctx, id); err != nil {
		// Dispatchers still find the run on their next poll.
		s.logger.Warn("failed to publish run queued", "run_id", id.String(), "error", err)
	}
}

// GetRun returns a run by id.
func (s *RunService) GetRun(ctx context.Context, id string) (*run.Run, error) {
	runID, err := shared.IDFromString(id)
	if err != nil {
		return nil, err
	}
	return s.runs.GetByID(ctx, runID)
}

// ListRunsInput represents filters for listing runs.
type ListRunsInput struct {
	Status     string `json:"status" validate:"omitempty,run_status"`
	ScenarioID string `json:"scenario_id"`
	Owner      string `json:"owner"`
	Limit      int    `json:"limit" validate:"min=0,max=500"`
}

// ListRuns returns runs newest first.
func (s *RunService) ListRuns(ctx context.Context, input ListRunsInput) ([]*run.Run, error) {
	filter := run.Filter{
		ScenarioID: input.ScenarioID,
		Owner:      input.Owner,
		Limit:      input.Limit,
	}
	if input.Status != "" {
		st, err := run.ParseStatus(input.Status)
		if err != nil {
			return nil, err
		}
		filter.Status = &st
	}
	return s.runs.List(ctx, filter)
}

// CancelRun withdraws a queued run. Running runs cannot be cancelled.
func (s *RunService) CancelRun(ctx context.Context, id string) (*run.Run, error) {
	r, err := s.GetRun(ctx, id)
	if err != nil {
		return nil, err
	}
	from := r.Status()
	if err := r.Cancel(s.now()); err != nil {
		return nil, err
	}
	if err := s.runs.Transition(ctx, r, from); err != nil {
		return nil, err
	}
	s.logger.Info("run cancelled", "run_id", r.ID().String())
	return r, nil
}

// ListFindings returns a run's findings in ledger order.
func (s *RunService) ListFindings(ctx context.Context, id string) ([]*finding.Finding, error) {
	r, err := s.GetRun(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.findings.ListByRun(ctx, r.ID())
}

// VerifyChain checks the evidence chain of a run.
func (s *RunService) VerifyChain(ctx context.Context, id string) (evidence.ChainResult, error) {
	r, err := s.GetRun(ctx, id)
	if err != nil {
		return evidence.ChainResult{}, err
	}
	return s.ledger.Verify(ctx, r.ID())
}
