package run

import (
	"fmt"
	"strings"
	"time"

	"github.com/openctemio/orchestrator/pkg/domain/shared"
)

// ID is a type alias for shared.ID.
type ID = shared.ID

// Run is one execution of a scenario against a target.
type Run struct {
	id           ID
	scenarioID   string
	target       string
	status       Status
	progress     float64
	config       map[string]any
	results      map[string]any
	errorMessage string
	owner        string
	scheduleID   *ID
	claimedBy    string
	claimedAt    *time.Time
	createdAt    time.Time
	startedAt    *time.Time
	completedAt  *time.Time
}

// NewRun creates a queued run.
func NewRun(scenarioID, target string, config map[string]any, owner string) (*Run, error) {
	scenarioID = strings.TrimSpace(scenarioID)
	target = strings.TrimSpace(target)
	if scenarioID == "" {
		return nil, shared.NewValidationError("scenario_id is required")
	}
	if target == "" {
		return nil, shared.NewValidationError("target is required")
	}
	if config == nil {
		config = map[string]any{}
	}
	return &Run{
		id:         shared.NewID(),
		scenarioID: scenarioID,
		target:     target,
		status:     StatusQueued,
		config:     config,
		owner:      owner,
		createdAt:  time.Now().UTC().Truncate(time.Microsecond),
	}, nil
}

// Reconstruct rebuilds a Run from storage.
func Reconstruct(
	id ID,
	scenarioID, target string,
	status Status,
	progress float64,
	config, results map[string]any,
	errorMessage, owner string,
	scheduleID *ID,
	claimedBy string,
	claimedAt *time.Time,
	createdAt time.Time,
	startedAt, completedAt *time.Time,
) *Run {
	return &Run{
		id:           id,
		scenarioID:   scenarioID,
		target:       target,
		status:       status,
		progress:     progress,
		config:       config,
		results:      results,
		errorMessage: errorMessage,
		owner:        owner,
		scheduleID:   scheduleID,
		claimedBy:    claimedBy,
		claimedAt:    claimedAt,
		createdAt:    createdAt,
		startedAt:    startedAt,
		completedAt:  completedAt,
	}
}

func (r *Run) ID() ID                  { return r.id }
func (r *Run) ScenarioID() string      { return r.scenarioID }
func (r *Run) Target() string          { return r.target }
func (r *Run) Status() Status          { return r.status }
func (r *Run) Progress() float64       { return r.progress }
func (r *Run) Config() map[string]any  { return r.config }
func (r *Run) Results() map[string]any { return r.results }
func (r *Run) ErrorMessage() string    { return r.errorMessage }
func (r *Run) Owner() string           { return r.owner }
func (r *Run) ScheduleID() *ID         { return r.scheduleID }
func (r *Run) ClaimedBy() string       { return r.claimedBy }
func (r *Run) ClaimedAt() *time.Time   { return r.claimedAt }
func (r *Run) CreatedAt() time.Time    { return r.createdAt }
func (r *Run) StartedAt() *time.Time   { return r.startedAt }
func (r *Run) CompletedAt() *time.Time { return r.completedAt }

// SetScheduleID records the schedule that produced this run.
func (r *Run) SetScheduleID(id ID) { r.scheduleID = &id }

// SetCreatedAt overrides the creation time. Schedules use it so the run's
// queue position matches the trigger instant.
func (r *Run) SetCreatedAt(t time.Time) { r.createdAt = t.UTC().Truncate(time.Microsecond) }

func (r *Run) transition(next Status) error {
	if !r.status.CanTransitionTo(next) {
		return fmt.Errorf("%w: run %s cannot move from %s to %s", shared.ErrInvalidTransition, r.id, r.status, next)
	}
	r.status = next
	return nil
}

// Claim moves a queued run to running on behalf of workerID.
func (r *Run) Claim(workerID string, now time.Time) error {
	if err := r.transition(StatusRunning); err != nil {
		return err
	}
	now = now.UTC()
	r.claimedBy = workerID
	r.claimedAt = &now
	r.startedAt = &now
	r.progress = 0
	return nil
}

// SetProgress records intermediate progress, clamped to [0,1].
func (r *Run) SetProgress(p float64) error {
	if r.status != StatusRunning {
		return fmt.Errorf("%w: progress on %s run", shared.ErrInvalidTransition, r.status)
	}
	r.progress = ClampProgress(p)
	return nil
}

// Complete finishes a running run successfully.
func (r *Run) Complete(results map[string]any, now time.Time) error {
	if err := r.transition(StatusCompleted); err != nil {
		return err
	}
	now = now.UTC()
	r.results = results
	r.progress = 1.0
	r.completedAt = &now
	return nil
}

// Fail finishes a running run with an error message.
func (r *Run) Fail(message string, now time.Time) error {
	if err := r.transition(StatusFailed); err != nil {
		return err
	}
	now = now.UTC()
	r.errorMessage = message
	r.completedAt = &now
	return nil
}

// Cancel withdraws a run that has not been claimed yet.
func (r *Run) Cancel(now time.Time) error {
	if err := r.transition(StatusCancelled); err != nil {
		return err
	}
	now = now.UTC()
	r.completedAt = &now
	return nil
}

// ClampProgress bounds p to [0,1].
func ClampProgress(p float64) float64 {
	switch {
	case p < 0:
		return 0
	case p > 1:
		return 1
	}
	return p
}

// Snapshot is the observable state streamed to progress subscribers.
type Snapshot struct {
	ID          ID         `json:"id"`
	Status      Status     `json:"status"`
	Progress    float64    `json:"progress"`
	StartedAt   *time.Time `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at"`
}

// Snapshot returns the progress view of the run.
func (r *Run) Snapshot() Snapshot {
	return Snapshot{
		ID:          r.id,
		Status:      r.status,
		Progress:    r.progress,
		StartedAt:   r.startedAt,
		CompletedAt: r.completedAt,
	}
}

// Errors.
var (
	ErrRunNotFound = fmt.Errorf("%w: run not found", shared.ErrNotFound)
)
