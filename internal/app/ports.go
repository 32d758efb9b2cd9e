package app

import (
	"context"

	"github.com/openctemio/orchestrator/pkg/domain/finding"
	"github.com/openctemio/orchestrator/pkg/domain/run"
)

// ExecutionRequest is what a TestExecutor receives for one run.
type ExecutionRequest struct {
	RunID      run.ID
	ScenarioID string
	Target     string
	Config     map[string]any

	// Progress may be called with intermediate progress in [0,1]. It is never nil.
	Progress func(p float64)
}

// ExecutionResult is what a TestExecutor returns for one run.
type ExecutionResult struct {
	ToolsExecuted []string        `json:"tools_executed"`
	Findings      []finding.Draft `json:"findings"`
}

// TestExecutor runs a scenario against a target. Scoring and probe content
// live behind this interface. Implementations may fail; the dispatcher turns
// any error or panic into a failed run.
type TestExecutor interface {
	Execute(ctx context.Context, req ExecutionRequest) (*ExecutionResult, error)
}

// QueueNotifier is told about newly queued runs so dispatchers can poll early.
type QueueNotifier interface {
	NotifyQueued(ctx context.Context, runID run.ID) error
}

// ProgressPublisher pushes run snapshots to live subscribers.
type ProgressPublisher interface {
	PublishProgress(snap run.Snapshot)
}

// EventNotifier raises webhook events without waiting for delivery.
type EventNotifier interface {
	Dispatch(ctx context.Context, event string, data map[string]any)
}
