package executor

import (
	"context"
	"slices"
	"time"

	"github.com/openctemio/orchestrator/internal/app"
)

// Static returns the same result for every run. It backs dev mode when no
// EXECUTOR_URL is set.
type Static struct {
	result app.ExecutionResult
	delay  time.Duration
}

var _ app.TestExecutor = (*Static)(nil)

// NewStatic creates a Static executor. delay simulates execution time and
// reports halfway progress.
func NewStatic(result app.ExecutionResult, delay time.Duration) *Static {
	return &Static{result: result, delay: delay}
}

func (s *Static) Execute(ctx context.Context, req app.ExecutionRequest) (*app.ExecutionResult, error) {
	if s.delay > 0 {
		req.Progress(0.5)
		if err := sleepContext(ctx, s.delay); err != nil {
			return nil, err
		}
	}
	return &app.ExecutionResult{
		ToolsExecuted: slices.Clone(s.result.ToolsExecuted),
		Findings:      slices.Clone(s.result.Findings),
	}, nil
}
