package controller

import (
	"context"
	"time"

	"github.com/openctemio/orchestrator/internal/app"
)

// RunReclaimController periodically fails runs left running by a dead dispatcher.
type RunReclaimController struct {
	reclaimer *app.RunReclaimer
	interval  time.Duration
}

// NewRunReclaimController creates a RunReclaimController.
func NewRunReclaimController(reclaimer *app.RunReclaimer, interval time.Duration) *RunReclaimController {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &RunReclaimController{reclaimer: reclaimer, interval: interval}
}

func (c *RunReclaimController) Name() string            { return "run-reclaim" }
func (c *RunReclaimController) Interval() time.Duration { return c.interval }

func (c *RunReclaimController) Reconcile(ctx context.Context) (int, error) {
	return c.reclaimer.ReclaimStale(ctx)
}
