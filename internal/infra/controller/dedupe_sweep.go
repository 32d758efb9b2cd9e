package controller

import (
	"context"
	"time"

	"github.com/openctemio/orchestrator/pkg/ttlset"
)

// DedupeSweepController drops expired keys from an in-process dedupe set.
// Redis-backed sets expire on their own and need no sweep.
type DedupeSweepController struct {
	set      ttlset.Set
	interval time.Duration
}

// NewDedupeSweepController creates a DedupeSweepController.
func NewDedupeSweepController(set ttlset.Set, interval time.Duration) *DedupeSweepController {
	if interval <= 0 {
		interval = time.Minute
	}
	return &DedupeSweepController{set: set, interval: interval}
}

func (c *DedupeSweepController) Name() string            { return "dedupe-sweep" }
func (c *DedupeSweepController) Interval() time.Duration { return c.interval }

func (c *DedupeSweepController) Reconcile(ctx context.Context) (int, error) {
	return c.set.SweepExpired(ctx)
}
