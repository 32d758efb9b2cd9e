package app

import (
	"context"
	"fmt"

	"github.com/openctemio/orchestrator/internal/metrics"
	"github.com/openctemio/orchestrator/pkg/domain/finding"
	"github.com/openctemio/orchestrator/pkg/domain/run"
	"github.com/openctemio/orchestrator/pkg/logger"
)

// PriorOrder selects what counts as a prior occurrence of a fingerprint.
type PriorOrder string

const (
	// PriorAnyRun treats a fingerprint on any other run as prior, whatever
	// its age. Classifying two runs that share a fingerprint marks both recurring.
	PriorAnyRun PriorOrder = "any_run"
	// PriorEarliest only counts findings created strictly earlier in another
	// run, ties broken by run id, so the oldest occurrence stays new.
	PriorEarliest PriorOrder = "earliest"
)

// DedupSummary counts a run's findings by classification.
type DedupSummary struct {
	New       int `json:"new"`
	Recurring int `json:"recurring"`
	Total     int `json:"total"`
}

// Deduplicator classifies findings as new or recurring across runs.
type Deduplicator struct {
	findings finding.Repository
	order    PriorOrder
	logger   *logger.Logger
}

// NewDeduplicator creates a Deduplicator. Unknown orders fall back to PriorAnyRun.
func NewDeduplicator(findings finding.Repository, order PriorOrder, log *logger.Logger) *Deduplicator {
	if order != PriorEarliest {
		order = PriorAnyRun
	}
	return &Deduplicator{
		findings: findings,
		order:    order,
		logger:   log.With("component", "deduplicator"),
	}
}

// Classify fingerprints every finding of the run and stores whether a prior
// occurrence exists.
func (d *Deduplicator) Classify(ctx context.Context, runID run.ID) (DedupSummary, error) {
	findings, err := d.findings.ListByRun(ctx, runID)
	if err != nil {
		return DedupSummary{}, fmt.Errorf("list findings: %w", err)
	}

	var sum DedupSummary
	for _, f := range findings {
		fp := f.ComputeFingerprint()

		var seen bool
		switch d.order {
		case PriorEarliest:
			seen, err = d.findings.ExistsInEarlierRun(ctx, fp, runID, f.CreatedAt)
		default:
			seen, err = d.findings.ExistsInOtherRun(ctx, fp, runID)
		}
		if err != nil {
			return DedupSummary{}, fmt.Errorf("lookup fingerprint: %w", err)
		}

		isNew := !seen
		if err := d.findings.SetClassification(ctx, f.ID, fp, isNew); err != nil {
			return DedupSummary{}, fmt.Errorf("store classification: %w", err)
		}
		f.Fingerprint, f.IsNew = fp, isNew

		if isNew {
			sum.New++
		} else {
			sum.Recurring++
		}
		sum.Total++
	}

	metrics.FindingsRecorded.WithLabelValues("new").Add(float64(sum.New))
	metrics.FindingsRecorded.WithLabelValues("recurring").Add(float64(sum.Recurring))
	d.logger.Debug("run classified",
		"run_id", runID.String(),
		"new", sum.New,
		"recurring", sum.Recurring,
	)
	return sum, nil
}
