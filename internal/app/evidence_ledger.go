package app

import (
	"context"
	"fmt"
	"time"

	"github.com/openctemio/orchestrator/internal/metrics"
	"github.com/openctemio/orchestrator/pkg/domain/evidence"
	"github.com/openctemio/orchestrator/pkg/domain/finding"
	"github.com/openctemio/orchestrator/pkg/domain/run"
	"github.com/openctemio/orchestrator/pkg/logger"
)

// EvidenceLedger appends findings to a run's hash chain and verifies it.
type EvidenceLedger struct {
	findings finding.Repository
	logger   *logger.Logger
}

// NewEvidenceLedger creates a new EvidenceLedger.
func NewEvidenceLedger(findings finding.Repository, log *logger.Logger) *EvidenceLedger {
	return &EvidenceLedger{
		findings: findings,
		logger:   log.With("component", "evidence_ledger"),
	}
}

// Record builds findings from drafts, fingerprints them, chains them onto
// the run's last recorded hash and stores them in order. Only the dispatcher
// that owns the run writes its findings, so reading the chain tip and
// appending need no lock.
func (l *EvidenceLedger) Record(ctx context.Context, runID run.ID, drafts []finding.Draft, now time.Time) ([]*finding.Finding, error) {
	if len(drafts) == 0 {
		return nil, nil
	}

	findings := make([]*finding.Finding, 0, len(drafts))
	for i, d := range drafts {
		f, err := finding.NewFinding(runID, d, now)
		if err != nil {
			return nil, fmt.Errorf("finding %d: %w", i, err)
		}
		f.Fingerprint = f.ComputeFingerprint()
		findings = append(findings, f)
	}

	prev, err := l.findings.LastHashForRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("load chain tip: %w", err)
	}
	last, err := evidence.Link(findings, prev)
	if err != nil {
		return nil, fmt.Errorf("hash evidence: %w", err)
	}
	if err := l.findings.Create(ctx, findings); err != nil {
		return nil, fmt.Errorf("store findings: %w", err)
	}

	l.logger.Debug("findings recorded", "run_id", runID.String(), "count", len(findings), "chain_tip", last)
	return findings, nil
}

// Verify walks the run's stored chain.
func (l *EvidenceLedger) Verify(ctx context.Context, runID run.ID) (evidence.ChainResult, error) {
	findings, err := l.findings.ListByRun(ctx, runID)
	if err != nil {
		return evidence.ChainResult{}, fmt.Errorf("list findings: %w", err)
	}
	res := evidence.VerifyChain(findings)
	if res.Valid {
		metrics.ChainVerifications.WithLabelValues("valid").Inc()
	} else {
		metrics.ChainVerifications.WithLabelValues("broken").Inc()
		l.logger.Warn("evidence chain broken",
			"run_id", runID.String(),
			"broken_at", res.BrokenAt.String(),
			"verified", res.Verified,
		)
	}
	return res, nil
}
