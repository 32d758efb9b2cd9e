package app

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openctemio/orchestrator/internal/infra/memory"
	"github.com/openctemio/orchestrator/pkg/domain/evidence"
	"github.com/openctemio/orchestrator/pkg/domain/finding"
	"github.com/openctemio/orchestrator/pkg/domain/shared"
	"github.com/openctemio/orchestrator/pkg/logger"
)

func drafts(titles ...string) []finding.Draft {
	out := make([]finding.Draft, 0, len(titles))
	for _, title := range titles {
		out = append(out, finding.Draft{
			Tool:     "garak",
			Severity: "medium",
			Title:    title,
			Evidence: json.RawMessage(`{"prompt":"` + title + `","score":0.9}`),
		})
	}
	return out
}

func TestEvidenceLedger_RecordAppendsToChain(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	ledger := NewEvidenceLedger(store.Findings, logger.NewNop())
	runID := shared.NewID()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	first, err := ledger.Record(ctx, runID, drafts("a", "b"), now)
	require.NoError(t, err)
	require.Len(t, first, 2)
	assert.Equal(t, evidence.GenesisHash, first[0].PreviousHash)

	second, err := ledger.Record(ctx, runID, drafts("c"), now.Add(time.Second))
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.Equal(t, first[1].EvidenceHash, second[0].PreviousHash)

	res, err := ledger.Verify(ctx, runID)
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.Nil(t, res.BrokenAt)
	assert.Equal(t, 3, res.Verified)
}

func TestEvidenceLedger_RecordNothing(t *testing.T) {
	ledger := NewEvidenceLedger(memory.NewFindingRepository(), logger.NewNop())
	got, err := ledger.Record(context.Background(), shared.NewID(), nil, time.Now())
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestEvidenceLedger_RejectsInvalidDraft(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewFindingRepository()
	ledger := NewEvidenceLedger(repo, logger.NewNop())
	runID := shared.NewID()

	bad := append(drafts("ok"), finding.Draft{Tool: "garak"})
	_, err := ledger.Record(ctx, runID, bad, time.Now())
	require.Error(t, err)
	assert.ErrorIs(t, err, shared.ErrValidation)

	stored, err := repo.ListByRun(ctx, runID)
	require.NoError(t, err)
	assert.Empty(t, stored)
}

func TestEvidenceLedger_VerifyEmptyRun(t *testing.T) {
	ledger := NewEvidenceLedger(memory.NewFindingRepository(), logger.NewNop())
	res, err := ledger.Verify(context.Background(), shared.NewID())
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.Equal(t, 0, res.Verified)
}

func TestEvidenceLedger_VerifyDetectsTampering(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func([]*finding.Finding)
		brokeAt int
	}{
		{
			name:    "evidence edited",
			mutate:  func(fs []*finding.Finding) { fs[1].Evidence = json.RawMessage(`{"prompt":"b","score":0.1}`) },
			brokeAt: 1,
		},
		{
			name:    "tool renamed",
			mutate:  func(fs []*finding.Finding) { fs[2].ToolName = "pyrit" },
			brokeAt: 2,
		},
		{
			name:    "hash rewritten",
			mutate:  func(fs []*finding.Finding) { fs[0].EvidenceHash = "deadbeef" },
			brokeAt: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			repo := memory.NewFindingRepository()
			runID := shared.NewID()
			recorded, err := NewEvidenceLedger(repo, logger.NewNop()).Record(ctx, runID, drafts("a", "b", "c"), time.Now())
			require.NoError(t, err)

			tampered := NewEvidenceLedger(&tamperingFindings{Repository: repo, mutate: tt.mutate}, logger.NewNop())
			res, err := tampered.Verify(ctx, runID)
			require.NoError(t, err)
			assert.False(t, res.Valid)
			require.NotNil(t, res.BrokenAt)
			assert.Equal(t, recorded[tt.brokeAt].ID, *res.BrokenAt)
			assert.Equal(t, tt.brokeAt, res.Verified)
		})
	}
}

func TestEvidenceLedger_VerifySkipsLegacyFindings(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewFindingRepository()
	runID := shared.NewID()
	now := time.Now()

	legacy, err := finding.NewFinding(runID, drafts("legacy")[0], now.Add(-time.Minute))
	require.NoError(t, err)
	require.NoError(t, repo.Create(ctx, []*finding.Finding{legacy}))

	ledger := NewEvidenceLedger(repo, logger.NewNop())
	_, err = ledger.Record(ctx, runID, drafts("a", "b"), now)
	require.NoError(t, err)

	res, err := ledger.Verify(ctx, runID)
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.Equal(t, 2, res.Verified)
	assert.Equal(t, 1, res.Skipped)
}
