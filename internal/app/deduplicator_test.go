package app

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openctemio/orchestrator/internal/infra/memory"
	"github.com/openctemio/orchestrator/pkg/domain/finding"
	"github.com/openctemio/orchestrator/pkg/domain/shared"
	"github.com/openctemio/orchestrator/pkg/logger"
)

func TestDeduplicator_FirstRunIsNewSecondRecurring(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewFindingRepository()
	ledger := NewEvidenceLedger(repo, logger.NewNop())
	dedup := NewDeduplicator(repo, PriorAnyRun, logger.NewNop())
	now := time.Now()

	first := shared.NewID()
	_, err := ledger.Record(ctx, first, drafts("prompt leak", "jailbreak"), now)
	require.NoError(t, err)
	sum, err := dedup.Classify(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, DedupSummary{New: 2, Recurring: 0, Total: 2}, sum)

	second := shared.NewID()
	_, err = ledger.Record(ctx, second, drafts("prompt leak", "toxicity"), now.Add(time.Minute))
	require.NoError(t, err)
	sum, err = dedup.Classify(ctx, second)
	require.NoError(t, err)
	assert.Equal(t, DedupSummary{New: 1, Recurring: 1, Total: 2}, sum)

	stored, err := repo.ListByRun(ctx, second)
	require.NoError(t, err)
	require.Len(t, stored, 2)
	assert.False(t, stored[0].IsNew)
	assert.True(t, stored[1].IsNew)
	assert.Equal(t, finding.Fingerprint("prompt leak", "garak", "medium", ""), stored[0].Fingerprint)
}

func TestDeduplicator_SameRunDuplicatesStayNew(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewFindingRepository()
	runID := shared.NewID()
	_, err := NewEvidenceLedger(repo, logger.NewNop()).Record(ctx, runID, drafts("dup", "dup"), time.Now())
	require.NoError(t, err)

	sum, err := NewDeduplicator(repo, PriorAnyRun, logger.NewNop()).Classify(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, DedupSummary{New: 2, Total: 2}, sum)
}

func TestDeduplicator_NoFindings(t *testing.T) {
	sum, err := NewDeduplicator(memory.NewFindingRepository(), PriorAnyRun, logger.NewNop()).
		Classify(context.Background(), shared.NewID())
	require.NoError(t, err)
	assert.Equal(t, DedupSummary{}, sum)
}

// Two runs record the same fingerprint, the later one is classified first.
func TestDeduplicator_ClassificationOrder(t *testing.T) {
	tests := []struct {
		name     string
		order    PriorOrder
		olderNew bool
		newerNew bool
	}{
		{name: "any run", order: PriorAnyRun, olderNew: false, newerNew: false},
		{name: "earliest", order: PriorEarliest, olderNew: true, newerNew: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			repo := memory.NewFindingRepository()
			ledger := NewEvidenceLedger(repo, logger.NewNop())
			dedup := NewDeduplicator(repo, tt.order, logger.NewNop())
			now := time.Now()

			older, newer := shared.NewID(), shared.NewID()
			_, err := ledger.Record(ctx, older, drafts("shared"), now)
			require.NoError(t, err)
			_, err = ledger.Record(ctx, newer, drafts("shared"), now.Add(time.Minute))
			require.NoError(t, err)

			_, err = dedup.Classify(ctx, newer)
			require.NoError(t, err)
			_, err = dedup.Classify(ctx, older)
			require.NoError(t, err)

			olderFindings, err := repo.ListByRun(ctx, older)
			require.NoError(t, err)
			newerFindings, err := repo.ListByRun(ctx, newer)
			require.NoError(t, err)
			assert.Equal(t, tt.olderNew, olderFindings[0].IsNew)
			assert.Equal(t, tt.newerNew, newerFindings[0].IsNew)
		})
	}
}

func TestNewDeduplicator_UnknownOrderFallsBack(t *testing.T) {
	d := NewDeduplicator(memory.NewFindingRepository(), PriorOrder("newest"), logger.NewNop())
	assert.Equal(t, PriorAnyRun, d.order)
}
