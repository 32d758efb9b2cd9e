package memory

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/openctemio/orchestrator/pkg/domain/finding"
	"github.com/openctemio/orchestrator/pkg/domain/shared"
)

// FindingRepository implements finding.Repository.
type FindingRepository struct {
	mu       sync.Mutex
	findings []*storedFinding
	byID     map[shared.ID]*storedFinding
	seq      int64
}

type storedFinding struct {
	finding.Finding
	seq int64
}

var _ finding.Repository = (*FindingRepository)(nil)

// NewFindingRepository creates an empty FindingRepository.
func NewFindingRepository() *FindingRepository {
	return &FindingRepository{byID: make(map[shared.ID]*storedFinding)}
}

func cloneFinding(f *finding.Finding) *finding.Finding {
	c := *f
	c.Evidence = slices.Clone(f.Evidence)
	return &c
}

// Create appends findings in order, all or nothing.
func (m *FindingRepository) Create(_ context.Context, findings []*finding.Finding) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, f := range findings {
		if _, ok := m.byID[f.ID]; ok {
			return fmt.Errorf("%w: finding %s", shared.ErrAlreadyExists, f.ID)
		}
	}
	for _, f := range findings {
		m.seq++
		sf := &storedFinding{Finding: *cloneFinding(f), seq: m.seq}
		m.findings = append(m.findings, sf)
		m.byID[f.ID] = sf
	}
	return nil
}

// ListByRun returns the run's findings ordered by created_at, then insertion.
func (m *FindingRepository) ListByRun(_ context.Context, runID finding.ID) ([]*finding.Finding, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listByRun(runID), nil
}

func (m *FindingRepository) listByRun(runID finding.ID) []*finding.Finding {
	var matched []*storedFinding
	for _, sf := range m.findings {
		if sf.RunID == runID {
			matched = append(matched, sf)
		}
	}
	slices.SortFunc(matched, func(a, b *storedFinding) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.seq, b.seq)
	})
	out := make([]*finding.Finding, len(matched))
	for i, sf := range matched {
		out[i] = cloneFinding(&sf.Finding)
	}
	return out
}

// LastHashForRun returns the evidence hash of the run's newest hashed finding.
func (m *FindingRepository) LastHashForRun(_ context.Context, runID finding.ID) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.listByRun(runID)
	for i := len(list) - 1; i >= 0; i-- {
		if list[i].IsHashed() {
			return list[i].EvidenceHash, nil
		}
	}
	return "", nil
}

// ExistsInOtherRun reports whether another run holds a finding with fingerprint.
func (m *FindingRepository) ExistsInOtherRun(_ context.Context, fingerprint string, runID finding.ID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, sf := range m.findings {
		if sf.Fingerprint == fingerprint && sf.RunID != runID {
			return true, nil
		}
	}
	return false, nil
}

// ExistsInEarlierRun is ExistsInOtherRun limited to findings created before
// createdAt, with run id order breaking timestamp ties.
func (m *FindingRepository) ExistsInEarlierRun(_ context.Context, fingerprint string, runID finding.ID, createdAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, sf := range m.findings {
		if sf.Fingerprint != fingerprint || sf.RunID == runID {
			continue
		}
		if sf.CreatedAt.Before(createdAt) || (sf.CreatedAt.Equal(createdAt) && sf.RunID.Compare(runID) < 0) {
			return true, nil
		}
	}
	return false, nil
}

// SetClassification records the fingerprint and novelty of a finding.
func (m *FindingRepository) SetClassification(_ context.Context, id finding.ID, fingerprint string, isNew bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sf, ok := m.byID[id]
	if !ok {
		return finding.ErrFindingNotFound
	}
	sf.Fingerprint = fingerprint
	sf.IsNew = isNew
	return nil
}
