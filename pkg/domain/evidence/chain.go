package evidence

import (
	"github.com/openctemio/orchestrator/pkg/domain/finding"
	"github.com/openctemio/orchestrator/pkg/domain/shared"
)

// ChainResult is the outcome of a chain walk. A broken chain is a normal
// result, not an error.
type ChainResult struct {
	Valid    bool       `json:"valid"`
	BrokenAt *shared.ID `json:"broken_at,omitempty"`
	Verified int        `json:"verified"`
	Skipped  int        `json:"skipped"`
	Total    int        `json:"total"`
}

// VerifyChain walks findings in ledger order and recomputes each hash from
// the recorded fields and the previous verified hash. Unhashed findings are
// skipped and leave the chain pointer where it was.
func VerifyChain(findings []*finding.Finding) ChainResult {
	res := ChainResult{Total: len(findings)}
	prev := ""
	for _, f := range findings {
		if !f.IsHashed() {
			res.Skipped++
			continue
		}
		expected, err := ComputeHash(f.Evidence, f.RunID, f.ToolName, prev)
		if err != nil || expected != f.EvidenceHash {
			id := f.ID
			res.BrokenAt = &id
			return res
		}
		prev = f.EvidenceHash
		res.Verified++
	}
	res.Valid = true
	return res
}

// Link hashes findings in order onto previousHash, filling EvidenceHash and
// PreviousHash and replacing Evidence with its canonical form. It returns the
// hash of the last finding.
func Link(findings []*finding.Finding, previousHash string) (string, error) {
	for _, f := range findings {
		canonical, err := Canonicalize(f.Evidence)
		if err != nil {
			return "", err
		}
		hash, err := ComputeHash(canonical, f.RunID, f.ToolName, previousHash)
		if err != nil {
			return "", err
		}
		f.Evidence = canonical
		f.PreviousHash = previousHash
		if f.PreviousHash == "" {
			f.PreviousHash = GenesisHash
		}
		f.EvidenceHash = hash
		previousHash = hash
	}
	return previousHash, nil
}
