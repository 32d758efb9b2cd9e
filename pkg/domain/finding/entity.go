// Package finding models security observations produced by a run.
package finding

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/openctemio/orchestrator/pkg/domain/shared"
)

// ID is a type alias for shared.ID.
type ID = shared.ID

// Finding is one security observation. Fields are immutable once the
// evidence ledger has recorded it.
type Finding struct {
	ID            ID
	RunID         ID
	ToolName      string
	Severity      string
	Title         string
	Description   string
	Technique     string
	Evidence      json.RawMessage
	Remediation   string
	EvidenceHash  string
	PreviousHash  string
	Fingerprint   string
	IsNew         bool
	FalsePositive bool
	CreatedAt     time.Time
}

// Draft is a finding as returned by an executor, before it enters the ledger.
type Draft struct {
	Tool        string          `json:"tool"`
	Severity    string          `json:"severity"`
	Title       string          `json:"title"`
	Description string          `json:"description"`
	Technique   string          `json:"technique"`
	Evidence    json.RawMessage `json:"evidence"`
	Remediation string          `json:"remediation"`
}

// NewFinding builds an unhashed finding from a draft.
func NewFinding(runID ID, d Draft, createdAt time.Time) (*Finding, error) {
	if strings.TrimSpace(d.Tool) == "" {
		return nil, shared.NewValidationError("finding tool is required")
	}
	if strings.TrimSpace(d.Title) == "" {
		return nil, shared.NewValidationError("finding title is required")
	}
	evidence := d.Evidence
	if len(evidence) == 0 {
		evidence = json.RawMessage("{}")
	}
	return &Finding{
		ID:          shared.NewID(),
		RunID:       runID,
		ToolName:    d.Tool,
		Severity:    strings.ToLower(strings.TrimSpace(d.Severity)),
		Title:       d.Title,
		Description: d.Description,
		Technique:   d.Technique,
		Evidence:    evidence,
		Remediation: d.Remediation,
		CreatedAt:   createdAt.UTC().Truncate(time.Microsecond),
	}, nil
}

// IsHashed reports whether the finding participates in the evidence chain.
// Rows written before hashing existed have no hash.
func (f *Finding) IsHashed() bool {
	return f.EvidenceHash != ""
}

// Errors.
var (
	ErrFindingNotFound = fmt.Errorf("%w: finding not found", shared.ErrNotFound)
)
