package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/openctemio/orchestrator/pkg/domain/finding"
	"github.com/openctemio/orchestrator/pkg/domain/shared"
)

// FindingRepository implements finding.Repository.
type FindingRepository struct {
	db *DB
}

var _ finding.Repository = (*FindingRepository)(nil)

// NewFindingRepository creates a new FindingRepository.
func NewFindingRepository(db *DB) *FindingRepository {
	return &FindingRepository{db: db}
}

const findingColumns = `
	id, run_id, tool_name, severity, title, description, technique, evidence,
	remediation, evidence_hash, previous_hash, fingerprint, is_new, false_positive, created_at`

// Create inserts findings in slice order inside one transaction. The seq
// column records insertion order for findings sharing a timestamp.
func (r *FindingRepository) Create(ctx context.Context, findings []*finding.Finding) error {
	if len(findings) == 0 {
		return nil
	}
	return r.db.Transaction(ctx, func(ctx context.Context, tx *sql.Tx) error {
		query := `
			INSERT INTO findings (` + findingColumns + `)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		`
		stmt, err := tx.PrepareContext(ctx, query)
		if err != nil {
			return fmt.Errorf("prepare insert finding: %w", err)
		}
		defer stmt.Close()

		for _, f := range findings {
			_, err := stmt.ExecContext(ctx,
				f.ID.String(),
				f.RunID.String(),
				f.ToolName,
				f.Severity,
				f.Title,
				nullString(f.Description),
				nullString(f.Technique),
				string(f.Evidence),
				nullString(f.Remediation),
				nullString(f.EvidenceHash),
				nullString(f.PreviousHash),
				nullString(f.Fingerprint),
				f.IsNew,
				f.FalsePositive,
				f.CreatedAt,
			)
			if err != nil {
				if isUniqueViolation(err) {
					return fmt.Errorf("%w: finding %s", shared.ErrAlreadyExists, f.ID)
				}
				return fmt.Errorf("insert finding: %w", err)
			}
		}
		return nil
	})
}

// ListByRun returns findings in ledger order.
func (r *FindingRepository) ListByRun(ctx context.Context, runID finding.ID) ([]*finding.Finding, error) {
	query := `
		SELECT ` + findingColumns + `
		FROM findings
		WHERE run_id = $1
		ORDER BY created_at ASC, seq ASC
	`
	rows, err := r.db.exec(ctx).QueryContext(ctx, query, runID.String())
	if err != nil {
		return nil, fmt.Errorf("list findings: %w", err)
	}
	defer rows.Close()

	var out []*finding.Finding
	for rows.Next() {
		f, err := scanFinding(rows)
		if err != nil {
			return nil, fmt.Errorf("scan finding: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// LastHashForRun returns the newest evidence hash of the run.
func (r *FindingRepository) LastHashForRun(ctx context.Context, runID finding.ID) (string, error) {
	query := `
		SELECT evidence_hash
		FROM findings
		WHERE run_id = $1 AND evidence_hash IS NOT NULL
		ORDER BY created_at DESC, seq DESC
		LIMIT 1
	`
	var hash string
	err := r.db.exec(ctx).QueryRowContext(ctx, query, runID.String()).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("last evidence hash: %w", err)
	}
	return hash, nil
}

// ExistsInOtherRun reports whether fingerprint appears on another run.
func (r *FindingRepository) ExistsInOtherRun(ctx context.Context, fingerprint string, runID finding.ID) (bool, error) {
	query := `SELECT EXISTS(SELECT 1 FROM findings WHERE fingerprint = $1 AND run_id <> $2)`
	var exists bool
	if err := r.db.exec(ctx).QueryRowContext(ctx, query, fingerprint, runID.String()).Scan(&exists); err != nil {
		return false, fmt.Errorf("check fingerprint: %w", err)
	}
	return exists, nil
}

// ExistsInEarlierRun reports whether fingerprint appears on another run's
// finding created before createdAt. Equal timestamps fall back to run id order.
func (r *FindingRepository) ExistsInEarlierRun(ctx context.Context, fingerprint string, runID finding.ID, createdAt time.Time) (bool, error) {
	query := `
		SELECT EXISTS(
			SELECT 1 FROM findings
			WHERE fingerprint = $1 AND run_id <> $2
			  AND (created_at < $3 OR (created_at = $3 AND run_id < $2))
		)
	`
	var exists bool
	if err := r.db.exec(ctx).QueryRowContext(ctx, query, fingerprint, runID.String(), createdAt).Scan(&exists); err != nil {
		return false, fmt.Errorf("check earlier fingerprint: %w", err)
	}
	return exists, nil
}

// SetClassification stores fingerprint and is_new.
func (r *FindingRepository) SetClassification(ctx context.Context, id finding.ID, fingerprint string, isNew bool) error {
	query := `UPDATE findings SET fingerprint = $2, is_new = $3 WHERE id = $1`
	res, err := r.db.exec(ctx).ExecContext(ctx, query, id.String(), fingerprint, isNew)
	if err != nil {
		return fmt.Errorf("classify finding: %w", err)
	}
	return expectRow(res, finding.ErrFindingNotFound)
}

func scanFinding(row rowScanner) (*finding.Finding, error) {
	var (
		f                                   finding.Finding
		severity, description, technique    sql.NullString
		remediation, evidenceHash, prevHash sql.NullString
		fingerprint                         sql.NullString
		evidence                            []byte
	)
	if err := row.Scan(
		&f.ID, &f.RunID, &f.ToolName, &severity, &f.Title, &description, &technique, &evidence,
		&remediation, &evidenceHash, &prevHash, &fingerprint, &f.IsNew, &f.FalsePositive, &f.CreatedAt,
	); err != nil {
		return nil, err
	}
	f.Severity = severity.String
	f.Description = description.String
	f.Technique = technique.String
	f.Evidence = evidence
	f.Remediation = remediation.String
	f.EvidenceHash = evidenceHash.String
	f.PreviousHash = prevHash.String
	f.Fingerprint = fingerprint.String
	f.CreatedAt = f.CreatedAt.UTC()
	return &f, nil
}
