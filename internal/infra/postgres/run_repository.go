package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/openctemio/orchestrator/pkg/domain/run"
	"github.com/openctemio/orchestrator/pkg/domain/shared"
)

// RunRepository implements run.Repository.
type RunRepository struct {
	db *DB
}

var _ run.Repository = (*RunRepository)(nil)

// NewRunRepository creates a new RunRepository.
func NewRunRepository(db *DB) *RunRepository {
	return &RunRepository{db: db}
}

const runColumns = `
	id, scenario_id, target, status, progress, config, results, error_message,
	owner, schedule_id, claimed_by, claimed_at, created_at, started_at, completed_at`

// Create inserts a new run.
func (r *RunRepository) Create(ctx context.Context, rn *run.Run) error {
	config, err := toJSONB(rn.Config())
	if err != nil {
		return fmt.Errorf("marshal run config: %w", err)
	}
	results, err := toJSONB(rn.Results())
	if err != nil {
		return fmt.Errorf("marshal run results: %w", err)
	}

	query := `
		INSERT INTO runs (` + runColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`
	_, err = r.db.exec(ctx).ExecContext(ctx, query,
		rn.ID().String(),
		rn.ScenarioID(),
		rn.Target(),
		string(rn.Status()),
		rn.Progress(),
		config,
		results,
		nullString(rn.ErrorMessage()),
		nullString(rn.Owner()),
		nullID(rn.ScheduleID()),
		nullString(rn.ClaimedBy()),
		nullTime(rn.ClaimedAt()),
		rn.CreatedAt(),
		nullTime(rn.StartedAt()),
		nullTime(rn.CompletedAt()),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: run %s", shared.ErrAlreadyExists, rn.ID())
		}
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// GetByID retrieves a run.
func (r *RunRepository) GetByID(ctx context.Context, id run.ID) (*run.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE id = $1`
	rn, err := scanRun(r.db.exec(ctx).QueryRowContext(ctx, query, id.String()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, run.ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return rn, nil
}

// List returns runs newest first.
func (r *RunRepository) List(ctx context.Context, filter run.Filter) ([]*run.Run, error) {
	var (
		conds []string
		args  []any
	)
	if filter.Status != nil {
		args = append(args, string(*filter.Status))
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.ScenarioID != "" {
		args = append(args, filter.ScenarioID)
		conds = append(conds, fmt.Sprintf("scenario_id = $%d", len(args)))
	}
	if filter.Owner != "" {
		args = append(args, filter.Owner)
		conds = append(conds, fmt.Sprintf("owner = $%d", len(args)))
	}
	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	args = append(args, limit)

	query := `SELECT ` + runColumns + ` FROM runs`
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, " AND ")
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d`, len(args))

	rows, err := r.db.exec(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return scanRuns(rows)
}

// ClaimQueued locks up to limit queued runs, oldest first, and marks them
// running in the same transaction. Rows locked by a concurrent claimer are
// skipped rather than waited on.
func (r *RunRepository) ClaimQueued(ctx context.Context, limit int, workerID string) ([]*run.Run, error) {
	if limit <= 0 {
		return nil, nil
	}

	var claimed []*run.Run
	err := r.db.Transaction(ctx, func(ctx context.Context, tx *sql.Tx) error {
		selectQuery := `
			SELECT ` + runColumns + `
			FROM runs
			WHERE status = 'queued'
			ORDER BY created_at ASC
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		`
		rows, err := tx.QueryContext(ctx, selectQuery, limit)
		if err != nil {
			return fmt.Errorf("query queued runs: %w", err)
		}
		runs, err := scanRuns(rows)
		if err != nil {
			return err
		}
		if len(runs) == 0 {
			return nil
		}

		now := time.Now().UTC()
		ids := make([]string, 0, len(runs))
		for _, rn := range runs {
			if err := rn.Claim(workerID, now); err != nil {
				return err
			}
			ids = append(ids, rn.ID().String())
		}

		updateQuery := `
			UPDATE runs
			SET status = 'running', progress = 0, claimed_by = $1, claimed_at = $2, started_at = $2
			WHERE id = ANY($3)
		`
		if _, err := tx.ExecContext(ctx, updateQuery, workerID, now, pq.Array(ids)); err != nil {
			return fmt.Errorf("mark runs running: %w", err)
		}
		claimed = runs
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// UpdateProgress stores progress for a running run.
func (r *RunRepository) UpdateProgress(ctx context.Context, id run.ID, progress float64) error {
	query := `UPDATE runs SET progress = $2 WHERE id = $1 AND status = 'running'`
	res, err := r.db.exec(ctx).ExecContext(ctx, query, id.String(), run.ClampProgress(progress))
	if err != nil {
		return fmt.Errorf("update run progress: %w", err)
	}
	return r.expectOne(ctx, res, id)
}

// Transition persists the mutable fields of rn if the stored status is still from.
func (r *RunRepository) Transition(ctx context.Context, rn *run.Run, from run.Status) error {
	results, err := toJSONB(rn.Results())
	if err != nil {
		return fmt.Errorf("marshal run results: %w", err)
	}

	query := `
		UPDATE runs
		SET status = $3, progress = $4, results = $5, error_message = $6,
			claimed_by = $7, claimed_at = $8, started_at = $9, completed_at = $10
		WHERE id = $1 AND status = $2
	`
	res, err := r.db.exec(ctx).ExecContext(ctx, query,
		rn.ID().String(),
		string(from),
		string(rn.Status()),
		rn.Progress(),
		results,
		nullString(rn.ErrorMessage()),
		nullString(rn.ClaimedBy()),
		nullTime(rn.ClaimedAt()),
		nullTime(rn.StartedAt()),
		nullTime(rn.CompletedAt()),
	)
	if err != nil {
		return fmt.Errorf("transition run: %w", err)
	}
	return r.expectOne(ctx, res, rn.ID())
}

// ListStale returns running runs claimed before the cutoff.
func (r *RunRepository) ListStale(ctx context.Context, claimedBefore time.Time, limit int) ([]*run.Run, error) {
	query := `
		SELECT ` + runColumns + `
		FROM runs
		WHERE status = 'running' AND claimed_at < $1
		ORDER BY claimed_at ASC
		LIMIT $2
	`
	rows, err := r.db.exec(ctx).QueryContext(ctx, query, claimedBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("list stale runs: %w", err)
	}
	return scanRuns(rows)
}

// expectOne distinguishes a missing run from one whose status moved on.
func (r *RunRepository) expectOne(ctx context.Context, res sql.Result, id run.ID) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 1 {
		return nil
	}
	var exists bool
	if err := r.db.exec(ctx).QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM runs WHERE id = $1)`, id.String()).Scan(&exists); err != nil {
		return fmt.Errorf("check run exists: %w", err)
	}
	if !exists {
		return run.ErrRunNotFound
	}
	return fmt.Errorf("%w: run %s changed concurrently", shared.ErrInvalidTransition, id)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*run.Run, error) {
	var (
		id                         shared.ID
		scenarioID, target, status string
		progress                   float64
		config, results            []byte
		errorMessage, owner        sql.NullString
		scheduleID, claimedBy      sql.NullString
		claimedAt                  sql.NullTime
		createdAt                  time.Time
		startedAt, completedAt     sql.NullTime
	)
	if err := row.Scan(
		&id, &scenarioID, &target, &status, &progress, &config, &results, &errorMessage,
		&owner, &scheduleID, &claimedBy, &claimedAt, &createdAt, &startedAt, &completedAt,
	); err != nil {
		return nil, err
	}

	st, err := run.ParseStatus(status)
	if err != nil {
		return nil, err
	}
	cfg, err := fromJSONB(config)
	if err != nil {
		return nil, fmt.Errorf("unmarshal run config: %w", err)
	}
	res, err := fromJSONB(results)
	if err != nil {
		return nil, fmt.Errorf("unmarshal run results: %w", err)
	}

	return run.Reconstruct(
		id, scenarioID, target, st, progress, cfg, res,
		errorMessage.String, owner.String,
		parseNullID(scheduleID), claimedBy.String, nullTimeValue(claimedAt),
		createdAt.UTC(), nullTimeValue(startedAt), nullTimeValue(completedAt),
	), nil
}

func scanRuns(rows *sql.Rows) ([]*run.Run, error) {
	defer rows.Close()
	var runs []*run.Run
	for rows.Next() {
		rn, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, rn)
	}
	return runs, rows.Err()
}
