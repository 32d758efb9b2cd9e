package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/openctemio/orchestrator/pkg/domain/schedule"
	"github.com/openctemio/orchestrator/pkg/domain/shared"
)

// ScheduleRepository implements schedule.Repository.
type ScheduleRepository struct {
	db *DB
}

var _ schedule.Repository = (*ScheduleRepository)(nil)

// NewScheduleRepository creates a new ScheduleRepository.
func NewScheduleRepository(db *DB) *ScheduleRepository {
	return &ScheduleRepository{db: db}
}

const scheduleColumns = `
	id, name, cron_expression, scenario_id, target, config, is_active, compare_drift,
	baseline_run_id, last_run_at, next_run_at, run_count, owner, created_at, updated_at`

// Create inserts a schedule.
func (r *ScheduleRepository) Create(ctx context.Context, s *schedule.Schedule) error {
	config, err := toJSONB(s.Config)
	if err != nil {
		return fmt.Errorf("marshal schedule config: %w", err)
	}
	query := `
		INSERT INTO schedules (` + scheduleColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`
	_, err = r.db.exec(ctx).ExecContext(ctx, query,
		s.ID.String(), s.Name, s.CronExpression, s.ScenarioID, s.Target, config,
		s.IsActive, s.CompareDrift, nullID(s.BaselineRunID),
		nullTime(s.LastRunAt), nullTime(s.NextRunAt), s.RunCount,
		nullString(s.Owner), s.CreatedAt, s.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: schedule name %q", shared.ErrAlreadyExists, s.Name)
		}
		return fmt.Errorf("insert schedule: %w", err)
	}
	return nil
}

// GetByID retrieves a schedule.
func (r *ScheduleRepository) GetByID(ctx context.Context, id schedule.ID) (*schedule.Schedule, error) {
	query := `SELECT ` + scheduleColumns + ` FROM schedules WHERE id = $1`
	s, err := scanSchedule(r.db.exec(ctx).QueryRowContext(ctx, query, id.String()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, schedule.ErrScheduleNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get schedule: %w", err)
	}
	return s, nil
}

// List returns schedules ordered by name.
func (r *ScheduleRepository) List(ctx context.Context, filter schedule.Filter) ([]*schedule.Schedule, error) {
	var (
		conds []string
		args  []any
	)
	if filter.Owner != "" {
		args = append(args, filter.Owner)
		conds = append(conds, fmt.Sprintf("owner = $%d", len(args)))
	}
	if filter.ActiveOnly {
		conds = append(conds, "is_active")
	}
	query := `SELECT ` + scheduleColumns + ` FROM schedules`
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, " AND ")
	}
	query += ` ORDER BY name ASC`

	rows, err := r.db.exec(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	return scanSchedules(rows)
}

// Update saves every mutable field.
func (r *ScheduleRepository) Update(ctx context.Context, s *schedule.Schedule) error {
	config, err := toJSONB(s.Config)
	if err != nil {
		return fmt.Errorf("marshal schedule config: %w", err)
	}
	query := `
		UPDATE schedules
		SET name = $2, cron_expression = $3, scenario_id = $4, target = $5, config = $6,
			is_active = $7, compare_drift = $8, baseline_run_id = $9, last_run_at = $10,
			next_run_at = $11, run_count = $12, updated_at = $13
		WHERE id = $1
	`
	res, err := r.db.exec(ctx).ExecContext(ctx, query,
		s.ID.String(), s.Name, s.CronExpression, s.ScenarioID, s.Target, config,
		s.IsActive, s.CompareDrift, nullID(s.BaselineRunID), nullTime(s.LastRunAt),
		nullTime(s.NextRunAt), s.RunCount, s.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: schedule name %q", shared.ErrAlreadyExists, s.Name)
		}
		return fmt.Errorf("update schedule: %w", err)
	}
	return expectRow(res, schedule.ErrScheduleNotFound)
}

// Delete removes a schedule.
func (r *ScheduleRepository) Delete(ctx context.Context, id schedule.ID) error {
	res, err := r.db.exec(ctx).ExecContext(ctx, `DELETE FROM schedules WHERE id = $1`, id.String())
	if err != nil {
		return fmt.Errorf("delete schedule: %w", err)
	}
	return expectRow(res, schedule.ErrScheduleNotFound)
}

// ClaimDue locks due schedules with SKIP LOCKED and hands each to fn inside
// the same transaction, so the run fn creates and the advanced schedule
// commit together. A schedule whose fn fails is rolled back to its savepoint
// and left due for the next cycle.
func (r *ScheduleRepository) ClaimDue(ctx context.Context, now time.Time, limit int, fn schedule.ClaimFunc) (int, error) {
	handled := 0
	err := r.db.Transaction(ctx, func(ctx context.Context, tx *sql.Tx) error {
		query := `
			SELECT ` + scheduleColumns + `
			FROM schedules
			WHERE is_active AND next_run_at <= $1
			ORDER BY next_run_at ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		`
		rows, err := tx.QueryContext(ctx, query, now, limit)
		if err != nil {
			return fmt.Errorf("query due schedules: %w", err)
		}
		due, err := scanSchedules(rows)
		if err != nil {
			return err
		}

		for _, s := range due {
			if _, err := tx.ExecContext(ctx, `SAVEPOINT claim_schedule`); err != nil {
				return fmt.Errorf("savepoint: %w", err)
			}
			if err := fn(ctx, s); err != nil {
				if _, rbErr := tx.ExecContext(ctx, `ROLLBACK TO SAVEPOINT claim_schedule`); rbErr != nil {
					return fmt.Errorf("rollback to savepoint: %w", rbErr)
				}
				continue
			}
			if err := r.Update(ctx, s); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `RELEASE SAVEPOINT claim_schedule`); err != nil {
				return fmt.Errorf("release savepoint: %w", err)
			}
			handled++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return handled, nil
}

func scanSchedule(row rowScanner) (*schedule.Schedule, error) {
	var (
		s                    schedule.Schedule
		config               []byte
		baselineRunID, owner sql.NullString
		lastRunAt, nextRunAt sql.NullTime
	)
	if err := row.Scan(
		&s.ID, &s.Name, &s.CronExpression, &s.ScenarioID, &s.Target, &config, &s.IsActive, &s.CompareDrift,
		&baselineRunID, &lastRunAt, &nextRunAt, &s.RunCount, &owner, &s.CreatedAt, &s.UpdatedAt,
	); err != nil {
		return nil, err
	}
	cfg, err := fromJSONB(config)
	if err != nil {
		return nil, fmt.Errorf("unmarshal schedule config: %w", err)
	}
	s.Config = cfg
	s.BaselineRunID = parseNullID(baselineRunID)
	s.LastRunAt = nullTimeValue(lastRunAt)
	s.NextRunAt = nullTimeValue(nextRunAt)
	s.Owner = owner.String
	s.CreatedAt = s.CreatedAt.UTC()
	s.UpdatedAt = s.UpdatedAt.UTC()
	return &s, nil
}

func scanSchedules(rows *sql.Rows) ([]*schedule.Schedule, error) {
	defer rows.Close()
	var out []*schedule.Schedule
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
