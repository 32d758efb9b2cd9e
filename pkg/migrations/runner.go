package migrations

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"time"

	"github.com/openctemio/orchestrator/pkg/logger"
)

// Runner executes database migrations.
type Runner struct {
	db     *sql.DB
	fsys   fs.FS
	logger *logger.Logger
}

// NewRunner creates a new migration runner over the migrations in fsys.
func NewRunner(db *sql.DB, fsys fs.FS, log *logger.Logger) *Runner {
	return &Runner{
		db:     db,
		fsys:   fsys,
		logger: log.With("component", "migrations"),
	}
}

// Record represents a row in the schema_migrations table.
type Record struct {
	Version   string
	AppliedAt time.Time
}

// StatusEntry describes one known migration.
type StatusEntry struct {
	Version   string
	Name      string
	Applied   bool
	AppliedAt *time.Time
}

// EnsureMigrationTable creates the schema_migrations table if it doesn't exist.
func (r *Runner) EnsureMigrationTable(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version VARCHAR(14) PRIMARY KEY,
			applied_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
		)
	`
	_, err := r.db.ExecContext(ctx, query)
	return err
}

// Applied returns all applied migration versions.
func (r *Runner) Applied(ctx context.Context) ([]Record, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT version, applied_at FROM schema_migrations ORDER BY version`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.Version, &rec.AppliedAt); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Pending returns migrations that need to be applied.
func (r *Runner) Pending(ctx context.Context) ([]Migration, error) {
	available, err := Load(r.fsys, "up")
	if err != nil {
		return nil, fmt.Errorf("failed to load migrations: %w", err)
	}
	applied, err := r.Applied(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get applied migrations: %w", err)
	}
	return pending(available, applied), nil
}

func pending(available []Migration, applied []Record) []Migration {
	appliedSet := make(map[string]bool, len(applied))
	for _, rec := range applied {
		appliedSet[rec.Version] = true
	}
	var out []Migration
	for _, m := range available {
		if !appliedSet[m.Version] {
			out = append(out, m)
		}
	}
	return out
}

// Up runs all pending migrations and returns how many were applied.
func (r *Runner) Up(ctx context.Context) (int, error) {
	if err := r.EnsureMigrationTable(ctx); err != nil {
		return 0, fmt.Errorf("failed to ensure migration table: %w", err)
	}

	todo, err := r.Pending(ctx)
	if err != nil {
		return 0, err
	}
	if len(todo) == 0 {
		r.logger.Info("no pending migrations")
		return 0, nil
	}

	for i, m := range todo {
		if err := r.run(ctx, m); err != nil {
			return i, fmt.Errorf("migration %s failed: %w", m.Version, err)
		}
		r.logger.Info("migration applied", "version", m.Version, "name", m.Name)
	}
	return len(todo), nil
}

// Down rolls back the last applied migration.
func (r *Runner) Down(ctx context.Context) error {
	if err := r.EnsureMigrationTable(ctx); err != nil {
		return fmt.Errorf("failed to ensure migration table: %w", err)
	}
	applied, err := r.Applied(ctx)
	if err != nil {
		return err
	}
	if len(applied) == 0 {
		r.logger.Info("no migrations to roll back")
		return nil
	}

	last := applied[len(applied)-1]
	downs, err := Load(r.fsys, "down")
	if err != nil {
		return fmt.Errorf("failed to load migrations: %w", err)
	}
	for _, m := range downs {
		if m.Version == last.Version {
			if err := r.run(ctx, m); err != nil {
				return fmt.Errorf("rollback %s failed: %w", m.Version, err)
			}
			r.logger.Info("migration rolled back", "version", m.Version, "name", m.Name)
			return nil
		}
	}
	return fmt.Errorf("down migration for version %s not found", last.Version)
}

// run executes a single migration and updates schema_migrations in the same transaction.
func (r *Runner) run(ctx context.Context, m Migration) error {
	content, err := fs.ReadFile(r.fsys, m.Path)
	if err != nil {
		return err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, string(content)); err != nil {
		return err
	}

	if m.Direction == "up" {
		_, err = tx.ExecContext(ctx, "INSERT INTO schema_migrations (version) VALUES ($1)", m.Version)
	} else {
		_, err = tx.ExecContext(ctx, "DELETE FROM schema_migrations WHERE version = $1", m.Version)
	}
	if err != nil {
		return err
	}

	return tx.Commit()
}

// Status lists every known migration with its applied state.
func (r *Runner) Status(ctx context.Context) ([]StatusEntry, error) {
	if err := r.EnsureMigrationTable(ctx); err != nil {
		return nil, err
	}
	applied, err := r.Applied(ctx)
	if err != nil {
		return nil, err
	}
	available, err := Load(r.fsys, "up")
	if err != nil {
		return nil, err
	}

	appliedAt := make(map[string]time.Time, len(applied))
	for _, rec := range applied {
		appliedAt[rec.Version] = rec.AppliedAt
	}

	entries := make([]StatusEntry, 0, len(available))
	for _, m := range available {
		e := StatusEntry{Version: m.Version, Name: m.Name}
		if at, ok := appliedAt[m.Version]; ok {
			e.Applied = true
			e.AppliedAt = &at
		}
		entries = append(entries, e)
	}
	return entries, nil
}
