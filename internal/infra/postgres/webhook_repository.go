package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/openctemio/orchestrator/pkg/domain/shared"
	"github.com/openctemio/orchestrator/pkg/domain/webhook"
)

// WebhookRepository implements webhook.Repository.
type WebhookRepository struct {
	db *DB
}

var _ webhook.Repository = (*WebhookRepository)(nil)

// NewWebhookRepository creates a new WebhookRepository.
func NewWebhookRepository(db *DB) *WebhookRepository {
	return &WebhookRepository{db: db}
}

const webhookColumns = `
	id, owner, name, url, events, secret, is_active, failure_count,
	last_triggered_at, created_at, updated_at`

// Create inserts a new endpoint.
func (r *WebhookRepository) Create(ctx context.Context, e *webhook.Endpoint) error {
	query := `
		INSERT INTO webhook_endpoints (` + webhookColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	_, err := r.db.exec(ctx).ExecContext(ctx, query,
		e.ID().String(),
		nullString(e.Owner()),
		e.Name(),
		e.URL(),
		pq.Array(e.Events()),
		e.Secret(),
		e.IsActive(),
		e.FailureCount(),
		nullTime(e.LastTriggeredAt()),
		e.CreatedAt(),
		e.UpdatedAt(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: webhook %s", shared.ErrAlreadyExists, e.ID())
		}
		return fmt.Errorf("insert webhook: %w", err)
	}
	return nil
}

// GetByID retrieves an endpoint.
func (r *WebhookRepository) GetByID(ctx context.Context, id webhook.ID) (*webhook.Endpoint, error) {
	query := `SELECT ` + webhookColumns + ` FROM webhook_endpoints WHERE id = $1`
	e, err := scanWebhook(r.db.exec(ctx).QueryRowContext(ctx, query, id.String()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, webhook.ErrEndpointNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get webhook: %w", err)
	}
	return e, nil
}

// List returns endpoints ordered by creation time.
func (r *WebhookRepository) List(ctx context.Context, filter webhook.Filter) ([]*webhook.Endpoint, error) {
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
	query := `SELECT ` + webhookColumns + ` FROM webhook_endpoints`
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, " AND ")
	}
	query += ` ORDER BY created_at ASC`

	rows, err := r.db.exec(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list webhooks: %w", err)
	}
	return scanWebhooks(rows)
}

// Update saves the mutable fields of an endpoint.
func (r *WebhookRepository) Update(ctx context.Context, e *webhook.Endpoint) error {
	query := `
		UPDATE webhook_endpoints
		SET name = $2, url = $3, events = $4, secret = $5, is_active = $6,
			failure_count = $7, last_triggered_at = $8, updated_at = $9
		WHERE id = $1
	`
	res, err := r.db.exec(ctx).ExecContext(ctx, query,
		e.ID().String(),
		e.Name(),
		e.URL(),
		pq.Array(e.Events()),
		e.Secret(),
		e.IsActive(),
		e.FailureCount(),
		nullTime(e.LastTriggeredAt()),
		e.UpdatedAt(),
	)
	if err != nil {
		return fmt.Errorf("update webhook: %w", err)
	}
	return expectRow(res, webhook.ErrEndpointNotFound)
}

// Delete removes an endpoint.
func (r *WebhookRepository) Delete(ctx context.Context, id webhook.ID) error {
	res, err := r.db.exec(ctx).ExecContext(ctx, `DELETE FROM webhook_endpoints WHERE id = $1`, id.String())
	if err != nil {
		return fmt.Errorf("delete webhook: %w", err)
	}
	return expectRow(res, webhook.ErrEndpointNotFound)
}

// ListCandidates returns active endpoints below threshold that subscribe to event.
func (r *WebhookRepository) ListCandidates(ctx context.Context, event string, threshold int) ([]*webhook.Endpoint, error) {
	query := `
		SELECT ` + webhookColumns + `
		FROM webhook_endpoints
		WHERE is_active AND failure_count < $2 AND $1 = ANY(events)
		ORDER BY created_at ASC
	`
	rows, err := r.db.exec(ctx).QueryContext(ctx, query, event, threshold)
	if err != nil {
		return nil, fmt.Errorf("list webhook candidates: %w", err)
	}
	return scanWebhooks(rows)
}

// RecordSuccess clears the failure count and stamps the delivery time.
func (r *WebhookRepository) RecordSuccess(ctx context.Context, id webhook.ID, at time.Time) error {
	query := `
		UPDATE webhook_endpoints
		SET failure_count = 0, last_triggered_at = $2, updated_at = $2
		WHERE id = $1
	`
	res, err := r.db.exec(ctx).ExecContext(ctx, query, id.String(), at.UTC())
	if err != nil {
		return fmt.Errorf("record webhook success: %w", err)
	}
	return expectRow(res, webhook.ErrEndpointNotFound)
}

// RecordFailure increments failure_count in a single statement and flips
// is_active off once the new count reaches threshold. Increments serialize on
// the row lock, so exactly one caller observes the count equal to threshold.
func (r *WebhookRepository) RecordFailure(ctx context.Context, id webhook.ID, threshold int) (bool, error) {
	query := `
		UPDATE webhook_endpoints
		SET failure_count = failure_count + 1,
			is_active = CASE WHEN failure_count + 1 >= $2 THEN FALSE ELSE is_active END,
			updated_at = NOW()
		WHERE id = $1
		RETURNING failure_count
	`
	var count int
	err := r.db.exec(ctx).QueryRowContext(ctx, query, id.String(), threshold).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return false, webhook.ErrEndpointNotFound
	}
	if err != nil {
		return false, fmt.Errorf("record webhook failure: %w", err)
	}
	return count == threshold, nil
}

func expectRow(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return notFound
	}
	return nil
}

func scanWebhook(row rowScanner) (*webhook.Endpoint, error) {
	var (
		id                   shared.ID
		owner                sql.NullString
		name, url, secret    string
		events               []string
		isActive             bool
		failureCount         int
		lastTriggeredAt      sql.NullTime
		createdAt, updatedAt time.Time
	)
	if err := row.Scan(
		&id, &owner, &name, &url, pq.Array(&events), &secret, &isActive, &failureCount,
		&lastTriggeredAt, &createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}
	return webhook.Reconstruct(
		id, owner.String, name, url, events, secret, isActive, failureCount,
		nullTimeValue(lastTriggeredAt), createdAt.UTC(), updatedAt.UTC(),
	), nil
}

func scanWebhooks(rows *sql.Rows) ([]*webhook.Endpoint, error) {
	defer rows.Close()
	var out []*webhook.Endpoint
	for rows.Next() {
		e, err := scanWebhook(rows)
		if err != nil {
			return nil, fmt.Errorf("scan webhook: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
