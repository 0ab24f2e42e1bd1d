package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/student-transfer-engine/internal/models"
	"github.com/noah-isme/student-transfer-engine/pkg/database"
)

const outboxColumns = `id, action, actor_id, target_type, target_id, meta, status, attempts, last_error, created_at, published_at`

// AuditOutboxRepository stores audit events until they are delivered to the activity log.
type AuditOutboxRepository struct {
	db *sqlx.DB
}

// NewAuditOutboxRepository constructs the repository.
func NewAuditOutboxRepository(db *sqlx.DB) *AuditOutboxRepository {
	return &AuditOutboxRepository{db: db}
}

// Enqueue inserts a pending event using the transaction bound to ctx, if any.
func (r *AuditOutboxRepository) Enqueue(ctx context.Context, event *models.AuditOutboxEvent) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	if event.Status == "" {
		event.Status = models.OutboxStatusPending
	}
	if event.Meta == nil {
		event.Meta = models.JSONMap{}
	}
	const query = `INSERT INTO audit_outbox (` + outboxColumns + `)
        VALUES (:id, :action, :actor_id, :target_type, :target_id, :meta, :status, :attempts, :last_error, :created_at, :published_at)`
	if _, err := sqlx.NamedExecContext(ctx, database.Executor(ctx, r.db), query, event); err != nil {
		return fmt.Errorf("enqueue audit event: %w", err)
	}
	return nil
}

// ListPending returns the oldest pending events. Inside a transaction rows
// locked by another dispatcher are skipped.
func (r *AuditOutboxRepository) ListPending(ctx context.Context, limit int) ([]models.AuditOutboxEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + outboxColumns + ` FROM audit_outbox WHERE status = $1 ORDER BY created_at ASC LIMIT $2`
	if _, ok := database.TxFromContext(ctx); ok {
		query += " FOR UPDATE SKIP LOCKED"
	}
	var events []models.AuditOutboxEvent
	if err := sqlx.SelectContext(ctx, database.Executor(ctx, r.db), &events, query, models.OutboxStatusPending, limit); err != nil {
		return nil, fmt.Errorf("list pending audit events: %w", err)
	}
	return events, nil
}

// MarkPublished flags an event as delivered.
func (r *AuditOutboxRepository) MarkPublished(ctx context.Context, id string, at time.Time) error {
	const query = `UPDATE audit_outbox SET status = $2, published_at = $3, attempts = attempts + 1, last_error = NULL WHERE id = $1`
	if _, err := database.Executor(ctx, r.db).ExecContext(ctx, query, id, models.OutboxStatusPublished, at); err != nil {
		return fmt.Errorf("mark audit event published: %w", err)
	}
	return nil
}

// MarkFailed records a delivery failure. The event stays pending until it has
// used maxAttempts, after which it is parked as FAILED.
func (r *AuditOutboxRepository) MarkFailed(ctx context.Context, id, reason string, maxAttempts int) error {
	const query = `UPDATE audit_outbox SET attempts = attempts + 1, last_error = $2,
        status = CASE WHEN attempts + 1 >= $3 THEN $4 ELSE status END
        WHERE id = $1`
	if _, err := database.Executor(ctx, r.db).ExecContext(ctx, query, id, reason, maxAttempts, models.OutboxStatusFailed); err != nil {
		return fmt.Errorf("mark audit event failed: %w", err)
	}
	return nil
}
