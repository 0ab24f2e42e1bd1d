package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/student-transfer-engine/internal/models"
	"github.com/noah-isme/student-transfer-engine/pkg/database"
)

const transferColumns = `id, student_id, from_class_id, to_class_id, status, effective_date, start_session_no,
        reason, notes, processed_at, processed_by, retargeted_to_class_id, retargeted_at, retargeted_by,
        reverted_at, reverted_by, transfer_fee, invoice_id, status_history, change_log, created_at, updated_at`

// TransferRepository persists transfers.
type TransferRepository struct {
	db *sqlx.DB
}

// NewTransferRepository constructs the repository.
func NewTransferRepository(db *sqlx.DB) *TransferRepository {
	return &TransferRepository{db: db}
}

// Create inserts a transfer.
func (r *TransferRepository) Create(ctx context.Context, transfer *models.Transfer) error {
	if transfer.ID == "" {
		transfer.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if transfer.CreatedAt.IsZero() {
		transfer.CreatedAt = now
	}
	transfer.UpdatedAt = now

	const query = `INSERT INTO transfers (id, student_id, from_class_id, to_class_id, status, effective_date, start_session_no,
        reason, notes, processed_at, processed_by, retargeted_to_class_id, retargeted_at, retargeted_by,
        reverted_at, reverted_by, transfer_fee, invoice_id, status_history, change_log, created_at, updated_at)
        VALUES (:id, :student_id, :from_class_id, :to_class_id, :status, :effective_date, :start_session_no,
        :reason, :notes, :processed_at, :processed_by, :retargeted_to_class_id, :retargeted_at, :retargeted_by,
        :reverted_at, :reverted_by, :transfer_fee, :invoice_id, :status_history, :change_log, :created_at, :updated_at)`
	if _, err := sqlx.NamedExecContext(ctx, database.Executor(ctx, r.db), query, transfer); err != nil {
		return fmt.Errorf("create transfer: %w", err)
	}
	return nil
}

// FindByID returns a transfer or sql.ErrNoRows.
func (r *TransferRepository) FindByID(ctx context.Context, id string, forUpdate bool) (*models.Transfer, error) {
	query := `SELECT ` + transferColumns + ` FROM transfers WHERE id = $1`
	if forUpdate {
		query += " FOR UPDATE"
	}
	var transfer models.Transfer
	if err := sqlx.GetContext(ctx, database.Executor(ctx, r.db), &transfer, query, id); err != nil {
		return nil, err
	}
	return &transfer, nil
}

// FindActiveByStudent returns the student's active transfer or sql.ErrNoRows.
func (r *TransferRepository) FindActiveByStudent(ctx context.Context, studentID string, forUpdate bool) (*models.Transfer, error) {
	query := `SELECT ` + transferColumns + ` FROM transfers WHERE student_id = $1 AND status = $2 LIMIT 1`
	if forUpdate {
		query += " FOR UPDATE"
	}
	var transfer models.Transfer
	if err := sqlx.GetContext(ctx, database.Executor(ctx, r.db), &transfer, query, studentID, models.TransferStatusActive); err != nil {
		return nil, err
	}
	return &transfer, nil
}

// Update writes the mutable lifecycle fields of a transfer.
func (r *TransferRepository) Update(ctx context.Context, transfer *models.Transfer) error {
	transfer.UpdatedAt = time.Now().UTC()
	const query = `UPDATE transfers SET status = :status, start_session_no = :start_session_no, notes = :notes,
        retargeted_to_class_id = :retargeted_to_class_id, retargeted_at = :retargeted_at, retargeted_by = :retargeted_by,
        reverted_at = :reverted_at, reverted_by = :reverted_by, transfer_fee = :transfer_fee, invoice_id = :invoice_id,
        status_history = :status_history, change_log = :change_log, updated_at = :updated_at
        WHERE id = :id`
	res, err := sqlx.NamedExecContext(ctx, database.Executor(ctx, r.db), query, transfer)
	if err != nil {
		return fmt.Errorf("update transfer: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("update transfer %s: no rows affected", transfer.ID)
	}
	return nil
}

// ListByStudent returns a student's transfers, newest first.
func (r *TransferRepository) ListByStudent(ctx context.Context, studentID string) ([]models.Transfer, error) {
	query := `SELECT ` + transferColumns + ` FROM transfers WHERE student_id = $1 ORDER BY created_at DESC, id DESC`
	var transfers []models.Transfer
	if err := sqlx.SelectContext(ctx, database.Executor(ctx, r.db), &transfers, query, studentID); err != nil {
		return nil, fmt.Errorf("list student transfers: %w", err)
	}
	return transfers, nil
}

// Stats counts transfers per status, optionally bounded by effective date.
func (r *TransferRepository) Stats(ctx context.Context, filter models.TransferStatsFilter) (*models.TransferStats, error) {
	var conditions []string
	var args []interface{}
	if filter.FromDate != nil {
		args = append(args, *filter.FromDate)
		conditions = append(conditions, fmt.Sprintf("effective_date >= $%d", len(args)))
	}
	if filter.ToDate != nil {
		args = append(args, *filter.ToDate)
		conditions = append(conditions, fmt.Sprintf("effective_date <= $%d", len(args)))
	}
	clause := ""
	if len(conditions) > 0 {
		clause = " WHERE " + strings.Join(conditions, " AND ")
	}
	query := `SELECT COUNT(*) AS total,
        COUNT(*) FILTER (WHERE status = 'ACTIVE') AS active,
        COUNT(*) FILTER (WHERE status = 'REVERTED') AS reverted,
        COUNT(*) FILTER (WHERE status = 'RETARGETED') AS retargeted
        FROM transfers` + clause
	var stats models.TransferStats
	if err := sqlx.GetContext(ctx, database.Executor(ctx, r.db), &stats, query, args...); err != nil {
		return nil, fmt.Errorf("transfer stats: %w", err)
	}
	stats.ComputeSuccessRate()
	return &stats, nil
}
