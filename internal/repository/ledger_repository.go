package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"github.com/noah-isme/student-transfer-engine/internal/models"
	"github.com/noah-isme/student-transfer-engine/pkg/database"
)

const ledgerColumns = `id, student_id, entry_date, type, ref_type, ref_id, debit, credit, note, meta, created_at, updated_at`

// LedgerRepository persists student ledger entries.
type LedgerRepository struct {
	db *sqlx.DB
}

// NewLedgerRepository constructs the repository.
func NewLedgerRepository(db *sqlx.DB) *LedgerRepository {
	return &LedgerRepository{db: db}
}

// Upsert writes an entry keyed by (ref_type, ref_id). Replaying the same
// reference overwrites the existing row instead of adding a new one.
func (r *LedgerRepository) Upsert(ctx context.Context, entry *models.LedgerEntry) error {
	prepareLedgerEntry(entry)
	const query = `INSERT INTO student_ledger_entries (` + ledgerColumns + `)
        VALUES (:id, :student_id, :entry_date, :type, :ref_type, :ref_id, :debit, :credit, :note, :meta, :created_at, :updated_at)
        ON CONFLICT (ref_type, ref_id) DO UPDATE SET
            student_id = EXCLUDED.student_id,
            entry_date = EXCLUDED.entry_date,
            type = EXCLUDED.type,
            debit = EXCLUDED.debit,
            credit = EXCLUDED.credit,
            note = EXCLUDED.note,
            meta = EXCLUDED.meta,
            updated_at = EXCLUDED.updated_at
        RETURNING id, created_at`
	exec := database.Executor(ctx, r.db)
	bound, args, err := exec.BindNamed(query, entry)
	if err != nil {
		return fmt.Errorf("bind ledger entry: %w", err)
	}
	if err := exec.QueryRowxContext(ctx, bound, args...).Scan(&entry.ID, &entry.CreatedAt); err != nil {
		return fmt.Errorf("upsert ledger entry: %w", err)
	}
	return nil
}

// Insert appends an entry without a reference.
func (r *LedgerRepository) Insert(ctx context.Context, entry *models.LedgerEntry) error {
	prepareLedgerEntry(entry)
	const query = `INSERT INTO student_ledger_entries (` + ledgerColumns + `)
        VALUES (:id, :student_id, :entry_date, :type, :ref_type, :ref_id, :debit, :credit, :note, :meta, :created_at, :updated_at)`
	if _, err := sqlx.NamedExecContext(ctx, database.Executor(ctx, r.db), query, entry); err != nil {
		return fmt.Errorf("insert ledger entry: %w", err)
	}
	return nil
}

// Totals returns Σdebit and Σcredit for a student in a single statement.
func (r *LedgerRepository) Totals(ctx context.Context, studentID string) (decimal.Decimal, decimal.Decimal, error) {
	const query = `SELECT COALESCE(SUM(debit), 0) AS debit, COALESCE(SUM(credit), 0) AS credit
        FROM student_ledger_entries WHERE student_id = $1`
	var totals models.LedgerBalance
	if err := sqlx.GetContext(ctx, database.Executor(ctx, r.db), &totals, query, studentID); err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("ledger totals: %w", err)
	}
	return totals.Debit, totals.Credit, nil
}

// ListByStudent returns a student's entries in posting order.
func (r *LedgerRepository) ListByStudent(ctx context.Context, studentID string) ([]models.LedgerEntry, error) {
	query := `SELECT ` + ledgerColumns + ` FROM student_ledger_entries WHERE student_id = $1 ORDER BY entry_date, created_at`
	var entries []models.LedgerEntry
	if err := sqlx.SelectContext(ctx, database.Executor(ctx, r.db), &entries, query, studentID); err != nil {
		return nil, fmt.Errorf("list ledger entries: %w", err)
	}
	return entries, nil
}

func prepareLedgerEntry(entry *models.LedgerEntry) {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now
	}
	entry.UpdatedAt = now
	if entry.Meta == nil {
		entry.Meta = models.JSONMap{}
	}
}
