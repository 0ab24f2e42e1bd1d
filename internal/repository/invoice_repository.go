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

const (
	invoiceColumns = `i.id, i.student_id, i.class_id, i.transfer_id, i.code, i.kind, i.status, i.total, i.due_date, i.description, i.created_at`
	paymentColumns = `p.id, p.invoice_id, p.student_id, p.transfer_id, p.amount, p.method, p.paid_at`
)

// InvoiceRepository reads billing records and manages transfer adjustment invoices.
type InvoiceRepository struct {
	db *sqlx.DB
}

// NewInvoiceRepository constructs the repository.
func NewInvoiceRepository(db *sqlx.DB) *InvoiceRepository {
	return &InvoiceRepository{db: db}
}

// Create inserts an invoice together with its items.
func (r *InvoiceRepository) Create(ctx context.Context, invoice *models.Invoice) error {
	if invoice.ID == "" {
		invoice.ID = uuid.NewString()
	}
	if invoice.CreatedAt.IsZero() {
		invoice.CreatedAt = time.Now().UTC()
	}
	exec := database.Executor(ctx, r.db)
	const invoiceQuery = `INSERT INTO invoices (id, student_id, class_id, transfer_id, code, kind, status, total, due_date, description, created_at)
        VALUES (:id, :student_id, :class_id, :transfer_id, :code, :kind, :status, :total, :due_date, :description, :created_at)`
	if _, err := sqlx.NamedExecContext(ctx, exec, invoiceQuery, invoice); err != nil {
		return fmt.Errorf("create invoice: %w", err)
	}
	const itemQuery = `INSERT INTO invoice_items (id, invoice_id, transfer_id, kind, description, amount, meta)
        VALUES (:id, :invoice_id, :transfer_id, :kind, :description, :amount, :meta)`
	for i := range invoice.Items {
		item := &invoice.Items[i]
		if item.ID == "" {
			item.ID = uuid.NewString()
		}
		item.InvoiceID = invoice.ID
		if _, err := sqlx.NamedExecContext(ctx, exec, itemQuery, item); err != nil {
			return fmt.Errorf("create invoice item: %w", err)
		}
	}
	return nil
}

// ListAdjustmentCandidates locks and returns the adjustment invoices created for a transfer
// together with their payment counts.
func (r *InvoiceRepository) ListAdjustmentCandidates(ctx context.Context, transferID string) ([]models.AdjustmentCandidate, error) {
	query := `SELECT ` + invoiceColumns + `,
        (SELECT COUNT(*) FROM payments p WHERE p.invoice_id = i.id) AS payment_count
        FROM invoices i
        WHERE i.transfer_id = $1 AND i.kind = $2
        ORDER BY i.created_at
        FOR UPDATE OF i`
	var candidates []models.AdjustmentCandidate
	if err := sqlx.SelectContext(ctx, database.Executor(ctx, r.db), &candidates, query, transferID, models.InvoiceKindAdjustment); err != nil {
		return nil, fmt.Errorf("list adjustment invoices: %w", err)
	}
	return candidates, nil
}

// DeleteUnpaid removes an invoice and its items provided it is still UNPAID and
// has no payments. It reports whether the invoice was removed.
func (r *InvoiceRepository) DeleteUnpaid(ctx context.Context, invoiceID string) (bool, error) {
	exec := database.Executor(ctx, r.db)
	const guard = `SELECT COUNT(*) FROM invoices i
        WHERE i.id = $1 AND i.status = $2 AND NOT EXISTS (SELECT 1 FROM payments p WHERE p.invoice_id = i.id)`
	var eligible int
	if err := sqlx.GetContext(ctx, exec, &eligible, guard, invoiceID, models.InvoiceStatusUnpaid); err != nil {
		return false, fmt.Errorf("check invoice %s: %w", invoiceID, err)
	}
	if eligible == 0 {
		return false, nil
	}
	if _, err := exec.ExecContext(ctx, `UPDATE transfers SET invoice_id = NULL WHERE invoice_id = $1`, invoiceID); err != nil {
		return false, fmt.Errorf("unlink invoice %s: %w", invoiceID, err)
	}
	if _, err := exec.ExecContext(ctx, `DELETE FROM invoice_items WHERE invoice_id = $1`, invoiceID); err != nil {
		return false, fmt.Errorf("delete invoice items %s: %w", invoiceID, err)
	}
	if _, err := exec.ExecContext(ctx, `DELETE FROM invoices WHERE id = $1`, invoiceID); err != nil {
		return false, fmt.Errorf("delete invoice %s: %w", invoiceID, err)
	}
	return true, nil
}

// ListTransferPayments returns payments linked to a transfer directly or through
// an invoice carrying one of the transfer's items.
func (r *InvoiceRepository) ListTransferPayments(ctx context.Context, transferID string) ([]models.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments p
        WHERE p.transfer_id = $1
           OR EXISTS (SELECT 1 FROM invoice_items ii WHERE ii.invoice_id = p.invoice_id AND ii.transfer_id = $1)
        ORDER BY p.paid_at`
	var payments []models.Payment
	if err := sqlx.SelectContext(ctx, database.Executor(ctx, r.db), &payments, query, transferID); err != nil {
		return nil, fmt.Errorf("list transfer payments: %w", err)
	}
	return payments, nil
}

// ListInvoicedTransferFees returns TRANSFER_FEE items of the transfer on invoices that are not cancelled.
func (r *InvoiceRepository) ListInvoicedTransferFees(ctx context.Context, transferID string) ([]models.InvoiceItem, error) {
	const query = `SELECT ii.id, ii.invoice_id, ii.transfer_id, ii.kind, ii.description, ii.amount, ii.meta
        FROM invoice_items ii
        JOIN invoices i ON i.id = ii.invoice_id
        WHERE ii.transfer_id = $1 AND ii.kind = $2 AND i.status <> $3`
	var items []models.InvoiceItem
	if err := sqlx.SelectContext(ctx, database.Executor(ctx, r.db), &items, query, transferID, models.InvoiceItemKindTransferFee, models.InvoiceStatusCancelled); err != nil {
		return nil, fmt.Errorf("list invoiced transfer fees: %w", err)
	}
	return items, nil
}

// ListStudentClassPayments returns a student's payments on invoices billed for a class.
func (r *InvoiceRepository) ListStudentClassPayments(ctx context.Context, studentID, classID string) ([]models.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments p
        JOIN invoices i ON i.id = p.invoice_id
        WHERE p.student_id = $1 AND i.class_id = $2
        ORDER BY p.paid_at`
	var payments []models.Payment
	if err := sqlx.SelectContext(ctx, database.Executor(ctx, r.db), &payments, query, studentID, classID); err != nil {
		return nil, fmt.Errorf("list class payments: %w", err)
	}
	return payments, nil
}

// ListTransferInvoices returns invoices linked to a transfer that are not cancelled.
func (r *InvoiceRepository) ListTransferInvoices(ctx context.Context, transferID string) ([]models.Invoice, error) {
	query := `SELECT ` + invoiceColumns + ` FROM invoices i
        WHERE i.status <> $2 AND (i.transfer_id = $1
           OR EXISTS (SELECT 1 FROM invoice_items ii WHERE ii.invoice_id = i.id AND ii.transfer_id = $1))
        ORDER BY i.created_at`
	var invoices []models.Invoice
	if err := sqlx.SelectContext(ctx, database.Executor(ctx, r.db), &invoices, query, transferID, models.InvoiceStatusCancelled); err != nil {
		return nil, fmt.Errorf("list transfer invoices: %w", err)
	}
	return invoices, nil
}
