package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// InvoiceKind distinguishes billing invoices from transfer adjustments.
type InvoiceKind string

// Invoice kinds.
const (
	InvoiceKindTuition    InvoiceKind = "TUITION"
	InvoiceKindAdjustment InvoiceKind = "ADJUSTMENT"
)

// InvoiceStatus tracks settlement of an invoice.
type InvoiceStatus string

// Invoice statuses.
const (
	InvoiceStatusUnpaid    InvoiceStatus = "UNPAID"
	InvoiceStatusPartial   InvoiceStatus = "PARTIAL"
	InvoiceStatusPaid      InvoiceStatus = "PAID"
	InvoiceStatusCancelled InvoiceStatus = "CANCELLED"
)

// InvoiceItemKind classifies an invoice line.
type InvoiceItemKind string

// Invoice item kinds. TRANSFER_OUT and TRANSFER_IN are the audit lines of an
// adjustment invoice; TRANSFER_FEE marks a fee billed through regular invoicing.
const (
	InvoiceItemKindTuition     InvoiceItemKind = "TUITION"
	InvoiceItemKindTransferOut InvoiceItemKind = "TRANSFER_OUT"
	InvoiceItemKindTransferIn  InvoiceItemKind = "TRANSFER_IN"
	InvoiceItemKindTransferFee InvoiceItemKind = "TRANSFER_FEE"
)

// Invoice is a billing document. TransferID links adjustment invoices to the transfer that created them.
type Invoice struct {
	ID          string          `db:"id" json:"id"`
	StudentID   string          `db:"student_id" json:"student_id"`
	ClassID     *string         `db:"class_id" json:"class_id,omitempty"`
	TransferID  *string         `db:"transfer_id" json:"transfer_id,omitempty"`
	Code        string          `db:"code" json:"code"`
	Kind        InvoiceKind     `db:"kind" json:"kind"`
	Status      InvoiceStatus   `db:"status" json:"status"`
	Total       decimal.Decimal `db:"total" json:"total"`
	DueDate     *time.Time      `db:"due_date" json:"due_date,omitempty"`
	Description string          `db:"description" json:"description"`
	CreatedAt   time.Time       `db:"created_at" json:"created_at"`
	Items       []InvoiceItem   `db:"-" json:"items,omitempty"`
}

// InvoiceItem is a single invoice line.
type InvoiceItem struct {
	ID          string          `db:"id" json:"id"`
	InvoiceID   string          `db:"invoice_id" json:"invoice_id"`
	TransferID  *string         `db:"transfer_id" json:"transfer_id,omitempty"`
	Kind        InvoiceItemKind `db:"kind" json:"kind"`
	Description string          `db:"description" json:"description"`
	Amount      decimal.Decimal `db:"amount" json:"amount"`
	Meta        JSONMap         `db:"meta" json:"meta,omitempty"`
}

// Payment is money received against an invoice.
type Payment struct {
	ID         string          `db:"id" json:"id"`
	InvoiceID  string          `db:"invoice_id" json:"invoice_id"`
	StudentID  string          `db:"student_id" json:"student_id"`
	TransferID *string         `db:"transfer_id" json:"transfer_id,omitempty"`
	Amount     decimal.Decimal `db:"amount" json:"amount"`
	Method     string          `db:"method" json:"method"`
	PaidAt     time.Time       `db:"paid_at" json:"paid_at"`
}

// AdjustmentCandidate is an adjustment invoice of a transfer together with its payment count.
type AdjustmentCandidate struct {
	Invoice
	PaymentCount int `db:"payment_count" json:"payment_count"`
}

// Removable reports whether the invoice may be deleted without corrupting accounting.
func (c AdjustmentCandidate) Removable() bool {
	return c.Kind == InvoiceKindAdjustment && c.Status == InvoiceStatusUnpaid && c.PaymentCount == 0
}
