package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Ledger entry types written by the transfer engine.
const (
	LedgerTypeTransferAdjustment = "TRANSFER_ADJUSTMENT"
	LedgerTypeInvoiceVoid        = "INVOICE_VOID"
)

// Ledger reference types.
const (
	LedgerRefInvoices     = "invoices"
	LedgerRefInvoiceVoids = "invoice_voids"
)

// LedgerEntry is one row of a student's running debit/credit journal.
type LedgerEntry struct {
	ID        string          `db:"id" json:"id"`
	StudentID string          `db:"student_id" json:"student_id"`
	EntryDate time.Time       `db:"entry_date" json:"entry_date"`
	Type      string          `db:"type" json:"type"`
	RefType   *string         `db:"ref_type" json:"ref_type,omitempty"`
	RefID     *string         `db:"ref_id" json:"ref_id,omitempty"`
	Debit     decimal.Decimal `db:"debit" json:"debit"`
	Credit    decimal.Decimal `db:"credit" json:"credit"`
	Note      string          `db:"note" json:"note,omitempty"`
	Meta      JSONMap         `db:"meta" json:"meta,omitempty"`
	CreatedAt time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt time.Time       `db:"updated_at" json:"updated_at"`
}

// LedgerPayload is the input of a debit or credit posting. When both RefType
// and RefID are set the posting is idempotent on that pair.
type LedgerPayload struct {
	StudentID string
	EntryDate time.Time
	Type      string
	RefType   string
	RefID     string
	Amount    decimal.Decimal
	Note      string
	Meta      JSONMap
}

// HasReference reports whether the payload carries an idempotency key.
func (p LedgerPayload) HasReference() bool {
	return p.RefType != "" && p.RefID != ""
}

// LedgerBalance is the computed balance of a student.
type LedgerBalance struct {
	StudentID string          `json:"student_id"`
	Debit     decimal.Decimal `db:"debit" json:"debit"`
	Credit    decimal.Decimal `db:"credit" json:"credit"`
	Balance   decimal.Decimal `json:"balance"`
}

// LedgerStatement bundles a student's entries with the balance.
type LedgerStatement struct {
	Balance LedgerBalance `json:"balance"`
	Entries []LedgerEntry `json:"entries"`
}
