package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// TransferStatus is the lifecycle state of a transfer.
type TransferStatus string

// Transfer statuses. REVERTED and RETARGETED are terminal.
const (
	TransferStatusActive     TransferStatus = "ACTIVE"
	TransferStatusReverted   TransferStatus = "REVERTED"
	TransferStatusRetargeted TransferStatus = "RETARGETED"
)

var legalTransitions = map[TransferStatus][]TransferStatus{
	"":                   {TransferStatusActive},
	TransferStatusActive: {TransferStatusReverted, TransferStatusRetargeted},
}

// ErrIllegalTransition is returned when a status change is not allowed.
var ErrIllegalTransition = errors.New("illegal transfer status transition")

// ValidateTransferTransition reports whether from -> to is allowed.
func ValidateTransferTransition(from, to TransferStatus) error {
	for _, allowed := range legalTransitions[from] {
		if allowed == to {
			return nil
		}
	}
	return fmt.Errorf("%w: %q -> %q", ErrIllegalTransition, from, to)
}

// AuditEvent is implemented by the entries a transfer keeps in its audit trails.
type AuditEvent interface {
	OccurredAt() time.Time
	auditEvent()
}

// StatusChange records a lifecycle transition.
type StatusChange struct {
	From   TransferStatus `json:"from_status"`
	To     TransferStatus `json:"to_status"`
	Actor  string         `json:"actor,omitempty"`
	At     time.Time      `json:"at"`
	Reason string         `json:"reason,omitempty"`
}

// OccurredAt implements AuditEvent.
func (c StatusChange) OccurredAt() time.Time { return c.At }

func (StatusChange) auditEvent() {}

// FieldChange records an edit of a single transfer field.
type FieldChange struct {
	Field string    `json:"field"`
	Old   string    `json:"old"`
	New   string    `json:"new"`
	Actor string    `json:"actor,omitempty"`
	At    time.Time `json:"at"`
	Note  string    `json:"note,omitempty"`
}

// OccurredAt implements AuditEvent.
func (c FieldChange) OccurredAt() time.Time { return c.At }

func (FieldChange) auditEvent() {}

// ErrAuditOutOfOrder is returned when an event predates the last recorded one.
var ErrAuditOutOfOrder = errors.New("audit event older than the latest entry")

// AuditTrail is an append-only, chronologically ordered list of audit events.
// It is persisted as a JSON array.
type AuditTrail[E AuditEvent] struct {
	events []E
}

// NewAuditTrail builds a trail from events, validating their order.
func NewAuditTrail[E AuditEvent](events ...E) (AuditTrail[E], error) {
	var trail AuditTrail[E]
	for _, e := range events {
		if err := trail.Append(e); err != nil {
			return AuditTrail[E]{}, err
		}
	}
	return trail, nil
}

// Append adds e at the end of the trail.
func (t *AuditTrail[E]) Append(e E) error {
	if n := len(t.events); n > 0 && e.OccurredAt().Before(t.events[n-1].OccurredAt()) {
		return ErrAuditOutOfOrder
	}
	t.events = append(t.events, e)
	return nil
}

// Events returns a copy of the recorded events.
func (t AuditTrail[E]) Events() []E {
	out := make([]E, len(t.events))
	copy(out, t.events)
	return out
}

// Len returns the number of events.
func (t AuditTrail[E]) Len() int { return len(t.events) }

// Last returns the most recent event.
func (t AuditTrail[E]) Last() (E, bool) {
	var zero E
	if len(t.events) == 0 {
		return zero, false
	}
	return t.events[len(t.events)-1], true
}

// MarshalJSON renders the trail as an array.
func (t AuditTrail[E]) MarshalJSON() ([]byte, error) {
	if t.events == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(t.events)
}

// UnmarshalJSON decodes an array, rejecting unordered input.
func (t *AuditTrail[E]) UnmarshalJSON(data []byte) error {
	var events []E
	if err := json.Unmarshal(data, &events); err != nil {
		return err
	}
	trail, err := NewAuditTrail(events...)
	if err != nil {
		return err
	}
	*t = trail
	return nil
}

// Value implements driver.Valuer.
func (t AuditTrail[E]) Value() (driver.Value, error) {
	return t.MarshalJSON()
}

// Scan implements sql.Scanner.
func (t *AuditTrail[E]) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		*t = AuditTrail[E]{}
		return nil
	case []byte:
		if len(v) == 0 {
			*t = AuditTrail[E]{}
			return nil
		}
		return t.UnmarshalJSON(v)
	case string:
		return t.Scan([]byte(v))
	default:
		return fmt.Errorf("audit trail: unsupported source %T", src)
	}
}

// Transfer records the move of a student from one class enrollment to another.
type Transfer struct {
	ID                  string                   `db:"id" json:"id"`
	StudentID           string                   `db:"student_id" json:"student_id"`
	FromClassID         string                   `db:"from_class_id" json:"from_class_id"`
	ToClassID           string                   `db:"to_class_id" json:"to_class_id"`
	Status              TransferStatus           `db:"status" json:"status"`
	EffectiveDate       time.Time                `db:"effective_date" json:"effective_date"`
	StartSessionNo      int                      `db:"start_session_no" json:"start_session_no"`
	Reason              string                   `db:"reason" json:"reason,omitempty"`
	Notes               string                   `db:"notes" json:"notes,omitempty"`
	ProcessedAt         time.Time                `db:"processed_at" json:"processed_at"`
	ProcessedBy         *string                  `db:"processed_by" json:"processed_by,omitempty"`
	RetargetedToClassID *string                  `db:"retargeted_to_class_id" json:"retargeted_to_class_id,omitempty"`
	RetargetedAt        *time.Time               `db:"retargeted_at" json:"retargeted_at,omitempty"`
	RetargetedBy        *string                  `db:"retargeted_by" json:"retargeted_by,omitempty"`
	RevertedAt          *time.Time               `db:"reverted_at" json:"reverted_at,omitempty"`
	RevertedBy          *string                  `db:"reverted_by" json:"reverted_by,omitempty"`
	TransferFee         decimal.Decimal          `db:"transfer_fee" json:"transfer_fee"`
	InvoiceID           *string                  `db:"invoice_id" json:"invoice_id,omitempty"`
	StatusHistory       AuditTrail[StatusChange] `db:"status_history" json:"status_history"`
	ChangeLog           AuditTrail[FieldChange]  `db:"change_log" json:"change_log"`
	CreatedAt           time.Time                `db:"created_at" json:"created_at"`
	UpdatedAt           time.Time                `db:"updated_at" json:"updated_at"`
}

// EffectiveTargetClassID returns the class the student currently belongs to
// because of this transfer. Consumers must use it instead of ToClassID.
func (t *Transfer) EffectiveTargetClassID() string {
	if t.Status == TransferStatusRetargeted && t.RetargetedToClassID != nil {
		return *t.RetargetedToClassID
	}
	return t.ToClassID
}

// IsActive reports whether the transfer can still be reverted or retargeted.
func (t *Transfer) IsActive() bool {
	return t.Status == TransferStatusActive
}

// Transition moves the transfer to status and appends the status history entry.
func (t *Transfer) Transition(to TransferStatus, actor string, at time.Time, reason string) error {
	if err := ValidateTransferTransition(t.Status, to); err != nil {
		return err
	}
	if err := t.StatusHistory.Append(StatusChange{From: t.Status, To: to, Actor: actor, At: at, Reason: reason}); err != nil {
		return err
	}
	t.Status = to
	return nil
}

// RecordChange appends a field change entry when old and new differ.
func (t *Transfer) RecordChange(field, oldValue, newValue, actor string, at time.Time, note string) error {
	if oldValue == newValue {
		return nil
	}
	return t.ChangeLog.Append(FieldChange{Field: field, Old: oldValue, New: newValue, Actor: actor, At: at, Note: note})
}

// CheckInvariants verifies that the lifecycle fields agree with the status.
func (t *Transfer) CheckInvariants() error {
	retargeted := t.RetargetedToClassID != nil && *t.RetargetedToClassID != ""
	reverted := t.RevertedAt != nil && t.RevertedBy != nil
	switch t.Status {
	case TransferStatusActive:
		if retargeted || t.RevertedAt != nil {
			return fmt.Errorf("transfer %s: active transfer carries terminal fields", t.ID)
		}
	case TransferStatusRetargeted:
		if !retargeted {
			return fmt.Errorf("transfer %s: retargeted without retargeted_to_class_id", t.ID)
		}
		if t.RevertedAt != nil {
			return fmt.Errorf("transfer %s: retargeted transfer carries reverted_at", t.ID)
		}
	case TransferStatusReverted:
		if !reverted {
			return fmt.Errorf("transfer %s: reverted without reverted_at/reverted_by", t.ID)
		}
		if retargeted {
			return fmt.Errorf("transfer %s: reverted transfer carries retargeted_to_class_id", t.ID)
		}
	default:
		return fmt.Errorf("transfer %s: unknown status %q", t.ID, t.Status)
	}
	if t.TransferFee.IsNegative() {
		return fmt.Errorf("transfer %s: negative transfer fee", t.ID)
	}
	return nil
}

// TransferStatsFilter bounds stats by effective date.
type TransferStatsFilter struct {
	FromDate *time.Time
	ToDate   *time.Time
}

// TransferStats summarises transfer outcomes.
type TransferStats struct {
	Total       int     `db:"total" json:"total"`
	Active      int     `db:"active" json:"active"`
	Reverted    int     `db:"reverted" json:"reverted"`
	Retargeted  int     `db:"retargeted" json:"retargeted"`
	SuccessRate float64 `db:"-" json:"success_rate"`
}

// ComputeSuccessRate fills SuccessRate as the share of non-reverted transfers, in percent.
func (s *TransferStats) ComputeSuccessRate() {
	if s.Total == 0 {
		s.SuccessRate = 0
		return
	}
	rate := decimal.NewFromInt(int64(s.Total - s.Reverted)).
		Div(decimal.NewFromInt(int64(s.Total))).
		Mul(decimal.NewFromInt(100)).
		Round(2)
	s.SuccessRate = rate.InexactFloat64()
}
