package service

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/noah-isme/student-transfer-engine/internal/models"
)

// memWorld is an in-memory school used by the service tests. memTx snapshots it
// before a unit of work and restores the snapshot when the work fails.
type memWorld struct {
	enrollments map[string]models.Enrollment
	transfers   map[string]models.Transfer
	invoices    map[string]models.Invoice
	payments    []models.Payment
	ledger      []models.LedgerEntry
	classes     map[string]models.Classroom
	conflicts   map[string][]models.ScheduleConflict
	attendance  map[string]bool
	outbox      []models.AuditOutboxEvent

	failOutbox error
	failDelete error
	seq        int
	commits    int
	rollbacks  int
}

func newMemWorld() *memWorld {
	return &memWorld{
		enrollments: map[string]models.Enrollment{},
		transfers:   map[string]models.Transfer{},
		invoices:    map[string]models.Invoice{},
		classes:     map[string]models.Classroom{},
		conflicts:   map[string][]models.ScheduleConflict{},
		attendance:  map[string]bool{},
	}
}

func pairKey(studentID, classID string) string { return studentID + "|" + classID }

func (w *memWorld) addClass(id, branch string, fee int64, sessions int) {
	w.classes[id] = models.Classroom{ID: id, Name: "Class " + id, BranchID: branch, TuitionFee: decimal.NewFromInt(fee), SessionsTotal: sessions}
}

func (w *memWorld) enroll(studentID, classID string) {
	w.enrollments[pairKey(studentID, classID)] = models.Enrollment{
		ID:             uuid.NewString(),
		StudentID:      studentID,
		ClassID:        classID,
		Status:         models.EnrollmentStatusActive,
		StartSessionNo: 1,
		EnrolledAt:     time.Date(2024, 9, 1, 0, 0, 0, 0, time.UTC),
	}
}

func (w *memWorld) enrollment(studentID, classID string) (models.Enrollment, bool) {
	e, ok := w.enrollments[pairKey(studentID, classID)]
	return e, ok
}

func (w *memWorld) invoicesOf(transferID string) []models.Invoice {
	var out []models.Invoice
	for _, inv := range w.invoices {
		if inv.TransferID != nil && *inv.TransferID == transferID {
			out = append(out, inv)
		}
	}
	return out
}

func (w *memWorld) balance(studentID string) decimal.Decimal {
	total := decimal.Zero
	for _, e := range w.ledger {
		if e.StudentID == studentID {
			total = total.Add(e.Debit).Sub(e.Credit)
		}
	}
	return total
}

func (w *memWorld) snapshot() *memWorld {
	c := *w
	c.enrollments = make(map[string]models.Enrollment, len(w.enrollments))
	for k, v := range w.enrollments {
		c.enrollments[k] = v
	}
	c.transfers = make(map[string]models.Transfer, len(w.transfers))
	for k, v := range w.transfers {
		c.transfers[k] = v
	}
	c.invoices = make(map[string]models.Invoice, len(w.invoices))
	for k, v := range w.invoices {
		c.invoices[k] = v
	}
	c.payments = append([]models.Payment(nil), w.payments...)
	c.ledger = append([]models.LedgerEntry(nil), w.ledger...)
	c.outbox = append([]models.AuditOutboxEvent(nil), w.outbox...)
	return &c
}

func (w *memWorld) restore(s *memWorld) {
	w.enrollments = s.enrollments
	w.transfers = s.transfers
	w.invoices = s.invoices
	w.payments = s.payments
	w.ledger = s.ledger
	w.outbox = s.outbox
}

type memTx struct{ w *memWorld }

func (t memTx) WithinTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	snap := t.w.snapshot()
	if err := fn(ctx); err != nil {
		t.w.restore(snap)
		t.w.rollbacks++
		return err
	}
	t.w.commits++
	return nil
}

type memTransfers struct{ w *memWorld }

func uniqueViolation(constraint string) error {
	return &pq.Error{Code: "23505", Constraint: constraint}
}

func (m memTransfers) Create(ctx context.Context, transfer *models.Transfer) error {
	for _, t := range m.w.transfers {
		if t.StudentID == transfer.StudentID && t.Status == models.TransferStatusActive {
			return uniqueViolation("transfers_one_active_per_student")
		}
	}
	m.w.seq++
	transfer.CreatedAt = time.Date(2025, 1, 1, 0, 0, m.w.seq, 0, time.UTC)
	transfer.UpdatedAt = transfer.CreatedAt
	m.w.transfers[transfer.ID] = *transfer
	return nil
}

func (m memTransfers) FindByID(ctx context.Context, id string, forUpdate bool) (*models.Transfer, error) {
	t, ok := m.w.transfers[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return &t, nil
}

func (m memTransfers) FindActiveByStudent(ctx context.Context, studentID string, forUpdate bool) (*models.Transfer, error) {
	for _, t := range m.w.transfers {
		if t.StudentID == studentID && t.Status == models.TransferStatusActive {
			found := t
			return &found, nil
		}
	}
	return nil, sql.ErrNoRows
}

func (m memTransfers) Update(ctx context.Context, transfer *models.Transfer) error {
	if _, ok := m.w.transfers[transfer.ID]; !ok {
		return errors.New("transfer vanished")
	}
	m.w.transfers[transfer.ID] = *transfer
	return nil
}

func (m memTransfers) ListByStudent(ctx context.Context, studentID string) ([]models.Transfer, error) {
	var out []models.Transfer
	for _, t := range m.w.transfers {
		if t.StudentID == studentID {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m memTransfers) Stats(ctx context.Context, filter models.TransferStatsFilter) (*models.TransferStats, error) {
	stats := &models.TransferStats{}
	for _, t := range m.w.transfers {
		stats.Total++
		switch t.Status {
		case models.TransferStatusActive:
			stats.Active++
		case models.TransferStatusReverted:
			stats.Reverted++
		case models.TransferStatusRetargeted:
			stats.Retargeted++
		}
	}
	stats.ComputeSuccessRate()
	return stats, nil
}

type memEnrollments struct{ w *memWorld }

func (m memEnrollments) FindByStudentAndClass(ctx context.Context, studentID, classID string, forUpdate bool) (*models.Enrollment, error) {
	e, ok := m.w.enrollment(studentID, classID)
	if !ok {
		return nil, sql.ErrNoRows
	}
	return &e, nil
}

func (m memEnrollments) ListByStudent(ctx context.Context, studentID string, forUpdate bool) ([]models.Enrollment, error) {
	var out []models.Enrollment
	for _, e := range m.w.enrollments {
		if e.StudentID == studentID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m memEnrollments) SetStatus(ctx context.Context, studentID, classID string, status models.EnrollmentStatus) (int64, error) {
	e, ok := m.w.enrollment(studentID, classID)
	if !ok {
		return 0, nil
	}
	e.Status = status
	m.w.enrollments[pairKey(studentID, classID)] = e
	return 1, nil
}

func (m memEnrollments) Activate(ctx context.Context, enrollment *models.Enrollment) error {
	key := pairKey(enrollment.StudentID, enrollment.ClassID)
	existing, ok := m.w.enrollments[key]
	if ok {
		if existing.Status != models.EnrollmentStatusActive {
			existing.StartSessionNo = enrollment.StartSessionNo
		}
		existing.Status = models.EnrollmentStatusActive
		m.w.enrollments[key] = existing
		*enrollment = existing
		return nil
	}
	enrollment.ID = uuid.NewString()
	enrollment.Status = models.EnrollmentStatusActive
	m.w.enrollments[key] = *enrollment
	return nil
}

func (m memEnrollments) Delete(ctx context.Context, studentID, classID string) (int64, error) {
	key := pairKey(studentID, classID)
	if _, ok := m.w.enrollments[key]; !ok {
		return 0, nil
	}
	delete(m.w.enrollments, key)
	return 1, nil
}

type memInvoices struct{ w *memWorld }

func (m memInvoices) Create(ctx context.Context, invoice *models.Invoice) error {
	if invoice.ID == "" {
		invoice.ID = uuid.NewString()
	}
	for i := range invoice.Items {
		invoice.Items[i].ID = uuid.NewString()
		invoice.Items[i].InvoiceID = invoice.ID
	}
	invoice.Items = append([]models.InvoiceItem(nil), invoice.Items...)
	m.w.invoices[invoice.ID] = *invoice
	return nil
}

func (m memInvoices) paymentCount(invoiceID string) int {
	n := 0
	for _, p := range m.w.payments {
		if p.InvoiceID == invoiceID {
			n++
		}
	}
	return n
}

func (m memInvoices) ListAdjustmentCandidates(ctx context.Context, transferID string) ([]models.AdjustmentCandidate, error) {
	var out []models.AdjustmentCandidate
	for _, inv := range m.w.invoicesOf(transferID) {
		if inv.Kind == models.InvoiceKindAdjustment {
			out = append(out, models.AdjustmentCandidate{Invoice: inv, PaymentCount: m.paymentCount(inv.ID)})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m memInvoices) DeleteUnpaid(ctx context.Context, invoiceID string) (bool, error) {
	if m.w.failDelete != nil {
		return false, m.w.failDelete
	}
	inv, ok := m.w.invoices[invoiceID]
	if !ok || inv.Status != models.InvoiceStatusUnpaid || m.paymentCount(invoiceID) > 0 {
		return false, nil
	}
	for id, t := range m.w.transfers {
		if t.InvoiceID != nil && *t.InvoiceID == invoiceID {
			t.InvoiceID = nil
			m.w.transfers[id] = t
		}
	}
	delete(m.w.invoices, invoiceID)
	return true, nil
}

func linkedTo(transferID *string, id string) bool {
	return transferID != nil && *transferID == id
}

func (m memInvoices) ListTransferPayments(ctx context.Context, transferID string) ([]models.Payment, error) {
	var out []models.Payment
	for _, p := range m.w.payments {
		inv := m.w.invoices[p.InvoiceID]
		if linkedTo(p.TransferID, transferID) || linkedTo(inv.TransferID, transferID) {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m memInvoices) ListInvoicedTransferFees(ctx context.Context, transferID string) ([]models.InvoiceItem, error) {
	var out []models.InvoiceItem
	for _, inv := range m.w.invoices {
		if inv.Status == models.InvoiceStatusCancelled {
			continue
		}
		for _, item := range inv.Items {
			if item.Kind == models.InvoiceItemKindTransferFee && linkedTo(item.TransferID, transferID) {
				out = append(out, item)
			}
		}
	}
	return out, nil
}

func (m memInvoices) ListStudentClassPayments(ctx context.Context, studentID, classID string) ([]models.Payment, error) {
	var out []models.Payment
	for _, p := range m.w.payments {
		inv := m.w.invoices[p.InvoiceID]
		if p.StudentID == studentID && inv.ClassID != nil && *inv.ClassID == classID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m memInvoices) ListTransferInvoices(ctx context.Context, transferID string) ([]models.Invoice, error) {
	var out []models.Invoice
	for _, inv := range m.w.invoicesOf(transferID) {
		if inv.Status != models.InvoiceStatusCancelled {
			out = append(out, inv)
		}
	}
	return out, nil
}

type memLedger struct{ w *memWorld }

func (m memLedger) Upsert(ctx context.Context, entry *models.LedgerEntry) error {
	for i, e := range m.w.ledger {
		if e.RefType != nil && e.RefID != nil && *e.RefType == *entry.RefType && *e.RefID == *entry.RefID {
			entry.ID = e.ID
			m.w.ledger[i] = *entry
			return nil
		}
	}
	return m.Insert(ctx, entry)
}

func (m memLedger) Insert(ctx context.Context, entry *models.LedgerEntry) error {
	entry.ID = uuid.NewString()
	m.w.ledger = append(m.w.ledger, *entry)
	return nil
}

func (m memLedger) Totals(ctx context.Context, studentID string) (decimal.Decimal, decimal.Decimal, error) {
	debit, credit := decimal.Zero, decimal.Zero
	for _, e := range m.w.ledger {
		if e.StudentID == studentID {
			debit = debit.Add(e.Debit)
			credit = credit.Add(e.Credit)
		}
	}
	return debit, credit, nil
}

func (m memLedger) ListByStudent(ctx context.Context, studentID string) ([]models.LedgerEntry, error) {
	var out []models.LedgerEntry
	for _, e := range m.w.ledger {
		if e.StudentID == studentID {
			out = append(out, e)
		}
	}
	return out, nil
}

type memClasses struct{ w *memWorld }

func (m memClasses) FindByID(ctx context.Context, id string) (*models.Classroom, error) {
	c, ok := m.w.classes[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return &c, nil
}

func (m memClasses) FindScheduleConflicts(ctx context.Context, studentID, classID string, exclude []string) ([]models.ScheduleConflict, error) {
	return m.w.conflicts[classID], nil
}

type memAttendance struct{ w *memWorld }

func (m memAttendance) HasAttendanceInClass(ctx context.Context, studentID, classID string) (bool, error) {
	return m.w.attendance[pairKey(studentID, classID)], nil
}

type memOutbox struct{ w *memWorld }

func (m memOutbox) Enqueue(ctx context.Context, event *models.AuditOutboxEvent) error {
	if m.w.failOutbox != nil {
		return m.w.failOutbox
	}
	m.w.outbox = append(m.w.outbox, *event)
	return nil
}
