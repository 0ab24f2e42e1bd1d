package service

import (
	"context"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/noah-isme/student-transfer-engine/internal/models"
	appErrors "github.com/noah-isme/student-transfer-engine/pkg/errors"
)

type ledgerStore interface {
	Upsert(ctx context.Context, entry *models.LedgerEntry) error
	Insert(ctx context.Context, entry *models.LedgerEntry) error
	Totals(ctx context.Context, studentID string) (decimal.Decimal, decimal.Decimal, error)
	ListByStudent(ctx context.Context, studentID string) ([]models.LedgerEntry, error)
}

// LedgerService posts debits and credits to the student ledger.
type LedgerService struct {
	repo   ledgerStore
	tx     transactor
	logger *zap.Logger
}

// NewLedgerService constructs LedgerService. tx may be nil, in which case
// statements are read without a wrapping transaction.
func NewLedgerService(repo ledgerStore, tx transactor, logger *zap.Logger) *LedgerService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if tx == nil {
		tx = noopTransactor{}
	}
	return &LedgerService{repo: repo, tx: tx, logger: logger}
}

// Debit records an amount owed by the student.
func (s *LedgerService) Debit(ctx context.Context, payload models.LedgerPayload) (*models.LedgerEntry, error) {
	return s.post(ctx, payload, true)
}

// Credit records an amount paid or forgiven.
func (s *LedgerService) Credit(ctx context.Context, payload models.LedgerPayload) (*models.LedgerEntry, error) {
	return s.post(ctx, payload, false)
}

func (s *LedgerService) post(ctx context.Context, payload models.LedgerPayload, debit bool) (*models.LedgerEntry, error) {
	payload, err := normalizeLedgerPayload(payload)
	if err != nil {
		return nil, err
	}
	entry := &models.LedgerEntry{
		StudentID: payload.StudentID,
		EntryDate: payload.EntryDate,
		Type:      payload.Type,
		Debit:     decimal.Zero,
		Credit:    decimal.Zero,
		Note:      payload.Note,
		Meta:      payload.Meta,
	}
	if debit {
		entry.Debit = payload.Amount
	} else {
		entry.Credit = payload.Amount
	}

	if payload.HasReference() {
		entry.RefType = &payload.RefType
		entry.RefID = &payload.RefID
		err = s.repo.Upsert(ctx, entry)
	} else {
		err = s.repo.Insert(ctx, entry)
	}
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to post ledger entry")
	}
	s.logger.Debug("ledger entry posted",
		zap.String("student_id", entry.StudentID),
		zap.String("type", entry.Type),
		zap.String("debit", entry.Debit.String()),
		zap.String("credit", entry.Credit.String()))
	return entry, nil
}

// Balance returns Σdebit - Σcredit for a student.
func (s *LedgerService) Balance(ctx context.Context, studentID string) (*models.LedgerBalance, error) {
	studentID = strings.TrimSpace(studentID)
	if studentID == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "student id is required")
	}
	debit, credit, err := s.repo.Totals(ctx, studentID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to compute balance")
	}
	return &models.LedgerBalance{StudentID: studentID, Debit: debit, Credit: credit, Balance: debit.Sub(credit)}, nil
}

// Statement returns the entries and the balance read in one transaction.
func (s *LedgerService) Statement(ctx context.Context, studentID string) (*models.LedgerStatement, error) {
	var statement models.LedgerStatement
	err := s.tx.WithinTransaction(ctx, func(ctx context.Context) error {
		balance, err := s.Balance(ctx, studentID)
		if err != nil {
			return err
		}
		entries, err := s.repo.ListByStudent(ctx, balance.StudentID)
		if err != nil {
			return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list ledger entries")
		}
		if entries == nil {
			entries = []models.LedgerEntry{}
		}
		statement = models.LedgerStatement{Balance: *balance, Entries: entries}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &statement, nil
}

func normalizeLedgerPayload(p models.LedgerPayload) (models.LedgerPayload, error) {
	p.StudentID = strings.TrimSpace(p.StudentID)
	p.Type = strings.TrimSpace(p.Type)
	p.RefType = strings.TrimSpace(p.RefType)
	p.RefID = strings.TrimSpace(p.RefID)
	p.Note = strings.TrimSpace(p.Note)
	if p.StudentID == "" {
		return p, appErrors.Clone(appErrors.ErrValidation, "ledger entry requires a student id")
	}
	if p.Type == "" {
		return p, appErrors.Clone(appErrors.ErrValidation, "ledger entry requires a type")
	}
	if p.Amount.IsNegative() {
		return p, appErrors.Clone(appErrors.ErrValidation, "ledger amount must not be negative")
	}
	if p.EntryDate.IsZero() {
		p.EntryDate = time.Now().UTC()
	}
	p.EntryDate = truncateToDate(p.EntryDate)
	if p.Meta == nil {
		p.Meta = models.JSONMap{}
	}
	return p, nil
}

func truncateToDate(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
