package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/noah-isme/student-transfer-engine/internal/dto"
	"github.com/noah-isme/student-transfer-engine/internal/models"
	"github.com/noah-isme/student-transfer-engine/pkg/database"
	appErrors "github.com/noah-isme/student-transfer-engine/pkg/errors"
	"github.com/noah-isme/student-transfer-engine/pkg/middleware/requestid"
)

const (
	operationCreate      = "create"
	systemActor          = "system"
	defaultInvoiceDueDay = 7
)

type transferStore interface {
	Create(ctx context.Context, transfer *models.Transfer) error
	FindByID(ctx context.Context, id string, forUpdate bool) (*models.Transfer, error)
	FindActiveByStudent(ctx context.Context, studentID string, forUpdate bool) (*models.Transfer, error)
	Update(ctx context.Context, transfer *models.Transfer) error
	ListByStudent(ctx context.Context, studentID string) ([]models.Transfer, error)
	Stats(ctx context.Context, filter models.TransferStatsFilter) (*models.TransferStats, error)
}

type enrollmentSynchronizer interface {
	LockStudent(ctx context.Context, studentID string) ([]models.Enrollment, error)
	Lookup(ctx context.Context, studentID, classID string) (*models.Enrollment, error)
	Deactivate(ctx context.Context, studentID, classID string) error
	Activate(ctx context.Context, studentID, classID string, startSessionNo int, enrolledAt time.Time) (*models.Enrollment, error)
	Remove(ctx context.Context, studentID, classID string) error
}

type adjustmentInvoiceStore interface {
	Create(ctx context.Context, invoice *models.Invoice) error
	ListAdjustmentCandidates(ctx context.Context, transferID string) ([]models.AdjustmentCandidate, error)
	DeleteUnpaid(ctx context.Context, invoiceID string) (bool, error)
}

type ledgerPoster interface {
	Debit(ctx context.Context, payload models.LedgerPayload) (*models.LedgerEntry, error)
	Credit(ctx context.Context, payload models.LedgerPayload) (*models.LedgerEntry, error)
}

type safetyValidator interface {
	ValidateRevert(ctx context.Context, transfer *models.Transfer) (*models.RiskReport, error)
	ValidateRetarget(ctx context.Context, transfer *models.Transfer, newClassID string) (*models.RiskReport, error)
}

type attendanceChecker interface {
	HasAttendanceInClass(ctx context.Context, studentID, classID string) (bool, error)
}

type activityLogger interface {
	Log(ctx context.Context, actorID, action string, target models.AuditTarget, meta map[string]interface{}) error
}

// TransferServiceConfig tunes transfer behaviour.
type TransferServiceConfig struct {
	RevertBlockOnAttendance bool
	InvoiceDueDays          int
}

// TransferServiceDeps groups the collaborators of TransferService.
type TransferServiceDeps struct {
	Tx          transactor
	Transfers   transferStore
	Enrollments enrollmentSynchronizer
	Invoices    adjustmentInvoiceStore
	Ledger      ledgerPoster
	Safety      safetyValidator
	Attendance  attendanceChecker
	Pricing     tuitionPricer
	Audit       activityLogger
	StatsCache  *StatsCache
	Metrics     *MetricsService
	Validator   *validator.Validate
	Logger      *zap.Logger
}

// TransferService owns the transfer lifecycle. Create, Revert and Retarget run
// every write in a single transaction.
type TransferService struct {
	tx          transactor
	transfers   transferStore
	enrollments enrollmentSynchronizer
	invoices    adjustmentInvoiceStore
	ledger      ledgerPoster
	safety      safetyValidator
	attendance  attendanceChecker
	pricing     tuitionPricer
	audit       activityLogger
	stats       *StatsCache
	metrics     *MetricsService
	validator   *validator.Validate
	cfg         TransferServiceConfig
	logger      *zap.Logger
	tracer      trace.Tracer
	now         func() time.Time
}

// NewTransferService constructs TransferService.
func NewTransferService(deps TransferServiceDeps, cfg TransferServiceConfig) *TransferService {
	if deps.Tx == nil {
		deps.Tx = noopTransactor{}
	}
	if deps.Validator == nil {
		deps.Validator = validator.New()
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if cfg.InvoiceDueDays <= 0 {
		cfg.InvoiceDueDays = defaultInvoiceDueDay
	}
	return &TransferService{
		tx:          deps.Tx,
		transfers:   deps.Transfers,
		enrollments: deps.Enrollments,
		invoices:    deps.Invoices,
		ledger:      deps.Ledger,
		safety:      deps.Safety,
		attendance:  deps.Attendance,
		pricing:     deps.Pricing,
		audit:       deps.Audit,
		stats:       deps.StatsCache,
		metrics:     deps.Metrics,
		validator:   deps.Validator,
		cfg:         cfg,
		logger:      deps.Logger,
		tracer:      otel.Tracer("github.com/noah-isme/student-transfer-engine/internal/service"),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Create moves a student from one class to another.
func (s *TransferService) Create(ctx context.Context, actor *models.JWTClaims, req dto.CreateTransferRequest) (*models.Transfer, error) {
	start := time.Now()
	ctx, span := s.tracer.Start(ctx, "TransferService.Create", trace.WithAttributes(
		attribute.String("student_id", req.StudentID),
		attribute.String("from_class_id", req.FromClassID),
		attribute.String("to_class_id", req.ToClassID),
	))
	defer span.End()

	transfer, err := s.create(ctx, actorID(actor), req)
	err = s.classify(err, true)
	s.finish(ctx, span, operationCreate, start, actorID(actor), transfer, err)
	return transfer, err
}

func (s *TransferService) create(ctx context.Context, actor string, req dto.CreateTransferRequest) (*models.Transfer, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid transfer payload")
	}
	if req.TransferFee.IsNegative() {
		return nil, appErrors.Clone(appErrors.ErrValidation, "transfer fee must not be negative")
	}
	effectiveDate, err := time.Parse(dto.DateLayout, req.EffectiveDate)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid effective date")
	}

	var created *models.Transfer
	err = s.tx.WithinTransaction(ctx, func(ctx context.Context) error {
		if _, err := s.enrollments.LockStudent(ctx, req.StudentID); err != nil {
			return fmt.Errorf("lock enrollments: %w", err)
		}
		if _, err := s.transfers.FindActiveByStudent(ctx, req.StudentID, true); err == nil {
			return appErrors.Clone(appErrors.ErrIneligibleTransfer, "student already has an active transfer")
		} else if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("check active transfer: %w", err)
		}
		source, err := s.enrollments.Lookup(ctx, req.StudentID, req.FromClassID)
		if err != nil {
			return fmt.Errorf("load source enrollment: %w", err)
		}
		if source == nil || source.Status != models.EnrollmentStatusActive {
			return appErrors.Clone(appErrors.ErrIneligibleTransfer, "student has no active enrollment in the source class")
		}
		target, err := s.enrollments.Lookup(ctx, req.StudentID, req.ToClassID)
		if err != nil {
			return fmt.Errorf("load target enrollment: %w", err)
		}
		if target != nil {
			return appErrors.Clone(appErrors.ErrIneligibleTransfer, "student already has an enrollment in the target class")
		}

		now := s.now()
		processedBy := actor
		transfer := &models.Transfer{
			ID:             uuid.NewString(),
			StudentID:      req.StudentID,
			FromClassID:    req.FromClassID,
			ToClassID:      req.ToClassID,
			EffectiveDate:  effectiveDate,
			StartSessionNo: req.StartSessionNo,
			Reason:         strings.TrimSpace(req.Reason),
			Notes:          strings.TrimSpace(req.Notes),
			ProcessedAt:    now,
			ProcessedBy:    &processedBy,
			TransferFee:    req.TransferFee,
		}
		if err := transfer.Transition(models.TransferStatusActive, actor, now, transfer.Reason); err != nil {
			return fmt.Errorf("initialise transfer: %w", err)
		}
		if err := s.transfers.Create(ctx, transfer); err != nil {
			return err
		}
		if err := s.enrollments.Deactivate(ctx, req.StudentID, req.FromClassID); err != nil {
			return fmt.Errorf("deactivate source enrollment: %w", err)
		}
		if _, err := s.enrollments.Activate(ctx, req.StudentID, req.ToClassID, req.StartSessionNo, now); err != nil {
			return fmt.Errorf("activate target enrollment: %w", err)
		}

		if req.TransferFee.IsPositive() || req.CreateAdjustments {
			dueDate := effectiveDate.AddDate(0, 0, s.cfg.InvoiceDueDays)
			invoice, err := s.createAdjustmentInvoice(ctx, transfer, req.FromClassID, req.ToClassID, transfer.StartSessionNo, req.TransferFee, dueDate, effectiveDate)
			if err != nil {
				return err
			}
			transfer.InvoiceID = &invoice.ID
			if err := s.transfers.Update(ctx, transfer); err != nil {
				return fmt.Errorf("link adjustment invoice: %w", err)
			}
		}

		s.emitAudit(ctx, actor, models.AuditActionTransferCreated, transfer, map[string]interface{}{
			"student_id":       transfer.StudentID,
			"from_class_id":    transfer.FromClassID,
			"to_class_id":      transfer.ToClassID,
			"effective_date":   req.EffectiveDate,
			"start_session_no": transfer.StartSessionNo,
			"transfer_fee":     transfer.TransferFee.String(),
			"invoice_id":       transfer.InvoiceID,
		})
		created = transfer
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// Revert undoes an active transfer and restores the source enrollment.
func (s *TransferService) Revert(ctx context.Context, actor *models.JWTClaims, transferID string, req dto.RevertTransferRequest) (*models.Transfer, error) {
	start := time.Now()
	ctx, span := s.tracer.Start(ctx, "TransferService.Revert", trace.WithAttributes(attribute.String("transfer_id", transferID)))
	defer span.End()

	transfer, err := s.revert(ctx, actorID(actor), transferID, req)
	err = s.classify(err, false)
	s.finish(ctx, span, models.OperationRevert, start, actorID(actor), transfer, err)
	return transfer, err
}

func (s *TransferService) revert(ctx context.Context, actor, transferID string, req dto.RevertTransferRequest) (*models.Transfer, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid revert payload")
	}

	var reverted *models.Transfer
	err := s.tx.WithinTransaction(ctx, func(ctx context.Context) error {
		transfer, err := s.loadActive(ctx, transferID, "reverted")
		if err != nil {
			return err
		}
		if _, err := s.enrollments.LockStudent(ctx, transfer.StudentID); err != nil {
			return fmt.Errorf("lock enrollments: %w", err)
		}

		report, err := s.safety.ValidateRevert(ctx, transfer)
		if err != nil {
			return err
		}
		if !report.CanProceed {
			return appErrors.WithDetails(appErrors.ErrUnsafeRevert, "", report.Issues)
		}

		target := transfer.EffectiveTargetClassID()
		attended, err := s.attendance.HasAttendanceInClass(ctx, transfer.StudentID, target)
		if err != nil {
			return fmt.Errorf("check attendance: %w", err)
		}
		if attended && s.cfg.RevertBlockOnAttendance {
			return appErrors.Clone(appErrors.ErrIneligibleTransfer, "student already attended a session of the target class")
		}

		now := eventTime(transfer, s.now())
		var cleanup cleanupResult
		steps := []transferStep{
			{name: "remove_target_enrollment", run: func(ctx context.Context) error {
				return s.enrollments.Remove(ctx, transfer.StudentID, target)
			}},
			{name: "restore_source_enrollment", run: func(ctx context.Context) error {
				startSession := 1
				source, err := s.enrollments.Lookup(ctx, transfer.StudentID, transfer.FromClassID)
				if err != nil {
					return err
				}
				if source != nil {
					startSession = source.StartSessionNo
				}
				_, err = s.enrollments.Activate(ctx, transfer.StudentID, transfer.FromClassID, startSession, now)
				return err
			}},
			{name: "cleanup_invoices", run: func(ctx context.Context) error {
				var err error
				cleanup, err = s.cleanupAdjustments(ctx, transfer, now)
				return err
			}},
			{name: "update_transfer", run: func(ctx context.Context) error {
				if err := transfer.RecordChange("status", string(transfer.Status), string(models.TransferStatusReverted), actor, now, req.Reason); err != nil {
					return err
				}
				if notes := strings.TrimSpace(req.Notes); notes != "" {
					if err := transfer.RecordChange("notes", transfer.Notes, notes, actor, now, ""); err != nil {
						return err
					}
					transfer.Notes = notes
				}
				if err := transfer.Transition(models.TransferStatusReverted, actor, now, req.Reason); err != nil {
					return err
				}
				revertedBy := actor
				transfer.RevertedAt = &now
				transfer.RevertedBy = &revertedBy
				if err := s.checkInvariants(transfer); err != nil {
					return err
				}
				return s.transfers.Update(ctx, transfer)
			}},
			{name: "record_audit", run: func(ctx context.Context) error {
				s.emitAudit(ctx, actor, models.AuditActionTransferReverted, transfer, map[string]interface{}{
					"student_id":        transfer.StudentID,
					"restored_class_id": transfer.FromClassID,
					"removed_class_id":  target,
					"reason":            req.Reason,
					"risk_level":        report.RiskLevel,
					"issues":            report.Issues,
					"attendance_found":  attended,
					"removed_invoices":  cleanup.removed,
					"retained_invoices": cleanup.retained,
				})
				return nil
			}},
		}
		if err := runSteps(ctx, models.OperationRevert, steps); err != nil {
			return err
		}
		reverted = transfer
		return nil
	})
	if err != nil {
		return nil, err
	}
	return reverted, nil
}

// Retarget redirects an active transfer to a different target class.
func (s *TransferService) Retarget(ctx context.Context, actor *models.JWTClaims, transferID string, req dto.RetargetTransferRequest) (*models.Transfer, error) {
	start := time.Now()
	ctx, span := s.tracer.Start(ctx, "TransferService.Retarget", trace.WithAttributes(
		attribute.String("transfer_id", transferID),
		attribute.String("new_to_class_id", req.NewToClassID),
	))
	defer span.End()

	transfer, err := s.retarget(ctx, actorID(actor), transferID, req)
	err = s.classify(err, false)
	s.finish(ctx, span, models.OperationRetarget, start, actorID(actor), transfer, err)
	return transfer, err
}

func (s *TransferService) retarget(ctx context.Context, actor, transferID string, req dto.RetargetTransferRequest) (*models.Transfer, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid retarget payload")
	}
	if req.Amount != nil && req.Amount.IsNegative() {
		return nil, appErrors.Clone(appErrors.ErrValidation, "amount must not be negative")
	}
	var dueDate *time.Time
	if req.DueDate != "" {
		parsed, err := time.Parse(dto.DateLayout, req.DueDate)
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid due date")
		}
		dueDate = &parsed
	}

	var retargeted *models.Transfer
	err := s.tx.WithinTransaction(ctx, func(ctx context.Context) error {
		transfer, err := s.loadActive(ctx, transferID, "retargeted")
		if err != nil {
			return err
		}
		if _, err := s.enrollments.LockStudent(ctx, transfer.StudentID); err != nil {
			return fmt.Errorf("lock enrollments: %w", err)
		}

		report, err := s.safety.ValidateRetarget(ctx, transfer, req.NewToClassID)
		if err != nil {
			return err
		}
		if !report.CanProceed {
			return appErrors.WithDetails(appErrors.ErrUnsafeRetarget, "", report.Issues)
		}

		now := eventTime(transfer, s.now())
		oldTarget := transfer.EffectiveTargetClassID()
		startSession := transfer.StartSessionNo
		if req.StartSessionNo != nil {
			startSession = *req.StartSessionNo
		}
		oldInvoiceID := stringValue(transfer.InvoiceID)
		var cleanup cleanupResult
		var newInvoice *models.Invoice

		steps := []transferStep{
			{name: "remove_old_target_enrollment", run: func(ctx context.Context) error {
				return s.enrollments.Remove(ctx, transfer.StudentID, oldTarget)
			}},
			{name: "activate_new_target_enrollment", run: func(ctx context.Context) error {
				_, err := s.enrollments.Activate(ctx, transfer.StudentID, req.NewToClassID, startSession, now)
				return err
			}},
			{name: "cleanup_invoices", run: func(ctx context.Context) error {
				var err error
				cleanup, err = s.cleanupAdjustments(ctx, transfer, now)
				return err
			}},
			{name: "create_adjustment_invoice", run: func(ctx context.Context) error {
				if req.Amount == nil || !req.Amount.IsPositive() {
					return nil
				}
				due := transfer.EffectiveDate.AddDate(0, 0, s.cfg.InvoiceDueDays)
				if dueDate != nil {
					due = *dueDate
				}
				invoice, err := s.createAdjustmentInvoice(ctx, transfer, oldTarget, req.NewToClassID, startSession, *req.Amount, due, now)
				if err != nil {
					return err
				}
				newInvoice = invoice
				transfer.InvoiceID = &invoice.ID
				return nil
			}},
			{name: "update_transfer", run: func(ctx context.Context) error {
				note := strings.TrimSpace(req.Note)
				changes := [][2]string{
					{"retargeted_to_class_id", oldTarget},
					{"start_session_no", strconv.Itoa(transfer.StartSessionNo)},
					{"invoice_id", oldInvoiceID},
				}
				newValues := []string{req.NewToClassID, strconv.Itoa(startSession), stringValue(transfer.InvoiceID)}
				newFee := transfer.TransferFee
				switch {
				case req.Amount != nil:
					newFee = *req.Amount
				case oldInvoiceID != "" && containsString(cleanup.removed, oldInvoiceID):
					// the fee was only billed through the voided invoice
					newFee = decimal.Zero
				}
				if req.Amount != nil || !newFee.Equal(transfer.TransferFee) {
					changes = append(changes, [2]string{"transfer_fee", transfer.TransferFee.String()})
					newValues = append(newValues, newFee.String())
				}
				for i, change := range changes {
					if err := transfer.RecordChange(change[0], change[1], newValues[i], actor, now, note); err != nil {
						return err
					}
				}
				if err := transfer.Transition(models.TransferStatusRetargeted, actor, now, note); err != nil {
					return err
				}
				retargetedBy := actor
				newTarget := req.NewToClassID
				transfer.RetargetedToClassID = &newTarget
				transfer.RetargetedAt = &now
				transfer.RetargetedBy = &retargetedBy
				transfer.StartSessionNo = startSession
				transfer.TransferFee = newFee
				if err := s.checkInvariants(transfer); err != nil {
					return err
				}
				return s.transfers.Update(ctx, transfer)
			}},
			{name: "record_audit", run: func(ctx context.Context) error {
				meta := map[string]interface{}{
					"student_id":        transfer.StudentID,
					"previous_class_id": oldTarget,
					"new_class_id":      req.NewToClassID,
					"start_session_no":  startSession,
					"risk_level":        report.RiskLevel,
					"issues":            report.Issues,
					"removed_invoices":  cleanup.removed,
					"retained_invoices": cleanup.retained,
				}
				if newInvoice != nil {
					meta["invoice_id"] = newInvoice.ID
					meta["amount"] = newInvoice.Total.String()
				}
				s.emitAudit(ctx, actor, models.AuditActionTransferRetargeted, transfer, meta)
				return nil
			}},
		}
		if err := runSteps(ctx, models.OperationRetarget, steps); err != nil {
			return err
		}
		retargeted = transfer
		return nil
	})
	if err != nil {
		return nil, err
	}
	return retargeted, nil
}

// ValidateRevert reports whether a transfer can be reverted.
func (s *TransferService) ValidateRevert(ctx context.Context, transferID string) (*models.RiskReport, error) {
	transfer, err := s.Get(ctx, transferID)
	if err != nil {
		return nil, err
	}
	return s.safety.ValidateRevert(ctx, transfer)
}

// ValidateRetarget reports whether a transfer can be moved to newClassID.
func (s *TransferService) ValidateRetarget(ctx context.Context, transferID, newClassID string) (*models.RiskReport, error) {
	if strings.TrimSpace(newClassID) == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "new_to_class_id is required")
	}
	transfer, err := s.Get(ctx, transferID)
	if err != nil {
		return nil, err
	}
	return s.safety.ValidateRetarget(ctx, transfer, newClassID)
}

// Get returns a transfer by id.
func (s *TransferService) Get(ctx context.Context, transferID string) (*models.Transfer, error) {
	transfer, err := s.transfers.FindByID(ctx, transferID, false)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "transfer not found")
		}
		return nil, wrapInternal(err, "failed to load transfer")
	}
	return transfer, nil
}

// History returns a student's transfers, newest first.
func (s *TransferService) History(ctx context.Context, studentID string) ([]models.Transfer, error) {
	transfers, err := s.transfers.ListByStudent(ctx, studentID)
	if err != nil {
		return nil, wrapInternal(err, "failed to list transfers")
	}
	if transfers == nil {
		transfers = []models.Transfer{}
	}
	return transfers, nil
}

// Stats summarises transfer outcomes, served from cache when possible.
func (s *TransferService) Stats(ctx context.Context, query dto.TransferStatsQuery) (*models.TransferStats, error) {
	if err := s.validator.Struct(query); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid stats filter")
	}
	var filter models.TransferStatsFilter
	if query.FromDate != "" {
		from, _ := time.Parse(dto.DateLayout, query.FromDate)
		filter.FromDate = &from
	}
	if query.ToDate != "" {
		to, _ := time.Parse(dto.DateLayout, query.ToDate)
		filter.ToDate = &to
	}
	if filter.FromDate != nil && filter.ToDate != nil && filter.ToDate.Before(*filter.FromDate) {
		return nil, appErrors.Clone(appErrors.ErrValidation, "to_date must not be before from_date")
	}

	if cached, ok := s.stats.Lookup(ctx, query); ok {
		return cached, nil
	}
	stats, err := s.transfers.Stats(ctx, filter)
	if err != nil {
		return nil, wrapInternal(err, "failed to compute transfer stats")
	}
	s.stats.Store(ctx, query, stats)
	return stats, nil
}

type transferStep struct {
	name string
	run  func(ctx context.Context) error
}

func runSteps(ctx context.Context, operation string, steps []transferStep) error {
	for i, step := range steps {
		if err := step.run(ctx); err != nil {
			return stepError(operation, i+1, step.name, err)
		}
	}
	return nil
}

func stepError(operation string, index int, name string, err error) error {
	message := fmt.Sprintf("transfer: %s step %d (%s)", operation, index, name)
	code, status := appErrors.ErrInternal.Code, appErrors.ErrInternal.Status
	var appErr *appErrors.Error
	if errors.As(err, &appErr) {
		code, status = appErr.Code, appErr.Status
	}
	return appErrors.Wrap(err, code, status, message)
}

type cleanupResult struct {
	removed  []string
	retained []string
}

// cleanupAdjustments deletes the transfer's adjustment invoices that are still
// unpaid with no payments and credits the ledger for each. Anything else is kept.
func (s *TransferService) cleanupAdjustments(ctx context.Context, transfer *models.Transfer, at time.Time) (cleanupResult, error) {
	result := cleanupResult{removed: []string{}, retained: []string{}}
	candidates, err := s.invoices.ListAdjustmentCandidates(ctx, transfer.ID)
	if err != nil {
		return result, err
	}
	for _, candidate := range candidates {
		if !candidate.Removable() {
			result.retained = append(result.retained, candidate.ID)
			s.logger.Info("adjustment invoice kept",
				zap.String("transfer_id", transfer.ID),
				zap.String("invoice_id", candidate.ID),
				zap.String("status", string(candidate.Status)),
				zap.Int("payment_count", candidate.PaymentCount))
			continue
		}
		removed, err := s.invoices.DeleteUnpaid(ctx, candidate.ID)
		if err != nil {
			return result, err
		}
		if !removed {
			result.retained = append(result.retained, candidate.ID)
			continue
		}
		result.removed = append(result.removed, candidate.ID)
		if transfer.InvoiceID != nil && *transfer.InvoiceID == candidate.ID {
			transfer.InvoiceID = nil
		}
		if candidate.Total.IsPositive() {
			if _, err := s.ledger.Credit(ctx, models.LedgerPayload{
				StudentID: transfer.StudentID,
				EntryDate: at,
				Type:      models.LedgerTypeInvoiceVoid,
				RefType:   models.LedgerRefInvoiceVoids,
				RefID:     candidate.ID,
				Amount:    candidate.Total,
				Note:      "adjustment invoice " + candidate.Code + " removed",
				Meta:      models.JSONMap{"transfer_id": transfer.ID},
			}); err != nil {
				return result, err
			}
		}
	}
	return result, nil
}

// createAdjustmentInvoice writes an ADJUSTMENT invoice with TRANSFER_OUT and
// TRANSFER_IN lines and debits the ledger for a non-zero total.
// The TRANSFER_IN line is priced at startSession, the session the student
// begins in the target class.
func (s *TransferService) createAdjustmentInvoice(ctx context.Context, transfer *models.Transfer, fromClassID, toClassID string, startSession int, amount decimal.Decimal, dueDate, entryDate time.Time) (*models.Invoice, error) {
	transferID := transfer.ID
	invoiceID := uuid.NewString()
	outMeta := models.JSONMap{"class_id": fromClassID}
	inMeta := models.JSONMap{"class_id": toClassID, "start_session_no": startSession}
	s.attachTuition(ctx, outMeta, fromClassID, transfer, transfer.StartSessionNo)
	s.attachTuition(ctx, inMeta, toClassID, transfer, startSession)

	invoice := &models.Invoice{
		ID:          invoiceID,
		StudentID:   transfer.StudentID,
		ClassID:     &toClassID,
		TransferID:  &transferID,
		Code:        "TRF-" + strings.ToUpper(strings.ReplaceAll(invoiceID, "-", "")[:12]),
		Kind:        models.InvoiceKindAdjustment,
		Status:      models.InvoiceStatusUnpaid,
		Total:       amount,
		DueDate:     &dueDate,
		Description: fmt.Sprintf("Transfer adjustment %s", transfer.ID),
		Items: []models.InvoiceItem{
			{TransferID: &transferID, Kind: models.InvoiceItemKindTransferOut, Description: "Transfer out of class " + fromClassID, Amount: decimal.Zero, Meta: outMeta},
			{TransferID: &transferID, Kind: models.InvoiceItemKindTransferIn, Description: "Transfer into class " + toClassID, Amount: amount, Meta: inMeta},
		},
	}
	if err := s.invoices.Create(ctx, invoice); err != nil {
		return nil, fmt.Errorf("create adjustment invoice: %w", err)
	}
	if amount.IsPositive() {
		if _, err := s.ledger.Debit(ctx, models.LedgerPayload{
			StudentID: transfer.StudentID,
			EntryDate: entryDate,
			Type:      models.LedgerTypeTransferAdjustment,
			RefType:   models.LedgerRefInvoices,
			RefID:     invoice.ID,
			Amount:    amount,
			Note:      "transfer adjustment " + invoice.Code,
			Meta:      models.JSONMap{"transfer_id": transfer.ID},
		}); err != nil {
			return nil, err
		}
	}
	return invoice, nil
}

func (s *TransferService) attachTuition(ctx context.Context, meta models.JSONMap, classID string, transfer *models.Transfer, startSession int) {
	if s.pricing == nil {
		return
	}
	total, err := s.pricing.TuitionDefaultTotal(ctx, classID, transfer.StudentID, startSession)
	if err != nil {
		s.logger.Warn("tuition pricing failed", zap.String("class_id", classID), zap.String("transfer_id", transfer.ID), zap.Error(err))
		return
	}
	meta["tuition_total"] = total.String()
}

func (s *TransferService) loadActive(ctx context.Context, transferID, verb string) (*models.Transfer, error) {
	transfer, err := s.transfers.FindByID(ctx, transferID, true)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "transfer not found")
		}
		return nil, fmt.Errorf("load transfer: %w", err)
	}
	if err := s.checkInvariants(transfer); err != nil {
		return nil, err
	}
	if !transfer.IsActive() {
		return nil, appErrors.Clone(appErrors.ErrIneligibleTransfer,
			fmt.Sprintf("transfer is %s; only active transfers can be %s", strings.ToLower(string(transfer.Status)), verb))
	}
	return transfer, nil
}

func (s *TransferService) checkInvariants(transfer *models.Transfer) error {
	if err := transfer.CheckInvariants(); err != nil {
		s.logger.Error("transfer invariant violated", zap.String("transfer_id", transfer.ID), zap.Error(err))
		return appErrors.Wrap(err, appErrors.ErrInvariantViolation.Code, appErrors.ErrInvariantViolation.Status, appErrors.ErrInvariantViolation.Message)
	}
	return nil
}

func (s *TransferService) emitAudit(ctx context.Context, actor, action string, transfer *models.Transfer, meta map[string]interface{}) {
	if s.audit == nil {
		return
	}
	target := models.AuditTarget{Type: models.AuditTargetTransfer, ID: transfer.ID}
	if err := s.audit.Log(ctx, actor, action, target, meta); err != nil {
		s.logger.Warn("failed to record transfer audit", zap.String("action", action), zap.String("transfer_id", transfer.ID), zap.Error(err))
	}
}

// classify maps storage failures onto the transfer error taxonomy. During
// create a unique violation means a concurrent transfer won the race.
func (s *TransferService) classify(err error, creating bool) error {
	if err == nil {
		return nil
	}
	switch {
	case database.IsUniqueViolation(err) && creating:
		return appErrors.Wrap(err, appErrors.ErrIneligibleTransfer.Code, appErrors.ErrIneligibleTransfer.Status,
			"a conflicting transfer or enrollment already exists")
	case database.IsUniqueViolation(err), database.IsRetryable(err):
		return appErrors.Wrap(err, appErrors.ErrStorageConflict.Code, appErrors.ErrStorageConflict.Status, appErrors.ErrStorageConflict.Message)
	}
	var appErr *appErrors.Error
	if errors.As(err, &appErr) {
		return err
	}
	return wrapInternal(err, "transfer operation failed")
}

func (s *TransferService) finish(ctx context.Context, span trace.Span, operation string, start time.Time, actor string, transfer *models.Transfer, err error) {
	outcome := outcomeOf(err)
	s.metrics.ObserveTransferOperation(operation, outcome, time.Since(start))
	logger := s.logger.With(zap.String("actor_id", actor))
	if reqID := requestid.FromContext(ctx); reqID != "" {
		logger = logger.With(zap.String("request_id", reqID))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
		fields := []zap.Field{zap.String("operation", operation), zap.String("outcome", outcome), zap.Error(err)}
		if outcome == OutcomeError {
			logger.Error("transfer operation failed", fields...)
		} else {
			logger.Info("transfer operation rejected", fields...)
		}
		return
	}
	span.SetStatus(codes.Ok, "")
	_ = s.stats.Purge(ctx)
	logger.Info("transfer operation completed",
		zap.String("operation", operation),
		zap.String("transfer_id", transfer.ID),
		zap.String("student_id", transfer.StudentID),
		zap.String("status", string(transfer.Status)),
		zap.String("effective_target_class_id", transfer.EffectiveTargetClassID()))
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return OutcomeSuccess
	case appErrors.HasCode(err, appErrors.ErrIneligibleTransfer.Code):
		return OutcomeIneligible
	case appErrors.HasCode(err, appErrors.ErrUnsafeRevert.Code), appErrors.HasCode(err, appErrors.ErrUnsafeRetarget.Code):
		return OutcomeUnsafe
	case appErrors.HasCode(err, appErrors.ErrStorageConflict.Code):
		return OutcomeConflict
	case appErrors.HasCode(err, appErrors.ErrValidation.Code), appErrors.HasCode(err, appErrors.ErrNotFound.Code):
		return OutcomeIneligible
	default:
		return OutcomeError
	}
}

// eventTime keeps audit entries chronological even if the clock stepped back.
func eventTime(transfer *models.Transfer, now time.Time) time.Time {
	if last, ok := transfer.StatusHistory.Last(); ok && last.At.After(now) {
		now = last.At
	}
	if last, ok := transfer.ChangeLog.Last(); ok && last.At.After(now) {
		now = last.At
	}
	return now
}

func actorID(claims *models.JWTClaims) string {
	if claims == nil || strings.TrimSpace(claims.UserID) == "" {
		return systemActor
	}
	return claims.UserID
}

func stringValue(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func containsString(values []string, target string) bool {
	for _, v := range values {
		if v == target {
			return true
		}
	}
	return false
}
