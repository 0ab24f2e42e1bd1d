package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/noah-isme/student-transfer-engine/internal/models"
	appErrors "github.com/noah-isme/student-transfer-engine/pkg/errors"
)

type invoiceReader interface {
	ListTransferPayments(ctx context.Context, transferID string) ([]models.Payment, error)
	ListInvoicedTransferFees(ctx context.Context, transferID string) ([]models.InvoiceItem, error)
	ListStudentClassPayments(ctx context.Context, studentID, classID string) ([]models.Payment, error)
	ListTransferInvoices(ctx context.Context, transferID string) ([]models.Invoice, error)
}

type classroomReader interface {
	FindByID(ctx context.Context, id string) (*models.Classroom, error)
	FindScheduleConflicts(ctx context.Context, studentID, classID string, exclude []string) ([]models.ScheduleConflict, error)
}

type enrollmentLookup interface {
	Lookup(ctx context.Context, studentID, classID string) (*models.Enrollment, error)
}

type tuitionPricer interface {
	TuitionDefaultTotal(ctx context.Context, classID, studentID string, startSessionNo int) (decimal.Decimal, error)
}

// InvoiceSafetyService decides whether a transfer can be reverted or retargeted
// without corrupting billing. It never writes.
type InvoiceSafetyService struct {
	invoices    invoiceReader
	classes     classroomReader
	enrollments enrollmentLookup
	pricing     tuitionPricer
	logger      *zap.Logger
}

// NewInvoiceSafetyService constructs InvoiceSafetyService.
func NewInvoiceSafetyService(invoices invoiceReader, classes classroomReader, enrollments enrollmentLookup, pricing tuitionPricer, logger *zap.Logger) *InvoiceSafetyService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &InvoiceSafetyService{invoices: invoices, classes: classes, enrollments: enrollments, pricing: pricing, logger: logger}
}

// ValidateRevert runs every revert check and grades the findings. A passing
// report carries an execution plan.
func (s *InvoiceSafetyService) ValidateRevert(ctx context.Context, transfer *models.Transfer) (*models.RiskReport, error) {
	var issues []models.Issue
	if !transfer.IsActive() {
		issues = append(issues, notActiveIssue(transfer))
	}

	payments, err := s.invoices.ListTransferPayments(ctx, transfer.ID)
	if err != nil {
		return nil, wrapInternal(err, "failed to load transfer payments")
	}
	paid := sumPayments(payments)
	if len(payments) > 0 {
		issues = append(issues, models.Issue{
			Type:           models.IssueWarning,
			Code:           models.IssueExistingPayments,
			Message:        fmt.Sprintf("%d payment(s) were recorded against invoices of this transfer", len(payments)),
			Details:        map[string]interface{}{"payment_ids": paymentIDs(payments), "total_paid": paid.String()},
			ActionRequired: "Refund or re-allocate the payments before reverting",
		})
	}

	fees, err := s.invoices.ListInvoicedTransferFees(ctx, transfer.ID)
	if err != nil {
		return nil, wrapInternal(err, "failed to load invoiced transfer fees")
	}
	if len(fees) > 0 {
		invoiceIDs := make([]string, 0, len(fees))
		total := decimal.Zero
		for _, item := range fees {
			invoiceIDs = append(invoiceIDs, item.InvoiceID)
			total = total.Add(item.Amount)
		}
		issues = append(issues, models.Issue{
			Type:           models.IssueError,
			Code:           models.IssueInvoicedTransferFee,
			Message:        "the transfer fee has already been invoiced",
			Details:        map[string]interface{}{"invoice_ids": invoiceIDs, "amount": total.String()},
			ActionRequired: "Cancel or credit the invoice carrying the transfer fee",
		})
	}

	target := transfer.EffectiveTargetClassID()
	classPayments, err := s.invoices.ListStudentClassPayments(ctx, transfer.StudentID, target)
	if err != nil {
		return nil, wrapInternal(err, "failed to load class payments")
	}
	if len(classPayments) > 0 {
		issues = append(issues, models.Issue{
			Type:           models.IssueWarning,
			Code:           models.IssueEnrollmentPaymentImpact,
			Message:        "the student has payments on invoices of the target class",
			Details:        map[string]interface{}{"class_id": target, "payment_ids": paymentIDs(classPayments), "total_paid": sumPayments(classPayments).String()},
			ActionRequired: "Review the target class payments after the revert",
		})
	}

	if transfer.TransferFee.IsPositive() && len(payments) > 0 {
		refund := decimal.Min(transfer.TransferFee, paid)
		issues = append(issues, models.Issue{
			Type:           models.IssueInfo,
			Code:           models.IssueRefundRequired,
			Message:        fmt.Sprintf("a refund of %s is due", refund.StringFixed(2)),
			Details:        map[string]interface{}{"amount": refund.String()},
			ActionRequired: "Issue the refund",
		})
	}

	report := models.NewRiskReport(transfer.ID, models.OperationRevert, issues)
	if report.CanProceed {
		report.Plan = s.BuildPlan(report, transfer)
	}
	return report, nil
}

// ValidateRetarget runs every retarget check for moving transfer to newClassID.
func (s *InvoiceSafetyService) ValidateRetarget(ctx context.Context, transfer *models.Transfer, newClassID string) (*models.RiskReport, error) {
	var issues []models.Issue
	if !transfer.IsActive() {
		issues = append(issues, notActiveIssue(transfer))
	}
	current := transfer.EffectiveTargetClassID()

	switch newClassID {
	case current:
		issues = append(issues, models.Issue{
			Type:    models.IssueError,
			Code:    models.IssueSameTargetClass,
			Message: "the new target class is the current target class",
			Details: map[string]interface{}{"class_id": newClassID},
		})
	case transfer.FromClassID:
		issues = append(issues, models.Issue{
			Type:           models.IssueError,
			Code:           models.IssueSameTargetClass,
			Message:        "the new target class is the source class",
			Details:        map[string]interface{}{"class_id": newClassID},
			ActionRequired: "Revert the transfer instead",
		})
	}

	newClass, err := s.classes.FindByID(ctx, newClassID)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, wrapInternal(err, "failed to load target class")
		}
		newClass = nil
		issues = append(issues, models.Issue{
			Type:    models.IssueError,
			Code:    models.IssueTargetClassNotFound,
			Message: "the new target class does not exist",
			Details: map[string]interface{}{"class_id": newClassID},
		})
	}

	existing, err := s.enrollments.Lookup(ctx, transfer.StudentID, newClassID)
	if err != nil {
		return nil, wrapInternal(err, "failed to check target enrollment")
	}
	if existing != nil && newClassID != current {
		issues = append(issues, models.Issue{
			Type:           models.IssueError,
			Code:           models.IssueTargetEnrollmentExists,
			Message:        "the student already has an enrollment in the new target class",
			Details:        map[string]interface{}{"enrollment_id": existing.ID, "status": existing.Status},
			ActionRequired: "Remove the existing enrollment first",
		})
	}

	if newClass != nil {
		currentTotal, currentErr := s.pricing.TuitionDefaultTotal(ctx, current, transfer.StudentID, transfer.StartSessionNo)
		newTotal, newErr := s.pricing.TuitionDefaultTotal(ctx, newClassID, transfer.StudentID, transfer.StartSessionNo)
		switch {
		case currentErr != nil || newErr != nil:
			cause := currentErr
			if cause == nil {
				cause = newErr
			}
			issues = append(issues, models.Issue{
				Type:           models.IssueError,
				Code:           models.IssuePricingUnresolved,
				Message:        "tuition for the classes could not be priced",
				Details:        map[string]interface{}{"error": cause.Error()},
				ActionRequired: "Fix the class pricing and validate again",
			})
		case !currentTotal.Equal(newTotal):
			issues = append(issues, models.Issue{
				Type:    models.IssueWarning,
				Code:    models.IssuePricingDifference,
				Message: "the target classes have different tuition",
				Details: map[string]interface{}{
					"current_total": currentTotal.String(),
					"new_total":     newTotal.String(),
					"difference":    newTotal.Sub(currentTotal).String(),
				},
				ActionRequired: "Confirm the adjustment amount",
			})
		}

		if currentClass, err := s.classes.FindByID(ctx, current); err == nil {
			if currentClass.BranchID != newClass.BranchID {
				issues = append(issues, models.Issue{
					Type:    models.IssueInfo,
					Code:    models.IssueBranchChange,
					Message: "the new target class belongs to another branch",
					Details: map[string]interface{}{"from_branch_id": currentClass.BranchID, "to_branch_id": newClass.BranchID},
				})
			}
		} else if !errors.Is(err, sql.ErrNoRows) {
			return nil, wrapInternal(err, "failed to load current target class")
		}

		conflicts, err := s.classes.FindScheduleConflicts(ctx, transfer.StudentID, newClassID, []string{current})
		if err != nil {
			return nil, wrapInternal(err, "failed to check schedule conflicts")
		}
		if len(conflicts) > 0 {
			issues = append(issues, models.Issue{
				Type:           models.IssueError,
				Code:           models.IssueScheduleConflict,
				Message:        "the new target class overlaps another class of the student",
				Details:        map[string]interface{}{"conflicts": conflicts},
				ActionRequired: "Pick a class without overlapping sessions",
			})
		}
	}

	invoices, err := s.invoices.ListTransferInvoices(ctx, transfer.ID)
	if err != nil {
		return nil, wrapInternal(err, "failed to load transfer invoices")
	}
	if len(invoices) > 0 {
		ids := make([]string, 0, len(invoices))
		for _, inv := range invoices {
			ids = append(ids, inv.ID)
		}
		issues = append(issues, models.Issue{
			Type:           models.IssueWarning,
			Code:           models.IssueInvoiceAdjustmentNeeded,
			Message:        "invoices of this transfer must be adjusted",
			Details:        map[string]interface{}{"invoice_ids": ids},
			ActionRequired: "Review the transfer invoices after retargeting",
		})
	}

	report := models.NewRiskReport(transfer.ID, models.OperationRetarget, issues)
	if report.CanProceed {
		report.Plan = s.BuildPlan(report, transfer)
	}
	return report, nil
}

// BuildPlan turns a report into the advisory steps needed to carry it out.
func (s *InvoiceSafetyService) BuildPlan(report *models.RiskReport, transfer *models.Transfer) *models.ExecutionPlan {
	finance := models.RoleFinanceManager
	plan := &models.ExecutionPlan{Operation: report.Operation}
	add := func(step models.PlanStep) {
		step.Order = len(plan.Steps) + 1
		step.RequiresApproval = step.ApprovalRole != nil
		plan.Steps = append(plan.Steps, step)
		plan.EstimatedMinutes += step.EstimatedMinutes
	}

	if report.Has(models.IssueExistingPayments) || report.Has(models.IssueRefundRequired) {
		add(models.PlanStep{
			Name:             models.StepHandlePayments,
			Description:      "Refund or re-allocate payments tied to the transfer",
			EstimatedMinutes: 30,
			ApprovalRole:     &finance,
		})
	}
	switch report.Operation {
	case models.OperationRevert:
		if transfer.InvoiceID != nil {
			add(models.PlanStep{
				Name:             models.StepCancelInvoices,
				Description:      "Remove the unpaid adjustment invoice of the transfer",
				EstimatedMinutes: 10,
				ApprovalRole:     &finance,
			})
		}
	case models.OperationRetarget:
		if transfer.InvoiceID != nil || report.Has(models.IssueInvoiceAdjustmentNeeded) || report.Has(models.IssuePricingDifference) {
			add(models.PlanStep{
				Name:             models.StepAdjustInvoices,
				Description:      "Replace the adjustment invoice for the new target class",
				EstimatedMinutes: 15,
			})
		}
	}
	add(models.PlanStep{
		Name:             models.StepUpdateEnrollments,
		Description:      "Move the student's enrollment between classes",
		EstimatedMinutes: 2,
	})
	add(models.PlanStep{
		Name:             models.StepUpdateTransferStatus,
		Description:      "Record the new transfer status and audit trail",
		EstimatedMinutes: 1,
	})

	seen := map[models.UserRole]bool{}
	for _, step := range plan.Steps {
		if step.ApprovalRole != nil && !seen[*step.ApprovalRole] {
			seen[*step.ApprovalRole] = true
			plan.ApprovalRoles = append(plan.ApprovalRoles, *step.ApprovalRole)
		}
	}
	return plan
}

func notActiveIssue(transfer *models.Transfer) models.Issue {
	return models.Issue{
		Type:    models.IssueError,
		Code:    models.IssueTransferNotActive,
		Message: fmt.Sprintf("transfer is %s", transfer.Status),
		Details: map[string]interface{}{"status": transfer.Status},
	}
}

func sumPayments(payments []models.Payment) decimal.Decimal {
	total := decimal.Zero
	for _, p := range payments {
		total = total.Add(p.Amount)
	}
	return total
}

func paymentIDs(payments []models.Payment) []string {
	ids := make([]string, 0, len(payments))
	for _, p := range payments {
		ids = append(ids, p.ID)
	}
	return ids
}

func wrapInternal(err error, message string) *appErrors.Error {
	return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, message)
}
