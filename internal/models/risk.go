package models

// IssueSeverity classifies a validation issue. Only errors block an operation.
type IssueSeverity string

// Issue severities.
const (
	IssueError   IssueSeverity = "error"
	IssueWarning IssueSeverity = "warning"
	IssueInfo    IssueSeverity = "info"
)

// Issue codes produced by the invoice safety validator.
const (
	IssueExistingPayments        = "EXISTING_PAYMENTS"
	IssueInvoicedTransferFee     = "INVOICED_TRANSFER_FEE"
	IssueEnrollmentPaymentImpact = "ENROLLMENT_PAYMENT_IMPACT"
	IssueRefundRequired          = "REFUND_REQUIRED"
	IssueTransferNotActive       = "TRANSFER_NOT_ACTIVE"
	IssueTargetClassNotFound     = "TARGET_CLASS_NOT_FOUND"
	IssueSameTargetClass         = "SAME_TARGET_CLASS"
	IssueTargetEnrollmentExists  = "TARGET_ENROLLMENT_EXISTS"
	IssuePricingUnresolved       = "PRICING_UNRESOLVED"
	IssuePricingDifference       = "PRICING_DIFFERENCE"
	IssueInvoiceAdjustmentNeeded = "INVOICE_ADJUSTMENT_NEEDED"
	IssueBranchChange            = "BRANCH_CHANGE"
	IssueScheduleConflict        = "SCHEDULE_CONFLICT"
)

// RiskLevel grades a risk report.
type RiskLevel string

// Risk levels.
const (
	RiskMinimal RiskLevel = "minimal"
	RiskLow     RiskLevel = "low"
	RiskMedium  RiskLevel = "medium"
	RiskHigh    RiskLevel = "high"
)

// Issue is one finding of the safety validator.
type Issue struct {
	Type           IssueSeverity          `json:"type"`
	Code           string                 `json:"code"`
	Message        string                 `json:"message"`
	Details        map[string]interface{} `json:"details,omitempty"`
	ActionRequired string                 `json:"action_required,omitempty"`
}

// Operation names used by risk reports and plans.
const (
	OperationRevert   = "revert"
	OperationRetarget = "retarget"
)

// RiskReport is the outcome of validating a revert or retarget.
type RiskReport struct {
	TransferID string         `json:"transfer_id"`
	Operation  string         `json:"operation"`
	Issues     []Issue        `json:"issues"`
	CanProceed bool           `json:"can_proceed"`
	RiskLevel  RiskLevel      `json:"risk_level"`
	Plan       *ExecutionPlan `json:"plan,omitempty"`
}

// NewRiskReport grades issues into a report.
func NewRiskReport(transferID, operation string, issues []Issue) *RiskReport {
	if issues == nil {
		issues = []Issue{}
	}
	report := &RiskReport{TransferID: transferID, Operation: operation, Issues: issues}
	report.CanProceed = report.Count(IssueError) == 0
	report.RiskLevel = ComputeRiskLevel(issues)
	return report
}

// Count returns the number of issues with the given severity.
func (r *RiskReport) Count(severity IssueSeverity) int {
	n := 0
	for _, issue := range r.Issues {
		if issue.Type == severity {
			n++
		}
	}
	return n
}

// Errors returns the blocking issues.
func (r *RiskReport) Errors() []Issue {
	var out []Issue
	for _, issue := range r.Issues {
		if issue.Type == IssueError {
			out = append(out, issue)
		}
	}
	return out
}

// Has reports whether an issue with code is present.
func (r *RiskReport) Has(code string) bool {
	for _, issue := range r.Issues {
		if issue.Code == code {
			return true
		}
	}
	return false
}

// ComputeRiskLevel grades issues: any error is high, more than two warnings
// medium, any warning low, otherwise minimal.
func ComputeRiskLevel(issues []Issue) RiskLevel {
	warnings := 0
	for _, issue := range issues {
		switch issue.Type {
		case IssueError:
			return RiskHigh
		case IssueWarning:
			warnings++
		}
	}
	switch {
	case warnings > 2:
		return RiskMedium
	case warnings > 0:
		return RiskLow
	default:
		return RiskMinimal
	}
}

// Plan step names.
const (
	StepHandlePayments       = "handle_payments"
	StepCancelInvoices       = "cancel_invoices"
	StepAdjustInvoices       = "adjust_invoices"
	StepUpdateEnrollments    = "update_enrollments"
	StepUpdateTransferStatus = "update_transfer_status"
)

// PlanStep is one advisory step of an execution plan.
type PlanStep struct {
	Order            int       `json:"order"`
	Name             string    `json:"name"`
	Description      string    `json:"description"`
	EstimatedMinutes int       `json:"estimated_minutes"`
	RequiresApproval bool      `json:"requires_approval"`
	ApprovalRole     *UserRole `json:"approval_role,omitempty"`
}

// ExecutionPlan lists the steps needed to carry out a validated operation.
type ExecutionPlan struct {
	Operation        string     `json:"operation"`
	Steps            []PlanStep `json:"steps"`
	EstimatedMinutes int        `json:"estimated_minutes"`
	ApprovalRoles    []UserRole `json:"approval_roles,omitempty"`
}
