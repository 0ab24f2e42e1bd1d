package dto

import "github.com/shopspring/decimal"

// DateLayout is the wire format of calendar dates.
const DateLayout = "2006-01-02"

// CreateTransferRequest moves a student between two classes.
type CreateTransferRequest struct {
	StudentID         string          `json:"student_id" validate:"required"`
	FromClassID       string          `json:"from_class_id" validate:"required"`
	ToClassID         string          `json:"to_class_id" validate:"required,nefield=FromClassID"`
	EffectiveDate     string          `json:"effective_date" validate:"required,datetime=2006-01-02"`
	StartSessionNo    int             `json:"start_session_no" validate:"required,min=1"`
	Reason            string          `json:"reason" validate:"max=500"`
	Notes             string          `json:"notes" validate:"max=2000"`
	TransferFee       decimal.Decimal `json:"transfer_fee"`
	CreateAdjustments bool            `json:"create_adjustments"`
}

// RevertTransferRequest undoes an active transfer.
type RevertTransferRequest struct {
	Reason string `json:"reason" validate:"required,max=500"`
	Notes  string `json:"notes" validate:"max=2000"`
}

// RetargetTransferRequest redirects an active transfer to another class.
type RetargetTransferRequest struct {
	NewToClassID   string           `json:"new_to_class_id" validate:"required"`
	StartSessionNo *int             `json:"start_session_no" validate:"omitempty,min=1"`
	Amount         *decimal.Decimal `json:"amount"`
	DueDate        string           `json:"due_date" validate:"omitempty,datetime=2006-01-02"`
	Note           string           `json:"note" validate:"max=2000"`
}

// TransferStatsQuery bounds transfer stats by effective date.
type TransferStatsQuery struct {
	FromDate string `form:"from_date" validate:"omitempty,datetime=2006-01-02"`
	ToDate   string `form:"to_date" validate:"omitempty,datetime=2006-01-02"`
}
