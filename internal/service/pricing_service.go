package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/noah-isme/student-transfer-engine/internal/models"
)

type classLookup interface {
	FindByID(ctx context.Context, id string) (*models.Classroom, error)
}

// ErrClassNotFound is returned by pricing when the class does not exist.
var ErrClassNotFound = errors.New("class not found")

// PricingService is the default tuition pricing function. It prorates the class
// tuition fee over the sessions left from startSessionNo.
type PricingService struct {
	classes classLookup
	logger  *zap.Logger
}

// NewPricingService constructs PricingService.
func NewPricingService(classes classLookup, logger *zap.Logger) *PricingService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PricingService{classes: classes, logger: logger}
}

// TuitionDefaultTotal returns the tuition a student starting at startSessionNo owes for the class.
// A start session below 1 prices the full course.
func (s *PricingService) TuitionDefaultTotal(ctx context.Context, classID, studentID string, startSessionNo int) (decimal.Decimal, error) {
	class, err := s.classes.FindByID(ctx, classID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return decimal.Zero, fmt.Errorf("price class %s: %w", classID, ErrClassNotFound)
		}
		return decimal.Zero, fmt.Errorf("price class %s: %w", classID, err)
	}
	if class.TuitionFee.IsNegative() {
		return decimal.Zero, fmt.Errorf("price class %s: negative tuition fee", classID)
	}
	if class.SessionsTotal <= 0 || startSessionNo <= 1 {
		return class.TuitionFee, nil
	}
	if startSessionNo > class.SessionsTotal {
		return decimal.Zero, nil
	}
	remaining := int64(class.SessionsTotal - startSessionNo + 1)
	total := class.TuitionFee.Mul(decimal.NewFromInt(remaining)).Div(decimal.NewFromInt(int64(class.SessionsTotal))).Round(2)
	s.logger.Debug("tuition prorated",
		zap.String("class_id", classID),
		zap.String("student_id", studentID),
		zap.Int("start_session_no", startSessionNo),
		zap.String("total", total.String()))
	return total, nil
}
