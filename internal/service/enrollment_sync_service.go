package service

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/student-transfer-engine/internal/models"
)

type enrollmentStore interface {
	FindByStudentAndClass(ctx context.Context, studentID, classID string, forUpdate bool) (*models.Enrollment, error)
	ListByStudent(ctx context.Context, studentID string, forUpdate bool) ([]models.Enrollment, error)
	SetStatus(ctx context.Context, studentID, classID string, status models.EnrollmentStatus) (int64, error)
	Activate(ctx context.Context, enrollment *models.Enrollment) error
	Delete(ctx context.Context, studentID, classID string) (int64, error)
}

// EnrollmentSyncService flips enrollments between classes on behalf of transfers.
// Every primitive is idempotent and joins the caller's transaction.
type EnrollmentSyncService struct {
	repo   enrollmentStore
	logger *zap.Logger
}

// NewEnrollmentSyncService constructs EnrollmentSyncService.
func NewEnrollmentSyncService(repo enrollmentStore, logger *zap.Logger) *EnrollmentSyncService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EnrollmentSyncService{repo: repo, logger: logger}
}

// LockStudent locks every enrollment row of the student for the current transaction.
func (s *EnrollmentSyncService) LockStudent(ctx context.Context, studentID string) ([]models.Enrollment, error) {
	return s.repo.ListByStudent(ctx, studentID, true)
}

// Lookup returns the (student, class) enrollment, or nil when there is none.
func (s *EnrollmentSyncService) Lookup(ctx context.Context, studentID, classID string) (*models.Enrollment, error) {
	enrollment, err := s.repo.FindByStudentAndClass(ctx, studentID, classID, false)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return enrollment, nil
}

// Deactivate marks the (student, class) enrollment as TRANSFERRED.
func (s *EnrollmentSyncService) Deactivate(ctx context.Context, studentID, classID string) error {
	n, err := s.repo.SetStatus(ctx, studentID, classID, models.EnrollmentStatusTransferred)
	if err != nil {
		return err
	}
	if n == 0 {
		s.logger.Debug("no enrollment to deactivate", zap.String("student_id", studentID), zap.String("class_id", classID))
	}
	return nil
}

// Remove deletes the (student, class) enrollment if it exists.
func (s *EnrollmentSyncService) Remove(ctx context.Context, studentID, classID string) error {
	n, err := s.repo.Delete(ctx, studentID, classID)
	if err != nil {
		return err
	}
	if n == 0 {
		s.logger.Debug("no enrollment to remove", zap.String("student_id", studentID), zap.String("class_id", classID))
	}
	return nil
}

// Activate creates an active enrollment or flips an existing one back to ACTIVE.
func (s *EnrollmentSyncService) Activate(ctx context.Context, studentID, classID string, startSessionNo int, enrolledAt time.Time) (*models.Enrollment, error) {
	if startSessionNo < 1 {
		startSessionNo = 1
	}
	enrollment := &models.Enrollment{
		StudentID:      studentID,
		ClassID:        classID,
		StartSessionNo: startSessionNo,
		EnrolledAt:     enrolledAt,
	}
	if err := s.repo.Activate(ctx, enrollment); err != nil {
		return nil, err
	}
	return enrollment, nil
}
