package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/student-transfer-engine/internal/models"
	"github.com/noah-isme/student-transfer-engine/pkg/database"
)

const enrollmentColumns = `id, student_id, class_id, status, start_session_no, enrolled_at, updated_at`

// EnrollmentRepository handles persistence of enrollments.
type EnrollmentRepository struct {
	db *sqlx.DB
}

// NewEnrollmentRepository constructs the repository.
func NewEnrollmentRepository(db *sqlx.DB) *EnrollmentRepository {
	return &EnrollmentRepository{db: db}
}

// FindByStudentAndClass returns the enrollment for the natural key. It returns
// sql.ErrNoRows when none exists.
func (r *EnrollmentRepository) FindByStudentAndClass(ctx context.Context, studentID, classID string, forUpdate bool) (*models.Enrollment, error) {
	query := `SELECT ` + enrollmentColumns + ` FROM enrollments WHERE student_id = $1 AND class_id = $2`
	if forUpdate {
		query += " FOR UPDATE"
	}
	var enrollment models.Enrollment
	if err := sqlx.GetContext(ctx, database.Executor(ctx, r.db), &enrollment, query, studentID, classID); err != nil {
		return nil, err
	}
	return &enrollment, nil
}

// ListByStudent returns every enrollment of a student. With forUpdate the rows
// stay locked until the surrounding transaction ends.
func (r *EnrollmentRepository) ListByStudent(ctx context.Context, studentID string, forUpdate bool) ([]models.Enrollment, error) {
	query := `SELECT ` + enrollmentColumns + ` FROM enrollments WHERE student_id = $1 ORDER BY enrolled_at`
	if forUpdate {
		query += " FOR UPDATE"
	}
	var enrollments []models.Enrollment
	if err := sqlx.SelectContext(ctx, database.Executor(ctx, r.db), &enrollments, query, studentID); err != nil {
		return nil, fmt.Errorf("list student enrollments: %w", err)
	}
	return enrollments, nil
}

// SetStatus updates the status of the (student, class) enrollment and returns the affected row count.
func (r *EnrollmentRepository) SetStatus(ctx context.Context, studentID, classID string, status models.EnrollmentStatus) (int64, error) {
	const query = `UPDATE enrollments SET status = $3, updated_at = $4 WHERE student_id = $1 AND class_id = $2`
	res, err := database.Executor(ctx, r.db).ExecContext(ctx, query, studentID, classID, status, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("update enrollment status: %w", err)
	}
	return res.RowsAffected()
}

// Activate creates an active enrollment or flips an existing one to ACTIVE.
// An already active row keeps its start session.
func (r *EnrollmentRepository) Activate(ctx context.Context, enrollment *models.Enrollment) error {
	if enrollment.ID == "" {
		enrollment.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if enrollment.EnrolledAt.IsZero() {
		enrollment.EnrolledAt = now
	}
	enrollment.Status = models.EnrollmentStatusActive
	enrollment.UpdatedAt = now

	const query = `INSERT INTO enrollments (` + enrollmentColumns + `)
        VALUES ($1, $2, $3, $4, $5, $6, $7)
        ON CONFLICT (student_id, class_id) DO UPDATE SET
            status = EXCLUDED.status,
            start_session_no = CASE WHEN enrollments.status = 'ACTIVE' THEN enrollments.start_session_no ELSE EXCLUDED.start_session_no END,
            updated_at = EXCLUDED.updated_at
        RETURNING ` + enrollmentColumns
	row := database.Executor(ctx, r.db).QueryRowxContext(ctx, query,
		enrollment.ID, enrollment.StudentID, enrollment.ClassID, enrollment.Status,
		enrollment.StartSessionNo, enrollment.EnrolledAt, enrollment.UpdatedAt)
	if err := row.StructScan(enrollment); err != nil {
		return fmt.Errorf("activate enrollment: %w", err)
	}
	return nil
}

// Delete removes the (student, class) enrollment and returns the affected row count.
func (r *EnrollmentRepository) Delete(ctx context.Context, studentID, classID string) (int64, error) {
	const query = `DELETE FROM enrollments WHERE student_id = $1 AND class_id = $2`
	res, err := database.Executor(ctx, r.db).ExecContext(ctx, query, studentID, classID)
	if err != nil {
		return 0, fmt.Errorf("delete enrollment: %w", err)
	}
	return res.RowsAffected()
}
