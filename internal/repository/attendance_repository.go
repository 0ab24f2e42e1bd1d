package repository

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/student-transfer-engine/pkg/database"
)

// AttendanceRepository answers read-only attendance questions.
type AttendanceRepository struct {
	db *sqlx.DB
}

// NewAttendanceRepository constructs the repository.
func NewAttendanceRepository(db *sqlx.DB) *AttendanceRepository {
	return &AttendanceRepository{db: db}
}

// HasAttendanceInClass reports whether the student has any attendance record in a session of the class.
func (r *AttendanceRepository) HasAttendanceInClass(ctx context.Context, studentID, classID string) (bool, error) {
	const query = `SELECT EXISTS (
        SELECT 1 FROM attendances a
        JOIN class_sessions s ON s.id = a.session_id
        WHERE a.student_id = $1 AND s.class_id = $2)`
	var exists bool
	if err := sqlx.GetContext(ctx, database.Executor(ctx, r.db), &exists, query, studentID, classID); err != nil {
		return false, fmt.Errorf("check attendance: %w", err)
	}
	return exists, nil
}
