package repository

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/noah-isme/student-transfer-engine/internal/models"
	"github.com/noah-isme/student-transfer-engine/pkg/database"
)

// ClassroomRepository reads class records owned by the course catalogue.
type ClassroomRepository struct {
	db *sqlx.DB
}

// NewClassroomRepository constructs the repository.
func NewClassroomRepository(db *sqlx.DB) *ClassroomRepository {
	return &ClassroomRepository{db: db}
}

// FindByID returns a class or sql.ErrNoRows.
func (r *ClassroomRepository) FindByID(ctx context.Context, id string) (*models.Classroom, error) {
	const query = `SELECT id, name, branch_id, tuition_fee, sessions_total FROM classes WHERE id = $1`
	var class models.Classroom
	if err := sqlx.GetContext(ctx, database.Executor(ctx, r.db), &class, query, id); err != nil {
		return nil, err
	}
	return &class, nil
}

// FindScheduleConflicts returns weekly slots of the student's other active classes
// that overlap a slot of classID. Classes in exclude are ignored.
func (r *ClassroomRepository) FindScheduleConflicts(ctx context.Context, studentID, classID string, exclude []string) ([]models.ScheduleConflict, error) {
	if exclude == nil {
		exclude = []string{}
	}
	const query = `SELECT DISTINCT os.class_id, os.day_of_week,
            to_char(os.starts_at, 'HH24:MI') AS starts_at, to_char(os.ends_at, 'HH24:MI') AS ends_at
        FROM class_schedules ns
        JOIN enrollments e ON e.student_id = $1 AND e.status = 'ACTIVE'
            AND e.class_id <> $2 AND NOT (e.class_id::text = ANY($3))
        JOIN class_schedules os ON os.class_id = e.class_id
            AND os.day_of_week = ns.day_of_week
            AND os.starts_at < ns.ends_at AND ns.starts_at < os.ends_at
        WHERE ns.class_id = $2
        ORDER BY os.day_of_week, starts_at`
	var conflicts []models.ScheduleConflict
	if err := sqlx.SelectContext(ctx, database.Executor(ctx, r.db), &conflicts, query, studentID, classID, pq.Array(exclude)); err != nil {
		return nil, fmt.Errorf("find schedule conflicts: %w", err)
	}
	return conflicts, nil
}
