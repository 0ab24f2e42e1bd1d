package models

import "time"

// EnrollmentStatus represents the lifecycle of an enrollment.
type EnrollmentStatus string

// Possible enrollment statuses.
const (
	EnrollmentStatusActive      EnrollmentStatus = "ACTIVE"
	EnrollmentStatusTransferred EnrollmentStatus = "TRANSFERRED"
	EnrollmentStatusCompleted   EnrollmentStatus = "COMPLETED"
	EnrollmentStatusDropped     EnrollmentStatus = "DROPPED"
)

// Enrollment captures a student's registration to a class. (student_id, class_id) is unique.
type Enrollment struct {
	ID             string           `db:"id" json:"id"`
	StudentID      string           `db:"student_id" json:"student_id"`
	ClassID        string           `db:"class_id" json:"class_id"`
	Status         EnrollmentStatus `db:"status" json:"status"`
	StartSessionNo int              `db:"start_session_no" json:"start_session_no"`
	EnrolledAt     time.Time        `db:"enrolled_at" json:"enrolled_at"`
	UpdatedAt      time.Time        `db:"updated_at" json:"updated_at"`
}
