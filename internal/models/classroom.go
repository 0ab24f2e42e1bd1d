package models

import "github.com/shopspring/decimal"

// Classroom is the read model of a class owned by the course catalogue.
type Classroom struct {
	ID            string          `db:"id" json:"id"`
	Name          string          `db:"name" json:"name"`
	BranchID      string          `db:"branch_id" json:"branch_id"`
	TuitionFee    decimal.Decimal `db:"tuition_fee" json:"tuition_fee"`
	SessionsTotal int             `db:"sessions_total" json:"sessions_total"`
}

// ScheduleConflict reports a weekly slot of another class overlapping a slot of the requested class.
type ScheduleConflict struct {
	ClassID   string `db:"class_id" json:"class_id"`
	DayOfWeek int    `db:"day_of_week" json:"day_of_week"`
	StartsAt  string `db:"starts_at" json:"starts_at"`
	EndsAt    string `db:"ends_at" json:"ends_at"`
}
