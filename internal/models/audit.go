package models

import "time"

// Transfer lifecycle audit actions.
const (
	AuditActionTransferCreated    = "transfer.created"
	AuditActionTransferReverted   = "transfer.reverted"
	AuditActionTransferRetargeted = "transfer.retargeted"
)

// AuditTargetTransfer is the target type used for transfer events.
const AuditTargetTransfer = "transfer"

// AuditTarget identifies the record an audit event is about.
type AuditTarget struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// OutboxStatus tracks delivery of an outbox event.
type OutboxStatus string

// Outbox statuses.
const (
	OutboxStatusPending   OutboxStatus = "PENDING"
	OutboxStatusPublished OutboxStatus = "PUBLISHED"
	OutboxStatusFailed    OutboxStatus = "FAILED"
)

// AuditOutboxEvent is an audit record written in the business transaction and delivered after commit.
type AuditOutboxEvent struct {
	ID          string       `db:"id" json:"id"`
	Action      string       `db:"action" json:"action"`
	ActorID     *string      `db:"actor_id" json:"actor_id,omitempty"`
	TargetType  string       `db:"target_type" json:"target_type"`
	TargetID    string       `db:"target_id" json:"target_id"`
	Meta        JSONMap      `db:"meta" json:"meta"`
	Status      OutboxStatus `db:"status" json:"status"`
	Attempts    int          `db:"attempts" json:"attempts"`
	LastError   *string      `db:"last_error" json:"last_error,omitempty"`
	CreatedAt   time.Time    `db:"created_at" json:"created_at"`
	PublishedAt *time.Time   `db:"published_at" json:"published_at,omitempty"`
}

// AuditLog represents an activity log record in the sink table.
type AuditLog struct {
	ID         string    `db:"id" json:"id"`
	UserID     *string   `db:"user_id" json:"user_id,omitempty"`
	Action     string    `db:"action" json:"action"`
	Resource   string    `db:"resource" json:"resource"`
	ResourceID *string   `db:"resource_id" json:"resource_id,omitempty"`
	NewValues  []byte    `db:"new_values" json:"new_values,omitempty"`
	IPAddress  string    `db:"ip_address" json:"ip_address"`
	UserAgent  string    `db:"user_agent" json:"user_agent"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}
