package service

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/noah-isme/student-transfer-engine/internal/models"
	"github.com/noah-isme/student-transfer-engine/pkg/database"
)

const auditSavepoint = "audit_outbox"

type auditOutboxWriter interface {
	Enqueue(ctx context.Context, event *models.AuditOutboxEvent) error
}

// AuditService records activity events. Inside a transaction the event is
// written to the outbox under a savepoint, so a failed write is undone on its
// own and the surrounding business transaction keeps going.
type AuditService struct {
	outbox auditOutboxWriter
	logger *zap.Logger
}

// NewAuditService constructs AuditService.
func NewAuditService(outbox auditOutboxWriter, logger *zap.Logger) *AuditService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AuditService{outbox: outbox, logger: logger}
}

// Log stores an activity event for later delivery to the activity log.
func (s *AuditService) Log(ctx context.Context, actorID, action string, target models.AuditTarget, meta map[string]interface{}) error {
	if s == nil || s.outbox == nil {
		return nil
	}
	event := &models.AuditOutboxEvent{
		Action:     action,
		TargetType: target.Type,
		TargetID:   target.ID,
		Meta:       models.JSONMap(meta),
	}
	if actor := strings.TrimSpace(actorID); actor != "" {
		event.ActorID = &actor
	}
	err := database.Savepoint(ctx, auditSavepoint, func(ctx context.Context) error {
		return s.outbox.Enqueue(ctx, event)
	})
	if err != nil {
		s.logger.Warn("failed to record audit event",
			zap.String("action", action),
			zap.String("target_type", target.Type),
			zap.String("target_id", target.ID),
			zap.Error(err))
		return err
	}
	return nil
}
