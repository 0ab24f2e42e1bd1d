package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/bsm/redislock"
	"go.uber.org/zap"

	"github.com/noah-isme/student-transfer-engine/internal/models"
	"github.com/noah-isme/student-transfer-engine/pkg/jobs"
)

const auditDispatchLockKey = "lock:audit-outbox-dispatch"

// ErrDispatchLockHeld signals that another dispatcher owns the outbox.
var ErrDispatchLockHeld = errors.New("audit dispatch lock held by another instance")

type outboxStore interface {
	ListPending(ctx context.Context, limit int) ([]models.AuditOutboxEvent, error)
	MarkPublished(ctx context.Context, id string, at time.Time) error
	MarkFailed(ctx context.Context, id, reason string, maxAttempts int) error
}

type auditSink interface {
	Deliver(ctx context.Context, event models.AuditOutboxEvent) error
}

type dispatchLock interface {
	Release(ctx context.Context) error
}

type dispatchLocker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (dispatchLock, error)
}

// RedisDispatchLocker adapts redislock to the dispatcher.
type RedisDispatchLocker struct {
	client *redislock.Client
}

// NewRedisDispatchLocker wraps a redislock client. A nil client yields nil.
func NewRedisDispatchLocker(client *redislock.Client) *RedisDispatchLocker {
	if client == nil {
		return nil
	}
	return &RedisDispatchLocker{client: client}
}

// Acquire obtains key for ttl without waiting. A nil locker always succeeds.
func (l *RedisDispatchLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (dispatchLock, error) {
	if l == nil || l.client == nil {
		return unlockedLock{}, nil
	}
	lock, err := l.client.Obtain(ctx, key, ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, ErrDispatchLockHeld
	}
	if err != nil {
		return nil, fmt.Errorf("obtain dispatch lock: %w", err)
	}
	return lock, nil
}

type unlockedLock struct{}

func (unlockedLock) Release(ctx context.Context) error { return nil }

// AuditDispatcherConfig controls outbox delivery.
type AuditDispatcherConfig struct {
	Interval    time.Duration
	BatchSize   int
	Workers     int
	MaxAttempts int
	LockTTL     time.Duration
	RetryDelay  time.Duration
}

// DispatchResult summarises one dispatch round.
type DispatchResult struct {
	Fetched   int
	Delivered int
	Failed    int
}

// AuditDispatcher delivers pending outbox events to the activity log sink.
type AuditDispatcher struct {
	outbox  outboxStore
	sink    auditSink
	locker  dispatchLocker
	metrics *MetricsService
	cfg     AuditDispatcherConfig
	logger  *zap.Logger
	now     func() time.Time
}

// NewAuditDispatcher constructs AuditDispatcher. locker may be nil when only
// one dispatcher runs.
func NewAuditDispatcher(outbox outboxStore, sink auditSink, locker dispatchLocker, metrics *MetricsService, cfg AuditDispatcherConfig, logger *zap.Logger) *AuditDispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 2 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 30 * time.Second
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 200 * time.Millisecond
	}
	return &AuditDispatcher{
		outbox:  outbox,
		sink:    sink,
		locker:  locker,
		metrics: metrics,
		cfg:     cfg,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Run dispatches on every tick until ctx is cancelled.
func (d *AuditDispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()
	d.logger.Info("audit dispatcher started", zap.Duration("interval", d.cfg.Interval), zap.Int("batch_size", d.cfg.BatchSize))
	for {
		select {
		case <-ctx.Done():
			d.logger.Info("audit dispatcher stopped")
			return nil
		case <-ticker.C:
			if _, err := d.DispatchOnce(ctx); err != nil && !errors.Is(err, ErrDispatchLockHeld) {
				d.logger.Error("audit dispatch failed", zap.Error(err))
			}
		}
	}
}

// DispatchOnce delivers one batch of pending events.
func (d *AuditDispatcher) DispatchOnce(ctx context.Context) (DispatchResult, error) {
	var result DispatchResult
	if d.locker != nil {
		lock, err := d.locker.Acquire(ctx, auditDispatchLockKey, d.cfg.LockTTL)
		if err != nil {
			return result, err
		}
		defer func() {
			if err := lock.Release(context.Background()); err != nil {
				d.logger.Warn("failed to release audit dispatch lock", zap.Error(err))
			}
		}()
	}

	events, err := d.outbox.ListPending(ctx, d.cfg.BatchSize)
	if err != nil {
		return result, err
	}
	result.Fetched = len(events)
	if len(events) == 0 {
		return result, nil
	}

	var delivered, failed int32
	queue := jobs.NewQueue("audit-outbox", func(ctx context.Context, job jobs.Job) error {
		event := job.Payload.(models.AuditOutboxEvent)
		if err := d.sink.Deliver(ctx, event); err != nil {
			return err
		}
		if err := d.outbox.MarkPublished(ctx, event.ID, d.now()); err != nil {
			d.logger.Warn("failed to mark audit event published", zap.String("event_id", event.ID), zap.Error(err))
		}
		atomic.AddInt32(&delivered, 1)
		return nil
	}, jobs.QueueConfig{
		Workers:    d.cfg.Workers,
		BufferSize: len(events),
		MaxRetries: 2,
		RetryDelay: d.cfg.RetryDelay,
		Logger:     d.logger,
		OnExhausted: func(ctx context.Context, job jobs.Job, cause error) {
			atomic.AddInt32(&failed, 1)
			if err := d.outbox.MarkFailed(ctx, job.ID, cause.Error(), d.cfg.MaxAttempts); err != nil {
				d.logger.Warn("failed to mark audit event failed", zap.String("event_id", job.ID), zap.Error(err))
			}
		},
	})
	queue.Start(ctx)
	defer queue.Stop()

	for _, event := range events {
		if err := queue.Enqueue(jobs.Job{ID: event.ID, Type: event.Action, Payload: event}); err != nil {
			return result, err
		}
	}
	queue.Wait()

	result.Delivered = int(atomic.LoadInt32(&delivered))
	result.Failed = int(atomic.LoadInt32(&failed))
	d.metrics.ObserveAuditDispatch(result.Fetched, result.Delivered, result.Failed)
	d.logger.Info("audit batch dispatched",
		zap.Int("fetched", result.Fetched),
		zap.Int("delivered", result.Delivered),
		zap.Int("failed", result.Failed))
	return result, nil
}

type auditLogWriter interface {
	Create(ctx context.Context, log *models.AuditLog) error
}

// ActivityLogSink writes outbox events into the activity log table.
type ActivityLogSink struct {
	logs auditLogWriter
}

// NewActivityLogSink constructs ActivityLogSink.
func NewActivityLogSink(logs auditLogWriter) *ActivityLogSink {
	return &ActivityLogSink{logs: logs}
}

// Deliver converts event into an activity log row.
func (s *ActivityLogSink) Deliver(ctx context.Context, event models.AuditOutboxEvent) error {
	payload, err := json.Marshal(event.Meta)
	if err != nil {
		return fmt.Errorf("encode audit meta: %w", err)
	}
	targetID := event.TargetID
	return s.logs.Create(ctx, &models.AuditLog{
		ID:         event.ID,
		UserID:     event.ActorID,
		Action:     event.Action,
		Resource:   event.TargetType,
		ResourceID: &targetID,
		NewValues:  payload,
		CreatedAt:  event.CreatedAt,
	})
}
