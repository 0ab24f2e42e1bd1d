package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/student-transfer-engine/internal/models"
)

type fakeOutboxStore struct {
	mu        sync.Mutex
	pending   []models.AuditOutboxEvent
	published []string
	failed    map[string]string
	listErr   error
}

func (f *fakeOutboxStore) ListPending(ctx context.Context, limit int) ([]models.AuditOutboxEvent, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	if len(f.pending) > limit {
		return f.pending[:limit], nil
	}
	return f.pending, nil
}

func (f *fakeOutboxStore) MarkPublished(ctx context.Context, id string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, id)
	return nil
}

func (f *fakeOutboxStore) MarkFailed(ctx context.Context, id, reason string, maxAttempts int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failed == nil {
		f.failed = map[string]string{}
	}
	f.failed[id] = reason
	return nil
}

type fakeSink struct {
	mu     sync.Mutex
	failID string
	calls  map[string]int
}

func (s *fakeSink) Deliver(ctx context.Context, event models.AuditOutboxEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.calls == nil {
		s.calls = map[string]int{}
	}
	s.calls[event.ID]++
	if event.ID == s.failID {
		return errors.New("sink rejected event")
	}
	return nil
}

type fakeLock struct{ released *bool }

func (l fakeLock) Release(ctx context.Context) error {
	*l.released = true
	return nil
}

type fakeLocker struct {
	held     bool
	released bool
}

func (l *fakeLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (dispatchLock, error) {
	if l.held {
		return nil, ErrDispatchLockHeld
	}
	return fakeLock{released: &l.released}, nil
}

func outboxEvents(ids ...string) []models.AuditOutboxEvent {
	events := make([]models.AuditOutboxEvent, 0, len(ids))
	for _, id := range ids {
		events = append(events, models.AuditOutboxEvent{ID: id, Action: models.AuditActionTransferCreated, TargetType: models.AuditTargetTransfer, TargetID: "t-" + id})
	}
	return events
}

func TestDispatchOnceDeliversAndMarksEvents(t *testing.T) {
	store := &fakeOutboxStore{pending: outboxEvents("e1", "e2", "e3")}
	sink := &fakeSink{failID: "e2"}
	locker := &fakeLocker{}
	dispatcher := NewAuditDispatcher(store, sink, locker, NewMetricsService(), AuditDispatcherConfig{RetryDelay: time.Millisecond}, nil)

	result, err := dispatcher.DispatchOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, DispatchResult{Fetched: 3, Delivered: 2, Failed: 1}, result)
	assert.ElementsMatch(t, []string{"e1", "e3"}, store.published)
	assert.Equal(t, "sink rejected event", store.failed["e2"])
	assert.Equal(t, 3, sink.calls["e2"])
	assert.True(t, locker.released)
}

func TestDispatchOnceSkipsWhenLockHeld(t *testing.T) {
	store := &fakeOutboxStore{pending: outboxEvents("e1")}
	sink := &fakeSink{}
	dispatcher := NewAuditDispatcher(store, sink, &fakeLocker{held: true}, nil, AuditDispatcherConfig{}, nil)

	_, err := dispatcher.DispatchOnce(context.Background())
	assert.ErrorIs(t, err, ErrDispatchLockHeld)
	assert.Empty(t, sink.calls)
}

func TestDispatchOnceEmptyBatch(t *testing.T) {
	dispatcher := NewAuditDispatcher(&fakeOutboxStore{}, &fakeSink{}, nil, nil, AuditDispatcherConfig{}, nil)

	result, err := dispatcher.DispatchOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, result.Fetched)
}

type recordingLogWriter struct{ logs []*models.AuditLog }

func (r *recordingLogWriter) Create(ctx context.Context, log *models.AuditLog) error {
	r.logs = append(r.logs, log)
	return nil
}

func TestActivityLogSinkDeliver(t *testing.T) {
	writer := &recordingLogWriter{}
	sink := NewActivityLogSink(writer)
	actor := "admin-1"

	err := sink.Deliver(context.Background(), models.AuditOutboxEvent{
		ID:         "e1",
		Action:     models.AuditActionTransferReverted,
		ActorID:    &actor,
		TargetType: models.AuditTargetTransfer,
		TargetID:   "t1",
		Meta:       models.JSONMap{"reason": "test"},
	})
	require.NoError(t, err)
	require.Len(t, writer.logs, 1)
	log := writer.logs[0]
	assert.Equal(t, "e1", log.ID)
	assert.Equal(t, "admin-1", *log.UserID)
	assert.Equal(t, "transfer", log.Resource)
	assert.Equal(t, "t1", *log.ResourceID)
	assert.JSONEq(t, `{"reason":"test"}`, string(log.NewValues))
}

func TestAuditServiceLogEnqueuesEvent(t *testing.T) {
	w := newMemWorld()
	svc := NewAuditService(memOutbox{w}, nil)

	err := svc.Log(context.Background(), " admin-1 ", models.AuditActionTransferCreated, models.AuditTarget{Type: models.AuditTargetTransfer, ID: "t1"}, map[string]interface{}{"k": "v"})
	require.NoError(t, err)
	require.Len(t, w.outbox, 1)
	assert.Equal(t, "admin-1", *w.outbox[0].ActorID)
	assert.Equal(t, "t1", w.outbox[0].TargetID)

	w.failOutbox = errors.New("insert failed")
	assert.Error(t, svc.Log(context.Background(), "", "x", models.AuditTarget{}, nil))

	var nilSvc *AuditService
	assert.NoError(t, nilSvc.Log(context.Background(), "", "x", models.AuditTarget{}, nil))
}

func TestNilRedisDispatchLockerAlwaysAcquires(t *testing.T) {
	var locker *RedisDispatchLocker
	assert.Nil(t, NewRedisDispatchLocker(nil))

	lock, err := locker.Acquire(context.Background(), auditDispatchLockKey, time.Second)
	require.NoError(t, err)
	assert.NoError(t, lock.Release(context.Background()))
}
