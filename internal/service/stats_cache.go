package service

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/student-transfer-engine/internal/dto"
	"github.com/noah-isme/student-transfer-engine/internal/models"
	appErrors "github.com/noah-isme/student-transfer-engine/pkg/errors"
)

const (
	statsCachePrefix  = "transfers:stats:"
	defaultStatsTTL   = 5 * time.Minute
	openDateRangeSlot = "-"
)

// StatsStore is the key/value backend behind StatsCache. Get returns
// appErrors.ErrCacheMiss for absent keys.
type StatsStore interface {
	Get(ctx context.Context, key string, dest interface{}) error
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	DeleteByPattern(ctx context.Context, pattern string) error
}

// StatsCache keeps computed transfer statistics per date window. Every
// lifecycle write purges all windows, so a cached summary never outlives the
// transfer rows it was computed from by more than one request.
type StatsCache struct {
	store   StatsStore
	metrics *MetricsService
	ttl     time.Duration
	logger  *zap.Logger
}

// NewStatsCache returns nil when store is nil; a nil StatsCache always misses.
func NewStatsCache(store StatsStore, metrics *MetricsService, ttl time.Duration, logger *zap.Logger) *StatsCache {
	if store == nil {
		return nil
	}
	if ttl <= 0 {
		ttl = defaultStatsTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StatsCache{store: store, metrics: metrics, ttl: ttl, logger: logger}
}

// Lookup returns the cached summary for the query window. Backend failures
// count as a miss.
func (c *StatsCache) Lookup(ctx context.Context, query dto.TransferStatsQuery) (*models.TransferStats, bool) {
	if c == nil {
		return nil, false
	}
	key := statsKey(query)
	var stats models.TransferStats
	start := time.Now()
	err := c.store.Get(ctx, key, &stats)
	c.metrics.RecordCacheOperation(err == nil, time.Since(start))
	switch {
	case err == nil:
		return &stats, true
	case !errors.Is(err, appErrors.ErrCacheMiss):
		c.logger.Warn("stats cache read failed", zap.String("key", key), zap.Error(err))
	}
	return nil, false
}

// Store saves stats for the query window.
func (c *StatsCache) Store(ctx context.Context, query dto.TransferStatsQuery, stats *models.TransferStats) {
	if c == nil || stats == nil {
		return
	}
	key := statsKey(query)
	start := time.Now()
	err := c.store.Set(ctx, key, stats, c.ttl)
	c.metrics.ObserveCacheWrite(time.Since(start))
	if err != nil {
		c.logger.Warn("stats cache write failed", zap.String("key", key), zap.Error(err))
	}
}

// Purge drops every cached window.
func (c *StatsCache) Purge(ctx context.Context) error {
	if c == nil {
		return nil
	}
	if err := c.store.DeleteByPattern(ctx, statsCachePrefix+"*"); err != nil {
		c.logger.Warn("stats cache purge failed", zap.Error(err))
		return err
	}
	return nil
}

func statsKey(query dto.TransferStatsQuery) string {
	from, to := query.FromDate, query.ToDate
	if from == "" {
		from = openDateRangeSlot
	}
	if to == "" {
		to = openDateRangeSlot
	}
	return statsCachePrefix + from + ":" + to
}
