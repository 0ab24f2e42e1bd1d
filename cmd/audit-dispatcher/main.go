package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/noah-isme/student-transfer-engine/internal/repository"
	"github.com/noah-isme/student-transfer-engine/internal/service"
	"github.com/noah-isme/student-transfer-engine/pkg/cache"
	"github.com/noah-isme/student-transfer-engine/pkg/config"
	"github.com/noah-isme/student-transfer-engine/pkg/database"
	"github.com/noah-isme/student-transfer-engine/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logr, err := logger.New(cfg, "audit-dispatcher")
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		logr.Fatal("failed to connect to postgres", zap.Error(err))
	}
	defer db.Close()

	// Without redis only a single dispatcher instance may run.
	var locker *service.RedisDispatchLocker
	redisClient, err := cache.NewRedis(cfg.Redis)
	if err != nil {
		logr.Warn("redis unavailable, running without dispatch lock", zap.Error(err))
	} else {
		defer redisClient.Close()
		locker = service.NewRedisDispatchLocker(cache.NewLocker(redisClient))
	}

	dispatcher := service.NewAuditDispatcher(
		repository.NewAuditOutboxRepository(db),
		service.NewActivityLogSink(repository.NewAuditLogRepository(db)),
		locker,
		service.NewMetricsService(),
		service.AuditDispatcherConfig{
			Interval:    cfg.Audit.Interval,
			BatchSize:   cfg.Audit.BatchSize,
			Workers:     cfg.Audit.Workers,
			MaxAttempts: cfg.Audit.MaxAttempts,
			LockTTL:     cfg.Audit.LockTTL,
		},
		logr,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := dispatcher.Run(ctx); err != nil {
		logr.Fatal("audit dispatcher failed", zap.Error(err))
	}
}
