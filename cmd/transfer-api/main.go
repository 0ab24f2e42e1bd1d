package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/redis/go-redis/v9"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"

	_ "github.com/noah-isme/student-transfer-engine/api/swagger"
	"github.com/noah-isme/student-transfer-engine/internal/handler"
	internalmiddleware "github.com/noah-isme/student-transfer-engine/internal/middleware"
	"github.com/noah-isme/student-transfer-engine/internal/repository"
	"github.com/noah-isme/student-transfer-engine/internal/service"
	"github.com/noah-isme/student-transfer-engine/pkg/cache"
	"github.com/noah-isme/student-transfer-engine/pkg/config"
	"github.com/noah-isme/student-transfer-engine/pkg/database"
	"github.com/noah-isme/student-transfer-engine/pkg/logger"
	corsmiddleware "github.com/noah-isme/student-transfer-engine/pkg/middleware/cors"
	reqidmiddleware "github.com/noah-isme/student-transfer-engine/pkg/middleware/requestid"
)

const shutdownTimeout = 15 * time.Second

// @title Student Transfer Engine API
// @version 1.0.0
// @description Class transfers with enrollment and billing consistency
// @BasePath /api/v1
// @schemes http
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logr, err := logger.New(cfg, "transfer-api")
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		logr.Fatal("failed to connect to postgres", zap.Error(err))
	}
	defer db.Close()

	var redisClient *redis.Client
	if cfg.Transfers.StatsCacheEnabled {
		redisClient, err = cache.NewRedis(cfg.Redis)
		if err != nil {
			logr.Warn("redis unavailable, stats cache disabled", zap.Error(err))
		} else {
			defer redisClient.Close()
		}
	}

	metricsSvc := service.NewMetricsService()
	tx := database.NewTransactor(db, database.ParseIsolation(cfg.Database.TxIsolation), cfg.Database.ConflictRetries, logr)

	transferRepo := repository.NewTransferRepository(db)
	enrollmentRepo := repository.NewEnrollmentRepository(db)
	invoiceRepo := repository.NewInvoiceRepository(db)
	ledgerRepo := repository.NewLedgerRepository(db)
	classroomRepo := repository.NewClassroomRepository(db)
	attendanceRepo := repository.NewAttendanceRepository(db)
	outboxRepo := repository.NewAuditOutboxRepository(db)

	var statsCache *service.StatsCache
	if redisClient != nil {
		statsCache = service.NewStatsCache(repository.NewCacheRepository(redisClient, logr), metricsSvc, cfg.Transfers.StatsCacheTTL, logr)
	}

	enrollmentSvc := service.NewEnrollmentSyncService(enrollmentRepo, logr)
	pricingSvc := service.NewPricingService(classroomRepo, logr)
	ledgerSvc := service.NewLedgerService(ledgerRepo, tx, logr)
	safetySvc := service.NewInvoiceSafetyService(invoiceRepo, classroomRepo, enrollmentSvc, pricingSvc, logr)
	auditSvc := service.NewAuditService(outboxRepo, logr)
	tokenSvc := service.NewTokenService(service.TokenConfig{Secret: cfg.JWT.Secret})

	transferSvc := service.NewTransferService(service.TransferServiceDeps{
		Tx:          tx,
		Transfers:   transferRepo,
		Enrollments: enrollmentSvc,
		Invoices:    invoiceRepo,
		Ledger:      ledgerSvc,
		Safety:      safetySvc,
		Attendance:  attendanceRepo,
		Pricing:     pricingSvc,
		Audit:       auditSvc,
		StatsCache:  statsCache,
		Metrics:     metricsSvc,
		Validator:   validator.New(),
		Logger:      logr,
	}, service.TransferServiceConfig{
		RevertBlockOnAttendance: cfg.Transfers.RevertBlockOnAttendance,
		InvoiceDueDays:          cfg.Transfers.InvoiceDueDays,
	})

	checks := map[string]handler.ReadinessCheck{"postgres": db.PingContext}
	if redisClient != nil {
		checks["redis"] = func(ctx context.Context) error { return redisClient.Ping(ctx).Err() }
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(internalmiddleware.Metrics(metricsSvc))

	handler.RegisterOpsRoutes(r, handler.NewMetricsHandler(metricsSvc, checks))
	handler.RegisterTransferRoutes(
		r.Group(cfg.APIPrefix),
		internalmiddleware.JWT(tokenSvc),
		handler.NewTransferHandler(transferSvc),
		handler.NewLedgerHandler(ledgerSvc),
	)

	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logr.Sugar().Infow("server starting", "addr", srv.Addr, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logr.Sugar().Fatalw("server failed", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logr.Error("graceful shutdown failed", zap.Error(err))
	}
	logr.Info("server stopped")
}
