package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/stockward/stockward/internal/app"
	"github.com/stockward/stockward/internal/platform/cache"
	"github.com/stockward/stockward/internal/platform/db"
	"github.com/stockward/stockward/internal/shared"
	"github.com/stockward/stockward/internal/transfer"
	"github.com/stockward/stockward/jobs"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	taskClient, err := jobs.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	if err != nil {
		logger.Error("init task client", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := taskClient.Close(); err != nil {
			logger.Warn("task client close", slog.Any("error", err))
		}
	}()
	publisher := jobs.NewPublisher(taskClient, logger)

	auditLogger := shared.NewAuditLogger(pool)
	idempotencyStore := shared.NewIdempotencyStore(pool)
	sequencer := shared.NewSequencer(redisClient)

	transferRepo := transfer.NewRepository(pool)
	transferService := transfer.NewService(transferRepo, sequencer, auditLogger, publisher)

	overdueScan := jobs.NewOverdueScanJob(transferService, taskClient, logger)
	keyCleanup := jobs.NewIdempotencyCleanupJob(idempotencyStore, logger)

	scanTask, err := jobs.NewOverdueScanTask(time.Now())
	if err != nil {
		logger.Error("build overdue scan task", slog.Any("error", err))
		os.Exit(1)
	}
	cleanupTask, err := jobs.NewIdempotencyCleanupTask(cfg.IdempotencyRetention)
	if err != nil {
		logger.Error("build idempotency cleanup task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:    logger,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskTransferOverdueScan, Handler: overdueScan.Handle},
			{Type: jobs.TaskCriticalVarianceNotify, Handler: jobs.HandleCriticalVarianceTask},
			{Type: jobs.TaskTransferOverdueNotify, Handler: jobs.HandleTransferOverdueTask},
			{Type: jobs.TaskIdempotencyCleanup, Handler: keyCleanup.Handle},
		},
		Cron: []jobs.CronRegistration{
			{Spec: cfg.OverdueScanSpec, Task: scanTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
			{Spec: cfg.CleanupSpec, Task: cleanupTask, Options: []asynq.Option{asynq.MaxRetry(1)}},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	if err := worker.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
