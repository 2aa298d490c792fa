package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/stockward/stockward/internal/app"
	"github.com/stockward/stockward/internal/count"
	"github.com/stockward/stockward/internal/impact"
	"github.com/stockward/stockward/internal/ledger"
	"github.com/stockward/stockward/internal/platform/cache"
	"github.com/stockward/stockward/internal/platform/db"
	"github.com/stockward/stockward/internal/reconcile"
	"github.com/stockward/stockward/internal/shared"
	"github.com/stockward/stockward/internal/stock"
	"github.com/stockward/stockward/internal/transfer"
	"github.com/stockward/stockward/internal/transfer/queries"
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

	stockRepo := stock.NewRepository(pool)
	stockService := stock.NewService(stockRepo, auditLogger, idempotencyStore, stock.ServiceConfig{
		AllowNegativeStock: cfg.AllowNegativeStock,
	})

	ledgerRepo := ledger.NewRepository(pool)
	ledgerService := ledger.NewService(ledgerRepo, auditLogger)
	ledgerHandler := ledger.NewHandler(logger, ledgerService)

	impactRepo := impact.NewRepository(pool)
	impactService := impact.NewService(impactRepo, ledgerService, auditLogger)
	impactHandler := impact.NewHandler(logger, impactService)

	transferRepo := transfer.NewRepository(pool)
	transferService := transfer.NewService(transferRepo, sequencer, auditLogger, publisher)
	transferHandler := transfer.NewHandler(logger, transferService)

	queryRepo := queries.NewRepository(pool)
	queryService := queries.NewService(queryRepo, transferService, auditLogger)
	queryHandler := queries.NewHandler(logger, queryService)

	countRepo := count.NewRepository(pool)
	countService := count.NewService(countRepo, stockService, sequencer, auditLogger)
	countHandler := count.NewHandler(logger, countService)

	reconcileRepo := reconcile.NewRepository(pool)
	reconcileService := reconcile.NewService(reconcileRepo, transferService, countService, sequencer, auditLogger, publisher)
	reconcileHandler := reconcile.NewHandler(logger, reconcileService)

	router := app.NewRouter(app.RouterParams{
		Logger:           logger,
		Config:           cfg,
		TransferHandler:  transferHandler,
		QueriesHandler:   queryHandler,
		ReconcileHandler: reconcileHandler,
		CountHandler:     countHandler,
		ImpactHandler:    impactHandler,
		LedgerHandler:    ledgerHandler,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}
