package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/odyssey-erp/consolidation/internal/app"
	"github.com/odyssey-erp/consolidation/internal/consol"
	consolhttp "github.com/odyssey-erp/consolidation/internal/consol/http"
	"github.com/odyssey-erp/consolidation/internal/consol/pipeline"
	"github.com/odyssey-erp/consolidation/internal/consol/query"
	"github.com/odyssey-erp/consolidation/internal/observability"
	"github.com/odyssey-erp/consolidation/internal/platform/cache"
	"github.com/odyssey-erp/consolidation/internal/shared"
	"github.com/odyssey-erp/consolidation/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}
	logger := app.NewLogger(cfg)

	backend, err := app.OpenStore(ctx, cfg, logger)
	if err != nil {
		logger.Error("open store", slog.Any("error", err))
		os.Exit(1)
	}
	defer backend.Close()

	checks := map[string]app.HealthCheck{}
	if backend.Pool != nil {
		checks["postgres"] = backend.Pool.Ping
	}

	// Redis backs locks and the view cache; without it the process still
	// serves with in-process locks and uncached views.
	var redisClient *redis.Client
	var locker shared.Locker = shared.NewKeyedMutex()
	redisClient, err = cache.New(ctx, cache.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	if err != nil {
		logger.Warn("redis unavailable, using in-process locks", slog.Any("error", err))
		redisClient = nil
	} else {
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Warn("redis close", slog.Any("error", err))
			}
		}()
		locker = shared.NewRedisLocker(redisClient, cfg.Consol.LockTTL)
		checks["redis"] = func(ctx context.Context) error { return redisClient.Ping(ctx).Err() }
	}

	metrics := observability.NewMetrics()
	viewMetrics, err := query.NewMetrics(metrics.Registerer())
	if err != nil {
		logger.Error("register view metrics", slog.Any("error", err))
		os.Exit(1)
	}

	var audit shared.AuditRecorder = &shared.MemoryAuditLog{}
	var idempotency shared.IdempotencyGuard = shared.NewMemoryIdempotency(cfg.Consol.IdempotencyTTL)
	if backend.Pool != nil {
		audit = shared.NewAuditLogger(backend.Pool)
		store := shared.NewIdempotencyStore(backend.Pool)
		idempotency = store
		go cleanupIdempotency(ctx, store, cfg.Consol.IdempotencyTTL, logger)
	}

	viewCache := query.NewCache(redisClient, cfg.Consol.ViewCacheTTL)
	queries := query.NewService(backend.Store, viewCache, viewMetrics, logger)
	service := pipeline.NewService(backend.Store, locker, audit, pipeline.NewMetrics(metrics.Registerer()), logger, cfg.Pipeline())
	service.OnCommit(queries.InvalidateHook)

	if err := viewCache.ListenForInvalidation(ctx, func(key consol.Key, version int64) {
		logger.Debug("view invalidated", slog.String("group_id", key.GroupID), slog.String("period", key.Period), slog.Int64("version", version))
	}); err != nil {
		logger.Warn("subscribe view invalidation", slog.Any("error", err))
	}

	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()

	router := app.NewRouter(app.RouterParams{
		Logger:        logger,
		Config:        cfg,
		ConsolHandler: consolhttp.NewHandler(logger, service, queries, idempotency),
		JobHandler:    jobs.NewHandler(inspector, logger),
		Metrics:       metrics,
		Checks:        checks,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr), slog.String("store", cfg.Consol.Store))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
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

func cleanupIdempotency(ctx context.Context, store *shared.IdempotencyStore, retention time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := store.Cleanup(ctx, retention); err != nil {
				logger.Warn("idempotency cleanup", slog.Any("error", err))
			}
		}
	}
}
