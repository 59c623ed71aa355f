package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/odyssey-erp/consolidation/internal/app"
	"github.com/odyssey-erp/consolidation/internal/consol/pipeline"
	"github.com/odyssey-erp/consolidation/internal/consol/query"
	"github.com/odyssey-erp/consolidation/internal/platform/cache"
	"github.com/odyssey-erp/consolidation/internal/shared"
	"github.com/odyssey-erp/consolidation/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
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

	// the worker cannot run without Redis, so a failed ping is fatal here
	redisClient, err := cache.New(ctx, cache.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func(client *redis.Client) {
		if err := client.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}(redisClient)

	var audit shared.AuditRecorder = &shared.MemoryAuditLog{}
	if backend.Pool != nil {
		audit = shared.NewAuditLogger(backend.Pool)
	}
	locker := shared.NewRedisLocker(redisClient, cfg.Consol.LockTTL)
	queries := query.NewService(backend.Store, query.NewCache(redisClient, cfg.Consol.ViewCacheTTL), nil, logger)
	service := pipeline.NewService(backend.Store, locker, audit, nil, logger, cfg.Pipeline())
	service.OnCommit(queries.InvalidateHook)

	runJob := jobs.NewConsolRunJob(service, backend.Store, logger, nil)
	runJob.Concurrency = cfg.Consol.RunConcurrency
	refreshJob := jobs.NewViewRefreshJob(queries, backend.Store, logger, nil)

	runTask, err := jobs.NewConsolRunTask(jobs.ConsolRunPayload{GroupID: "all", Period: "active"})
	if err != nil {
		logger.Error("build consol run task", slog.Any("error", err))
		os.Exit(1)
	}
	refreshTask, err := jobs.NewViewRefreshTask("all", "active")
	if err != nil {
		logger.Error("build view refresh task", slog.Any("error", err))
		os.Exit(1)
	}

	var schedule []jobs.CronRegistration
	if cfg.ConsolRunCron != "" {
		schedule = append(schedule, jobs.CronRegistration{Spec: cfg.ConsolRunCron, Task: runTask, Options: []asynq.Option{asynq.MaxRetry(3)}})
	}
	if cfg.ViewRefreshCron != "" {
		schedule = append(schedule, jobs.CronRegistration{Spec: cfg.ViewRefreshCron, Task: refreshTask, Options: []asynq.Option{asynq.MaxRetry(1)}})
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts:   asynq.RedisClientOpt{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB},
		Logger:      logger,
		Concurrency: cfg.WorkerConcurrency,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskConsolRun, Handler: runJob.Handle},
			{Type: jobs.TaskConsolViewRefresh, Handler: refreshJob.Handle},
		},
		Cron: schedule,
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	logger.Info("starting worker", slog.String("store", cfg.Consol.Store), slog.Int("concurrency", cfg.WorkerConcurrency))
	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
