package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/hibiken/asynq"
	"golang.org/x/sync/errgroup"

	"github.com/odyssey-erp/consolidation/internal/consol"
	"github.com/odyssey-erp/consolidation/internal/consol/pipeline"
	jobmetrics "github.com/odyssey-erp/consolidation/internal/jobs"
	"github.com/odyssey-erp/consolidation/internal/shared"
)

// DefaultRunConcurrency bounds how many groups one task consolidates at once.
const DefaultRunConcurrency = 4

// PipelineRunner runs the complete pipeline for one (group, period).
type PipelineRunner interface {
	RunComplete(ctx context.Context, groupID, period, baseCurrency string, dryRun bool, opts pipeline.Options) (consol.RunResult, error)
}

// ConsolRunRepository provides the lookups needed to fan a run out over groups.
type ConsolRunRepository interface {
	ScopeRepository
	Group(ctx context.Context, groupID string) (consol.Group, error)
}

// ConsolRunJob runs the consolidation pipeline for every group in scope.
type ConsolRunJob struct {
	Runner      PipelineRunner
	Repo        ConsolRunRepository
	Options     pipeline.Options
	Concurrency int
	Logger      *slog.Logger
	Metrics     *jobmetrics.Metrics
	clock       func() time.Time
}

// NewConsolRunJob constructs the job handler with default stage options.
func NewConsolRunJob(runner PipelineRunner, repo ConsolRunRepository, logger *slog.Logger, metrics *jobmetrics.Metrics) *ConsolRunJob {
	return &ConsolRunJob{
		Runner:      runner,
		Repo:        repo,
		Options:     pipeline.DefaultOptions(),
		Concurrency: DefaultRunConcurrency,
		Logger:      logger,
		Metrics:     metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle executes the consolidation run task.
func (j *ConsolRunJob) Handle(ctx context.Context, task *asynq.Task) error {
	if j == nil || j.Runner == nil || j.Repo == nil {
		return errors.New("consol run: dependencies not configured")
	}
	var payload ConsolRunPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("consol run: decode payload: %w", asynq.SkipRetry)
	}
	payload.normalise()

	tracker := j.metrics().Track(TaskConsolRun)
	_, err := j.Run(ctx, payload)
	return tracker.End(err)
}

// RunSummary reports how a fan-out run went.
type RunSummary struct {
	Period       string
	Consolidated int
	Failed       int
	Results      []consol.RunResult
}

// Run consolidates every group in payload's scope. Groups whose pipeline
// reports success=false are logged and counted; only infrastructure faults
// make the returned error non-nil so the task is retried.
func (j *ConsolRunJob) Run(ctx context.Context, payload ConsolRunPayload) (RunSummary, error) {
	payload.normalise()
	log := j.log()

	period, err := resolvePeriod(ctx, j.Repo, payload.Period)
	if err != nil {
		log.Error("resolve period", slog.String("period", payload.Period), slog.Any("error", err))
		if errors.Is(err, errNoActivePeriod) || payload.Period != scopeActivePeriod {
			return RunSummary{}, fmt.Errorf("consol run: %w: %w", err, asynq.SkipRetry)
		}
		return RunSummary{}, err
	}
	groupIDs, err := resolveGroups(ctx, j.Repo, payload.GroupID)
	if err != nil {
		log.Error("resolve groups", slog.String("group", payload.GroupID), slog.Any("error", err))
		return RunSummary{}, err
	}
	summary := RunSummary{Period: period, Results: make([]consol.RunResult, len(groupIDs))}
	if len(groupIDs) == 0 {
		log.Info("no consolidation groups discovered", slog.String("period", period))
		return summary, nil
	}

	ctx = shared.ContextWithActor(ctx, shared.SystemActor)
	opts := j.Options
	opts.ActorID = shared.SystemActor

	limit := j.Concurrency
	if limit <= 0 {
		limit = DefaultRunConcurrency
	}
	start := j.now()
	var consolidated, failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i, groupID := range groupIDs {
		g.Go(func() error {
			res, err := j.runGroup(gctx, groupID, period, payload, opts)
			if err != nil {
				return fmt.Errorf("consol run %s/%s: %w", groupID, period, err)
			}
			summary.Results[i] = res
			if res.Success {
				consolidated.Add(1)
				return nil
			}
			failed.Add(1)
			log.Warn("consolidation run failed",
				slog.String("group_id", groupID),
				slog.String("period", period),
				slog.String("stage", res.FailedStage),
				slog.String("error_code", string(res.ErrorCode)),
				slog.String("error_message", res.ErrorMessage))
			return nil
		})
	}
	err = g.Wait()
	summary.Consolidated = int(consolidated.Load())
	summary.Failed = int(failed.Load())
	j.metrics().AddGroups(TaskConsolRun, "consolidated", summary.Consolidated)
	j.metrics().AddGroups(TaskConsolRun, "failed", summary.Failed)
	if err != nil {
		log.Error("consolidation run aborted", slog.String("period", period), slog.Any("error", err))
		return summary, err
	}
	log.Info("consolidation run complete",
		slog.String("period", period),
		slog.Int("groups", len(groupIDs)),
		slog.Int("consolidated", summary.Consolidated),
		slog.Int("failed", summary.Failed),
		slog.Bool("dry_run", payload.DryRun),
		slog.Duration("duration", time.Since(start)))
	return summary, nil
}

func (j *ConsolRunJob) runGroup(ctx context.Context, groupID, period string, payload ConsolRunPayload, opts pipeline.Options) (consol.RunResult, error) {
	base := payload.BaseCurrency
	if base == "" {
		group, err := j.Repo.Group(ctx, groupID)
		if err != nil && !errors.Is(err, consol.ErrGroupNotFound) {
			return consol.RunResult{}, err
		}
		// unknown groups fall through so the pipeline reports GROUP_NOT_FOUND
		base = group.ReportingCurrency
	}
	return j.Runner.RunComplete(ctx, groupID, period, base, payload.DryRun, opts)
}

func (j *ConsolRunJob) metrics() *jobmetrics.Metrics {
	if j != nil && j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *ConsolRunJob) log() *slog.Logger {
	if j != nil && j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskConsolRun))
	}
	return slog.Default().With(slog.String("job", TaskConsolRun))
}

func (j *ConsolRunJob) now() time.Time {
	if j != nil && j.clock != nil {
		return j.clock()
	}
	return time.Now().UTC()
}
