package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/consolidation/internal/consol/query"
	jobmetrics "github.com/odyssey-erp/consolidation/internal/jobs"
)

// ViewRefresher rebuilds the cached read model of one (group, period).
type ViewRefresher interface {
	RefreshView(ctx context.Context, groupID, period string) (query.View, error)
}

// ViewRefreshJob rebuilds consolidated views after out-of-band changes.
type ViewRefreshJob struct {
	Views   ViewRefresher
	Repo    ScopeRepository
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewViewRefreshJob constructs the job handler.
func NewViewRefreshJob(views ViewRefresher, repo ScopeRepository, logger *slog.Logger, metrics *jobmetrics.Metrics) *ViewRefreshJob {
	return &ViewRefreshJob{Views: views, Repo: repo, Logger: logger, Metrics: metrics}
}

// Handle executes the view refresh task.
func (j *ViewRefreshJob) Handle(ctx context.Context, task *asynq.Task) error {
	if j == nil || j.Views == nil || j.Repo == nil {
		return errors.New("view refresh: dependencies not configured")
	}
	var payload ViewRefreshPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("view refresh: decode payload: %w", asynq.SkipRetry)
	}
	payload.normalise()

	tracker := j.metrics().Track(TaskConsolViewRefresh)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	period, err := resolvePeriod(ctx, j.Repo, payload.Period)
	if err != nil {
		resultErr = err
		j.log().Error("resolve period", slog.String("period", payload.Period), slog.Any("error", err))
		return resultErr
	}
	groupIDs, err := resolveGroups(ctx, j.Repo, payload.GroupID)
	if err != nil {
		resultErr = err
		j.log().Error("resolve groups", slog.String("group", payload.GroupID), slog.Any("error", err))
		return resultErr
	}

	refreshed, skipped := 0, 0
	for _, groupID := range groupIDs {
		view, err := j.Views.RefreshView(ctx, groupID, period)
		if err != nil {
			resultErr = err
			j.log().Error("refresh view", slog.String("group_id", groupID), slog.String("period", period), slog.Any("error", err))
			return resultErr
		}
		if !view.HasAggregation {
			skipped++
			continue
		}
		refreshed++
	}
	j.metrics().AddGroups(TaskConsolViewRefresh, "refreshed", refreshed)
	j.metrics().AddGroups(TaskConsolViewRefresh, "skipped", skipped)
	j.log().Info("refreshed consolidated views",
		slog.String("period", period),
		slog.Int("refreshed", refreshed),
		slog.Int("skipped", skipped))
	return resultErr
}

func (j *ViewRefreshJob) metrics() *jobmetrics.Metrics {
	if j != nil && j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *ViewRefreshJob) log() *slog.Logger {
	if j != nil && j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskConsolViewRefresh))
	}
	return slog.Default().With(slog.String("job", TaskConsolViewRefresh))
}
