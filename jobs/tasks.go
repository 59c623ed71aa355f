package jobs

import (
	"encoding/json"
	"strings"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskConsolRun runs the complete consolidation pipeline.
	TaskConsolRun = "consol:run"
	// TaskConsolViewRefresh rebuilds cached consolidated views.
	TaskConsolViewRefresh = "consol:view_refresh"

	scopeAllGroups    = "all"
	scopeActivePeriod = "active"
)

// ConsolRunPayload scopes a pipeline run. GroupID "all" covers every group and
// Period "active" resolves to the open consolidation period. An empty
// BaseCurrency falls back to each group's reporting currency.
type ConsolRunPayload struct {
	GroupID      string `json:"group_id"`
	Period       string `json:"period"`
	BaseCurrency string `json:"base_currency,omitempty"`
	DryRun       bool   `json:"dry_run,omitempty"`
}

// ViewRefreshPayload scopes a cached view rebuild.
type ViewRefreshPayload struct {
	GroupID string `json:"group_id"`
	Period  string `json:"period"`
}

func (p *ConsolRunPayload) normalise() {
	p.GroupID, p.Period = normaliseScope(p.GroupID, p.Period)
	p.BaseCurrency = strings.ToUpper(strings.TrimSpace(p.BaseCurrency))
}

func (p *ViewRefreshPayload) normalise() {
	p.GroupID, p.Period = normaliseScope(p.GroupID, p.Period)
}

func normaliseScope(group, period string) (string, string) {
	group = strings.TrimSpace(group)
	period = strings.TrimSpace(period)
	if group == "" {
		group = scopeAllGroups
	}
	if period == "" {
		period = scopeActivePeriod
	}
	return group, period
}

// NewConsolRunTask creates an Asynq task running the pipeline for payload.
func NewConsolRunTask(payload ConsolRunPayload) (*asynq.Task, error) {
	payload.normalise()
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskConsolRun, body, asynq.Queue(QueueDefault)), nil
}

// NewViewRefreshTask creates an Asynq task rebuilding cached views.
func NewViewRefreshTask(groupID, period string) (*asynq.Task, error) {
	payload := ViewRefreshPayload{GroupID: groupID, Period: period}
	payload.normalise()
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskConsolViewRefresh, body, asynq.Queue(QueueDefault)), nil
}
