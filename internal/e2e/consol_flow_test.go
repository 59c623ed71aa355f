package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/odyssey-erp/consolidation/internal/app"
	"github.com/odyssey-erp/consolidation/internal/consol"
	consolhttp "github.com/odyssey-erp/consolidation/internal/consol/http"
	"github.com/odyssey-erp/consolidation/internal/consol/pipeline"
	"github.com/odyssey-erp/consolidation/internal/consol/query"
	"github.com/odyssey-erp/consolidation/internal/consol/store"
	jobmetrics "github.com/odyssey-erp/consolidation/internal/jobs"
	"github.com/odyssey-erp/consolidation/internal/observability"
	"github.com/odyssey-erp/consolidation/internal/shared"
	"github.com/odyssey-erp/consolidation/jobs"
)

const fixturePath = "../consol/store/testdata/group_gbp.yaml"

type stack struct {
	router  http.Handler
	mem     *store.Memory
	queries *query.Service
	service *pipeline.Service
	metrics *observability.Metrics
	logger  *slog.Logger
}

func newStack(t *testing.T) stack {
	t.Helper()
	fixture, err := store.LoadFixtureFile(fixturePath)
	if err != nil {
		t.Fatalf("load fixture: %v", err)
	}
	mem := store.NewMemory()
	if err := fixture.Apply(context.Background(), mem); err != nil {
		t.Fatalf("apply fixture: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	metrics := observability.NewMetrics()
	viewMetrics, err := query.NewMetrics(metrics.Registerer())
	if err != nil {
		t.Fatalf("view metrics: %v", err)
	}
	queries := query.NewService(mem, nil, viewMetrics, logger)
	service := pipeline.NewService(mem, shared.NewKeyedMutex(), &shared.MemoryAuditLog{}, pipeline.NewMetrics(metrics.Registerer()), logger, pipeline.Config{})
	service.OnCommit(queries.InvalidateHook)

	router := app.NewRouter(app.RouterParams{
		Logger:        logger,
		Config:        &app.Config{AppEnv: "test"},
		ConsolHandler: consolhttp.NewHandler(logger, service, queries, shared.NewMemoryIdempotency(time.Hour)),
		Metrics:       metrics,
	})
	return stack{router: router, mem: mem, queries: queries, service: service, metrics: metrics, logger: logger}
}

func post(t *testing.T, h http.Handler, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(consolhttp.ActorHeader, "controller-1")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRunOverHTTPThenScheduledRefresh(t *testing.T) {
	s := newStack(t)

	rec := post(t, s.router, "/consol/GRP-UK/2025-02/run", map[string]any{"base_currency": "GBP"})
	if rec.Code != http.StatusOK {
		t.Fatalf("run status %d: %s", rec.Code, rec.Body.String())
	}
	var run consol.RunResult
	if err := json.Unmarshal(rec.Body.Bytes(), &run); err != nil {
		t.Fatalf("decode run: %v", err)
	}
	if !run.Success || run.Reconcile == nil || !run.Reconcile.ReconciliationPassed {
		t.Fatalf("expected a reconciled run, got %+v", run)
	}

	agg, ok, err := s.mem.Aggregation(context.Background(), consol.Key{GroupID: "GRP-UK", Period: "2025-02"})
	if err != nil || !ok {
		t.Fatalf("aggregation not persisted: ok=%v err=%v", ok, err)
	}
	if agg.PostedBy != "controller-1" {
		t.Fatalf("expected actor controller-1, got %s", agg.PostedBy)
	}

	reg := prometheus.NewRegistry()
	refresh := jobs.NewViewRefreshJob(s.queries, s.mem, s.logger, jobmetrics.NewMetrics(reg))
	task, err := jobs.NewViewRefreshTask("all", "active")
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if err := refresh.Handle(context.Background(), task); err != nil {
		t.Fatalf("refresh handle: %v", err)
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	if !assertCounter(t, families, "consol_jobs_total", map[string]string{"job": jobs.TaskConsolViewRefresh, "status": "success"}, 1) {
		t.Fatalf("expected consol_jobs_total increment for view refresh")
	}
	if !assertCounter(t, families, "consol_job_groups_total", map[string]string{"job": jobs.TaskConsolViewRefresh, "outcome": "refreshed"}, 1) {
		t.Fatalf("expected one refreshed group")
	}

	req := httptest.NewRequest(http.MethodGet, "/consol/GRP-UK/2025-02/facts?category=ASSET", nil)
	facts := httptest.NewRecorder()
	s.router.ServeHTTP(facts, req)
	if facts.Code != http.StatusOK {
		t.Fatalf("facts status %d: %s", facts.Code, facts.Body.String())
	}
	if !bytes.Contains(facts.Body.Bytes(), []byte(`"ASSET"`)) {
		t.Fatalf("expected asset facts, got %s", facts.Body.String())
	}
}

func TestScheduledRunConsolidatesActivePeriod(t *testing.T) {
	s := newStack(t)
	reg := prometheus.NewRegistry()
	job := jobs.NewConsolRunJob(s.service, s.mem, s.logger, jobmetrics.NewMetrics(reg))
	task, err := jobs.NewConsolRunTask(jobs.ConsolRunPayload{GroupID: "all", Period: "active"})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if err := job.Handle(context.Background(), task); err != nil {
		t.Fatalf("job handle: %v", err)
	}

	view, err := s.queries.View(context.Background(), "GRP-UK", "2025-02")
	if err != nil {
		t.Fatalf("view: %v", err)
	}
	if !view.HasAggregation || !view.HasReconciliation || view.BaseCurrency != "GBP" {
		t.Fatalf("unexpected view after scheduled run: %+v", view)
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	if !assertCounter(t, families, "consol_job_groups_total", map[string]string{"job": jobs.TaskConsolRun, "outcome": "consolidated"}, 1) {
		t.Fatalf("expected one consolidated group")
	}
	if !metricExists(families, "consol_job_duration_seconds") {
		t.Fatalf("expected consol_job_duration_seconds to be recorded")
	}
}

func assertCounter(t *testing.T, families []*dto.MetricFamily, name string, labels map[string]string, expected float64) bool {
	t.Helper()
	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
		for _, metric := range fam.GetMetric() {
			if matchLabels(metric.GetLabel(), labels) {
				if metric.GetCounter() == nil {
					return false
				}
				if metric.GetCounter().GetValue() == expected {
					return true
				}
			}
		}
	}
	return false
}

func metricExists(families []*dto.MetricFamily, name string) bool {
	for _, fam := range families {
		if fam.GetName() == name {
			return true
		}
	}
	return false
}

func matchLabels(pairs []*dto.LabelPair, expected map[string]string) bool {
	if len(expected) == 0 {
		return true
	}
	seen := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		seen[pair.GetName()] = pair.GetValue()
	}
	for k, v := range expected {
		if seen[k] != v {
			return false
		}
	}
	return true
}
