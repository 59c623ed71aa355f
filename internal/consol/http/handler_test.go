package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/consolidation/internal/consol"
	"github.com/odyssey-erp/consolidation/internal/consol/pipeline"
	"github.com/odyssey-erp/consolidation/internal/consol/query"
	"github.com/odyssey-erp/consolidation/internal/consol/store"
	"github.com/odyssey-erp/consolidation/internal/platform/httpx"
	"github.com/odyssey-erp/consolidation/internal/shared"
)

type env struct {
	router http.Handler
	mem    *store.Memory
}

func newEnv(t *testing.T) env {
	t.Helper()
	fixture, err := store.LoadFixtureFile("../store/testdata/group_gbp.yaml")
	require.NoError(t, err)
	mem := store.NewMemory()
	require.NoError(t, fixture.Apply(context.Background(), mem))

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := pipeline.NewService(mem, nil, &shared.MemoryAuditLog{}, nil, logger, pipeline.Config{})
	queries := query.NewService(mem, nil, nil, logger)
	svc.OnCommit(queries.InvalidateHook)

	handler := NewHandler(logger, svc, queries, shared.NewMemoryIdempotency(time.Hour))
	r := chi.NewRouter()
	handler.MountRoutes(r)
	return env{router: r, mem: mem}
}

func do(t *testing.T, h http.Handler, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestRunThenQuery(t *testing.T) {
	e := newEnv(t)

	rec := do(t, e.router, http.MethodPost, "/consol/GRP-UK/2025-02/run",
		map[string]any{"base_currency": "GBP"}, map[string]string{ActorHeader: "u-9"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	run := decodeBody[consol.RunResult](t, rec)
	require.True(t, run.Success)
	require.True(t, run.Reconcile.ReconciliationPassed)

	agg, ok, err := e.mem.Aggregation(context.Background(), consol.Key{GroupID: "GRP-UK", Period: "2025-02"})
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "u-9", agg.PostedBy)

	rec = do(t, e.router, http.MethodGet, "/consol/GRP-UK/2025-02/facts?category=NON_CONTROLLING_INTEREST", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	facts := decodeBody[struct {
		Facts []consol.ConsolidatedFact `json:"facts"`
		Count int                       `json:"count"`
	}](t, rec)
	require.Equal(t, 1, facts.Count)
	require.Equal(t, 288.0, facts.Facts[0].TotalConsolidatedAmount)

	rec = do(t, e.router, http.MethodGet, "/consol/GRP-UK/2025-02/segments?reportable=true", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	segments := decodeBody[struct {
		Count int `json:"count"`
	}](t, rec)
	require.Equal(t, 2, segments.Count)

	rec = do(t, e.router, http.MethodGet, "/consol/GRP-UK/2025-02/translation-differences?materiality=HIGH", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, e.router, http.MethodGet, "/consol/GRP-UK/2025-02/checks", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	checks := decodeBody[query.CheckReport](t, rec)
	require.True(t, checks.Available)
	require.True(t, checks.IFRS10Compliant)
	require.Len(t, checks.Checks, 4)

	rec = do(t, e.router, http.MethodPost, "/consol/GRP-UK/2025-02/refresh", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	view := decodeBody[query.View](t, rec)
	require.Equal(t, agg.RunID, view.AggregationRunID)
}

func TestRunInvalidMethodIsBadRequest(t *testing.T) {
	e := newEnv(t)
	rec := do(t, e.router, http.MethodPost, "/consol/GRP-UK/2025-02/run",
		map[string]any{"base_currency": "GBP", "translation_method": "INVALID_METHOD"}, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	run := decodeBody[consol.RunResult](t, rec)
	require.False(t, run.Success)
	require.Equal(t, consol.StageTranslate, run.FailedStage)
	require.Equal(t, consol.CodeInvalidTranslationMethod, run.ErrorCode)
}

func TestStageStatusCodes(t *testing.T) {
	e := newEnv(t)

	rec := do(t, e.router, http.MethodPost, "/consol/invalid-group-id/2025-02/prepare", map[string]any{"base_currency": "GBP"}, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, consol.CodeGroupNotFound, decodeBody[consol.PrepareResult](t, rec).ErrorCode)

	rec = do(t, e.router, http.MethodPost, "/consol/GRP-UK/2025-02/aggregate", map[string]any{"base_currency": "GBP"}, nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Equal(t, consol.CodeTranslationRequired, decodeBody[consol.AggregateResult](t, rec).ErrorCode)

	rec = do(t, e.router, http.MethodPost, "/consol/GRP-UK/2025-02/reconcile", map[string]any{"base_currency": "GBP", "tolerance_amount": -1}, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, e.router, http.MethodPost, "/consol/GRP-UK/2025-02/prepare", map[string]any{"base_currency": "GBP"}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	prepared := decodeBody[consol.PrepareResult](t, rec)
	require.True(t, prepared.ValidationPassed)
	require.Equal(t, 3, prepared.MemberCount)

	for _, stage := range []string{"eliminate", "translate", "aggregate", "reconcile"} {
		rec = do(t, e.router, http.MethodPost, "/consol/GRP-UK/2025-02/"+stage, map[string]any{"base_currency": "GBP"}, nil)
		require.Equal(t, http.StatusOK, rec.Code, "%s: %s", stage, rec.Body.String())
	}
}

func TestRequestValidation(t *testing.T) {
	e := newEnv(t)

	rec := do(t, e.router, http.MethodPost, "/consol/GRP-UK/2025-02/eliminate", map[string]any{}, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	problem := decodeBody[httpx.ProblemDetail](t, rec)
	require.Contains(t, problem.Errors, "base_currency")

	rec = do(t, e.router, http.MethodPost, "/consol/GRP-UK/2025-02/eliminate", map[string]any{"base_currency": "POUNDS"}, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, e.router, http.MethodPost, "/consol/GRP-UK/2025-02/eliminate", map[string]any{"base_currency": "GBP", "extra": 1}, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, e.router, http.MethodGet, "/consol/GRP-UK/2025-02/facts?limit=ten", nil, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	rec = do(t, e.router, http.MethodGet, "/consol/GRP-UK/2025-02/facts?category=GOODWILL", nil, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	rec = do(t, e.router, http.MethodGet, "/consol/GRP-UK/2025-02/segments?reportable=maybe", nil, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	rec = do(t, e.router, http.MethodGet, "/consol/GRP-UK/202502/checks", nil, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRunIdempotencyKey(t *testing.T) {
	e := newEnv(t)
	headers := map[string]string{IdempotencyHeader: "run-2025-02-a"}

	rec := do(t, e.router, http.MethodPost, "/consol/GRP-UK/2025-02/run", map[string]any{"base_currency": "GBP", "dry_run": true}, headers)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = do(t, e.router, http.MethodPost, "/consol/GRP-UK/2025-02/run", map[string]any{"base_currency": "GBP", "dry_run": true}, headers)
	require.Equal(t, http.StatusConflict, rec.Code)

	// a failed run releases its key
	failing := map[string]string{IdempotencyHeader: "run-missing"}
	rec = do(t, e.router, http.MethodPost, "/consol/invalid-group-id/2025-02/run", map[string]any{"base_currency": "GBP"}, failing)
	require.Equal(t, http.StatusNotFound, rec.Code)
	rec = do(t, e.router, http.MethodPost, "/consol/invalid-group-id/2025-02/run", map[string]any{"base_currency": "GBP"}, failing)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

type brokenPipeline struct {
	Pipeline
}

func (brokenPipeline) Eliminate(context.Context, pipeline.Request) (consol.EliminateResult, error) {
	return consol.EliminateResult{}, errors.New("pq: connection refused")
}

func TestInfrastructureErrorsHideDetail(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	handler := NewHandler(logger, brokenPipeline{}, nil, nil)
	r := chi.NewRouter()
	handler.MountRoutes(r)

	rec := do(t, r, http.MethodPost, "/consol/GRP-UK/2025-02/eliminate", map[string]any{"base_currency": "GBP"}, nil)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
	problem := decodeBody[httpx.ProblemDetail](t, rec)
	require.Empty(t, problem.Detail)
}

func TestStatusForClasses(t *testing.T) {
	require.Equal(t, http.StatusOK, statusFor(true, ""))
	require.Equal(t, http.StatusBadRequest, statusFor(false, consol.CodeInvalidPeriod))
	require.Equal(t, http.StatusNotFound, statusFor(false, consol.CodeGroupNotFound))
	require.Equal(t, http.StatusConflict, statusFor(false, consol.CodeAggregationRequired))
	require.Equal(t, http.StatusUnprocessableEntity, statusFor(false, consol.CodeEliminationUnbalanced))
	require.Equal(t, http.StatusUnprocessableEntity, statusFor(false, consol.CodeFXRateMissing))
}
