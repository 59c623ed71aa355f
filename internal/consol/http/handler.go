package http

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/go-playground/validator/v10"

	"github.com/odyssey-erp/consolidation/internal/consol"
	"github.com/odyssey-erp/consolidation/internal/consol/pipeline"
	"github.com/odyssey-erp/consolidation/internal/consol/query"
	"github.com/odyssey-erp/consolidation/internal/platform/httpx"
	"github.com/odyssey-erp/consolidation/internal/shared"
)

// ActorHeader carries the acting user id.
const ActorHeader = "X-Actor-ID"

// IdempotencyHeader lets clients retry a run without executing it twice.
const IdempotencyHeader = "Idempotency-Key"

const idempotencyModule = "consol_run"

// Pipeline is the write side used by the handler.
type Pipeline interface {
	Prepare(ctx context.Context, req pipeline.Request, validationMode bool) (consol.PrepareResult, error)
	Eliminate(ctx context.Context, req pipeline.Request) (consol.EliminateResult, error)
	Translate(ctx context.Context, req pipeline.Request, method consol.TranslationMethod) (consol.TranslateResult, error)
	Aggregate(ctx context.Context, req pipeline.Request, level consol.ConsolidationMethod) (consol.AggregateResult, error)
	Reconcile(ctx context.Context, req pipeline.Request, tolerance float64, autoAdjust bool) (consol.ReconcileResult, error)
	RunComplete(ctx context.Context, groupID, period, baseCurrency string, dryRun bool, opts pipeline.Options) (consol.RunResult, error)
}

// Queries is the read side used by the handler.
type Queries interface {
	Facts(ctx context.Context, groupID, period string, category consol.Category, limit int) ([]consol.ConsolidatedFact, error)
	Segments(ctx context.Context, groupID, period string, reportableOnly bool) ([]consol.SegmentNote, error)
	TranslationDifferences(ctx context.Context, groupID, period string, materiality consol.Materiality) ([]consol.TranslationAdjustment, error)
	Checks(ctx context.Context, groupID, period string) (query.CheckReport, error)
	RefreshView(ctx context.Context, groupID, period string) (query.View, error)
}

// Handler wires consolidation JSON endpoints.
type Handler struct {
	logger      *slog.Logger
	pipeline    Pipeline
	queries     Queries
	idempotency shared.IdempotencyGuard
	validate    *validator.Validate
	rateLimit   func(http.Handler) http.Handler
}

// NewHandler constructs the consolidation handler. idempotency may be nil.
func NewHandler(logger *slog.Logger, pipeline Pipeline, queries Queries, idempotency shared.IdempotencyGuard) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	limiter := httprate.Limit(10, time.Minute,
		httprate.WithKeyFuncs(rateLimitKey),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			httpx.Problem(w, http.StatusTooManyRequests, "Too Many Requests", "consolidation run limit reached")
		}),
	)
	return &Handler{
		logger:      logger.With(slog.String("component", "consol_http")),
		pipeline:    pipeline,
		queries:     queries,
		idempotency: idempotency,
		validate:    newValidator(),
		rateLimit:   limiter,
	}
}

func rateLimitKey(r *http.Request) (string, error) {
	if actor := strings.TrimSpace(r.Header.Get(ActorHeader)); actor != "" {
		return "actor:" + actor, nil
	}
	key, err := httprate.KeyByIP(r)
	if err != nil {
		return "", err
	}
	return "ip:" + key, nil
}

// MountRoutes registers consolidation routes.
func (h *Handler) MountRoutes(r chi.Router) {
	if h == nil {
		return
	}
	r.Route("/consol/{group}/{period}", func(r chi.Router) {
		r.Use(actorContext)
		r.Post("/prepare", h.handlePrepare)
		r.Post("/eliminate", h.handleEliminate)
		r.Post("/translate", h.handleTranslate)
		r.Post("/aggregate", h.handleAggregate)
		r.Post("/reconcile", h.handleReconcile)
		r.Post("/refresh", h.handleRefresh)
		r.With(h.rateLimit).Post("/run", h.handleRun)

		r.Get("/facts", h.handleFacts)
		r.Get("/segments", h.handleSegments)
		r.Get("/translation-differences", h.handleTranslationDifferences)
		r.Get("/checks", h.handleChecks)
	})
}

func actorContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if actor := strings.TrimSpace(r.Header.Get(ActorHeader)); actor != "" {
			r = r.WithContext(shared.ContextWithActor(r.Context(), actor))
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) stageRequest(r *http.Request, body stageRequest) pipeline.Request {
	return pipeline.Request{
		GroupID:      chi.URLParam(r, "group"),
		Period:       chi.URLParam(r, "period"),
		BaseCurrency: body.BaseCurrency,
		ActorID:      shared.ActorFromContext(r.Context()),
		DryRun:       body.DryRun,
	}
}

func (h *Handler) handlePrepare(w http.ResponseWriter, r *http.Request) {
	var body prepareRequest
	if err := h.decode(w, r, &body); err != nil {
		h.invalid(w, err)
		return
	}
	validationMode := true
	if body.ValidationMode != nil {
		validationMode = *body.ValidationMode
	}
	res, err := h.pipeline.Prepare(r.Context(), h.stageRequest(r, body.stageRequest), validationMode)
	h.respondStage(w, r, res.Outcome, res, err)
}

func (h *Handler) handleEliminate(w http.ResponseWriter, r *http.Request) {
	var body stageRequest
	if err := h.decode(w, r, &body); err != nil {
		h.invalid(w, err)
		return
	}
	res, err := h.pipeline.Eliminate(r.Context(), h.stageRequest(r, body))
	h.respondStage(w, r, res.Outcome, res, err)
}

func (h *Handler) handleTranslate(w http.ResponseWriter, r *http.Request) {
	var body translateRequest
	if err := h.decode(w, r, &body); err != nil {
		h.invalid(w, err)
		return
	}
	method := consol.TranslationCurrentRate
	if body.TranslationMethod != "" {
		method = consol.TranslationMethod(body.TranslationMethod)
	}
	res, err := h.pipeline.Translate(r.Context(), h.stageRequest(r, body.stageRequest), method)
	h.respondStage(w, r, res.Outcome, res, err)
}

func (h *Handler) handleAggregate(w http.ResponseWriter, r *http.Request) {
	var body aggregateRequest
	if err := h.decode(w, r, &body); err != nil {
		h.invalid(w, err)
		return
	}
	level := consol.MethodFull
	if body.ConsolidationLevel != "" {
		level = consol.ConsolidationMethod(body.ConsolidationLevel)
	}
	res, err := h.pipeline.Aggregate(r.Context(), h.stageRequest(r, body.stageRequest), level)
	h.respondStage(w, r, res.Outcome, res, err)
}

func (h *Handler) handleReconcile(w http.ResponseWriter, r *http.Request) {
	var body reconcileRequest
	if err := h.decode(w, r, &body); err != nil {
		h.invalid(w, err)
		return
	}
	tolerance := pipeline.DefaultTolerance
	if body.ToleranceAmount != nil {
		tolerance = *body.ToleranceAmount
	}
	res, err := h.pipeline.Reconcile(r.Context(), h.stageRequest(r, body.stageRequest), tolerance, body.AutoAdjust)
	h.respondStage(w, r, res.Outcome, res, err)
}

func (h *Handler) handleRun(w http.ResponseWriter, r *http.Request) {
	var body runRequest
	if err := h.decode(w, r, &body); err != nil {
		h.invalid(w, err)
		return
	}
	ctx := r.Context()
	key := strings.TrimSpace(r.Header.Get(IdempotencyHeader))
	claimed := false
	if key != "" && h.idempotency != nil {
		if err := h.idempotency.CheckAndInsert(ctx, key, idempotencyModule); err != nil {
			if errors.Is(err, shared.ErrIdempotencyConflict) {
				httpx.Problem(w, http.StatusConflict, "Duplicate", "run already submitted with this idempotency key")
				return
			}
			h.logger.Error("claim idempotency key", slog.Any("error", err))
			httpx.RespondError(w, err)
			return
		}
		claimed = true
	}
	actor := shared.ActorFromContext(ctx)
	res, err := h.pipeline.RunComplete(ctx, chi.URLParam(r, "group"), chi.URLParam(r, "period"), body.BaseCurrency, body.DryRun, body.options(actor))
	if claimed && (err != nil || !res.Success) {
		// failed runs may be retried under the same key
		if derr := h.idempotency.Delete(context.WithoutCancel(ctx), key); derr != nil {
			h.logger.Warn("release idempotency key", slog.Any("error", derr))
		}
	}
	if err != nil {
		h.logger.Error("consolidation run failed",
			slog.String("group_id", chi.URLParam(r, "group")),
			slog.String("period", chi.URLParam(r, "period")),
			slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, statusFor(res.Success, res.ErrorCode), res)
}

func (h *Handler) handleRefresh(w http.ResponseWriter, r *http.Request) {
	v, err := h.queries.RefreshView(r.Context(), chi.URLParam(r, "group"), chi.URLParam(r, "period"))
	if err != nil {
		h.respondQueryError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, v)
}

func (h *Handler) handleFacts(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "limit must be an integer")
			return
		}
		limit = parsed
	}
	category := consol.Category(r.URL.Query().Get("category"))
	facts, err := h.queries.Facts(r.Context(), chi.URLParam(r, "group"), chi.URLParam(r, "period"), category, limit)
	if err != nil {
		h.respondQueryError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"facts": facts, "count": len(facts)})
}

func (h *Handler) handleSegments(w http.ResponseWriter, r *http.Request) {
	reportable := false
	if raw := r.URL.Query().Get("reportable"); raw != "" {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "reportable must be a boolean")
			return
		}
		reportable = parsed
	}
	notes, err := h.queries.Segments(r.Context(), chi.URLParam(r, "group"), chi.URLParam(r, "period"), reportable)
	if err != nil {
		h.respondQueryError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"segment_notes": notes, "count": len(notes)})
}

func (h *Handler) handleTranslationDifferences(w http.ResponseWriter, r *http.Request) {
	materiality := consol.Materiality(r.URL.Query().Get("materiality"))
	diffs, err := h.queries.TranslationDifferences(r.Context(), chi.URLParam(r, "group"), chi.URLParam(r, "period"), materiality)
	if err != nil {
		h.respondQueryError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"translation_differences": diffs, "count": len(diffs)})
}

func (h *Handler) handleChecks(w http.ResponseWriter, r *http.Request) {
	report, err := h.queries.Checks(r.Context(), chi.URLParam(r, "group"), chi.URLParam(r, "period"))
	if err != nil {
		h.respondQueryError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, report)
}
