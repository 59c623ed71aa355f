package http

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/consolidation/internal/consol"
	"github.com/odyssey-erp/consolidation/internal/consol/query"
	"github.com/odyssey-erp/consolidation/internal/platform/httpx"
)

// statusFor maps a stage outcome onto an HTTP status by error class.
func statusFor(success bool, code consol.ErrorCode) int {
	if success {
		return http.StatusOK
	}
	switch code.Class() {
	case consol.ClassInput:
		return http.StatusBadRequest
	case consol.ClassReference:
		return http.StatusNotFound
	case consol.ClassPrecondition:
		return http.StatusConflict
	case consol.ClassInvariant:
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

func (h *Handler) respondStage(w http.ResponseWriter, r *http.Request, outcome consol.Outcome, payload any, err error) {
	if err != nil {
		h.logger.Error("consolidation stage failed",
			slog.String("path", r.URL.Path),
			slog.String("group_id", chi.URLParam(r, "group")),
			slog.String("period", chi.URLParam(r, "period")),
			slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, statusFor(outcome.Success, outcome.ErrorCode), payload)
}

func (h *Handler) invalid(w http.ResponseWriter, err error) {
	httpx.ValidationProblem(w, fieldErrors(err))
}

func (h *Handler) respondQueryError(w http.ResponseWriter, err error) {
	if errors.Is(err, query.ErrInvalidQuery) {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	h.logger.Error("consolidation query failed", slog.Any("error", err))
	httpx.RespondError(w, err)
}
