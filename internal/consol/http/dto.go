package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/odyssey-erp/consolidation/internal/consol"
	"github.com/odyssey-erp/consolidation/internal/consol/pipeline"
)

const maxBodyBytes = 1 << 20

type stageRequest struct {
	BaseCurrency string `json:"base_currency" validate:"required,len=3,alpha"`
	DryRun       bool   `json:"dry_run"`
}

type prepareRequest struct {
	stageRequest
	ValidationMode *bool `json:"validation_mode"`
}

type translateRequest struct {
	stageRequest
	TranslationMethod string `json:"translation_method" validate:"omitempty,max=32"`
}

type aggregateRequest struct {
	stageRequest
	ConsolidationLevel string `json:"consolidation_level" validate:"omitempty,max=32"`
}

type reconcileRequest struct {
	stageRequest
	ToleranceAmount *float64 `json:"tolerance_amount"`
	AutoAdjust      bool     `json:"auto_adjust"`
}

type runRequest struct {
	stageRequest
	ValidationMode     *bool    `json:"validation_mode"`
	TranslationMethod  string   `json:"translation_method" validate:"omitempty,max=32"`
	ConsolidationLevel string   `json:"consolidation_level" validate:"omitempty,max=32"`
	ToleranceAmount    *float64 `json:"tolerance_amount"`
	AutoAdjust         bool     `json:"auto_adjust"`
}

func (r runRequest) options(actorID string) pipeline.Options {
	opts := pipeline.DefaultOptions()
	opts.ActorID = actorID
	opts.AutoAdjust = r.AutoAdjust
	if r.ValidationMode != nil {
		opts.ValidationMode = *r.ValidationMode
	}
	if r.TranslationMethod != "" {
		opts.TranslationMethod = consol.TranslationMethod(r.TranslationMethod)
	}
	if r.ConsolidationLevel != "" {
		opts.Level = consol.ConsolidationMethod(r.ConsolidationLevel)
	}
	if r.ToleranceAmount != nil {
		opts.Tolerance = *r.ToleranceAmount
	}
	return opts
}

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// fieldErrors flattens validator output into field → message pairs.
func fieldErrors(err error) map[string]string {
	out := make(map[string]string)
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		out["body"] = err.Error()
		return out
	}
	for _, fe := range verrs {
		switch fe.Tag() {
		case "required":
			out[fe.Field()] = "is required"
		case "len":
			out[fe.Field()] = fmt.Sprintf("must be %s characters", fe.Param())
		case "alpha":
			out[fe.Field()] = "must contain letters only"
		case "max":
			out[fe.Field()] = fmt.Sprintf("must be at most %s characters", fe.Param())
		default:
			out[fe.Field()] = fe.Error()
		}
	}
	return out
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode body: %w", err)
	}
	return h.validate.Struct(dst)
}
