package pipeline

import (
	"context"
	"log/slog"
	"math"

	"github.com/odyssey-erp/consolidation/internal/consol"
)

// DefaultTolerance is the reconciliation tolerance used when a run does not set one.
const DefaultTolerance = 0.01

// Options sets the stage parameters of a complete run.
type Options struct {
	ValidationMode    bool
	TranslationMethod consol.TranslationMethod
	Level             consol.ConsolidationMethod
	Tolerance         float64
	AutoAdjust        bool
	ActorID           string
}

// DefaultOptions validates inputs, translates at current rate, consolidates
// fully and reconciles to the cent.
func DefaultOptions() Options {
	return Options{
		ValidationMode:    true,
		TranslationMethod: consol.TranslationCurrentRate,
		Level:             consol.MethodFull,
		Tolerance:         DefaultTolerance,
	}
}

func (o Options) withDefaults() Options {
	if o.TranslationMethod == "" {
		o.TranslationMethod = consol.TranslationCurrentRate
	}
	if o.Level == "" {
		o.Level = consol.MethodFull
	}
	return o
}

func validTolerance(t float64) bool {
	return !math.IsNaN(t) && !math.IsInf(t, 0) && t >= 0
}

// RunComplete runs prepare, eliminate, translate, aggregate and reconcile in
// order under one lock and one run id. It stops at the first stage reporting
// success=false; the error is reserved for infrastructure faults.
func (s *Service) RunComplete(ctx context.Context, groupID, period, baseCurrency string, dryRun bool, opts Options) (consol.RunResult, error) {
	start := s.now()
	opts = opts.withDefaults()
	req := Request{GroupID: groupID, Period: period, BaseCurrency: baseCurrency, ActorID: opts.ActorID, DryRun: dryRun}
	rc := consol.NewRunContext(req.key(), req.base(), req.ActorID, dryRun)
	out := consol.RunResult{
		GroupID:      rc.Key.GroupID,
		Period:       rc.Key.Period,
		BaseCurrency: rc.BaseCurrency,
		RunID:        rc.RunID,
		DryRun:       dryRun,
	}
	finish := func(stage string, outcome consol.Outcome) (consol.RunResult, error) {
		out.TotalProcessingTimeMS = s.now().Sub(start).Milliseconds()
		if !outcome.Success {
			out.FailedStage = stage
			out.ErrorCode = outcome.ErrorCode
			out.ErrorMessage = outcome.ErrorMessage
			s.log().Warn("consolidation run stopped",
				slog.String("group_id", rc.Key.GroupID),
				slog.String("period", rc.Key.Period),
				slog.String("run_id", rc.RunID),
				slog.String("failed_stage", stage),
				slog.String("error_code", string(outcome.ErrorCode)))
			return out, nil
		}
		out.Success = true
		s.log().Info("consolidation run completed",
			slog.String("group_id", rc.Key.GroupID),
			slog.String("period", rc.Key.Period),
			slog.String("run_id", rc.RunID),
			slog.Bool("dry_run", dryRun),
			slog.Int64("total_processing_time_ms", out.TotalProcessingTimeMS))
		return out, nil
	}

	// malformed options fail their own stage before any data is read
	if _, perr := consol.ParseTranslationMethod(string(opts.TranslationMethod)); perr != nil {
		translated, err := s.translate(ctx, rc, opts.TranslationMethod)
		if err != nil {
			return out, err
		}
		out.Translate = &translated
		return finish(consol.StageTranslate, translated.Outcome)
	}
	if _, perr := consol.ParseConsolidationMethod(string(opts.Level)); perr != nil {
		aggregated, err := s.aggregate(ctx, rc, opts.Level)
		if err != nil {
			return out, err
		}
		out.Aggregate = &aggregated
		return finish(consol.StageAggregate, aggregated.Outcome)
	}
	if !validTolerance(opts.Tolerance) {
		reconciled, err := s.reconcile(ctx, rc, opts.Tolerance, opts.AutoAdjust)
		if err != nil {
			return out, err
		}
		out.Reconcile = &reconciled
		return finish(consol.StageReconcile, reconciled.Outcome)
	}

	unlock, err := s.lock(ctx, req)
	if err != nil {
		return out, err
	}
	defer unlock()

	prepared, err := s.prepare(ctx, rc, opts.ValidationMode)
	if err != nil {
		return out, err
	}
	out.Prepare = &prepared
	if !prepared.Success {
		return finish(consol.StagePrepare, prepared.Outcome)
	}

	eliminated, err := s.eliminate(ctx, rc)
	if err != nil {
		return out, err
	}
	out.Eliminate = &eliminated
	if !eliminated.Success {
		return finish(consol.StageEliminate, eliminated.Outcome)
	}

	translated, err := s.translate(ctx, rc, opts.TranslationMethod)
	if err != nil {
		return out, err
	}
	out.Translate = &translated
	if !translated.Success {
		return finish(consol.StageTranslate, translated.Outcome)
	}

	aggregated, err := s.aggregate(ctx, rc, opts.Level)
	if err != nil {
		return out, err
	}
	out.Aggregate = &aggregated
	if !aggregated.Success {
		return finish(consol.StageAggregate, aggregated.Outcome)
	}

	reconciled, err := s.reconcile(ctx, rc, opts.Tolerance, opts.AutoAdjust)
	if err != nil {
		return out, err
	}
	out.Reconcile = &reconciled
	return finish(consol.StageReconcile, reconciled.Outcome)
}
