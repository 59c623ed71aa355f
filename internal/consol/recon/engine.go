package recon

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/odyssey-erp/consolidation/internal/consol"
	"github.com/odyssey-erp/consolidation/internal/shared"
)

const (
	// AuditAction identifies audit log entries emitted by the engine.
	AuditAction = "consol_reconcile"
	// AuditEntity describes the audit entity for reconciliation runs.
	AuditEntity = "consol_reconciliation_checks"
	// DefaultAutoAdjustLimit is the materiality ceiling for auto adjustments.
	DefaultAutoAdjustLimit = 1.00
	// minAdjustment is the smallest variance worth posting.
	minAdjustment = 0.01
)

// Repository persists reconciliation runs.
type Repository interface {
	ReplaceReconciliation(ctx context.Context, key consol.Key, run consol.ReconciliationRun) error
}

// Config holds reconciliation policy points.
type Config struct {
	AutoAdjustLimit float64
}

// Engine runs the named balance checks over the aggregated facts.
type Engine struct {
	repo   Repository
	audit  shared.AuditRecorder
	logger *slog.Logger
	cfg    Config
	now    func() time.Time
}

// NewEngine wires the reconciliation stage.
func NewEngine(repo Repository, audit shared.AuditRecorder, logger *slog.Logger, cfg Config) *Engine {
	if cfg.AutoAdjustLimit <= 0 || math.IsNaN(cfg.AutoAdjustLimit) {
		cfg.AutoAdjustLimit = DefaultAutoAdjustLimit
	}
	return &Engine{
		repo:   repo,
		audit:  audit,
		logger: logger,
		cfg:    cfg,
		now: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// adjustable maps the checks that may be corrected to the category absorbing the entry.
var adjustable = map[string]consol.Category{
	consol.CheckBalanceSheet:  consol.CategoryEquity,
	consol.CheckNCIAllocation: consol.CategoryNonControllingInterest,
}

// Reconcile evaluates every check against tolerance and optionally posts
// small correcting entries before re-evaluating.
func (e *Engine) Reconcile(ctx context.Context, rc *consol.RunContext, tolerance float64, autoAdjust bool) (consol.ReconcileResult, error) {
	res := consol.ReconcileResult{DryRun: rc.DryRun, ToleranceAmount: tolerance}
	if e == nil {
		return res, fmt.Errorf("recon engine not initialised")
	}
	start := e.now()
	if math.IsNaN(tolerance) || math.IsInf(tolerance, 0) || tolerance < 0 {
		res.Outcome = consol.Failed(rc.Key, consol.CodeInvalidTolerance, "tolerance_amount must be a finite non-negative number, got %v", tolerance)
		res.ToleranceAmount = 0
		return res, nil
	}
	if rc.Aggregation == nil {
		res.Outcome = consol.Failed(rc.Key, consol.CodeAggregationRequired, "no aggregation for %s", rc.Key)
		return res, nil
	}

	postedAt := e.now()
	variances := Variances(rc)
	checks := make([]consol.ReconciliationCheck, 0, len(variances))
	adjustments := make([]consol.AutoAdjustment, 0)
	passed := true
	for _, v := range variances {
		check := consol.ReconciliationCheck{
			CheckType:        v.CheckType,
			VarianceAmount:   v.Amount,
			OriginalVariance: v.Amount,
			Tolerance:        tolerance,
		}
		if category, ok := adjustable[v.CheckType]; ok && autoAdjust && e.withinAdjustLimit(v.Amount, tolerance) {
			adj := consol.AutoAdjustment{
				ID:        uuid.NewString(),
				RunID:     rc.RunID,
				CheckType: v.CheckType,
				Category:  category,
				Amount:    adjustmentAmount(v),
				Memo:      fmt.Sprintf("auto adjustment for %s variance %.2f", v.CheckType, v.Amount),
				PostedBy:  rc.ActorID,
				PostedAt:  postedAt,
			}
			adjustments = append(adjustments, adj)
			check.VarianceAmount = consol.Round(v.Amount + residualEffect(v, adj))
			check.AutoAdjusted = true
		}
		check.CheckStatus = consol.CheckFail
		if math.Abs(check.VarianceAmount) <= tolerance {
			check.CheckStatus = consol.CheckPass
		} else {
			passed = false
		}
		checks = append(checks, check)
	}

	run := consol.ReconciliationRun{
		RunID:           rc.RunID,
		Key:             rc.Key,
		Tolerance:       tolerance,
		Checks:          checks,
		Adjustments:     adjustments,
		Passed:          passed,
		IFRS10Compliant: passed && rc.Aggregation.NCIApplied && rc.Aggregation.EliminationsApplied,
		PostedBy:        rc.ActorID,
		PostedAt:        postedAt,
	}
	if !rc.DryRun {
		if e.repo == nil {
			return res, fmt.Errorf("recon: repository not configured")
		}
		if err := e.repo.ReplaceReconciliation(ctx, rc.Key, run); err != nil {
			return res, fmt.Errorf("recon: persist checks: %w", err)
		}
		e.recordAudit(ctx, run)
	}
	rc.Reconciliation = &run

	res.Outcome = consol.Succeeded(consol.SmartCodeReconcile, rc.Key, rc.RunID)
	res.ChecksPerformed = len(checks)
	res.Checks = checks
	res.AutoAdjustmentsMade = len(adjustments)
	res.AutoAdjustments = adjustments
	res.ReconciliationPassed = passed
	res.IFRS10Compliant = run.IFRS10Compliant
	res.ProcessingTimeMS = e.now().Sub(start).Milliseconds()

	e.log().Info("reconciled consolidation",
		slog.String("group_id", rc.Key.GroupID),
		slog.String("period", rc.Key.Period),
		slog.Float64("tolerance", tolerance),
		slog.Bool("passed", passed),
		slog.Int("auto_adjustments", len(adjustments)),
		slog.Bool("dry_run", rc.DryRun))
	return res, nil
}

func (e *Engine) withinAdjustLimit(variance, tolerance float64) bool {
	abs := math.Abs(variance)
	return abs >= minAdjustment && abs <= math.Max(tolerance, e.cfg.AutoAdjustLimit)
}

// adjustmentAmount is the signed amount posted to the absorbing category's
// natural balance.
func adjustmentAmount(v Variance) float64 {
	if v.CheckType == consol.CheckBalanceSheet {
		return v.Amount
	}
	return -v.Amount
}

// residualEffect is how the posted adjustment moves the check's variance.
func residualEffect(v Variance, adj consol.AutoAdjustment) float64 {
	switch v.CheckType {
	case consol.CheckBalanceSheet:
		// credit-normal equity grows, so debits minus credits shrinks
		return -adj.Amount
	default:
		return adj.Amount
	}
}

func (e *Engine) recordAudit(ctx context.Context, run consol.ReconciliationRun) {
	if e.audit == nil {
		return
	}
	err := e.audit.Record(ctx, shared.AuditLog{
		ActorID:  run.PostedBy,
		Action:   AuditAction,
		Entity:   AuditEntity,
		EntityID: run.RunID,
		Meta: map[string]any{
			"group_id":         run.Key.GroupID,
			"period":           run.Key.Period,
			"tolerance":        run.Tolerance,
			"passed":           run.Passed,
			"auto_adjustments": len(run.Adjustments),
		},
		At: e.now(),
	})
	if err != nil {
		e.log().Warn("record reconciliation audit", slog.Any("error", err))
	}
}

func (e *Engine) log() *slog.Logger {
	if e != nil && e.logger != nil {
		return e.logger.With(slog.String("component", "consol_recon"))
	}
	return slog.Default().With(slog.String("component", "consol_recon"))
}
