package translation

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/odyssey-erp/consolidation/internal/consol"
	"github.com/odyssey-erp/consolidation/internal/consol/fx"
	"github.com/odyssey-erp/consolidation/internal/shared"
)

const (
	// AuditAction identifies audit log entries emitted by the engine.
	AuditAction = "consol_translate"
	// AuditEntity describes the audit entity for translation runs.
	AuditEntity = "consol_translation_adjustments"
)

// Repository persists translation runs.
type Repository interface {
	ReplaceTranslation(ctx context.Context, key consol.Key, run consol.TranslationRun) error
}

// Engine translates foreign members into the base currency.
type Engine struct {
	ledger consol.LedgerRepository
	repo   Repository
	audit  shared.AuditRecorder
	logger *slog.Logger
	now    func() time.Time
}

// NewEngine wires the translation stage.
func NewEngine(ledger consol.LedgerRepository, repo Repository, audit shared.AuditRecorder, logger *slog.Logger) *Engine {
	return &Engine{
		ledger: ledger,
		repo:   repo,
		audit:  audit,
		logger: logger,
		now: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// bucket accumulates one member category.
type bucket struct {
	local      consol.Ledger
	translated consol.Ledger
	atClosing  consol.Ledger
	rateType   string
	rate       float64
}

// Translate produces one adjustment per foreign member and category plus the
// balancing OCI or FX gain/loss line, and stores the run on rc.
func (e *Engine) Translate(ctx context.Context, rc *consol.RunContext, method consol.TranslationMethod) (consol.TranslateResult, error) {
	res := consol.TranslateResult{DryRun: rc.DryRun}
	if e == nil {
		return res, fmt.Errorf("translation engine not initialised")
	}
	start := e.now()
	parsed, err := consol.ParseTranslationMethod(string(method))
	if err != nil {
		res.Outcome = consol.Failed(rc.Key, consol.CodeInvalidTranslationMethod, "%v", err)
		return res, nil
	}
	method = parsed
	res.TranslationMethod = method
	if e.ledger == nil {
		return res, fmt.Errorf("translation engine not initialised")
	}
	if rc.Snapshot == nil {
		return res, fmt.Errorf("translation: snapshot required for %s", rc.Key)
	}
	snap := rc.Snapshot

	members := snap.ValidMembers()
	sort.Slice(members, func(i, j int) bool { return members[i].EntityID < members[j].EntityID })

	converter := snap.Converter()
	postedAt := e.now()
	adjustments := make([]consol.TranslationAdjustment, 0)
	ratesUsed := make(map[string]consol.FXRate)
	var total consol.Ledger
	translated := 0
	for _, m := range members {
		if m.Currency == snap.BaseCurrency {
			continue
		}
		rate, ok := snap.Rate(m.Currency)
		if !ok {
			res.Outcome = consol.Failed(rc.Key, consol.CodeFXRateMissing, "no usable %s rate for member %s", consol.Pair(m.Currency, snap.BaseCurrency), m.EntityID)
			res.ProcessingTimeMS = e.now().Sub(start).Milliseconds()
			return res, nil
		}
		closing, ok := converter.Rate(m.Currency, fx.MethodClosing, 0)
		if !ok {
			res.Outcome = consol.Failed(rc.Key, consol.CodeFXRateMissing, "no usable %s closing rate for member %s", rate.Pair, m.EntityID)
			res.ProcessingTimeMS = e.now().Sub(start).Milliseconds()
			return res, nil
		}
		ratesUsed[rate.Pair] = rate

		lines, err := e.ledger.LedgerBalances(ctx, m.EntityID, rc.Key.Period)
		if err != nil {
			return res, fmt.Errorf("translation: load ledger %s: %w", m.EntityID, err)
		}
		buckets := make(map[consol.Category]*bucket)
		for _, line := range lines {
			if !line.Category.Source() {
				continue
			}
			sel, ok := selectRate(converter, m.Currency, method, line)
			if !ok {
				res.Outcome = consol.Failed(rc.Key, consol.CodeFXRateMissing, "no usable %s rate for member %s account %s", rate.Pair, m.EntityID, line.AccountCode)
				res.ProcessingTimeMS = e.now().Sub(start).Milliseconds()
				return res, nil
			}
			if sel.fallback {
				res.Warnings = append(res.Warnings, fmt.Sprintf("member %s account %s has no historical rate; closing rate used", m.EntityID, line.AccountCode))
			}
			b, ok := buckets[line.Category]
			if !ok {
				b = &bucket{rateType: sel.rateType, rate: sel.rate}
				buckets[line.Category] = b
			} else if b.rateType != sel.rateType || b.rate != sel.rate {
				b.rateType = RateMixed
			}
			local := line.Natural()
			b.local.Add(local)
			b.translated.Add(consol.Mul(local, sel.rate))
			b.atClosing.Add(consol.Mul(local, closing))
		}

		var imbalance consol.Ledger
		for _, category := range consol.CategoryOrder {
			b, ok := buckets[category]
			if !ok {
				continue
			}
			adj := consol.TranslationAdjustment{
				RunID:            rc.RunID,
				MemberID:         m.EntityID,
				Category:         category,
				Currency:         m.Currency,
				Method:           method,
				LocalAmount:      b.local.Cents(),
				TranslatedAmount: b.translated.Cents(),
				RateType:         b.rateType,
				Rate:             b.rate,
			}
			if b.rateType == RateMixed && adj.LocalAmount != 0 {
				adj.Rate = adj.TranslatedAmount / adj.LocalAmount
			}
			adj.Difference = consol.Sum(adj.TranslatedAmount, -b.atClosing.Cents())
			adj.CTAContribution = consol.Round(category.Sign() * adj.Difference)
			adj.Materiality = classify(adj.Difference, adj.TranslatedAmount)
			imbalance.Add(category.Sign() * adj.TranslatedAmount)
			adjustments = append(adjustments, adj)
		}

		plug := imbalance.Cents()
		adjustments = append(adjustments, consol.TranslationAdjustment{
			RunID:            rc.RunID,
			MemberID:         m.EntityID,
			Category:         plugCategory(method),
			Currency:         m.Currency,
			Method:           method,
			TranslatedAmount: plug,
			RateType:         RateClosing,
			Rate:             closing,
			Difference:       plug,
			Materiality:      classify(plug, plug),
			Plug:             true,
		})
		total.Add(plug)
		translated++
	}

	run := consol.TranslationRun{
		RunID:             rc.RunID,
		Key:               rc.Key,
		Method:            method,
		BaseCurrency:      snap.BaseCurrency,
		Adjustments:       adjustments,
		MembersTranslated: translated,
		TotalAdjustment:   total.Cents(),
		RatesUsed:         ratesUsed,
		PostedBy:          rc.ActorID,
		PostedAt:          postedAt,
	}
	if !rc.DryRun {
		if e.repo == nil {
			return res, fmt.Errorf("translation: repository not configured")
		}
		if err := e.repo.ReplaceTranslation(ctx, rc.Key, run); err != nil {
			return res, fmt.Errorf("translation: persist adjustments: %w", err)
		}
		e.recordAudit(ctx, run)
	}
	rc.Translation = &run

	res.Outcome = consol.Succeeded(consol.SmartCodeTranslate, rc.Key, rc.RunID)
	res.IFRS21Compliant = true
	res.MembersTranslated = translated
	res.TotalTranslationAdjustment = run.TotalAdjustment
	res.FXRatesUsed = ratesUsed
	res.Adjustments = adjustments
	res.ProcessingTimeMS = e.now().Sub(start).Milliseconds()

	e.log().Info("translated foreign members",
		slog.String("group_id", rc.Key.GroupID),
		slog.String("period", rc.Key.Period),
		slog.String("method", string(method)),
		slog.Int("members", translated),
		slog.Float64("total_adjustment", run.TotalAdjustment),
		slog.Bool("dry_run", rc.DryRun))
	return res, nil
}

func (e *Engine) recordAudit(ctx context.Context, run consol.TranslationRun) {
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
			"method":           run.Method,
			"members":          run.MembersTranslated,
			"total_adjustment": run.TotalAdjustment,
		},
		At: e.now(),
	})
	if err != nil {
		e.log().Warn("record translation audit", slog.Any("error", err))
	}
}

func (e *Engine) log() *slog.Logger {
	if e != nil && e.logger != nil {
		return e.logger.With(slog.String("component", "consol_translation"))
	}
	return slog.Default().With(slog.String("component", "consol_translation"))
}
