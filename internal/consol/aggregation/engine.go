package aggregation

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/odyssey-erp/consolidation/internal/consol"
	"github.com/odyssey-erp/consolidation/internal/shared"
)

const (
	// AuditAction identifies audit log entries emitted by the engine.
	AuditAction = "consol_aggregate"
	// AuditEntity describes the audit entity for aggregation runs.
	AuditEntity = "consol_facts"
)

// Repository persists aggregation runs.
type Repository interface {
	ReplaceAggregation(ctx context.Context, key consol.Key, run consol.AggregationRun) error
}

// Config holds the aggregation policy points.
type Config struct {
	NCIBasis            NCIBasis
	SegmentThresholdPct float64
	SegmentCoveragePct  float64
}

// Engine sums translated member balances into group facts.
type Engine struct {
	ledger consol.LedgerRepository
	repo   Repository
	audit  shared.AuditRecorder
	logger *slog.Logger
	cfg    Config
	now    func() time.Time
}

// NewEngine wires the aggregation stage.
func NewEngine(ledger consol.LedgerRepository, repo Repository, audit shared.AuditRecorder, logger *slog.Logger, cfg Config) *Engine {
	if cfg.NCIBasis == "" {
		cfg.NCIBasis = BasisNetAssets
	}
	if cfg.SegmentThresholdPct <= 0 {
		cfg.SegmentThresholdPct = DefaultSegmentThresholdPct
	}
	if cfg.SegmentCoveragePct <= 0 {
		cfg.SegmentCoveragePct = DefaultSegmentCoveragePct
	}
	return &Engine{
		ledger: ledger,
		repo:   repo,
		audit:  audit,
		logger: logger,
		cfg:    cfg,
		now: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// accumulator collects one category across members.
type accumulator struct {
	amount      consol.Ledger
	elimination consol.Ledger
	translation consol.Ledger
	members     map[string]struct{}
}

type factSet map[consol.Category]*accumulator

func (f factSet) add(category consol.Category, memberID string, amount float64) {
	acc, ok := f[category]
	if !ok {
		acc = &accumulator{members: make(map[string]struct{})}
		f[category] = acc
	}
	acc.amount.Add(amount)
	if memberID != "" {
		acc.members[memberID] = struct{}{}
	}
}

// Aggregate consolidates every valid member at the requested level.
func (e *Engine) Aggregate(ctx context.Context, rc *consol.RunContext, level consol.ConsolidationMethod) (consol.AggregateResult, error) {
	res := consol.AggregateResult{DryRun: rc.DryRun}
	if e == nil {
		return res, fmt.Errorf("aggregation engine not initialised")
	}
	start := e.now()
	parsed, err := consol.ParseConsolidationMethod(string(level))
	if err != nil {
		res.Outcome = consol.Failed(rc.Key, consol.CodeInvalidConsolidationLevel, "%v", err)
		return res, nil
	}
	level = parsed
	res.ConsolidationLevel = level
	if e.ledger == nil {
		return res, fmt.Errorf("aggregation engine not initialised")
	}
	if rc.Snapshot == nil {
		return res, fmt.Errorf("aggregation: snapshot required for %s", rc.Key)
	}
	snap := rc.Snapshot

	members := snap.ValidMembers()
	sort.Slice(members, func(i, j int) bool { return members[i].EntityID < members[j].EntityID })

	facts := make(factSet)
	effective := make(map[string]consol.MemberContribution, len(members))
	revenue := make(map[string]float64)
	segmentMembers := make(map[string][]string)
	contributions := make([]consol.MemberContribution, 0, len(members))
	var nciTotal, translationTotal consol.Ledger
	nciApplied := true
	for _, m := range members {
		balances, differences, plug, err := e.memberBalances(ctx, rc, m)
		if err != nil {
			return res, err
		}
		if balances == nil {
			res.Outcome = consol.Failed(rc.Key, consol.CodeTranslationRequired, "member %s (%s) has no translation output for %s", m.EntityID, m.Currency, rc.Key.Period)
			res.ProcessingTimeMS = e.now().Sub(start).Milliseconds()
			return res, nil
		}

		method := consol.EffectiveMethod(m.Method, level)
		na, ni := netAssets(balances), earnings(balances)
		contrib := consol.MemberContribution{
			MemberID:        m.EntityID,
			DeclaredMethod:  m.Method,
			EffectiveMethod: method,
			OwnershipPct:    m.OwnershipPct,
			NetAssets:       na,
			Earnings:        ni,
		}
		if method != m.Method {
			res.Warnings = append(res.Warnings, fmt.Sprintf("member %s capped from %s to %s", m.EntityID, m.Method, method))
		}

		switch method {
		case consol.MethodFull, consol.MethodProportionate:
			share := 1.0
			if method == consol.MethodProportionate {
				share = m.Share()
			}
			for category, amount := range balances {
				value := amount
				if share != 1 {
					value = consol.Mul(share, amount)
				}
				facts.add(category, m.EntityID, value)
				if diff, ok := differences[category]; ok {
					facts[category].translation.Add(consol.Mul(share, diff))
				}
			}
			translationTotal.Add(consol.Mul(share, plug))
			segment := m.SegmentName()
			revenue[segment] = consol.Sum(revenue[segment], consol.Mul(share, balances[consol.CategoryRevenue]))
			segmentMembers[segment] = append(segmentMembers[segment], m.EntityID)

			if method == consol.MethodFull && m.OwnershipPct < 100 {
				contrib.NCI = nonControllingInterest(m, e.cfg.NCIBasis, na, ni)
				if contrib.NCI == 0 {
					basis := na
					if e.cfg.NCIBasis == BasisEarnings {
						basis = ni
					}
					if basis != 0 {
						nciApplied = false
					}
				}
				facts.add(consol.CategoryEquity, "", -contrib.NCI)
				facts.add(consol.CategoryNonControllingInterest, m.EntityID, contrib.NCI)
				nciTotal.Add(contrib.NCI)
			}
		case consol.MethodEquity:
			investment := consol.Mul(m.Share(), na)
			share := consol.Mul(m.Share(), ni)
			facts.add(consol.CategoryInvestmentInAssociate, m.EntityID, investment)
			facts.add(consol.CategoryShareOfAssociateProfit, m.EntityID, share)
			facts.add(consol.CategoryEquity, m.EntityID, consol.Sum(investment, -share))
		}
		effective[m.EntityID] = contrib
		contributions = append(contributions, contrib)
	}

	var eliminationTotal consol.Ledger
	if rc.Elimination != nil {
		for _, entry := range rc.Elimination.Entries {
			factor, ok := eliminationFactor(entry, effective)
			if !ok {
				res.Warnings = append(res.Warnings, fmt.Sprintf("elimination %s skipped: equity-accounted or unknown member", entry.PairID))
				continue
			}
			for _, line := range entry.Lines {
				amount := consol.Mul(factor, line.Amount())
				facts.add(line.Category, "", -amount)
				facts[line.Category].elimination.Add(amount)
				if line.Category == consol.CategoryRevenue {
					if m, ok := snap.Member(line.MemberID); ok {
						revenue[m.SegmentName()] = consol.Sum(revenue[m.SegmentName()], -amount)
					}
				}
			}
			eliminationTotal.Add(consol.Mul(factor, entry.Amount))
		}
	}

	postedAt := e.now()
	out := make([]consol.ConsolidatedFact, 0, len(facts))
	var consolidated consol.Ledger
	for _, category := range consol.CategoryOrder {
		acc, ok := facts[category]
		if !ok {
			continue
		}
		fact := consol.ConsolidatedFact{
			GroupID:                 rc.Key.GroupID,
			Period:                  rc.Key.Period,
			RunID:                   rc.RunID,
			Category:                category,
			Method:                  level,
			TotalConsolidatedAmount: acc.amount.Cents(),
			TotalEliminationAmount:  acc.elimination.Cents(),
			TotalTranslationAmount:  acc.translation.Cents(),
			MemberCount:             len(acc.members),
		}
		if category.DebitNormal() {
			consolidated.Add(fact.TotalConsolidatedAmount)
		}
		out = append(out, fact)
	}

	run := consol.AggregationRun{
		RunID:        rc.RunID,
		Key:          rc.Key,
		Level:        level,
		BaseCurrency: snap.BaseCurrency,
		Facts:        out,
		Segments:     buildSegments(revenue, segmentMembers, e.cfg.SegmentThresholdPct, e.cfg.SegmentCoveragePct),
		Totals: consol.Totals{
			TotalConsolidatedAmount: consolidated.Cents(),
			TotalEliminationAmount:  eliminationTotal.Cents(),
			TotalTranslationAmount:  translationTotal.Cents(),
		},
		Contributions:       contributions,
		MembersAggregated:   len(contributions),
		NCITotal:            nciTotal.Cents(),
		NCIApplied:          nciApplied,
		EliminationsApplied: rc.Elimination != nil,
		PostedBy:            rc.ActorID,
		PostedAt:            postedAt,
	}
	if !rc.DryRun {
		if e.repo == nil {
			return res, fmt.Errorf("aggregation: repository not configured")
		}
		if err := e.repo.ReplaceAggregation(ctx, rc.Key, run); err != nil {
			return res, fmt.Errorf("aggregation: persist facts: %w", err)
		}
		e.recordAudit(ctx, run)
	}
	rc.Aggregation = &run

	res.Outcome = consol.Succeeded(consol.SmartCodeAggregate, rc.Key, rc.RunID)
	res.MembersAggregated = run.MembersAggregated
	res.Facts = run.Facts
	res.SegmentNotes = run.Segments
	res.Totals = run.Totals
	res.NCITotal = run.NCITotal
	res.NCIApplied = run.NCIApplied
	res.EliminationsApplied = run.EliminationsApplied
	res.Contributions = contributions
	res.ProcessingTimeMS = e.now().Sub(start).Milliseconds()

	e.log().Info("aggregated consolidated facts",
		slog.String("group_id", rc.Key.GroupID),
		slog.String("period", rc.Key.Period),
		slog.String("level", string(level)),
		slog.Int("members", run.MembersAggregated),
		slog.Int("facts", len(out)),
		slog.Float64("nci_total", run.NCITotal),
		slog.Bool("dry_run", rc.DryRun))
	return res, nil
}

// memberBalances returns the base-currency natural balance per category. A
// nil map means the member is foreign and has not been translated.
func (e *Engine) memberBalances(ctx context.Context, rc *consol.RunContext, m consol.Member) (map[consol.Category]float64, map[consol.Category]float64, float64, error) {
	if m.Currency != rc.Snapshot.BaseCurrency {
		if !rc.Translation.Translated(m.EntityID) {
			return nil, nil, 0, nil
		}
		var plug float64
		for _, adj := range rc.Translation.Adjustments {
			if adj.MemberID == m.EntityID && adj.Plug {
				plug = consol.Sum(plug, adj.TranslatedAmount)
			}
		}
		return rc.Translation.MemberBalances(m.EntityID), rc.Translation.MemberDifferences(m.EntityID), plug, nil
	}
	rows, err := e.ledger.LedgerBalances(ctx, m.EntityID, rc.Key.Period)
	if err != nil {
		return nil, nil, 0, fmt.Errorf("aggregation: load ledger %s: %w", m.EntityID, err)
	}
	out := make(map[consol.Category]float64)
	for _, row := range rows {
		if !row.Category.Source() {
			continue
		}
		out[row.Category] = consol.Sum(out[row.Category], row.Natural())
	}
	return out, nil, 0, nil
}

// eliminationFactor scales an entry by the smaller consolidated share of its
// two members. Entries touching an equity-accounted member are not applied.
func eliminationFactor(entry consol.EliminationEntry, members map[string]consol.MemberContribution) (float64, bool) {
	factor := 1.0
	for _, line := range entry.Lines {
		m, ok := members[line.MemberID]
		if !ok || m.EffectiveMethod == consol.MethodEquity {
			return 0, false
		}
		share := 1.0
		if m.EffectiveMethod == consol.MethodProportionate {
			share = m.OwnershipPct / 100
		}
		if share < factor {
			factor = share
		}
	}
	return factor, true
}

func (e *Engine) recordAudit(ctx context.Context, run consol.AggregationRun) {
	if e.audit == nil {
		return
	}
	err := e.audit.Record(ctx, shared.AuditLog{
		ActorID:  run.PostedBy,
		Action:   AuditAction,
		Entity:   AuditEntity,
		EntityID: run.RunID,
		Meta: map[string]any{
			"group_id":  run.Key.GroupID,
			"period":    run.Key.Period,
			"level":     run.Level,
			"members":   run.MembersAggregated,
			"nci_total": run.NCITotal,
			"totals":    run.Totals,
		},
		At: e.now(),
	})
	if err != nil {
		e.log().Warn("record aggregation audit", slog.Any("error", err))
	}
}

func (e *Engine) log() *slog.Logger {
	if e != nil && e.logger != nil {
		return e.logger.With(slog.String("component", "consol_aggregation"))
	}
	return slog.Default().With(slog.String("component", "consol_aggregation"))
}
