package ic

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/odyssey-erp/consolidation/internal/consol"
	"github.com/odyssey-erp/consolidation/internal/consol/fx"
	"github.com/odyssey-erp/consolidation/internal/shared"
)

const (
	// SourcePrefix is used to build deterministic source_link keys.
	SourcePrefix = "IC_ELIM"
	// AuditAction identifies audit log entries emitted by the engine.
	AuditAction = "consol_eliminate"
	// AuditEntity describes the audit entity for elimination runs.
	AuditEntity = "consol_elimination_entries"
)

// MatchPolicy decides how two unequal sides of a pair are netted.
type MatchPolicy string

const (
	// MatchPartial eliminates the smaller side and records the residual.
	MatchPartial MatchPolicy = "PARTIAL"
	// MatchExact eliminates only when both sides agree within the tolerance.
	MatchExact MatchPolicy = "EXACT"
)

// ParseMatchPolicy normalises a policy name; empty selects PARTIAL.
func ParseMatchPolicy(raw string) (MatchPolicy, error) {
	policy := MatchPolicy(strings.ToUpper(strings.TrimSpace(raw)))
	switch policy {
	case "":
		return MatchPartial, nil
	case MatchPartial, MatchExact:
		return policy, nil
	}
	return "", fmt.Errorf("ic: unknown match policy %q", raw)
}

// Repository persists elimination runs.
type Repository interface {
	ReplaceElimination(ctx context.Context, key consol.Key, run consol.EliminationRun) error
}

// EngineConfig configures optional behaviour for the engine.
type EngineConfig struct {
	Policy         MatchPolicy
	MatchTolerance float64
}

// Engine generates balanced elimination entries for declared intercompany pairs.
type Engine struct {
	ledger consol.LedgerRepository
	repo   Repository
	audit  shared.AuditRecorder
	logger *slog.Logger
	cfg    EngineConfig
	now    func() time.Time
}

// NewEngine wires required dependencies for the elimination engine.
func NewEngine(ledger consol.LedgerRepository, repo Repository, audit shared.AuditRecorder, logger *slog.Logger, cfg EngineConfig) *Engine {
	if cfg.Policy == "" {
		cfg.Policy = MatchPartial
	}
	if cfg.MatchTolerance < 0 || math.IsNaN(cfg.MatchTolerance) {
		cfg.MatchTolerance = 0
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

// ErrUnbalanced reports an entry whose debits and credits differ.
var ErrUnbalanced = errors.New("ic: elimination entry unbalanced")

// Eliminate nets every valid pair in the prepared snapshot and stores the run
// on rc. Nothing is persisted when rc.DryRun is set or an entry fails the
// balance self-check.
func (e *Engine) Eliminate(ctx context.Context, rc *consol.RunContext) (consol.EliminateResult, error) {
	res := consol.EliminateResult{DryRun: rc.DryRun}
	if e == nil || e.ledger == nil {
		return res, fmt.Errorf("ic engine not initialised")
	}
	start := e.now()
	if rc.Snapshot == nil {
		return res, fmt.Errorf("ic: snapshot required for %s", rc.Key)
	}
	snap := rc.Snapshot

	converter := snap.Converter()
	balances := make(map[string][]consol.LedgerBalance)
	loadSide := func(side consol.PairSide) (float64, error) {
		rows, ok := balances[side.MemberID]
		if !ok {
			loaded, err := e.ledger.LedgerBalances(ctx, side.MemberID, rc.Key.Period)
			if err != nil {
				return 0, fmt.Errorf("ic: load ledger %s: %w", side.MemberID, err)
			}
			balances[side.MemberID] = loaded
			rows = loaded
		}
		var ledger consol.Ledger
		for _, row := range rows {
			if row.AccountCode == side.AccountCode {
				ledger.Add(row.Natural())
			}
		}
		return ledger.Value(), nil
	}

	pairs := snap.ValidPairs()
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].ID < pairs[j].ID })

	postedAt := e.now()
	entries := make([]consol.EliminationEntry, 0, len(pairs))
	unmatched := make([]string, 0)
	var total consol.Ledger
	for _, pair := range pairs {
		res.EliminationPairsProcessed++
		seller, sellerCcy := pair.Seller, memberCurrency(snap, pair.Seller.MemberID)
		buyer, buyerCcy := pair.Buyer, memberCurrency(snap, pair.Buyer.MemberID)

		sellerLocal, err := loadSide(seller)
		if err != nil {
			return res, err
		}
		buyerLocal, err := loadSide(buyer)
		if err != nil {
			return res, err
		}
		sellerAmt, err := e.toBase(converter, seller, sellerCcy, sellerLocal)
		if err != nil {
			unmatched = append(unmatched, pair.ID)
			res.Warnings = append(res.Warnings, fmt.Sprintf("pair %s: %v", pair.ID, err))
			continue
		}
		buyerAmt, err := e.toBase(converter, buyer, buyerCcy, buyerLocal)
		if err != nil {
			unmatched = append(unmatched, pair.ID)
			res.Warnings = append(res.Warnings, fmt.Sprintf("pair %s: %v", pair.ID, err))
			continue
		}

		amount, residual, status := e.match(math.Abs(sellerAmt), math.Abs(buyerAmt))
		if status == consol.MatchUnmatched {
			unmatched = append(unmatched, pair.ID)
			continue
		}
		entry := consol.EliminationEntry{
			ID:          uuid.NewString(),
			RunID:       rc.RunID,
			PairID:      pair.ID,
			Kind:        pair.Kind,
			SourceLink:  buildSourceLink(rc.Key.Period, pair.ID),
			Lines:       []consol.EntryLine{reverse(seller, amount, pair), reverse(buyer, amount, pair)},
			Amount:      amount,
			Residual:    residual,
			MatchStatus: status,
			PostedBy:    rc.ActorID,
			PostedAt:    postedAt,
		}
		for _, line := range entry.Lines {
			entry.DebitTotal = consol.Sum(entry.DebitTotal, line.Debit)
			entry.CreditTotal = consol.Sum(entry.CreditTotal, line.Credit)
		}
		entries = append(entries, entry)
		total.Add(amount)
	}

	res.UnmatchedPairs = unmatched
	if err := CheckBalanced(entries); err != nil {
		res.Outcome = consol.Failed(rc.Key, consol.CodeEliminationUnbalanced, "%v", err)
		res.ProcessingTimeMS = e.now().Sub(start).Milliseconds()
		return res, nil
	}

	run := consol.EliminationRun{
		RunID:           rc.RunID,
		Key:             rc.Key,
		BaseCurrency:    snap.BaseCurrency,
		Entries:         entries,
		PairsProcessed:  res.EliminationPairsProcessed,
		Unmatched:       unmatched,
		TotalEliminated: total.Cents(),
		PostedBy:        rc.ActorID,
		PostedAt:        postedAt,
	}
	if !rc.DryRun {
		if e.repo == nil {
			return res, fmt.Errorf("ic: repository not configured")
		}
		if err := e.repo.ReplaceElimination(ctx, rc.Key, run); err != nil {
			return res, fmt.Errorf("ic: persist eliminations: %w", err)
		}
		e.recordAudit(ctx, run)
	}
	rc.Elimination = &run

	res.Outcome = consol.Succeeded(consol.SmartCodeEliminate, rc.Key, rc.RunID)
	res.EliminationEntriesCreated = len(entries)
	res.TotalEliminatedAmount = run.TotalEliminated
	res.BalanceCheckPassed = true
	res.Entries = entries
	res.ProcessingTimeMS = e.now().Sub(start).Milliseconds()

	e.log().Info("completed intercompany eliminations",
		slog.String("group_id", rc.Key.GroupID),
		slog.String("period", rc.Key.Period),
		slog.Int("pairs", res.EliminationPairsProcessed),
		slog.Int("entries", len(entries)),
		slog.Int("unmatched", len(unmatched)),
		slog.Float64("total_amount", run.TotalEliminated),
		slog.Bool("dry_run", rc.DryRun))
	return res, nil
}

// CheckBalanced verifies every entry's debits equal its credits.
func CheckBalanced(entries []consol.EliminationEntry) error {
	for _, entry := range entries {
		var dr, cr consol.Ledger
		for _, line := range entry.Lines {
			dr.Add(line.Debit)
			cr.Add(line.Credit)
		}
		if math.Abs(dr.Value()-cr.Value()) >= consol.BalanceEpsilon {
			return fmt.Errorf("%w: pair %s debits %.2f credits %.2f", ErrUnbalanced, entry.PairID, dr.Value(), cr.Value())
		}
		if math.Abs(entry.DebitTotal-entry.CreditTotal) >= consol.BalanceEpsilon {
			return fmt.Errorf("%w: pair %s header totals %.2f/%.2f", ErrUnbalanced, entry.PairID, entry.DebitTotal, entry.CreditTotal)
		}
	}
	return nil
}

func (e *Engine) match(a, b float64) (float64, float64, consol.MatchStatus) {
	a, b = consol.Round(a), consol.Round(b)
	if a == 0 || b == 0 {
		return 0, 0, consol.MatchUnmatched
	}
	amount := math.Min(a, b)
	residual := consol.Round(math.Abs(a - b))
	if residual <= e.cfg.MatchTolerance {
		return amount, residual, consol.MatchExact
	}
	if e.cfg.Policy == MatchExact {
		return 0, residual, consol.MatchUnmatched
	}
	return amount, residual, consol.MatchPartial
}

func (e *Engine) toBase(converter *fx.Converter, side consol.PairSide, currency string, local float64) (float64, error) {
	method := converter.StatementMethod(side.Category.Statement() == consol.StatementProfitLoss)
	lines, _, err := converter.Convert([]fx.Line{{AccountCode: side.AccountCode, LocalCurrency: currency, LocalAmount: local}}, method)
	if err != nil {
		return 0, err
	}
	return lines[0].GroupAmount, nil
}

// reverse builds the line that takes amount off the side's natural balance.
func reverse(side consol.PairSide, amount float64, pair consol.EliminationPair) consol.EntryLine {
	line := consol.EntryLine{
		MemberID:    side.MemberID,
		AccountCode: side.AccountCode,
		Category:    side.Category,
		Memo:        fmt.Sprintf("IC elimination %s %s %s", pair.Kind, side.MemberID, side.AccountCode),
	}
	if side.Category.DebitNormal() {
		line.Credit = amount
	} else {
		line.Debit = amount
	}
	return line
}

func (e *Engine) recordAudit(ctx context.Context, run consol.EliminationRun) {
	if e == nil || e.audit == nil {
		return
	}
	meta := map[string]any{
		"group_id":      run.Key.GroupID,
		"period":        run.Key.Period,
		"base_currency": run.BaseCurrency,
		"entries":       len(run.Entries),
		"unmatched":     run.Unmatched,
		"amount":        run.TotalEliminated,
		"actor":         run.PostedBy,
		"recorded_at":   e.now(),
	}
	if err := e.audit.Record(ctx, shared.AuditLog{
		ActorID:  run.PostedBy,
		Action:   AuditAction,
		Entity:   AuditEntity,
		EntityID: run.RunID,
		Meta:     meta,
		At:       e.now(),
	}); err != nil {
		e.log().Warn("record elimination audit", slog.Any("error", err))
	}
}

func (e *Engine) log() *slog.Logger {
	if e != nil && e.logger != nil {
		return e.logger.With(slog.String("component", "ic_engine"))
	}
	return slog.Default().With(slog.String("component", "ic_engine"))
}

func memberCurrency(snap *consol.Snapshot, memberID string) string {
	if m, ok := snap.Member(memberID); ok {
		return m.Currency
	}
	return snap.BaseCurrency
}

func buildSourceLink(period, pairID string) string {
	return fmt.Sprintf("%s|%s|%s", SourcePrefix, period, pairID)
}
