package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/odyssey-erp/consolidation/internal/consol"
	"github.com/odyssey-erp/consolidation/internal/consol/fx"
)

// Memory is an in-process Store. Each Replace call swaps the key's artifact
// set under the write lock, so readers see either the old or the new run.
type Memory struct {
	mu           sync.RWMutex
	groups       map[string]consol.Group
	members      map[string][]consol.Member
	pairs        map[string][]consol.EliminationPair
	ledger       map[string]map[string][]consol.LedgerBalance
	quotes       map[string]map[string]fx.Quote
	activePeriod string

	eliminations    map[consol.Key]consol.EliminationRun
	translations    map[consol.Key]consol.TranslationRun
	aggregations    map[consol.Key]consol.AggregationRun
	reconciliations map[consol.Key]consol.ReconciliationRun
}

var (
	_ consol.Store = (*Memory)(nil)
	_ Seeder       = (*Memory)(nil)
)

// NewMemory constructs an empty store.
func NewMemory() *Memory {
	return &Memory{
		groups:          make(map[string]consol.Group),
		members:         make(map[string][]consol.Member),
		pairs:           make(map[string][]consol.EliminationPair),
		ledger:          make(map[string]map[string][]consol.LedgerBalance),
		quotes:          make(map[string]map[string]fx.Quote),
		eliminations:    make(map[consol.Key]consol.EliminationRun),
		translations:    make(map[consol.Key]consol.TranslationRun),
		aggregations:    make(map[consol.Key]consol.AggregationRun),
		reconciliations: make(map[consol.Key]consol.ReconciliationRun),
	}
}

// SeedGroup registers a group with its members and elimination pairs.
func (m *Memory) SeedGroup(_ context.Context, group consol.Group, members []consol.Member, pairs []consol.EliminationPair) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.groups[group.ID] = group
	m.members[group.ID] = append([]consol.Member(nil), members...)
	m.pairs[group.ID] = append([]consol.EliminationPair(nil), pairs...)
	return nil
}

// SeedLedger replaces a member's trial balance for a period.
func (m *Memory) SeedLedger(_ context.Context, memberID, period string, balances []consol.LedgerBalance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	byPeriod, ok := m.ledger[memberID]
	if !ok {
		byPeriod = make(map[string][]consol.LedgerBalance)
		m.ledger[memberID] = byPeriod
	}
	rows := make([]consol.LedgerBalance, len(balances))
	for i, b := range balances {
		b.MemberID = memberID
		rows[i] = b
	}
	byPeriod[period] = rows
	return nil
}

// PutQuote stores the rates of a pair for a period.
func (m *Memory) PutQuote(_ context.Context, pair, period string, quote fx.Quote) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	pair = strings.ToUpper(pair)
	byPeriod, ok := m.quotes[pair]
	if !ok {
		byPeriod = make(map[string]fx.Quote)
		m.quotes[pair] = byPeriod
	}
	byPeriod[period] = quote
	return nil
}

// SeedActivePeriod sets the period scheduled jobs consolidate by default.
func (m *Memory) SeedActivePeriod(_ context.Context, period string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.activePeriod = period
	return nil
}

// Group implements consol.GroupRepository.
func (m *Memory) Group(_ context.Context, groupID string) (consol.Group, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	g, ok := m.groups[groupID]
	if !ok {
		return consol.Group{}, consol.ErrGroupNotFound
	}
	return g, nil
}

// Members implements consol.GroupRepository.
func (m *Memory) Members(_ context.Context, groupID, _ string) ([]consol.Member, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]consol.Member(nil), m.members[groupID]...), nil
}

// EliminationPairs implements consol.GroupRepository.
func (m *Memory) EliminationPairs(_ context.Context, groupID string) ([]consol.EliminationPair, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]consol.EliminationPair(nil), m.pairs[groupID]...), nil
}

// LedgerBalances implements consol.LedgerRepository.
func (m *Memory) LedgerBalances(_ context.Context, memberID, period string) ([]consol.LedgerBalance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]consol.LedgerBalance(nil), m.ledger[memberID][period]...), nil
}

// QuoteForPeriod implements fx.QuoteProvider.
func (m *Memory) QuoteForPeriod(_ context.Context, asOf time.Time, pair string) (fx.Quote, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	quote, ok := m.quotes[strings.ToUpper(pair)][consol.FormatPeriod(asOf)]
	if ok && quote.AsOf.IsZero() {
		quote.AsOf = asOf
	}
	return quote, ok, nil
}

// ListGroupIDs implements consol.ScopeRepository.
func (m *Memory) ListGroupIDs(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.groups))
	for id := range m.groups {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// ActiveConsolidationPeriod implements consol.ScopeRepository.
func (m *Memory) ActiveConsolidationPeriod(_ context.Context) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.activePeriod == "" {
		return consol.FormatPeriod(time.Now().UTC().AddDate(0, -1, 0)), nil
	}
	return m.activePeriod, nil
}

// ReplaceElimination implements consol.ArtifactRepository.
func (m *Memory) ReplaceElimination(_ context.Context, key consol.Key, run consol.EliminationRun) error {
	run.Entries = cloneEntries(run.Entries)
	run.Unmatched = append([]string(nil), run.Unmatched...)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.eliminations[key] = run
	return nil
}

// Elimination implements consol.ArtifactRepository.
func (m *Memory) Elimination(_ context.Context, key consol.Key) (consol.EliminationRun, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	run, ok := m.eliminations[key]
	run.Entries = cloneEntries(run.Entries)
	return run, ok, nil
}

// ReplaceTranslation implements consol.ArtifactRepository.
func (m *Memory) ReplaceTranslation(_ context.Context, key consol.Key, run consol.TranslationRun) error {
	run.Adjustments = append([]consol.TranslationAdjustment(nil), run.Adjustments...)
	run.RatesUsed = cloneRates(run.RatesUsed)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.translations[key] = run
	return nil
}

// Translation implements consol.ArtifactRepository.
func (m *Memory) Translation(_ context.Context, key consol.Key) (consol.TranslationRun, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	run, ok := m.translations[key]
	run.Adjustments = append([]consol.TranslationAdjustment(nil), run.Adjustments...)
	run.RatesUsed = cloneRates(run.RatesUsed)
	return run, ok, nil
}

// ReplaceAggregation implements consol.ArtifactRepository.
func (m *Memory) ReplaceAggregation(_ context.Context, key consol.Key, run consol.AggregationRun) error {
	run = cloneAggregation(run)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.aggregations[key] = run
	return nil
}

// Aggregation implements consol.ArtifactRepository.
func (m *Memory) Aggregation(_ context.Context, key consol.Key) (consol.AggregationRun, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	run, ok := m.aggregations[key]
	return cloneAggregation(run), ok, nil
}

// ReplaceReconciliation implements consol.ArtifactRepository.
func (m *Memory) ReplaceReconciliation(_ context.Context, key consol.Key, run consol.ReconciliationRun) error {
	run.Checks = append([]consol.ReconciliationCheck(nil), run.Checks...)
	run.Adjustments = append([]consol.AutoAdjustment(nil), run.Adjustments...)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reconciliations[key] = run
	return nil
}

// Reconciliation implements consol.ArtifactRepository.
func (m *Memory) Reconciliation(_ context.Context, key consol.Key) (consol.ReconciliationRun, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	run, ok := m.reconciliations[key]
	run.Checks = append([]consol.ReconciliationCheck(nil), run.Checks...)
	run.Adjustments = append([]consol.AutoAdjustment(nil), run.Adjustments...)
	return run, ok, nil
}

func cloneEntries(entries []consol.EliminationEntry) []consol.EliminationEntry {
	if entries == nil {
		return nil
	}
	out := make([]consol.EliminationEntry, len(entries))
	for i, e := range entries {
		e.Lines = append([]consol.EntryLine(nil), e.Lines...)
		out[i] = e
	}
	return out
}

func cloneRates(rates map[string]consol.FXRate) map[string]consol.FXRate {
	if rates == nil {
		return nil
	}
	out := make(map[string]consol.FXRate, len(rates))
	for k, v := range rates {
		out[k] = v
	}
	return out
}

func cloneAggregation(run consol.AggregationRun) consol.AggregationRun {
	run.Facts = append([]consol.ConsolidatedFact(nil), run.Facts...)
	run.Contributions = append([]consol.MemberContribution(nil), run.Contributions...)
	if run.Segments != nil {
		segments := make([]consol.SegmentNote, len(run.Segments))
		for i, s := range run.Segments {
			s.Members = append([]string(nil), s.Members...)
			segments[i] = s
		}
		run.Segments = segments
	}
	return run
}
