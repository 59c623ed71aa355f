package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/consolidation/internal/consol"
	"github.com/odyssey-erp/consolidation/internal/consol/fx"
	"github.com/odyssey-erp/consolidation/internal/platform/db"
)

// Stage labels stored in consol_runs.
const (
	stageElimination    = "ELIMINATION"
	stageTranslation    = "TRANSLATION"
	stageAggregation    = "AGGREGATION"
	stageReconciliation = "RECONCILIATION"
)

// Postgres persists consolidation inputs and artifacts with pgx.
type Postgres struct {
	pool *pgxpool.Pool
}

var (
	_ consol.Store = (*Postgres)(nil)
	_ Seeder       = (*Postgres)(nil)
)

// NewPostgres constructs a Postgres-backed store.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (p *Postgres) ready() error {
	if p == nil || p.pool == nil {
		return consol.ErrStoreClosed
	}
	return nil
}

// Group implements consol.GroupRepository.
func (p *Postgres) Group(ctx context.Context, groupID string) (consol.Group, error) {
	if err := p.ready(); err != nil {
		return consol.Group{}, err
	}
	const query = `SELECT id, name, parent_entity_id, reporting_currency FROM consol_groups WHERE id = $1`
	var g consol.Group
	if err := p.pool.QueryRow(ctx, query, groupID).Scan(&g.ID, &g.Name, &g.ParentEntityID, &g.ReportingCurrency); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return consol.Group{}, consol.ErrGroupNotFound
		}
		return consol.Group{}, err
	}
	g.ReportingCurrency = strings.TrimSpace(g.ReportingCurrency)
	return g, nil
}

// Members returns the members effective in the period.
func (p *Postgres) Members(ctx context.Context, groupID, period string) ([]consol.Member, error) {
	if err := p.ready(); err != nil {
		return nil, err
	}
	const query = `
SELECT entity_id, name, currency, ownership_pct::float8, consolidation_method, segment, active
FROM consol_members
WHERE group_id = $1
  AND effective_from <= $2
  AND (effective_to IS NULL OR effective_to >= $2)
ORDER BY entity_id`
	rows, err := p.pool.Query(ctx, query, groupID, period)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var members []consol.Member
	for rows.Next() {
		var m consol.Member
		var method string
		if err := rows.Scan(&m.EntityID, &m.Name, &m.Currency, &m.OwnershipPct, &method, &m.Segment, &m.Active); err != nil {
			return nil, err
		}
		m.Currency = strings.TrimSpace(m.Currency)
		m.Method = consol.ConsolidationMethod(method)
		members = append(members, m)
	}
	return members, rows.Err()
}

// EliminationPairs implements consol.GroupRepository.
func (p *Postgres) EliminationPairs(ctx context.Context, groupID string) ([]consol.EliminationPair, error) {
	if err := p.ready(); err != nil {
		return nil, err
	}
	const query = `
SELECT id, name, kind,
       seller_member_id, seller_account_code, seller_category,
       buyer_member_id, buyer_account_code, buyer_category
FROM consol_elimination_pairs
WHERE group_id = $1
ORDER BY id`
	rows, err := p.pool.Query(ctx, query, groupID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var pairs []consol.EliminationPair
	for rows.Next() {
		var pair consol.EliminationPair
		var kind, sellerCategory, buyerCategory string
		if err := rows.Scan(&pair.ID, &pair.Name, &kind,
			&pair.Seller.MemberID, &pair.Seller.AccountCode, &sellerCategory,
			&pair.Buyer.MemberID, &pair.Buyer.AccountCode, &buyerCategory); err != nil {
			return nil, err
		}
		pair.Kind = consol.PairKind(kind)
		pair.Seller.Category = consol.Category(sellerCategory)
		pair.Buyer.Category = consol.Category(buyerCategory)
		pairs = append(pairs, pair)
	}
	return pairs, rows.Err()
}

// LedgerBalances implements consol.LedgerRepository.
func (p *Postgres) LedgerBalances(ctx context.Context, memberID, period string) ([]consol.LedgerBalance, error) {
	if err := p.ready(); err != nil {
		return nil, err
	}
	const query = `
SELECT account_code, account_name, category, debit::float8, credit::float8, monetary, historical_rate::float8
FROM consol_ledger_balances
WHERE member_id = $1 AND period = $2
ORDER BY account_code`
	rows, err := p.pool.Query(ctx, query, memberID, period)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var balances []consol.LedgerBalance
	for rows.Next() {
		b := consol.LedgerBalance{MemberID: memberID}
		var category string
		if err := rows.Scan(&b.AccountCode, &b.AccountName, &category, &b.Debit, &b.Credit, &b.Monetary, &b.HistoricalRate); err != nil {
			return nil, err
		}
		b.Category = consol.Category(category)
		balances = append(balances, b)
	}
	return balances, rows.Err()
}

// QuoteForPeriod implements fx.QuoteProvider.
func (p *Postgres) QuoteForPeriod(ctx context.Context, asOf time.Time, pair string) (fx.Quote, bool, error) {
	if err := p.ready(); err != nil {
		return fx.Quote{}, false, err
	}
	pair = strings.ToUpper(strings.TrimSpace(pair))
	if pair == "" {
		return fx.Quote{}, false, fmt.Errorf("fx pair required")
	}
	const query = `SELECT avg_rate::float8, closing_rate::float8 FROM fx_rates WHERE pair = $1 AND period = $2`
	quote := fx.Quote{AsOf: asOf}
	if err := p.pool.QueryRow(ctx, query, pair, consol.FormatPeriod(asOf)).Scan(&quote.Average, &quote.Closing); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fx.Quote{}, false, nil
		}
		return fx.Quote{}, false, err
	}
	return quote, true, nil
}

// PutQuote upserts the rates of one pair for a period.
func (p *Postgres) PutQuote(ctx context.Context, pair, period string, quote fx.Quote) error {
	return p.UpsertQuotes(ctx, []QuoteInput{{Pair: pair, Period: period, Average: quote.Average, Closing: quote.Closing}})
}

// QuoteInput is one FX quote to store.
type QuoteInput struct {
	Pair    string
	Period  string
	Average float64
	Closing float64
}

// UpsertQuotes persists quotes in one batch, replacing existing rows.
func (p *Postgres) UpsertQuotes(ctx context.Context, quotes []QuoteInput) error {
	if err := p.ready(); err != nil {
		return err
	}
	if len(quotes) == 0 {
		return nil
	}
	const query = `
INSERT INTO fx_rates (pair, period, avg_rate, closing_rate)
VALUES ($1, $2, $3, $4)
ON CONFLICT (pair, period)
DO UPDATE SET avg_rate = EXCLUDED.avg_rate, closing_rate = EXCLUDED.closing_rate`
	batch := &pgx.Batch{}
	for _, q := range quotes {
		pair := strings.ToUpper(strings.TrimSpace(q.Pair))
		if len(pair) != 6 {
			return fmt.Errorf("fx pair %q must be six letters", q.Pair)
		}
		if _, err := consol.ParsePeriod(q.Period); err != nil {
			return err
		}
		if q.Average <= 0 || q.Closing <= 0 {
			return fmt.Errorf("fx rates must be positive for %s %s", pair, q.Period)
		}
		batch.Queue(query, pair, q.Period, q.Average, q.Closing)
	}
	return sendBatch(ctx, p.pool, batch)
}

// ListGroupIDs implements consol.ScopeRepository.
func (p *Postgres) ListGroupIDs(ctx context.Context) ([]string, error) {
	if err := p.ready(); err != nil {
		return nil, err
	}
	rows, err := p.pool.Query(ctx, `SELECT id FROM consol_groups ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ActiveConsolidationPeriod returns the latest period flagged OPEN_CONSOL.
func (p *Postgres) ActiveConsolidationPeriod(ctx context.Context) (string, error) {
	if err := p.ready(); err != nil {
		return "", err
	}
	const query = `SELECT period FROM consol_periods WHERE status = 'OPEN_CONSOL' ORDER BY period DESC LIMIT 1`
	var period string
	if err := p.pool.QueryRow(ctx, query).Scan(&period); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", nil
		}
		return "", err
	}
	return period, nil
}

// SeedGroup replaces a group with its members and pairs.
func (p *Postgres) SeedGroup(ctx context.Context, group consol.Group, members []consol.Member, pairs []consol.EliminationPair) error {
	if err := p.ready(); err != nil {
		return err
	}
	return db.WithTx(ctx, p.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
INSERT INTO consol_groups (id, name, parent_entity_id, reporting_currency)
VALUES ($1, $2, $3, $4)
ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, parent_entity_id = EXCLUDED.parent_entity_id, reporting_currency = EXCLUDED.reporting_currency`,
			group.ID, group.Name, group.ParentEntityID, group.ReportingCurrency); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `DELETE FROM consol_members WHERE group_id = $1`, group.ID); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `DELETE FROM consol_elimination_pairs WHERE group_id = $1`, group.ID); err != nil {
			return err
		}
		batch := &pgx.Batch{}
		for _, m := range members {
			batch.Queue(`
INSERT INTO consol_members (group_id, entity_id, name, currency, ownership_pct, consolidation_method, segment, active)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
				group.ID, m.EntityID, m.Name, m.Currency, m.OwnershipPct, string(m.Method), m.Segment, m.Active)
		}
		for _, pair := range pairs {
			batch.Queue(`
INSERT INTO consol_elimination_pairs (id, group_id, name, kind, seller_member_id, seller_account_code, seller_category, buyer_member_id, buyer_account_code, buyer_category)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
				pair.ID, group.ID, pair.Name, string(pair.Kind),
				pair.Seller.MemberID, pair.Seller.AccountCode, string(pair.Seller.Category),
				pair.Buyer.MemberID, pair.Buyer.AccountCode, string(pair.Buyer.Category))
		}
		return sendBatch(ctx, tx, batch)
	})
}

// SeedLedger replaces a member trial balance for the period.
func (p *Postgres) SeedLedger(ctx context.Context, memberID, period string, balances []consol.LedgerBalance) error {
	if err := p.ready(); err != nil {
		return err
	}
	return db.WithTx(ctx, p.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM consol_ledger_balances WHERE member_id = $1 AND period = $2`, memberID, period); err != nil {
			return err
		}
		batch := &pgx.Batch{}
		for _, b := range balances {
			batch.Queue(`
INSERT INTO consol_ledger_balances (member_id, period, account_code, account_name, category, debit, credit, monetary, historical_rate)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
				memberID, period, b.AccountCode, b.AccountName, string(b.Category), b.Debit, b.Credit, b.Monetary, b.HistoricalRate)
		}
		return sendBatch(ctx, tx, batch)
	})
}

// SeedActivePeriod flags the period OPEN_CONSOL.
func (p *Postgres) SeedActivePeriod(ctx context.Context, period string) error {
	if err := p.ready(); err != nil {
		return err
	}
	_, err := p.pool.Exec(ctx, `
INSERT INTO consol_periods (period, status) VALUES ($1, 'OPEN_CONSOL')
ON CONFLICT (period) DO UPDATE SET status = EXCLUDED.status`, period)
	return err
}

// ReplaceElimination swaps the elimination entries of the key in one transaction.
func (p *Postgres) ReplaceElimination(ctx context.Context, key consol.Key, run consol.EliminationRun) error {
	if err := p.ready(); err != nil {
		return err
	}
	header := run
	header.Entries = nil
	return db.WithTx(ctx, p.pool, func(tx pgx.Tx) error {
		if err := replaceRun(ctx, tx, key, stageElimination, run.RunID, run.BaseCurrency, run.PostedBy, run.PostedAt, header); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `DELETE FROM consol_elimination_entries WHERE group_id = $1 AND period = $2`, key.GroupID, key.Period); err != nil {
			return err
		}
		batch := &pgx.Batch{}
		for _, e := range run.Entries {
			batch.Queue(`
INSERT INTO consol_elimination_entries (id, run_id, group_id, period, pair_id, kind, source_link, debit_total, credit_total, amount, residual, match_status, posted_by, posted_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
				e.ID, e.RunID, key.GroupID, key.Period, e.PairID, string(e.Kind), e.SourceLink,
				e.DebitTotal, e.CreditTotal, e.Amount, e.Residual, string(e.MatchStatus), e.PostedBy, e.PostedAt)
			for i, l := range e.Lines {
				batch.Queue(`
INSERT INTO consol_elimination_lines (entry_id, line_no, member_id, account_code, category, debit, credit, memo)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
					e.ID, i+1, l.MemberID, l.AccountCode, string(l.Category), l.Debit, l.Credit, l.Memo)
			}
		}
		return sendBatch(ctx, tx, batch)
	})
}

// Elimination loads the stored elimination run for the key.
func (p *Postgres) Elimination(ctx context.Context, key consol.Key) (consol.EliminationRun, bool, error) {
	var run consol.EliminationRun
	if err := p.ready(); err != nil {
		return run, false, err
	}
	ok, err := p.loadRun(ctx, key, stageElimination, &run)
	if err != nil || !ok {
		return run, ok, err
	}
	rows, err := p.pool.Query(ctx, `
SELECT e.id::text, e.run_id::text, e.pair_id, e.kind, e.source_link, e.debit_total::float8, e.credit_total::float8,
       e.amount::float8, e.residual::float8, e.match_status, e.posted_by, e.posted_at,
       l.member_id, l.account_code, l.category, l.debit::float8, l.credit::float8, l.memo
FROM consol_elimination_entries e
JOIN consol_elimination_lines l ON l.entry_id = e.id
WHERE e.group_id = $1 AND e.period = $2
ORDER BY e.pair_id, l.line_no`, key.GroupID, key.Period)
	if err != nil {
		return run, false, err
	}
	defer rows.Close()
	index := make(map[string]int)
	for rows.Next() {
		var e consol.EliminationEntry
		var l consol.EntryLine
		var kind, status, category string
		if err := rows.Scan(&e.ID, &e.RunID, &e.PairID, &kind, &e.SourceLink, &e.DebitTotal, &e.CreditTotal,
			&e.Amount, &e.Residual, &status, &e.PostedBy, &e.PostedAt,
			&l.MemberID, &l.AccountCode, &category, &l.Debit, &l.Credit, &l.Memo); err != nil {
			return run, false, err
		}
		l.Category = consol.Category(category)
		i, seen := index[e.ID]
		if !seen {
			e.Kind = consol.PairKind(kind)
			e.MatchStatus = consol.MatchStatus(status)
			e.PostedAt = e.PostedAt.UTC()
			run.Entries = append(run.Entries, e)
			i = len(run.Entries) - 1
			index[e.ID] = i
		}
		run.Entries[i].Lines = append(run.Entries[i].Lines, l)
	}
	return run, true, rows.Err()
}

// ReplaceTranslation swaps the translation adjustments of the key in one transaction.
func (p *Postgres) ReplaceTranslation(ctx context.Context, key consol.Key, run consol.TranslationRun) error {
	if err := p.ready(); err != nil {
		return err
	}
	header := run
	header.Adjustments = nil
	return db.WithTx(ctx, p.pool, func(tx pgx.Tx) error {
		if err := replaceRun(ctx, tx, key, stageTranslation, run.RunID, run.BaseCurrency, run.PostedBy, run.PostedAt, header); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `DELETE FROM consol_translation_adjustments WHERE group_id = $1 AND period = $2`, key.GroupID, key.Period); err != nil {
			return err
		}
		batch := &pgx.Batch{}
		for i, a := range run.Adjustments {
			batch.Queue(`
INSERT INTO consol_translation_adjustments (group_id, period, run_id, line_no, member_id, category, currency, method, local_amount, translated_amount, rate_type, rate, difference, cta_contribution, materiality, plug)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
				key.GroupID, key.Period, run.RunID, i+1, a.MemberID, string(a.Category), a.Currency, string(a.Method),
				a.LocalAmount, a.TranslatedAmount, a.RateType, a.Rate, a.Difference, a.CTAContribution, string(a.Materiality), a.Plug)
		}
		return sendBatch(ctx, tx, batch)
	})
}

// Translation loads the stored translation run for the key.
func (p *Postgres) Translation(ctx context.Context, key consol.Key) (consol.TranslationRun, bool, error) {
	var run consol.TranslationRun
	if err := p.ready(); err != nil {
		return run, false, err
	}
	ok, err := p.loadRun(ctx, key, stageTranslation, &run)
	if err != nil || !ok {
		return run, ok, err
	}
	rows, err := p.pool.Query(ctx, `
SELECT run_id::text, member_id, category, currency, method, local_amount::float8, translated_amount::float8,
       rate_type, rate::float8, difference::float8, cta_contribution::float8, materiality, plug
FROM consol_translation_adjustments
WHERE group_id = $1 AND period = $2
ORDER BY line_no`, key.GroupID, key.Period)
	if err != nil {
		return run, false, err
	}
	defer rows.Close()
	for rows.Next() {
		var a consol.TranslationAdjustment
		var category, method, materiality string
		if err := rows.Scan(&a.RunID, &a.MemberID, &category, &a.Currency, &method, &a.LocalAmount, &a.TranslatedAmount,
			&a.RateType, &a.Rate, &a.Difference, &a.CTAContribution, &materiality, &a.Plug); err != nil {
			return run, false, err
		}
		a.Category = consol.Category(category)
		a.Method = consol.TranslationMethod(method)
		a.Materiality = consol.Materiality(materiality)
		a.Currency = strings.TrimSpace(a.Currency)
		run.Adjustments = append(run.Adjustments, a)
	}
	return run, true, rows.Err()
}

// ReplaceAggregation swaps facts, segment notes and contributions of the key in one transaction.
func (p *Postgres) ReplaceAggregation(ctx context.Context, key consol.Key, run consol.AggregationRun) error {
	if err := p.ready(); err != nil {
		return err
	}
	header := run
	header.Facts, header.Segments, header.Contributions = nil, nil, nil
	return db.WithTx(ctx, p.pool, func(tx pgx.Tx) error {
		if err := replaceRun(ctx, tx, key, stageAggregation, run.RunID, run.BaseCurrency, run.PostedBy, run.PostedAt, header); err != nil {
			return err
		}
		for _, table := range []string{"consol_facts", "consol_segment_notes", "consol_member_contributions"} {
			if _, err := tx.Exec(ctx, `DELETE FROM `+table+` WHERE group_id = $1 AND period = $2`, key.GroupID, key.Period); err != nil {
				return err
			}
		}
		batch := &pgx.Batch{}
		for _, f := range run.Facts {
			batch.Queue(`
INSERT INTO consol_facts (group_id, period, run_id, category, method, total_consolidated_amount, total_elimination_amount, total_translation_amount, member_count)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
				key.GroupID, key.Period, run.RunID, string(f.Category), string(f.Method),
				f.TotalConsolidatedAmount, f.TotalEliminationAmount, f.TotalTranslationAmount, f.MemberCount)
		}
		for _, s := range run.Segments {
			batch.Queue(`
INSERT INTO consol_segment_notes (group_id, period, segment, segment_revenue, is_reportable, revenue_materiality_pct, members)
VALUES ($1, $2, $3, $4, $5, $6, $7)`,
				key.GroupID, key.Period, s.Segment, s.SegmentRevenue, s.IsReportableSegment, s.RevenueMaterialityPct, s.Members)
		}
		for _, c := range run.Contributions {
			batch.Queue(`
INSERT INTO consol_member_contributions (group_id, period, member_id, declared_method, effective_method, ownership_pct, net_assets, earnings, nci)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
				key.GroupID, key.Period, c.MemberID, string(c.DeclaredMethod), string(c.EffectiveMethod),
				c.OwnershipPct, c.NetAssets, c.Earnings, c.NCI)
		}
		return sendBatch(ctx, tx, batch)
	})
}

// Aggregation loads the stored aggregation run for the key.
func (p *Postgres) Aggregation(ctx context.Context, key consol.Key) (consol.AggregationRun, bool, error) {
	var run consol.AggregationRun
	if err := p.ready(); err != nil {
		return run, false, err
	}
	ok, err := p.loadRun(ctx, key, stageAggregation, &run)
	if err != nil || !ok {
		return run, ok, err
	}
	if run.Facts, err = p.facts(ctx, key); err != nil {
		return run, false, err
	}
	if run.Segments, err = p.segments(ctx, key); err != nil {
		return run, false, err
	}
	if run.Contributions, err = p.contributions(ctx, key); err != nil {
		return run, false, err
	}
	return run, true, nil
}

func (p *Postgres) facts(ctx context.Context, key consol.Key) ([]consol.ConsolidatedFact, error) {
	rows, err := p.pool.Query(ctx, `
SELECT run_id::text, category, method, total_consolidated_amount::float8, total_elimination_amount::float8,
       total_translation_amount::float8, member_count
FROM consol_facts
WHERE group_id = $1 AND period = $2`, key.GroupID, key.Period)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	byCategory := make(map[consol.Category]consol.ConsolidatedFact)
	for rows.Next() {
		f := consol.ConsolidatedFact{GroupID: key.GroupID, Period: key.Period}
		var category, method string
		if err := rows.Scan(&f.RunID, &category, &method, &f.TotalConsolidatedAmount, &f.TotalEliminationAmount,
			&f.TotalTranslationAmount, &f.MemberCount); err != nil {
			return nil, err
		}
		f.Category = consol.Category(category)
		f.Method = consol.ConsolidationMethod(method)
		byCategory[f.Category] = f
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	out := make([]consol.ConsolidatedFact, 0, len(byCategory))
	for _, category := range consol.CategoryOrder {
		if f, ok := byCategory[category]; ok {
			out = append(out, f)
		}
	}
	return out, nil
}

func (p *Postgres) segments(ctx context.Context, key consol.Key) ([]consol.SegmentNote, error) {
	rows, err := p.pool.Query(ctx, `
SELECT segment, segment_revenue::float8, is_reportable, revenue_materiality_pct::float8, members
FROM consol_segment_notes
WHERE group_id = $1 AND period = $2
ORDER BY segment_revenue DESC, segment`, key.GroupID, key.Period)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []consol.SegmentNote
	for rows.Next() {
		var s consol.SegmentNote
		if err := rows.Scan(&s.Segment, &s.SegmentRevenue, &s.IsReportableSegment, &s.RevenueMaterialityPct, &s.Members); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *Postgres) contributions(ctx context.Context, key consol.Key) ([]consol.MemberContribution, error) {
	rows, err := p.pool.Query(ctx, `
SELECT member_id, declared_method, effective_method, ownership_pct::float8, net_assets::float8, earnings::float8, nci::float8
FROM consol_member_contributions
WHERE group_id = $1 AND period = $2
ORDER BY member_id`, key.GroupID, key.Period)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []consol.MemberContribution
	for rows.Next() {
		var c consol.MemberContribution
		var declared, effective string
		if err := rows.Scan(&c.MemberID, &declared, &effective, &c.OwnershipPct, &c.NetAssets, &c.Earnings, &c.NCI); err != nil {
			return nil, err
		}
		c.DeclaredMethod = consol.ConsolidationMethod(declared)
		c.EffectiveMethod = consol.ConsolidationMethod(effective)
		out = append(out, c)
	}
	return out, rows.Err()
}

// ReplaceReconciliation swaps checks and auto adjustments of the key in one transaction.
func (p *Postgres) ReplaceReconciliation(ctx context.Context, key consol.Key, run consol.ReconciliationRun) error {
	if err := p.ready(); err != nil {
		return err
	}
	header := run
	header.Checks, header.Adjustments = nil, nil
	return db.WithTx(ctx, p.pool, func(tx pgx.Tx) error {
		if err := replaceRun(ctx, tx, key, stageReconciliation, run.RunID, "", run.PostedBy, run.PostedAt, header); err != nil {
			return err
		}
		for _, table := range []string{"consol_reconciliation_checks", "consol_auto_adjustments"} {
			if _, err := tx.Exec(ctx, `DELETE FROM `+table+` WHERE group_id = $1 AND period = $2`, key.GroupID, key.Period); err != nil {
				return err
			}
		}
		batch := &pgx.Batch{}
		for _, c := range run.Checks {
			batch.Queue(`
INSERT INTO consol_reconciliation_checks (group_id, period, run_id, check_type, check_status, variance_amount, original_variance, tolerance_amount, auto_adjusted)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
				key.GroupID, key.Period, run.RunID, c.CheckType, string(c.CheckStatus),
				c.VarianceAmount, c.OriginalVariance, c.Tolerance, c.AutoAdjusted)
		}
		for _, a := range run.Adjustments {
			batch.Queue(`
INSERT INTO consol_auto_adjustments (id, group_id, period, run_id, check_type, category, amount, memo, posted_by, posted_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
				a.ID, key.GroupID, key.Period, a.RunID, a.CheckType, string(a.Category), a.Amount, a.Memo, a.PostedBy, a.PostedAt)
		}
		return sendBatch(ctx, tx, batch)
	})
}

// Reconciliation loads the stored reconciliation run for the key.
func (p *Postgres) Reconciliation(ctx context.Context, key consol.Key) (consol.ReconciliationRun, bool, error) {
	var run consol.ReconciliationRun
	if err := p.ready(); err != nil {
		return run, false, err
	}
	ok, err := p.loadRun(ctx, key, stageReconciliation, &run)
	if err != nil || !ok {
		return run, ok, err
	}
	rows, err := p.pool.Query(ctx, `
SELECT check_type, check_status, variance_amount::float8, original_variance::float8, tolerance_amount::float8, auto_adjusted
FROM consol_reconciliation_checks
WHERE group_id = $1 AND period = $2
ORDER BY check_type`, key.GroupID, key.Period)
	if err != nil {
		return run, false, err
	}
	for rows.Next() {
		var c consol.ReconciliationCheck
		var status string
		if err := rows.Scan(&c.CheckType, &status, &c.VarianceAmount, &c.OriginalVariance, &c.Tolerance, &c.AutoAdjusted); err != nil {
			rows.Close()
			return run, false, err
		}
		c.CheckStatus = consol.CheckStatus(status)
		run.Checks = append(run.Checks, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return run, false, err
	}

	rows, err = p.pool.Query(ctx, `
SELECT id::text, run_id::text, check_type, category, amount::float8, memo, posted_by, posted_at
FROM consol_auto_adjustments
WHERE group_id = $1 AND period = $2
ORDER BY posted_at, check_type`, key.GroupID, key.Period)
	if err != nil {
		return run, false, err
	}
	defer rows.Close()
	for rows.Next() {
		var a consol.AutoAdjustment
		var category string
		if err := rows.Scan(&a.ID, &a.RunID, &a.CheckType, &category, &a.Amount, &a.Memo, &a.PostedBy, &a.PostedAt); err != nil {
			return run, false, err
		}
		a.Category = consol.Category(category)
		a.PostedAt = a.PostedAt.UTC()
		run.Adjustments = append(run.Adjustments, a)
	}
	return run, true, rows.Err()
}

// replaceRun upserts the run header row for one stage.
func replaceRun(ctx context.Context, tx pgx.Tx, key consol.Key, stage, runID, base, postedBy string, postedAt time.Time, summary any) error {
	payload, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("encode %s summary: %w", strings.ToLower(stage), err)
	}
	_, err = tx.Exec(ctx, `
INSERT INTO consol_runs (group_id, period, stage, run_id, base_currency, summary, posted_by, posted_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (group_id, period, stage)
DO UPDATE SET run_id = EXCLUDED.run_id, base_currency = EXCLUDED.base_currency, summary = EXCLUDED.summary,
              posted_by = EXCLUDED.posted_by, posted_at = EXCLUDED.posted_at`,
		key.GroupID, key.Period, stage, runID, base, payload, postedBy, postedAt)
	return err
}

// loadRun decodes the stage header into dst and reports whether it exists.
func (p *Postgres) loadRun(ctx context.Context, key consol.Key, stage string, dst any) (bool, error) {
	var payload []byte
	err := p.pool.QueryRow(ctx, `SELECT summary FROM consol_runs WHERE group_id = $1 AND period = $2 AND stage = $3`,
		key.GroupID, key.Period, stage).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(payload, dst); err != nil {
		return false, fmt.Errorf("decode %s summary: %w", strings.ToLower(stage), err)
	}
	return true, nil
}

type batchSender interface {
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

func sendBatch(ctx context.Context, conn batchSender, batch *pgx.Batch) error {
	if batch.Len() == 0 {
		return nil
	}
	results := conn.SendBatch(ctx, batch)
	for i := 0; i < batch.Len(); i++ {
		if _, err := results.Exec(); err != nil {
			_ = results.Close()
			return err
		}
	}
	return results.Close()
}
