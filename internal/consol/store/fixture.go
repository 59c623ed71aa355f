package store

import (
	"context"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/odyssey-erp/consolidation/internal/consol"
	"github.com/odyssey-erp/consolidation/internal/consol/fx"
)

// Fixture is the YAML seed format used by demos, tests and the memory store.
type Fixture struct {
	ActivePeriod string          `yaml:"active_period"`
	Groups       []FixtureGroup  `yaml:"groups"`
	Ledgers      []FixtureLedger `yaml:"ledgers"`
	Rates        []FixtureRate   `yaml:"rates"`
}

// FixtureGroup describes one consolidation group.
type FixtureGroup struct {
	ID                string          `yaml:"id"`
	Name              string          `yaml:"name"`
	Parent            string          `yaml:"parent"`
	ReportingCurrency string          `yaml:"reporting_currency"`
	Members           []FixtureMember `yaml:"members"`
	Pairs             []FixturePair   `yaml:"pairs"`
}

// FixtureMember describes a group member.
type FixtureMember struct {
	EntityID     string  `yaml:"entity_id"`
	Name         string  `yaml:"name"`
	Currency     string  `yaml:"currency"`
	OwnershipPct float64 `yaml:"ownership_pct"`
	Method       string  `yaml:"method"`
	Segment      string  `yaml:"segment"`
	Inactive     bool    `yaml:"inactive"`
}

// FixturePair describes an intercompany elimination pair.
type FixturePair struct {
	ID     string      `yaml:"id"`
	Name   string      `yaml:"name"`
	Kind   string      `yaml:"kind"`
	Seller FixtureSide `yaml:"seller"`
	Buyer  FixtureSide `yaml:"buyer"`
}

// FixtureSide is one account of a pair.
type FixtureSide struct {
	Member   string `yaml:"member"`
	Account  string `yaml:"account"`
	Category string `yaml:"category"`
}

// FixtureLedger is a member trial balance for one period.
type FixtureLedger struct {
	Member string        `yaml:"member"`
	Period string        `yaml:"period"`
	Lines  []FixtureLine `yaml:"lines"`
}

// FixtureLine is one trial-balance line.
type FixtureLine struct {
	Account        string  `yaml:"account"`
	Name           string  `yaml:"name"`
	Category       string  `yaml:"category"`
	Debit          float64 `yaml:"debit"`
	Credit         float64 `yaml:"credit"`
	Monetary       bool    `yaml:"monetary"`
	HistoricalRate float64 `yaml:"historical_rate"`
}

// FixtureRate is the average and closing rate of a pair for one period.
type FixtureRate struct {
	Pair    string  `yaml:"pair"`
	Period  string  `yaml:"period"`
	Average float64 `yaml:"average"`
	Closing float64 `yaml:"closing"`
}

// Seeder receives fixture content. Both stores implement it.
type Seeder interface {
	SeedGroup(ctx context.Context, group consol.Group, members []consol.Member, pairs []consol.EliminationPair) error
	SeedLedger(ctx context.Context, memberID, period string, balances []consol.LedgerBalance) error
	PutQuote(ctx context.Context, pair, period string, quote fx.Quote) error
	SeedActivePeriod(ctx context.Context, period string) error
}

// LoadFixture decodes a fixture and rejects unknown enum values early.
func LoadFixture(r io.Reader) (*Fixture, error) {
	var f Fixture
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("store: decode fixture: %w", err)
	}
	if err := f.validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// LoadFixtureFile opens and decodes a fixture from disk.
func LoadFixtureFile(path string) (*Fixture, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("store: open fixture: %w", err)
	}
	defer file.Close()
	return LoadFixture(file)
}

func (f *Fixture) validate() error {
	for _, g := range f.Groups {
		if g.ID == "" {
			return fmt.Errorf("store: fixture group without id")
		}
		for _, m := range g.Members {
			if _, err := consol.ParseConsolidationMethod(m.Method); err != nil {
				return fmt.Errorf("store: fixture member %s: %w", m.EntityID, err)
			}
		}
		for _, p := range g.Pairs {
			if _, err := consol.ParseCategory(p.Seller.Category); err != nil {
				return fmt.Errorf("store: fixture pair %s: %w", p.ID, err)
			}
			if _, err := consol.ParseCategory(p.Buyer.Category); err != nil {
				return fmt.Errorf("store: fixture pair %s: %w", p.ID, err)
			}
		}
	}
	for _, l := range f.Ledgers {
		if _, err := consol.ParsePeriod(l.Period); err != nil {
			return fmt.Errorf("store: fixture ledger %s: %w", l.Member, err)
		}
		for _, line := range l.Lines {
			if _, err := consol.ParseCategory(line.Category); err != nil {
				return fmt.Errorf("store: fixture ledger %s account %s: %w", l.Member, line.Account, err)
			}
		}
	}
	for _, r := range f.Rates {
		if _, err := consol.ParsePeriod(r.Period); err != nil {
			return fmt.Errorf("store: fixture rate %s: %w", r.Pair, err)
		}
	}
	return nil
}

// Apply writes the fixture into a store.
func (f *Fixture) Apply(ctx context.Context, s Seeder) error {
	for _, g := range f.Groups {
		group := consol.Group{ID: g.ID, Name: g.Name, ParentEntityID: g.Parent, ReportingCurrency: g.ReportingCurrency}
		members := make([]consol.Member, 0, len(g.Members))
		for _, m := range g.Members {
			method, _ := consol.ParseConsolidationMethod(m.Method)
			members = append(members, consol.Member{
				EntityID:     m.EntityID,
				Name:         m.Name,
				Currency:     m.Currency,
				OwnershipPct: m.OwnershipPct,
				Method:       method,
				Segment:      m.Segment,
				Active:       !m.Inactive,
			})
		}
		pairs := make([]consol.EliminationPair, 0, len(g.Pairs))
		for _, p := range g.Pairs {
			pairs = append(pairs, consol.EliminationPair{
				ID:     p.ID,
				Name:   p.Name,
				Kind:   consol.PairKind(p.Kind),
				Seller: p.Seller.side(),
				Buyer:  p.Buyer.side(),
			})
		}
		if err := s.SeedGroup(ctx, group, members, pairs); err != nil {
			return fmt.Errorf("store: seed group %s: %w", g.ID, err)
		}
	}
	for _, l := range f.Ledgers {
		balances := make([]consol.LedgerBalance, 0, len(l.Lines))
		for _, line := range l.Lines {
			category, _ := consol.ParseCategory(line.Category)
			balances = append(balances, consol.LedgerBalance{
				MemberID:       l.Member,
				AccountCode:    line.Account,
				AccountName:    line.Name,
				Category:       category,
				Debit:          line.Debit,
				Credit:         line.Credit,
				Monetary:       line.Monetary,
				HistoricalRate: line.HistoricalRate,
			})
		}
		if err := s.SeedLedger(ctx, l.Member, l.Period, balances); err != nil {
			return fmt.Errorf("store: seed ledger %s %s: %w", l.Member, l.Period, err)
		}
	}
	for _, r := range f.Rates {
		if err := s.PutQuote(ctx, r.Pair, r.Period, fx.Quote{Average: r.Average, Closing: r.Closing}); err != nil {
			return fmt.Errorf("store: seed rate %s %s: %w", r.Pair, r.Period, err)
		}
	}
	if f.ActivePeriod != "" {
		if err := s.SeedActivePeriod(ctx, f.ActivePeriod); err != nil {
			return fmt.Errorf("store: seed active period: %w", err)
		}
	}
	return nil
}

func (s FixtureSide) side() consol.PairSide {
	category, _ := consol.ParseCategory(s.Category)
	return consol.PairSide{MemberID: s.Member, AccountCode: s.Account, Category: category}
}
