package consol

import (
	"time"

	"github.com/google/uuid"

	"github.com/odyssey-erp/consolidation/internal/consol/fx"
)

// Snapshot is the validated input set cached by preparation for a key.
type Snapshot struct {
	Key              Key               `json:"key"`
	RunID            string            `json:"run_id"`
	Group            Group             `json:"group"`
	BaseCurrency     string            `json:"base_currency"`
	Members          []Member          `json:"members"`
	Rates            map[string]FXRate `json:"fx_rates"`
	Pairs            []EliminationPair `json:"elimination_pairs"`
	MissingPairs     []string          `json:"missing_fx_pairs"`
	StalePairs       []string          `json:"stale_fx_pairs"`
	ValidationPassed bool              `json:"validation_passed"`
	PreparedAt       time.Time         `json:"prepared_at"`
}

// ValidMembers returns the members that passed structure validation.
func (s *Snapshot) ValidMembers() []Member {
	if s == nil {
		return nil
	}
	out := make([]Member, 0, len(s.Members))
	for _, m := range s.Members {
		if m.ValidationStatus == StatusValid {
			out = append(out, m)
		}
	}
	return out
}

// Member looks a validated member up by id.
func (s *Snapshot) Member(id string) (Member, bool) {
	if s == nil {
		return Member{}, false
	}
	for _, m := range s.Members {
		if m.EntityID == id && m.ValidationStatus == StatusValid {
			return m, true
		}
	}
	return Member{}, false
}

// Rate returns the rate translating currency into the base currency. The base
// currency itself resolves at parity.
func (s *Snapshot) Rate(currency string) (FXRate, bool) {
	if s == nil {
		return FXRate{}, false
	}
	if currency == s.BaseCurrency {
		return FXRate{
			Pair:             Pair(currency, currency),
			Period:           s.Key.Period,
			SourcePeriod:     s.Key.Period,
			AvgRate:          1,
			ClosingRate:      1,
			ValidationStatus: StatusValid,
		}, true
	}
	rate, ok := s.Rates[Pair(currency, s.BaseCurrency)]
	if !ok || rate.ValidationStatus == StatusMissing || rate.AvgRate <= 0 || rate.ClosingRate <= 0 {
		return FXRate{}, false
	}
	return rate, true
}

// Converter builds an fx converter over the usable snapshot rates.
func (s *Snapshot) Converter() *fx.Converter {
	if s == nil {
		return fx.NewConverter(fx.Policy{}, nil)
	}
	quotes := make(map[string]fx.Quote, len(s.Rates))
	for pair, rate := range s.Rates {
		if rate.ValidationStatus == StatusMissing {
			continue
		}
		quotes[pair] = fx.Quote{Average: rate.AvgRate, Closing: rate.ClosingRate}
	}
	return fx.NewConverter(fx.DefaultPolicy(s.BaseCurrency), quotes)
}

// ValidPairs returns the elimination pairs that passed validation.
func (s *Snapshot) ValidPairs() []EliminationPair {
	if s == nil {
		return nil
	}
	out := make([]EliminationPair, 0, len(s.Pairs))
	for _, p := range s.Pairs {
		if p.ValidationStatus == StatusValid {
			out = append(out, p)
		}
	}
	return out
}

// RunContext threads one pipeline execution's inputs and stage outputs.
// Stages read what they need from it and write their own output back.
type RunContext struct {
	Key          Key
	RunID        string
	BaseCurrency string
	ActorID      string
	DryRun       bool

	Snapshot       *Snapshot
	Elimination    *EliminationRun
	Translation    *TranslationRun
	Aggregation    *AggregationRun
	Reconciliation *ReconciliationRun
}

// NewRunContext starts a context with a fresh run id.
func NewRunContext(key Key, baseCurrency, actorID string, dryRun bool) *RunContext {
	return &RunContext{
		Key:          key,
		RunID:        uuid.NewString(),
		BaseCurrency: baseCurrency,
		ActorID:      actorID,
		DryRun:       dryRun,
	}
}
