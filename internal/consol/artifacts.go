package consol

import "time"

// EliminationRun is the replace-all artifact set produced by one elimination pass.
type EliminationRun struct {
	RunID           string             `json:"run_id"`
	Key             Key                `json:"key"`
	BaseCurrency    string             `json:"base_currency"`
	Entries         []EliminationEntry `json:"entries"`
	PairsProcessed  int                `json:"pairs_processed"`
	Unmatched       []string           `json:"unmatched_pairs"`
	TotalEliminated float64            `json:"total_eliminated_amount"`
	PostedBy        string             `json:"posted_by"`
	PostedAt        time.Time          `json:"posted_at"`
}

// DebitTotal sums every entry's debits.
func (r *EliminationRun) DebitTotal() float64 {
	var ledger Ledger
	if r == nil {
		return 0
	}
	for _, entry := range r.Entries {
		ledger.Add(entry.DebitTotal)
	}
	return ledger.Value()
}

// CreditTotal sums every entry's credits.
func (r *EliminationRun) CreditTotal() float64 {
	var ledger Ledger
	if r == nil {
		return 0
	}
	for _, entry := range r.Entries {
		ledger.Add(entry.CreditTotal)
	}
	return ledger.Value()
}

// TranslationRun is the replace-all artifact set produced by one translation pass.
type TranslationRun struct {
	RunID             string                  `json:"run_id"`
	Key               Key                     `json:"key"`
	Method            TranslationMethod       `json:"translation_method"`
	BaseCurrency      string                  `json:"base_currency"`
	Adjustments       []TranslationAdjustment `json:"adjustments"`
	MembersTranslated int                     `json:"members_translated"`
	TotalAdjustment   float64                 `json:"total_translation_adjustment"`
	RatesUsed         map[string]FXRate       `json:"fx_rates_used"`
	PostedBy          string                  `json:"posted_by"`
	PostedAt          time.Time               `json:"posted_at"`
}

// Translated reports whether the run carries output for the member.
func (r *TranslationRun) Translated(memberID string) bool {
	if r == nil {
		return false
	}
	for _, adj := range r.Adjustments {
		if adj.MemberID == memberID {
			return true
		}
	}
	return false
}

// MemberBalances returns the translated natural balance per category for a member.
func (r *TranslationRun) MemberBalances(memberID string) map[Category]float64 {
	out := make(map[Category]float64)
	if r == nil {
		return out
	}
	for _, adj := range r.Adjustments {
		if adj.MemberID != memberID {
			continue
		}
		out[adj.Category] = Sum(out[adj.Category], adj.TranslatedAmount)
	}
	return out
}

// MemberDifferences returns the translation difference per category for a member.
func (r *TranslationRun) MemberDifferences(memberID string) map[Category]float64 {
	out := make(map[Category]float64)
	if r == nil {
		return out
	}
	for _, adj := range r.Adjustments {
		if adj.MemberID != memberID {
			continue
		}
		out[adj.Category] = Sum(out[adj.Category], adj.Difference)
	}
	return out
}

// Totals carries audit control totals for an aggregation.
type Totals struct {
	TotalConsolidatedAmount float64 `json:"total_consolidated_amount"`
	TotalEliminationAmount  float64 `json:"total_elimination_amount"`
	TotalTranslationAmount  float64 `json:"total_translation_amount"`
}

// AggregationRun is the replace-all artifact set produced by one aggregation pass.
type AggregationRun struct {
	RunID               string               `json:"run_id"`
	Key                 Key                  `json:"key"`
	Level               ConsolidationMethod  `json:"consolidation_level"`
	BaseCurrency        string               `json:"base_currency"`
	Facts               []ConsolidatedFact   `json:"facts"`
	Segments            []SegmentNote        `json:"segment_notes"`
	Contributions       []MemberContribution `json:"contributions"`
	Totals              Totals               `json:"totals"`
	MembersAggregated   int                  `json:"members_aggregated"`
	NCITotal            float64              `json:"nci_total"`
	NCIApplied          bool                 `json:"nci_applied"`
	EliminationsApplied bool                 `json:"eliminations_applied"`
	PostedBy            string               `json:"posted_by"`
	PostedAt            time.Time            `json:"posted_at"`
}

// Fact returns the fact for a category.
func (r *AggregationRun) Fact(category Category) (ConsolidatedFact, bool) {
	if r == nil {
		return ConsolidatedFact{}, false
	}
	for _, fact := range r.Facts {
		if fact.Category == category {
			return fact, true
		}
	}
	return ConsolidatedFact{}, false
}

// ReconciliationRun is the replace-all artifact set produced by one reconciliation pass.
type ReconciliationRun struct {
	RunID           string                `json:"run_id"`
	Key             Key                   `json:"key"`
	Tolerance       float64               `json:"tolerance_amount"`
	Checks          []ReconciliationCheck `json:"checks"`
	Adjustments     []AutoAdjustment      `json:"auto_adjustments"`
	Passed          bool                  `json:"reconciliation_passed"`
	IFRS10Compliant bool                  `json:"ifrs_10_compliant"`
	PostedBy        string                `json:"posted_by"`
	PostedAt        time.Time             `json:"posted_at"`
}
