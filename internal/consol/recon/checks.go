package recon

import (
	"math"
	"sort"

	"github.com/odyssey-erp/consolidation/internal/consol"
)

// Variance is the raw, pre-tolerance result of one named check.
type Variance struct {
	CheckType string
	Amount    float64
}

// Variances computes every named check over the artifacts held by rc.
func Variances(rc *consol.RunContext) []Variance {
	return []Variance{
		{CheckType: consol.CheckBalanceSheet, Amount: balanceSheetVariance(rc.Aggregation)},
		{CheckType: consol.CheckElimination, Amount: eliminationVariance(rc.Elimination)},
		{CheckType: consol.CheckTranslation, Amount: translationVariance(rc.Translation)},
		{CheckType: consol.CheckNCIAllocation, Amount: nciVariance(rc.Aggregation)},
	}
}

// balanceSheetVariance is debit-side facts less credit-side facts.
func balanceSheetVariance(run *consol.AggregationRun) float64 {
	var ledger consol.Ledger
	if run == nil {
		return 0
	}
	for _, fact := range run.Facts {
		ledger.Add(fact.Category.Sign() * fact.TotalConsolidatedAmount)
	}
	return ledger.Cents()
}

func eliminationVariance(run *consol.EliminationRun) float64 {
	if run == nil {
		return 0
	}
	return consol.Round(consol.Sum(run.DebitTotal(), -run.CreditTotal()))
}

// translationVariance sums each translated member's absolute imbalance
// after its CTA or FX line.
func translationVariance(run *consol.TranslationRun) float64 {
	if run == nil {
		return 0
	}
	seen := make(map[string]struct{})
	ids := make([]string, 0)
	for _, adj := range run.Adjustments {
		if _, ok := seen[adj.MemberID]; ok {
			continue
		}
		seen[adj.MemberID] = struct{}{}
		ids = append(ids, adj.MemberID)
	}
	sort.Strings(ids)
	var total consol.Ledger
	for _, id := range ids {
		var member consol.Ledger
		for category, amount := range run.MemberBalances(id) {
			member.Add(category.Sign() * amount)
		}
		total.Add(math.Abs(member.Cents()))
	}
	return total.Cents()
}

// nciVariance compares the NCI fact with the member-level allocations.
func nciVariance(run *consol.AggregationRun) float64 {
	if run == nil {
		return 0
	}
	var allocated consol.Ledger
	for _, c := range run.Contributions {
		allocated.Add(c.NCI)
	}
	fact, _ := run.Fact(consol.CategoryNonControllingInterest)
	return consol.Round(consol.Sum(fact.TotalConsolidatedAmount, -allocated.Value()))
}
