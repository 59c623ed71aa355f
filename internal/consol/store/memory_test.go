package store

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/consolidation/internal/consol"
)

func loadDemo(t *testing.T) *Memory {
	t.Helper()
	fixture, err := LoadFixtureFile("testdata/group_gbp.yaml")
	require.NoError(t, err)
	mem := NewMemory()
	require.NoError(t, fixture.Apply(context.Background(), mem))
	return mem
}

func TestFixtureSeedsMemoryStore(t *testing.T) {
	ctx := context.Background()
	mem := loadDemo(t)

	group, err := mem.Group(ctx, "GRP-UK")
	require.NoError(t, err)
	require.Equal(t, "GBP", group.ReportingCurrency)
	require.Equal(t, "PARENT", group.ParentEntityID)

	members, err := mem.Members(ctx, "GRP-UK", "2025-02")
	require.NoError(t, err)
	require.Len(t, members, 4)
	require.False(t, members[3].Active)
	require.Equal(t, consol.MethodProportionate, members[2].Method)

	pairs, err := mem.EliminationPairs(ctx, "GRP-UK")
	require.NoError(t, err)
	require.Len(t, pairs, 2)
	require.Equal(t, consol.CategoryLiability, pairs[1].Buyer.Category)

	rows, err := mem.LedgerBalances(ctx, "SUB_US", "2025-02")
	require.NoError(t, err)
	require.Len(t, rows, 9)
	require.Equal(t, 0.78, rows[1].HistoricalRate)
	var debit, credit float64
	for _, r := range rows {
		require.Equal(t, "SUB_US", r.MemberID)
		debit += r.Debit
		credit += r.Credit
	}
	require.Equal(t, debit, credit)

	quote, ok, err := mem.QuoteForPeriod(ctx, time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC), "usdgbp")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 0.79, quote.Average)
	require.Equal(t, 0.8, quote.Closing)

	_, ok, err = mem.QuoteForPeriod(ctx, time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC), "USDGBP")
	require.NoError(t, err)
	require.False(t, ok)

	period, err := mem.ActiveConsolidationPeriod(ctx)
	require.NoError(t, err)
	require.Equal(t, "2025-02", period)

	ids, err := mem.ListGroupIDs(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"GRP-UK"}, ids)
}

func TestMemoryUnknownGroup(t *testing.T) {
	_, err := NewMemory().Group(context.Background(), "NOPE")
	require.ErrorIs(t, err, consol.ErrGroupNotFound)
}

func TestLoadFixtureRejectsUnknownValues(t *testing.T) {
	cases := map[string]string{
		"method":   "groups:\n  - id: G\n    members:\n      - {entity_id: A, method: HALF}\n",
		"category": "ledgers:\n  - member: A\n    period: \"2025-02\"\n    lines:\n      - {account: \"1\", category: CASH}\n",
		"period":   "rates:\n  - {pair: USDGBP, period: \"2025-2\", average: 1, closing: 1}\n",
		"field":    "groups:\n  - id: G\n    colour: red\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := LoadFixture(strings.NewReader(doc))
			require.Error(t, err)
		})
	}
}

func TestMemoryReplaceSwapsWholeArtifactSet(t *testing.T) {
	ctx := context.Background()
	mem := NewMemory()
	key := consol.Key{GroupID: "G1", Period: "2025-02"}

	first := consol.AggregationRun{RunID: "run-1", Facts: []consol.ConsolidatedFact{
		{Category: consol.CategoryAsset, TotalConsolidatedAmount: 10},
		{Category: consol.CategoryEquity, TotalConsolidatedAmount: 10},
	}}
	require.NoError(t, mem.ReplaceAggregation(ctx, key, first))
	second := consol.AggregationRun{RunID: "run-2", Facts: []consol.ConsolidatedFact{
		{Category: consol.CategoryAsset, TotalConsolidatedAmount: 20},
	}}
	require.NoError(t, mem.ReplaceAggregation(ctx, key, second))

	got, ok, err := mem.Aggregation(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "run-2", got.RunID)
	require.Len(t, got.Facts, 1)

	got.Facts[0].TotalConsolidatedAmount = 99
	again, _, _ := mem.Aggregation(ctx, key)
	require.Equal(t, 20.0, again.Facts[0].TotalConsolidatedAmount)

	_, ok, err = mem.Aggregation(ctx, consol.Key{GroupID: "G1", Period: "2025-03"})
	require.NoError(t, err)
	require.False(t, ok)
}

func TestMemoryConcurrentReplaceIsAtomic(t *testing.T) {
	ctx := context.Background()
	mem := NewMemory()
	key := consol.Key{GroupID: "G1", Period: "2025-02"}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			entries := make([]consol.EliminationEntry, n+1)
			for j := range entries {
				entries[j] = consol.EliminationEntry{PairID: "P", DebitTotal: float64(n), CreditTotal: float64(n)}
			}
			if err := mem.ReplaceElimination(ctx, key, consol.EliminationRun{Entries: entries, PairsProcessed: n + 1}); err != nil {
				t.Error(err)
			}
		}(i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			run, ok, err := mem.Elimination(ctx, key)
			if err != nil {
				t.Error(err)
				return
			}
			if ok && len(run.Entries) != run.PairsProcessed {
				t.Errorf("torn read: %d entries for %d pairs", len(run.Entries), run.PairsProcessed)
			}
		}()
	}
	wg.Wait()
}
