package pipeline

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/consolidation/internal/consol"
	"github.com/odyssey-erp/consolidation/internal/consol/fx"
	"github.com/odyssey-erp/consolidation/internal/consol/store"
	"github.com/odyssey-erp/consolidation/internal/shared"
)

const (
	demoGroup  = "GRP-UK"
	demoPeriod = "2025-02"
)

type harness struct {
	svc     *Service
	mem     *store.Memory
	audit   *shared.MemoryAuditLog
	metrics *Metrics
	reg     *prometheus.Registry
}

func newHarness(t *testing.T, locker shared.Locker) *harness {
	t.Helper()
	fixture, err := store.LoadFixtureFile("../store/testdata/group_gbp.yaml")
	require.NoError(t, err)
	mem := store.NewMemory()
	require.NoError(t, fixture.Apply(context.Background(), mem))
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	audit := &shared.MemoryAuditLog{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return &harness{
		svc:     NewService(mem, locker, audit, metrics, logger, Config{}),
		mem:     mem,
		audit:   audit,
		metrics: metrics,
		reg:     reg,
	}
}

func factAmount(t *testing.T, facts []consol.ConsolidatedFact, category consol.Category) float64 {
	t.Helper()
	for _, f := range facts {
		if f.Category == category {
			return f.TotalConsolidatedAmount
		}
	}
	t.Fatalf("fact %s missing", category)
	return 0
}

func TestRunCompleteRoundTrip(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	opts := DefaultOptions()
	opts.ActorID = "u-42"

	res, err := h.svc.RunComplete(ctx, demoGroup, demoPeriod, "GBP", false, opts)
	require.NoError(t, err)
	require.True(t, res.Success, "failed at %s: %s", res.FailedStage, res.ErrorMessage)
	require.Empty(t, res.FailedStage)
	require.NotEmpty(t, res.RunID)

	require.Equal(t, consol.SmartCodePrepare, res.Prepare.SmartCode)
	require.Equal(t, 3, res.Prepare.MemberCount)
	require.Equal(t, 2, res.Prepare.FXPairsValidated)
	require.Equal(t, 2, res.Prepare.EliminationPairsValidated)
	require.True(t, res.Prepare.ValidationPassed)

	require.Equal(t, 2, res.Eliminate.EliminationEntriesCreated)
	require.Equal(t, 1787.5, res.Eliminate.TotalEliminatedAmount)
	require.True(t, res.Eliminate.BalanceCheckPassed)

	require.True(t, res.Translate.IFRS21Compliant)
	require.Equal(t, 2, res.Translate.MembersTranslated)
	require.Equal(t, 60.5, res.Translate.TotalTranslationAdjustment)

	facts := res.Aggregate.Facts
	require.Equal(t, 11040.0, factAmount(t, facts, consol.CategoryAsset))
	require.Equal(t, 3096.0, factAmount(t, facts, consol.CategoryLiability))
	require.Equal(t, 6131.0, factAmount(t, facts, consol.CategoryEquity))
	require.Equal(t, 63.0, factAmount(t, facts, consol.CategoryOCI))
	require.Equal(t, 288.0, factAmount(t, facts, consol.CategoryNonControllingInterest))
	require.Equal(t, 9810.0, factAmount(t, facts, consol.CategoryRevenue))
	require.Equal(t, 8348.0, factAmount(t, facts, consol.CategoryExpense))
	require.Equal(t, 19388.0, res.Aggregate.Totals.TotalConsolidatedAmount)
	require.Equal(t, 1787.5, res.Aggregate.Totals.TotalEliminationAmount)
	require.Equal(t, 3, res.Aggregate.MembersAggregated)
	require.Len(t, res.Aggregate.SegmentNotes, 3)
	require.Equal(t, "Retail", res.Aggregate.SegmentNotes[0].Segment)
	require.Equal(t, 6012.5, res.Aggregate.SegmentNotes[0].SegmentRevenue)
	require.False(t, res.Aggregate.SegmentNotes[2].IsReportableSegment)

	require.True(t, res.Reconcile.ReconciliationPassed)
	require.True(t, res.Reconcile.IFRS10Compliant)
	require.Equal(t, 4, res.Reconcile.ChecksPerformed)
	require.GreaterOrEqual(t, res.TotalProcessingTimeMS, int64(0))

	key := consol.Key{GroupID: demoGroup, Period: demoPeriod}
	stored, ok, err := h.mem.Aggregation(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, res.RunID, stored.RunID)
	require.Equal(t, "u-42", stored.PostedBy)
	checks, ok, err := h.mem.Reconciliation(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, checks.IFRS10Compliant)

	require.Len(t, h.audit.Entries(), 4)
	for _, stage := range []string{consol.StagePrepare, consol.StageEliminate, consol.StageTranslate, consol.StageAggregate, consol.StageReconcile} {
		require.Equal(t, 1.0, testutil.ToFloat64(h.metrics.runs.WithLabelValues(stage, "success")), stage)
	}
	families, err := h.reg.Gather()
	require.NoError(t, err)
	require.True(t, histogramObserved(families, "consol_stage_duration_seconds", consol.StageReconcile))
}

func histogramObserved(families []*dto.MetricFamily, name, stage string) bool {
	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
		for _, metric := range fam.GetMetric() {
			for _, label := range metric.GetLabel() {
				if label.GetName() == "stage" && label.GetValue() == stage {
					return metric.GetHistogram().GetSampleCount() > 0
				}
			}
		}
	}
	return false
}

func TestRunCompleteReconcilesEveryMethodAndLevel(t *testing.T) {
	methods := []consol.TranslationMethod{consol.TranslationCurrentRate, consol.TranslationTemporal}
	levels := []consol.ConsolidationMethod{consol.MethodFull, consol.MethodProportionate, consol.MethodEquity}
	for _, method := range methods {
		for _, level := range levels {
			for _, dryRun := range []bool{true, false} {
				name := fmt.Sprintf("%s/%s/dry=%t", method, level, dryRun)
				t.Run(name, func(t *testing.T) {
					h := newHarness(t, nil)
					opts := DefaultOptions()
					opts.TranslationMethod = method
					opts.Level = level

					res, err := h.svc.RunComplete(context.Background(), demoGroup, demoPeriod, "GBP", dryRun, opts)
					require.NoError(t, err)
					require.True(t, res.Success, "failed at %s: %s", res.FailedStage, res.ErrorMessage)
					require.Equal(t, method, res.Translate.TranslationMethod)
					require.Equal(t, level, res.Aggregate.ConsolidationLevel)
					require.True(t, res.Reconcile.ReconciliationPassed)
					require.True(t, res.Reconcile.IFRS10Compliant)
					require.Equal(t, 4, res.Reconcile.ChecksPerformed)
					for _, check := range res.Reconcile.Checks {
						require.Equal(t, consol.CheckPass, check.CheckStatus, check.CheckType)
						require.LessOrEqual(t, math.Abs(check.VarianceAmount), opts.Tolerance, check.CheckType)
					}

					var debit, credit consol.Ledger
					categories := make(map[consol.Category]bool)
					for _, fact := range res.Aggregate.Facts {
						categories[fact.Category] = true
						if fact.Category.DebitNormal() {
							debit.Add(fact.TotalConsolidatedAmount)
						} else {
							credit.Add(fact.TotalConsolidatedAmount)
						}
					}
					require.Equal(t, debit.Cents(), credit.Cents())

					switch {
					case level == consol.MethodEquity:
						require.True(t, categories[consol.CategoryInvestmentInAssociate])
						require.True(t, categories[consol.CategoryShareOfAssociateProfit])
						require.False(t, categories[consol.CategoryNonControllingInterest])
					case method == consol.TranslationTemporal:
						require.True(t, categories[consol.CategoryFXGainLoss])
						require.False(t, categories[consol.CategoryOCI])
					default:
						require.True(t, categories[consol.CategoryOCI])
						require.False(t, categories[consol.CategoryFXGainLoss])
					}
				})
			}
		}
	}
}

func TestRunCompleteTemporalEquityAmounts(t *testing.T) {
	h := newHarness(t, nil)
	opts := DefaultOptions()
	opts.TranslationMethod = consol.TranslationTemporal
	opts.Level = consol.MethodEquity

	res, err := h.svc.RunComplete(context.Background(), demoGroup, demoPeriod, "GBP", true, opts)
	require.NoError(t, err)
	require.True(t, res.Success, "failed at %s: %s", res.FailedStage, res.ErrorMessage)
	facts := res.Aggregate.Facts
	investment := factAmount(t, facts, consol.CategoryInvestmentInAssociate)
	equity := factAmount(t, facts, consol.CategoryEquity)
	share := factAmount(t, facts, consol.CategoryShareOfAssociateProfit)
	require.Equal(t, 7640.0, investment)
	require.Equal(t, 5994.0, equity)
	require.Equal(t, 1646.0, share)
	require.Equal(t, investment, consol.Sum(equity, share))
	require.True(t, res.Reconcile.ReconciliationPassed)
}

func TestRunCompleteIsRepeatable(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	first, err := h.svc.RunComplete(ctx, demoGroup, demoPeriod, "GBP", false, DefaultOptions())
	require.NoError(t, err)
	second, err := h.svc.RunComplete(ctx, demoGroup, demoPeriod, "GBP", false, DefaultOptions())
	require.NoError(t, err)
	require.True(t, second.Success)
	require.NotEqual(t, first.RunID, second.RunID)
	require.Equal(t, first.Aggregate.Facts[0].TotalConsolidatedAmount, second.Aggregate.Facts[0].TotalConsolidatedAmount)

	elim, _, err := h.mem.Elimination(ctx, consol.Key{GroupID: demoGroup, Period: demoPeriod})
	require.NoError(t, err)
	require.Len(t, elim.Entries, 2)
	require.Equal(t, second.RunID, elim.RunID)
}

func TestRunCompleteDryRunPersistsNothing(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	var hooks int
	h.svc.OnCommit(func(context.Context, consol.Key) { hooks++ })

	first, err := h.svc.RunComplete(ctx, demoGroup, demoPeriod, "GBP", true, DefaultOptions())
	require.NoError(t, err)
	second, err := h.svc.RunComplete(ctx, demoGroup, demoPeriod, "GBP", true, DefaultOptions())
	require.NoError(t, err)

	require.True(t, first.Success)
	require.True(t, first.DryRun)
	require.True(t, first.Reconcile.ReconciliationPassed)
	require.Equal(t, first.Eliminate.TotalEliminatedAmount, second.Eliminate.TotalEliminatedAmount)
	require.Equal(t, first.Translate.TotalTranslationAdjustment, second.Translate.TotalTranslationAdjustment)
	require.Equal(t, first.Aggregate.Totals, second.Aggregate.Totals)
	require.Equal(t, first.Reconcile.Checks, second.Reconcile.Checks)

	key := consol.Key{GroupID: demoGroup, Period: demoPeriod}
	_, ok, _ := h.mem.Elimination(ctx, key)
	require.False(t, ok)
	_, ok, _ = h.mem.Translation(ctx, key)
	require.False(t, ok)
	_, ok, _ = h.mem.Aggregation(ctx, key)
	require.False(t, ok)
	_, ok, _ = h.mem.Reconciliation(ctx, key)
	require.False(t, ok)
	require.Empty(t, h.audit.Entries())
	require.Zero(t, hooks)
}

func TestRunCompleteRejectsInvalidTranslationMethod(t *testing.T) {
	h := newHarness(t, nil)
	opts := DefaultOptions()
	opts.TranslationMethod = "INVALID_METHOD"

	res, err := h.svc.RunComplete(context.Background(), demoGroup, demoPeriod, "GBP", false, opts)
	require.NoError(t, err)
	require.False(t, res.Success)
	require.Equal(t, consol.StageTranslate, res.FailedStage)
	require.Equal(t, consol.CodeInvalidTranslationMethod, res.ErrorCode)
	require.Nil(t, res.Prepare)
	require.Nil(t, res.Eliminate)
	require.False(t, res.Translate.Success)

	_, ok, _ := h.mem.Translation(context.Background(), consol.Key{GroupID: demoGroup, Period: demoPeriod})
	require.False(t, ok)
	_, ok, _ = h.mem.Elimination(context.Background(), consol.Key{GroupID: demoGroup, Period: demoPeriod})
	require.False(t, ok)
}

func TestRunCompleteRejectsInvalidOptions(t *testing.T) {
	h := newHarness(t, nil)
	opts := DefaultOptions()
	opts.Level = "PARTIAL"
	res, err := h.svc.RunComplete(context.Background(), demoGroup, demoPeriod, "GBP", false, opts)
	require.NoError(t, err)
	require.Equal(t, consol.StageAggregate, res.FailedStage)
	require.Equal(t, consol.CodeInvalidConsolidationLevel, res.ErrorCode)

	opts = DefaultOptions()
	opts.Tolerance = -1
	res, err = h.svc.RunComplete(context.Background(), demoGroup, demoPeriod, "GBP", false, opts)
	require.NoError(t, err)
	require.Equal(t, consol.StageReconcile, res.FailedStage)
	require.Equal(t, consol.CodeInvalidTolerance, res.ErrorCode)
}

func TestRunCompleteStopsOnUnknownGroup(t *testing.T) {
	h := newHarness(t, nil)
	res, err := h.svc.RunComplete(context.Background(), "invalid-group-id", demoPeriod, "GBP", false, DefaultOptions())
	require.NoError(t, err)
	require.False(t, res.Success)
	require.Equal(t, consol.StagePrepare, res.FailedStage)
	require.Equal(t, consol.CodeGroupNotFound, res.ErrorCode)
	require.Nil(t, res.Eliminate)
	require.Equal(t, 1.0, testutil.ToFloat64(h.metrics.runs.WithLabelValues(consol.StagePrepare, string(consol.CodeGroupNotFound))))

	prepared, err := h.svc.Prepare(context.Background(), Request{GroupID: "invalid-group-id", Period: demoPeriod, BaseCurrency: "GBP"}, true)
	require.NoError(t, err)
	require.False(t, prepared.Success)
	require.Equal(t, consol.CodeGroupNotFound, prepared.ErrorCode)
}

func TestRunCompleteStopsOnMissingRate(t *testing.T) {
	h := newHarness(t, nil)
	res, err := h.svc.RunComplete(context.Background(), demoGroup, "2025-06", "GBP", false, DefaultOptions())
	require.NoError(t, err)
	require.False(t, res.Success)
	require.True(t, res.Prepare.Success)
	require.False(t, res.Prepare.ValidationPassed)
	require.ElementsMatch(t, []string{"EURGBP", "USDGBP"}, res.Prepare.MissingFXPairs)
	require.Equal(t, consol.StageTranslate, res.FailedStage)
	require.Equal(t, consol.CodeFXRateMissing, res.ErrorCode)
}

func TestSingleStagesMatchCompleteRun(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	req := Request{GroupID: demoGroup, Period: demoPeriod, BaseCurrency: "gbp", ActorID: "u-7"}

	// no prepare call: the first stage prepares on demand
	elim, err := h.svc.Eliminate(ctx, req)
	require.NoError(t, err)
	require.True(t, elim.Success)
	require.Equal(t, 1787.5, elim.TotalEliminatedAmount)

	trans, err := h.svc.Translate(ctx, req, consol.TranslationCurrentRate)
	require.NoError(t, err)
	require.True(t, trans.Success)

	agg, err := h.svc.Aggregate(ctx, req, consol.MethodFull)
	require.NoError(t, err)
	require.True(t, agg.Success)
	require.True(t, agg.EliminationsApplied)
	require.Equal(t, 6131.0, factAmount(t, agg.Facts, consol.CategoryEquity))

	rec, err := h.svc.Reconcile(ctx, req, 0.01, false)
	require.NoError(t, err)
	require.True(t, rec.ReconciliationPassed)
	require.True(t, rec.IFRS10Compliant)
}

func TestSingleStagePreconditions(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	req := Request{GroupID: demoGroup, Period: demoPeriod, BaseCurrency: "GBP"}

	agg, err := h.svc.Aggregate(ctx, req, consol.MethodFull)
	require.NoError(t, err)
	require.False(t, agg.Success)
	require.Equal(t, consol.CodeTranslationRequired, agg.ErrorCode)

	rec, err := h.svc.Reconcile(ctx, req, 0.01, false)
	require.NoError(t, err)
	require.False(t, rec.Success)
	require.Equal(t, consol.CodeAggregationRequired, rec.ErrorCode)

	trans, err := h.svc.Translate(ctx, Request{GroupID: demoGroup, Period: "2025-13", BaseCurrency: "GBP"}, consol.TranslationTemporal)
	require.NoError(t, err)
	require.Equal(t, consol.CodeInvalidPeriod, trans.ErrorCode)

	trans, err = h.svc.Translate(ctx, req, "INVALID_METHOD")
	require.NoError(t, err)
	require.Equal(t, consol.CodeInvalidTranslationMethod, trans.ErrorCode)
	_, ok := h.svc.prep.Snapshot(consol.Key{GroupID: demoGroup, Period: demoPeriod}, "GBP")
	require.True(t, ok)
}

func TestReconcileToleranceMonotoneOverPipeline(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	opts := DefaultOptions()
	opts.Level = consol.MethodProportionate
	res, err := h.svc.RunComplete(ctx, demoGroup, demoPeriod, "GBP", false, opts)
	require.NoError(t, err)
	require.True(t, res.Success)

	req := Request{GroupID: demoGroup, Period: demoPeriod, BaseCurrency: "GBP", DryRun: true}
	passed := false
	for _, tol := range []float64{0, 0.005, 0.01, 0.5, 1, 100, 1e6} {
		rec, err := h.svc.Reconcile(ctx, req, tol, false)
		require.NoError(t, err)
		require.True(t, rec.Success)
		if passed {
			require.True(t, rec.ReconciliationPassed, "tolerance %v", tol)
		}
		passed = rec.ReconciliationPassed
	}
	require.True(t, passed)
}

// overlapLocker fails the test when two holders of one key overlap.
type overlapLocker struct {
	inner  shared.Locker
	active sync.Map
	t      *testing.T
}

func (l *overlapLocker) Lock(ctx context.Context, key string) (func(), error) {
	unlock, err := l.inner.Lock(ctx, key)
	if err != nil {
		return nil, err
	}
	counter, _ := l.active.LoadOrStore(key, new(int32))
	if n := atomic.AddInt32(counter.(*int32), 1); n != 1 {
		l.t.Errorf("%d concurrent holders of %s", n, key)
	}
	return func() {
		atomic.AddInt32(counter.(*int32), -1)
		unlock()
	}, nil
}

func TestConcurrentRunsOnOneKeyAreSerialised(t *testing.T) {
	locker := &overlapLocker{inner: shared.NewKeyedMutex(), t: t}
	h := newHarness(t, locker)
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make([]consol.RunResult, 6)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := h.svc.RunComplete(ctx, demoGroup, demoPeriod, "GBP", i%2 == 0, DefaultOptions())
			if err != nil {
				t.Error(err)
				return
			}
			results[i] = res
		}(i)
	}
	wg.Wait()
	for _, res := range results {
		require.True(t, res.Success)
		require.True(t, res.Reconcile.ReconciliationPassed)
	}
	stored, ok, err := h.mem.Aggregation(ctx, consol.Key{GroupID: demoGroup, Period: demoPeriod})
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 11040.0, factAmount(t, stored.Facts, consol.CategoryAsset))
}

// seedLargeGroup builds a group of n members spread over four currencies and
// all three methods, each with a balanced ledger.
func seedLargeGroup(t *testing.T, mem *store.Memory, n int) {
	t.Helper()
	ctx := context.Background()
	currencies := []string{"GBP", "USD", "EUR", "CHF"}
	methods := []consol.ConsolidationMethod{consol.MethodFull, consol.MethodFull, consol.MethodProportionate, consol.MethodEquity}
	members := make([]consol.Member, 0, n)
	pairs := make([]consol.EliminationPair, 0, n)
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("M%02d", i)
		pct := 100.0
		if i > 0 {
			pct = float64(55 + (i*7)%45)
		}
		method := methods[i%len(methods)]
		if i == 0 {
			method = consol.MethodFull
		}
		members = append(members, consol.Member{
			EntityID:     id,
			Name:         "Member " + id,
			Currency:     currencies[i%len(currencies)],
			OwnershipPct: pct,
			Method:       method,
			Segment:      fmt.Sprintf("Segment %d", i%5),
			Active:       true,
		})
		assets := 10000 + float64(i)*137
		balances := []consol.LedgerBalance{
			{AccountCode: "1000", AccountName: "Cash", Category: consol.CategoryAsset, Debit: assets, Monetary: true},
			{AccountCode: "1200", AccountName: "IC receivable", Category: consol.CategoryAsset, Debit: 250, Monetary: true},
			{AccountCode: "2000", AccountName: "Payables", Category: consol.CategoryLiability, Credit: 3000, Monetary: true},
			{AccountCode: "2100", AccountName: "IC payable", Category: consol.CategoryLiability, Credit: 250, Monetary: true},
			{AccountCode: "3000", AccountName: "Share capital", Category: consol.CategoryEquity, Credit: assets - 3000 - 1000, HistoricalRate: 0.9},
			{AccountCode: "4000", AccountName: "Revenue", Category: consol.CategoryRevenue, Credit: 5000},
			{AccountCode: "5000", AccountName: "Expenses", Category: consol.CategoryExpense, Debit: 4000},
		}
		require.NoError(t, mem.SeedLedger(ctx, id, demoPeriod, balances))
		if i > 0 {
			pairs = append(pairs, consol.EliminationPair{
				ID:     fmt.Sprintf("P%02d", i),
				Kind:   consol.PairReceivablePayable,
				Seller: consol.PairSide{MemberID: fmt.Sprintf("M%02d", i-1), AccountCode: "1200", Category: consol.CategoryAsset},
				Buyer:  consol.PairSide{MemberID: id, AccountCode: "2100", Category: consol.CategoryLiability},
			})
		}
	}
	require.NoError(t, mem.SeedGroup(ctx, consol.Group{ID: "GRP-LARGE", Name: "Large", ReportingCurrency: "GBP"}, members, pairs))
	for pair, q := range map[string]fx.Quote{
		"USDGBP": {Average: 0.79, Closing: 0.8},
		"EURGBP": {Average: 0.85, Closing: 0.84},
		"CHFGBP": {Average: 0.88, Closing: 0.9},
	} {
		require.NoError(t, mem.PutQuote(ctx, pair, demoPeriod, q))
	}
}

func TestRunCompletePerformanceAndNCI(t *testing.T) {
	h := newHarness(t, nil)
	seedLargeGroup(t, h.mem, 25)

	start := time.Now()
	res, err := h.svc.RunComplete(context.Background(), "GRP-LARGE", demoPeriod, "GBP", false, DefaultOptions())
	elapsed := time.Since(start)
	require.NoError(t, err)
	require.True(t, res.Success, "failed at %s: %s", res.FailedStage, res.ErrorMessage)
	require.Less(t, elapsed, 10*time.Second)
	require.Less(t, res.TotalProcessingTimeMS, int64(10000))
	require.Equal(t, 25, res.Aggregate.MembersAggregated)
	require.Equal(t, 18, res.Translate.MembersTranslated)

	var partiallyOwned int
	for _, c := range res.Aggregate.Contributions {
		require.Greater(t, c.OwnershipPct, 0.0)
		require.LessOrEqual(t, c.OwnershipPct, 100.0)
		if c.EffectiveMethod == consol.MethodFull && c.OwnershipPct < 100 {
			partiallyOwned++
			require.NotZero(t, c.NCI, c.MemberID)
		}
	}
	require.Positive(t, partiallyOwned)
	require.True(t, res.Aggregate.NCIApplied)
	require.Positive(t, res.Aggregate.NCITotal)
}
