package query

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/consolidation/internal/consol"
	"github.com/odyssey-erp/consolidation/internal/consol/store"
)

var testKey = consol.Key{GroupID: "GRP-UK", Period: "2025-02"}

// countingStore counts aggregation reads to observe cache behaviour.
type countingStore struct {
	*store.Memory
	aggregationReads atomic.Int32
	delay            time.Duration
}

func (s *countingStore) Aggregation(ctx context.Context, key consol.Key) (consol.AggregationRun, bool, error) {
	s.aggregationReads.Add(1)
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	return s.Memory.Aggregation(ctx, key)
}

func seededStore(t *testing.T) *countingStore {
	t.Helper()
	ctx := context.Background()
	mem := store.NewMemory()
	posted := time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)
	require.NoError(t, mem.ReplaceElimination(ctx, testKey, consol.EliminationRun{
		RunID: "run-1", Key: testKey, BaseCurrency: "GBP", TotalEliminated: 1787.5, PostedAt: posted,
	}))
	require.NoError(t, mem.ReplaceTranslation(ctx, testKey, consol.TranslationRun{
		RunID:        "run-1",
		Key:          testKey,
		Method:       consol.TranslationCurrentRate,
		BaseCurrency: "GBP",
		Adjustments: []consol.TranslationAdjustment{
			{MemberID: "SUB_US", Category: consol.CategoryAsset, Materiality: consol.MaterialityLow},
			{MemberID: "SUB_US", Category: consol.CategoryExpense, Difference: 37, Materiality: consol.MaterialityHigh},
			{MemberID: "SUB_US", Category: consol.CategoryOCI, TranslatedAmount: 65.5, Materiality: consol.MaterialityHigh, Plug: true},
			{MemberID: "JV_EU", Category: consol.CategoryRevenue, Difference: 4, Materiality: consol.MaterialityMedium},
		},
		PostedAt: posted,
	}))
	require.NoError(t, mem.ReplaceAggregation(ctx, testKey, consol.AggregationRun{
		RunID:        "run-1",
		Key:          testKey,
		Level:        consol.MethodFull,
		BaseCurrency: "GBP",
		Facts: []consol.ConsolidatedFact{
			{Category: consol.CategoryAsset, TotalConsolidatedAmount: 11040},
			{Category: consol.CategoryLiability, TotalConsolidatedAmount: 3096},
			{Category: consol.CategoryEquity, TotalConsolidatedAmount: 6131},
			{Category: consol.CategoryRevenue, TotalConsolidatedAmount: 9810},
		},
		Segments: []consol.SegmentNote{
			{Segment: "Retail", SegmentRevenue: 6012.5, IsReportableSegment: true},
			{Segment: "Wholesale", SegmentRevenue: 3160, IsReportableSegment: true},
			{Segment: "Services", SegmentRevenue: 637.5},
		},
		Totals:   consol.Totals{TotalConsolidatedAmount: 19388, TotalEliminationAmount: 1787.5},
		PostedAt: posted,
	}))
	return &countingStore{Memory: mem}
}

func newService(t *testing.T, st consol.ArtifactRepository, client *redis.Client) (*Service, *Metrics) {
	t.Helper()
	metrics, err := NewMetrics(prometheus.NewRegistry())
	require.NoError(t, err)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewService(st, NewCache(client, time.Minute), metrics, logger), metrics
}

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return srv, client
}

func TestFactsFilterAndLimit(t *testing.T) {
	svc, _ := newService(t, seededStore(t), nil)
	ctx := context.Background()

	facts, err := svc.Facts(ctx, "GRP-UK", "2025-02", "", 0)
	require.NoError(t, err)
	require.Len(t, facts, 4)

	facts, err = svc.Facts(ctx, "GRP-UK", "2025-02", "asset", 0)
	require.NoError(t, err)
	require.Len(t, facts, 1)
	require.Equal(t, 11040.0, facts[0].TotalConsolidatedAmount)

	facts, err = svc.Facts(ctx, "GRP-UK", "2025-02", "", 2)
	require.NoError(t, err)
	require.Len(t, facts, 2)
	require.Equal(t, consol.CategoryAsset, facts[0].Category)

	facts, err = svc.Facts(ctx, "GRP-UK", "2025-02", "", 5000)
	require.NoError(t, err)
	require.Len(t, facts, 4)

	_, err = svc.Facts(ctx, "GRP-UK", "2025-02", "GOODWILL", 0)
	require.ErrorIs(t, err, ErrInvalidQuery)
	_, err = svc.Facts(ctx, "GRP-UK", "2025-02", "", -1)
	require.ErrorIs(t, err, ErrInvalidQuery)
	_, err = svc.Facts(ctx, "GRP-UK", "2025/02", "", 0)
	require.ErrorIs(t, err, ErrInvalidQuery)
	_, err = svc.Facts(ctx, " ", "2025-02", "", 0)
	require.ErrorIs(t, err, ErrInvalidQuery)
}

func TestSegmentsReportableOnly(t *testing.T) {
	svc, _ := newService(t, seededStore(t), nil)

	all, err := svc.Segments(context.Background(), "GRP-UK", "2025-02", false)
	require.NoError(t, err)
	require.Len(t, all, 3)

	reportable, err := svc.Segments(context.Background(), "GRP-UK", "2025-02", true)
	require.NoError(t, err)
	require.Len(t, reportable, 2)
	for _, note := range reportable {
		require.True(t, note.IsReportableSegment)
	}
}

func TestTranslationDifferencesByMateriality(t *testing.T) {
	svc, _ := newService(t, seededStore(t), nil)
	ctx := context.Background()

	all, err := svc.TranslationDifferences(ctx, "GRP-UK", "2025-02", "")
	require.NoError(t, err)
	require.Len(t, all, 4)

	high, err := svc.TranslationDifferences(ctx, "GRP-UK", "2025-02", "high")
	require.NoError(t, err)
	require.Len(t, high, 2)

	medium, err := svc.TranslationDifferences(ctx, "GRP-UK", "2025-02", consol.MaterialityMedium)
	require.NoError(t, err)
	require.Len(t, medium, 1)
	require.Equal(t, "JV_EU", medium[0].MemberID)

	_, err = svc.TranslationDifferences(ctx, "GRP-UK", "2025-02", "CRITICAL")
	require.ErrorIs(t, err, ErrInvalidQuery)
}

func TestChecksReportsAvailability(t *testing.T) {
	st := seededStore(t)
	svc, _ := newService(t, st, nil)
	ctx := context.Background()

	report, err := svc.Checks(ctx, "GRP-UK", "2025-02")
	require.NoError(t, err)
	require.False(t, report.Available)
	require.Empty(t, report.Checks)

	require.NoError(t, st.ReplaceReconciliation(ctx, testKey, consol.ReconciliationRun{
		RunID:           "run-1",
		Key:             testKey,
		Tolerance:       0.01,
		Checks:          []consol.ReconciliationCheck{{CheckType: consol.CheckBalanceSheet, CheckStatus: consol.CheckPass}},
		Passed:          true,
		IFRS10Compliant: true,
	}))
	report, err = svc.Checks(ctx, "GRP-UK", "2025-02")
	require.NoError(t, err)
	require.True(t, report.Available)
	require.True(t, report.Passed)
	require.True(t, report.IFRS10Compliant)
	require.Len(t, report.Checks, 1)
}

func TestViewCachedInRedisUntilRefreshed(t *testing.T) {
	srv, client := newRedis(t)
	st := seededStore(t)
	svc, metrics := newService(t, st, client)
	ctx := context.Background()

	_, err := svc.Facts(ctx, "GRP-UK", "2025-02", "", 0)
	require.NoError(t, err)
	_, err = svc.Segments(ctx, "GRP-UK", "2025-02", false)
	require.NoError(t, err)
	require.EqualValues(t, 1, st.aggregationReads.Load())
	require.True(t, srv.Exists("consol:view:GRP-UK:2025-02:1"))
	require.Equal(t, 1.0, testutil.ToFloat64(metrics.misses.WithLabelValues("view")))
	require.Equal(t, 1.0, testutil.ToFloat64(metrics.hits.WithLabelValues("view")))

	// a new aggregation is invisible until the view is refreshed
	require.NoError(t, st.ReplaceAggregation(ctx, testKey, consol.AggregationRun{
		RunID:  "run-2",
		Key:    testKey,
		Level:  consol.MethodFull,
		Facts:  []consol.ConsolidatedFact{{Category: consol.CategoryAsset, TotalConsolidatedAmount: 1}},
		Totals: consol.Totals{TotalConsolidatedAmount: 1},
	}))
	facts, err := svc.Facts(ctx, "GRP-UK", "2025-02", "", 0)
	require.NoError(t, err)
	require.Len(t, facts, 4)

	v, err := svc.RefreshView(ctx, "GRP-UK", "2025-02")
	require.NoError(t, err)
	require.Equal(t, "run-2", v.AggregationRunID)
	require.EqualValues(t, 2, st.aggregationReads.Load())
	ver, err := srv.Get("consol:view:version:GRP-UK:2025-02")
	require.NoError(t, err)
	require.Equal(t, "2", ver)

	facts, err = svc.Facts(ctx, "GRP-UK", "2025-02", "", 0)
	require.NoError(t, err)
	require.Len(t, facts, 1)
}

func TestInvalidateHookBumpsOnlyItsKey(t *testing.T) {
	srv, client := newRedis(t)
	svc, _ := newService(t, seededStore(t), client)
	ctx := context.Background()

	_, err := svc.View(ctx, "GRP-UK", "2025-02")
	require.NoError(t, err)
	_, err = svc.View(ctx, "GRP-UK", "2025-01")
	require.NoError(t, err)

	svc.InvalidateHook(ctx, testKey)
	ver, err := srv.Get("consol:view:version:GRP-UK:2025-02")
	require.NoError(t, err)
	require.Equal(t, "2", ver)
	ver, err = srv.Get("consol:view:version:GRP-UK:2025-01")
	require.NoError(t, err)
	require.Equal(t, "1", ver)
}

func TestConcurrentMissesShareOneBuild(t *testing.T) {
	_, client := newRedis(t)
	st := seededStore(t)
	st.delay = 50 * time.Millisecond
	svc, _ := newService(t, st, client)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.View(context.Background(), "GRP-UK", "2025-02"); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()
	require.EqualValues(t, 1, st.aggregationReads.Load())
}

func TestCancelledCallerDoesNotFailSharedBuild(t *testing.T) {
	_, client := newRedis(t)
	st := seededStore(t)
	st.delay = 150 * time.Millisecond
	svc, _ := newService(t, st, client)

	first, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := svc.View(first, "GRP-UK", "2025-02")
		firstErr <- err
	}()
	time.Sleep(20 * time.Millisecond)

	second := make(chan error, 1)
	var got View
	go func() {
		v, err := svc.View(context.Background(), "GRP-UK", "2025-02")
		got = v
		second <- err
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	require.ErrorIs(t, <-firstErr, context.Canceled)
	require.NoError(t, <-second)
	require.True(t, got.HasAggregation)
	require.EqualValues(t, 1, st.aggregationReads.Load())

	// the shared build still populated the cache
	_, err := svc.View(context.Background(), "GRP-UK", "2025-02")
	require.NoError(t, err)
	require.EqualValues(t, 1, st.aggregationReads.Load())
}

func TestViewFallsBackWhenRedisDown(t *testing.T) {
	srv, client := newRedis(t)
	st := seededStore(t)
	svc, _ := newService(t, st, client)
	srv.Close()

	v, err := svc.View(context.Background(), "GRP-UK", "2025-02")
	require.NoError(t, err)
	require.True(t, v.HasAggregation)
	require.Equal(t, 1787.5, v.EliminatedAmount)
}

func TestListenForInvalidationReportsBumps(t *testing.T) {
	_, client := newRedis(t)
	cache := NewCache(client, time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bumps := make(chan consol.Key, 1)
	require.NoError(t, cache.ListenForInvalidation(ctx, func(key consol.Key, _ int64) {
		bumps <- key
	}))
	_, err := cache.Bump(ctx, testKey)
	require.NoError(t, err)

	select {
	case key := <-bumps:
		require.Equal(t, testKey, key)
	case <-time.After(2 * time.Second):
		t.Fatal("bump not delivered")
	}
}

func TestListenForInvalidationKeepsColonsInGroupID(t *testing.T) {
	_, client := newRedis(t)
	cache := NewCache(client, time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bumps := make(chan consol.Key, 1)
	require.NoError(t, cache.ListenForInvalidation(ctx, func(key consol.Key, _ int64) {
		bumps <- key
	}))
	key := consol.Key{GroupID: "EU:HOLDCO", Period: "2025-02"}
	ver, err := cache.Bump(ctx, key)
	require.NoError(t, err)
	require.Equal(t, int64(1), ver)

	select {
	case got := <-bumps:
		require.Equal(t, key, got)
	case <-time.After(2 * time.Second):
		t.Fatal("bump not delivered")
	}
}

func TestParseBumpPayload(t *testing.T) {
	key, ok := parseBumpPayload("GRP-UK:2025-02")
	require.True(t, ok)
	require.Equal(t, consol.Key{GroupID: "GRP-UK", Period: "2025-02"}, key)

	key, ok = parseBumpPayload("a:b:2025-02")
	require.True(t, ok)
	require.Equal(t, "a:b", key.GroupID)

	for _, bad := range []string{"", "GRP-UK", ":2025-02", "GRP-UK:"} {
		_, ok := parseBumpPayload(bad)
		require.False(t, ok, bad)
	}
}

type failingStore struct {
	*store.Memory
}

func (failingStore) Translation(context.Context, consol.Key) (consol.TranslationRun, bool, error) {
	return consol.TranslationRun{}, false, errors.New("connection reset")
}

func TestViewPropagatesStoreErrors(t *testing.T) {
	svc, _ := newService(t, failingStore{Memory: store.NewMemory()}, nil)
	_, err := svc.Checks(context.Background(), "GRP-UK", "2025-02")
	require.Error(t, err)
	require.ErrorContains(t, err, "load translation")
}
