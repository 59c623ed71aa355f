package perf

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	consolhttp "github.com/odyssey-erp/consolidation/internal/consol/http"
	"github.com/odyssey-erp/consolidation/internal/consol/query"
	"github.com/odyssey-erp/consolidation/internal/shared"
)

func TestViewQueryLatencyTargets(t *testing.T) {
	mem, svc := seededService(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	queries := query.NewService(mem, nil, nil, logger)
	handler := consolhttp.NewHandler(logger, svc, queries, shared.NewMemoryIdempotency(time.Hour))
	r := chi.NewRouter()
	handler.MountRoutes(r)

	runReq := httptest.NewRequest(http.MethodPost, "/consol/GRP-UK/2025-02/run", strings.NewReader(`{"base_currency":"GBP"}`))
	runReq.Header.Set("Content-Type", "application/json")
	runRec := httptest.NewRecorder()
	r.ServeHTTP(runRec, runReq)
	if runRec.Code != http.StatusOK {
		t.Fatalf("seed run status %d: %s", runRec.Code, runRec.Body.String())
	}

	scenarios := []struct {
		name      string
		path      string
		threshold time.Duration
	}{
		{name: "facts", path: "/consol/GRP-UK/2025-02/facts", threshold: 250 * time.Millisecond},
		{name: "segments", path: "/consol/GRP-UK/2025-02/segments", threshold: 250 * time.Millisecond},
		{name: "checks", path: "/consol/GRP-UK/2025-02/checks", threshold: 250 * time.Millisecond},
	}
	for _, scenario := range scenarios {
		samples := make([]time.Duration, 0, 20)
		for i := 0; i < 20; i++ {
			rec := httptest.NewRecorder()
			start := time.Now()
			r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, scenario.path, nil))
			samples = append(samples, time.Since(start))
			if rec.Code != http.StatusOK {
				t.Fatalf("%s status %d: %s", scenario.name, rec.Code, rec.Body.String())
			}
		}
		if p95 := percentile95(samples); p95 > scenario.threshold {
			t.Fatalf("%s latency regression: p95=%s threshold=%s", scenario.name, p95, scenario.threshold)
		}
	}
}

func percentile95(samples []time.Duration) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	sorted := append([]time.Duration(nil), samples...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	index := int(float64(len(sorted)-1) * 0.95)
	if index < 0 {
		index = 0
	}
	if index >= len(sorted) {
		index = len(sorted) - 1
	}
	return sorted[index]
}
