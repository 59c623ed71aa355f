package query

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/odyssey-erp/consolidation/internal/consol"
)

// Limits applied to fact queries.
const (
	DefaultFactLimit = 100
	MaxFactLimit     = 1000
)

// ErrInvalidQuery flags malformed filters.
var ErrInvalidQuery = errors.New("query: invalid filter")

// View is the read projection of the latest artifacts of one key.
type View struct {
	GroupID           string                         `json:"group_id"`
	Period            string                         `json:"period"`
	BaseCurrency      string                         `json:"base_currency,omitempty"`
	AggregationRunID  string                         `json:"aggregation_run_id,omitempty"`
	Level             consol.ConsolidationMethod     `json:"consolidation_level,omitempty"`
	Facts             []consol.ConsolidatedFact      `json:"facts"`
	Segments          []consol.SegmentNote           `json:"segment_notes"`
	Totals            consol.Totals                  `json:"totals"`
	TranslationMethod consol.TranslationMethod       `json:"translation_method,omitempty"`
	Differences       []consol.TranslationAdjustment `json:"translation_differences"`
	Checks            []consol.ReconciliationCheck   `json:"checks"`
	AutoAdjustments   []consol.AutoAdjustment        `json:"auto_adjustments"`
	Reconciled        bool                           `json:"reconciliation_passed"`
	IFRS10Compliant   bool                           `json:"ifrs_10_compliant"`
	EliminatedAmount  float64                        `json:"total_eliminated_amount"`
	HasAggregation    bool                           `json:"has_aggregation"`
	HasReconciliation bool                           `json:"has_reconciliation"`
	BuiltAt           time.Time                      `json:"built_at"`
}

// CheckReport is the reconciliation outcome returned by Checks.
type CheckReport struct {
	GroupID         string                       `json:"group_id"`
	Period          string                       `json:"period"`
	Available       bool                         `json:"available"`
	Checks          []consol.ReconciliationCheck `json:"checks"`
	AutoAdjustments []consol.AutoAdjustment      `json:"auto_adjustments"`
	Passed          bool                         `json:"reconciliation_passed"`
	IFRS10Compliant bool                         `json:"ifrs_10_compliant"`
}

// Service answers read-only queries over persisted consolidation artifacts.
type Service struct {
	artifacts consol.ArtifactRepository
	cache     *Cache
	metrics   *Metrics
	logger    *slog.Logger
	builds    singleflight.Group
	now       func() time.Time
}

// NewService wires the query service. A nil cache disables caching.
func NewService(artifacts consol.ArtifactRepository, cache *Cache, metrics *Metrics, logger *slog.Logger) *Service {
	return &Service{
		artifacts: artifacts,
		cache:     cache,
		metrics:   metrics,
		logger:    logger,
		now: func() time.Time {
			return time.Now().UTC()
		},
	}
}

func parseKey(groupID, period string) (consol.Key, error) {
	key := consol.Key{GroupID: strings.TrimSpace(groupID), Period: strings.TrimSpace(period)}
	if key.GroupID == "" {
		return key, fmt.Errorf("%w: group id required", ErrInvalidQuery)
	}
	if _, err := consol.ParsePeriod(key.Period); err != nil {
		return key, fmt.Errorf("%w: %v", ErrInvalidQuery, err)
	}
	return key, nil
}

// View returns the cached projection of the key, building it on a miss.
// Concurrent misses for one key share a single build.
func (s *Service) View(ctx context.Context, groupID, period string) (View, error) {
	key, err := parseKey(groupID, period)
	if err != nil {
		return View{}, err
	}
	return s.view(ctx, key)
}

func (s *Service) view(ctx context.Context, key consol.Key) (View, error) {
	cacheKey, err := s.cache.BuildKey(ctx, key)
	if err != nil {
		s.log().Warn("view cache unavailable, building directly", slog.String("key", key.String()), slog.Any("error", err))
		return s.build(ctx, key)
	}
	// the shared build outlives any single caller's cancellation
	buildCtx := context.WithoutCancel(ctx)
	result := s.builds.DoChan(cacheKey, func() (interface{}, error) {
		var v View
		hit, err := s.cache.FetchJSON(buildCtx, cacheKey, &v, func(ctx context.Context) (interface{}, error) {
			return s.build(ctx, key)
		})
		if err != nil {
			return nil, err
		}
		if hit {
			s.metrics.hit("view")
		} else {
			s.metrics.miss("view")
		}
		return v, nil
	})
	select {
	case <-ctx.Done():
		return View{}, ctx.Err()
	case res := <-result:
		if res.Err != nil {
			return View{}, res.Err
		}
		return res.Val.(View), nil
	}
}

func (s *Service) build(ctx context.Context, key consol.Key) (View, error) {
	start := s.now()
	v := View{
		GroupID:         key.GroupID,
		Period:          key.Period,
		Facts:           []consol.ConsolidatedFact{},
		Segments:        []consol.SegmentNote{},
		Differences:     []consol.TranslationAdjustment{},
		Checks:          []consol.ReconciliationCheck{},
		AutoAdjustments: []consol.AutoAdjustment{},
		BuiltAt:         start,
	}
	if s == nil || s.artifacts == nil {
		return v, fmt.Errorf("query: service not initialised")
	}
	elim, ok, err := s.artifacts.Elimination(ctx, key)
	if err != nil {
		return v, fmt.Errorf("query: load elimination: %w", err)
	}
	if ok {
		v.EliminatedAmount = elim.TotalEliminated
		v.BaseCurrency = elim.BaseCurrency
	}
	trans, ok, err := s.artifacts.Translation(ctx, key)
	if err != nil {
		return v, fmt.Errorf("query: load translation: %w", err)
	}
	if ok {
		v.TranslationMethod = trans.Method
		v.Differences = append(v.Differences, trans.Adjustments...)
		v.BaseCurrency = trans.BaseCurrency
	}
	agg, ok, err := s.artifacts.Aggregation(ctx, key)
	if err != nil {
		return v, fmt.Errorf("query: load aggregation: %w", err)
	}
	if ok {
		v.HasAggregation = true
		v.AggregationRunID = agg.RunID
		v.Level = agg.Level
		v.BaseCurrency = agg.BaseCurrency
		v.Facts = append(v.Facts, agg.Facts...)
		v.Segments = append(v.Segments, agg.Segments...)
		v.Totals = agg.Totals
	}
	rec, ok, err := s.artifacts.Reconciliation(ctx, key)
	if err != nil {
		return v, fmt.Errorf("query: load reconciliation: %w", err)
	}
	if ok {
		v.HasReconciliation = true
		v.Checks = append(v.Checks, rec.Checks...)
		v.AutoAdjustments = append(v.AutoAdjustments, rec.Adjustments...)
		v.Reconciled = rec.Passed
		v.IFRS10Compliant = rec.IFRS10Compliant
	}
	s.metrics.observeBuild("view", s.now().Sub(start))
	return v, nil
}

// Facts returns consolidated facts of the key, optionally narrowed to one
// category. limit defaults to DefaultFactLimit and is capped at MaxFactLimit.
func (s *Service) Facts(ctx context.Context, groupID, period string, category consol.Category, limit int) ([]consol.ConsolidatedFact, error) {
	key, err := parseKey(groupID, period)
	if err != nil {
		return nil, err
	}
	if category != "" {
		parsed, err := consol.ParseCategory(string(category))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidQuery, err)
		}
		category = parsed
	}
	switch {
	case limit < 0:
		return nil, fmt.Errorf("%w: limit must not be negative", ErrInvalidQuery)
	case limit == 0:
		limit = DefaultFactLimit
	case limit > MaxFactLimit:
		limit = MaxFactLimit
	}
	v, err := s.view(ctx, key)
	if err != nil {
		return nil, err
	}
	out := make([]consol.ConsolidatedFact, 0, len(v.Facts))
	for _, fact := range v.Facts {
		if category != "" && fact.Category != category {
			continue
		}
		out = append(out, fact)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// Segments returns the segment notes of the key.
func (s *Service) Segments(ctx context.Context, groupID, period string, reportableOnly bool) ([]consol.SegmentNote, error) {
	key, err := parseKey(groupID, period)
	if err != nil {
		return nil, err
	}
	v, err := s.view(ctx, key)
	if err != nil {
		return nil, err
	}
	out := make([]consol.SegmentNote, 0, len(v.Segments))
	for _, note := range v.Segments {
		if reportableOnly && !note.IsReportableSegment {
			continue
		}
		out = append(out, note)
	}
	return out, nil
}

// TranslationDifferences returns translation adjustments of the key,
// optionally narrowed to one materiality level.
func (s *Service) TranslationDifferences(ctx context.Context, groupID, period string, materiality consol.Materiality) ([]consol.TranslationAdjustment, error) {
	key, err := parseKey(groupID, period)
	if err != nil {
		return nil, err
	}
	if materiality != "" {
		parsed, err := consol.ParseMateriality(string(materiality))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidQuery, err)
		}
		materiality = parsed
	}
	v, err := s.view(ctx, key)
	if err != nil {
		return nil, err
	}
	out := make([]consol.TranslationAdjustment, 0, len(v.Differences))
	for _, adj := range v.Differences {
		if materiality != "" && adj.Materiality != materiality {
			continue
		}
		out = append(out, adj)
	}
	return out, nil
}

// Checks returns the stored reconciliation outcome of the key.
func (s *Service) Checks(ctx context.Context, groupID, period string) (CheckReport, error) {
	key, err := parseKey(groupID, period)
	if err != nil {
		return CheckReport{}, err
	}
	v, err := s.view(ctx, key)
	if err != nil {
		return CheckReport{}, err
	}
	return CheckReport{
		GroupID:         key.GroupID,
		Period:          key.Period,
		Available:       v.HasReconciliation,
		Checks:          v.Checks,
		AutoAdjustments: v.AutoAdjustments,
		Passed:          v.Reconciled,
		IFRS10Compliant: v.IFRS10Compliant,
	}, nil
}

// RefreshView drops the cached projection of the key and rebuilds it.
func (s *Service) RefreshView(ctx context.Context, groupID, period string) (View, error) {
	key, err := parseKey(groupID, period)
	if err != nil {
		return View{}, err
	}
	if err := s.Invalidate(ctx, key); err != nil {
		return View{}, err
	}
	v, err := s.view(ctx, key)
	if err != nil {
		return View{}, err
	}
	s.log().Info("consolidation view refreshed",
		slog.String("group_id", key.GroupID),
		slog.String("period", key.Period),
		slog.Int("facts", len(v.Facts)))
	return v, nil
}

// Invalidate bumps the view version of the key.
func (s *Service) Invalidate(ctx context.Context, key consol.Key) error {
	if _, err := s.cache.Bump(ctx, key); err != nil {
		return fmt.Errorf("query: bump view %s: %w", key, err)
	}
	return nil
}

// InvalidateHook adapts Invalidate to a pipeline commit hook; failures are logged.
func (s *Service) InvalidateHook(ctx context.Context, key consol.Key) {
	if err := s.Invalidate(ctx, key); err != nil {
		s.log().Warn("view invalidation failed", slog.String("key", key.String()), slog.Any("error", err))
	}
}

func (s *Service) log() *slog.Logger {
	if s != nil && s.logger != nil {
		return s.logger.With(slog.String("component", "consol_query"))
	}
	return slog.Default().With(slog.String("component", "consol_query"))
}
