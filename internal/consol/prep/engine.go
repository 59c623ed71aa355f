package prep

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/odyssey-erp/consolidation/internal/consol"
	"github.com/odyssey-erp/consolidation/internal/consol/fx"
)

// Engine validates group structure and FX coverage and caches the snapshot.
type Engine struct {
	groups   consol.GroupRepository
	resolver *fx.Resolver
	cache    *SnapshotCache
	logger   *slog.Logger
	now      func() time.Time
}

// NewEngine wires the preparation stage.
func NewEngine(groups consol.GroupRepository, resolver *fx.Resolver, cache *SnapshotCache, logger *slog.Logger) *Engine {
	if cache == nil {
		cache = NewSnapshotCache(DefaultSnapshotTTL)
	}
	return &Engine{
		groups:   groups,
		resolver: resolver,
		cache:    cache,
		logger:   logger,
		now: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Prepare validates inputs for rc.Key and stores the snapshot on rc. Domain
// failures are reported in the result; the error is reserved for storage faults.
func (e *Engine) Prepare(ctx context.Context, rc *consol.RunContext, validationMode bool) (consol.PrepareResult, error) {
	res := consol.PrepareResult{ValidationMode: validationMode, BaseCurrency: rc.BaseCurrency}
	if e == nil || e.groups == nil || e.resolver == nil {
		return res, fmt.Errorf("prepare: engine not initialised")
	}
	start := e.now()
	done := func() (consol.PrepareResult, error) {
		res.ProcessingTimeMS = e.now().Sub(start).Milliseconds()
		return res, nil
	}

	periodStart, err := consol.ParsePeriod(rc.Key.Period)
	if err != nil {
		res.Outcome = consol.Failed(rc.Key, consol.CodeInvalidPeriod, "%v", err)
		return done()
	}
	base, err := consol.ParseCurrency(rc.BaseCurrency)
	if err != nil {
		res.Outcome = consol.Failed(rc.Key, consol.CodeInvalidCurrency, "%v", err)
		return done()
	}
	rc.BaseCurrency = base
	res.BaseCurrency = base

	group, err := e.groups.Group(ctx, rc.Key.GroupID)
	if errors.Is(err, consol.ErrGroupNotFound) {
		res.Outcome = consol.Failed(rc.Key, consol.CodeGroupNotFound, "group %s not found", rc.Key.GroupID)
		return done()
	}
	if err != nil {
		return res, fmt.Errorf("prepare: load group %s: %w", rc.Key.GroupID, err)
	}
	all, err := e.groups.Members(ctx, rc.Key.GroupID, rc.Key.Period)
	if err != nil {
		return res, fmt.Errorf("prepare: load members: %w", err)
	}
	active := make([]consol.Member, 0, len(all))
	for _, m := range all {
		if m.Active {
			active = append(active, m)
		}
	}
	if len(active) == 0 {
		res.Outcome = consol.Failed(rc.Key, consol.CodeGroupNotFound, "group %s has no active members for %s", rc.Key.GroupID, rc.Key.Period)
		return done()
	}
	if group.ReportingCurrency != "" && group.ReportingCurrency != base {
		res.Warnings = append(res.Warnings, fmt.Sprintf("base currency %s differs from group reporting currency %s", base, group.ReportingCurrency))
	}

	members, invalidMembers := ValidateMembers(active)
	currencies := make([]string, 0, len(members))
	for _, m := range members {
		if m.ValidationStatus == consol.StatusValid {
			currencies = append(currencies, m.Currency)
		}
	}
	reqs := fx.RequirementsFor(currencies, base)
	pairCodes := make([]string, len(reqs))
	for i, req := range reqs {
		pairCodes[i] = req.Pair
	}
	resolutions, err := e.resolver.ResolveAll(ctx, pairCodes, periodStart)
	if err != nil {
		return res, fmt.Errorf("prepare: resolve fx: %w", err)
	}
	rates := make(map[string]consol.FXRate, len(resolutions))
	missing := make([]string, 0)
	stale := make([]string, 0)
	for _, code := range pairCodes {
		r := resolutions[code]
		rate := consol.FXRate{Pair: code, Period: rc.Key.Period}
		switch r.Status {
		case fx.StatusValid:
			rate.ValidationStatus = consol.StatusValid
		case fx.StatusStale:
			rate.ValidationStatus = consol.StatusStale
			stale = append(stale, code)
			res.Warnings = append(res.Warnings, fmt.Sprintf("fx rate %s borrowed from %s", code, consol.FormatPeriod(r.Source)))
		default:
			rate.ValidationStatus = consol.StatusMissing
			missing = append(missing, code)
		}
		if r.Status != fx.StatusMissing {
			rate.AvgRate = r.Quote.Average
			rate.ClosingRate = r.Quote.Closing
			rate.SourcePeriod = consol.FormatPeriod(r.Source)
			res.FXPairsValidated++
		}
		rates[code] = rate
	}

	pairs, err := e.groups.EliminationPairs(ctx, rc.Key.GroupID)
	if err != nil {
		return res, fmt.Errorf("prepare: load elimination pairs: %w", err)
	}
	checkedPairs, invalidPairs := ValidatePairs(pairs, members)
	for _, p := range checkedPairs {
		if p.ValidationStatus == consol.StatusValid {
			res.EliminationPairsValidated++
		}
	}

	sort.Strings(missing)
	sort.Strings(stale)
	issues := len(invalidMembers) + len(missing) + len(invalidPairs)
	passed := !validationMode || issues == 0

	snap := &consol.Snapshot{
		Key:              rc.Key,
		RunID:            rc.RunID,
		Group:            group,
		BaseCurrency:     base,
		Members:          members,
		Rates:            rates,
		Pairs:            checkedPairs,
		MissingPairs:     missing,
		StalePairs:       stale,
		ValidationPassed: passed,
		PreparedAt:       e.now(),
	}
	e.cache.Put(snap)
	rc.Snapshot = snap

	res.Outcome = consol.Succeeded(consol.SmartCodePrepare, rc.Key, rc.RunID)
	res.MemberCount = len(members)
	res.Members = members
	res.FXRates = rates
	res.MissingFXPairs = missing
	res.StaleFXPairs = stale
	res.InvalidMembers = invalidMembers
	res.InvalidPairs = invalidPairs
	res.ValidationPassed = passed

	e.log().Info("prepared consolidation inputs",
		slog.String("group_id", rc.Key.GroupID),
		slog.String("period", rc.Key.Period),
		slog.String("base_currency", base),
		slog.Int("members", res.MemberCount),
		slog.Int("fx_pairs", res.FXPairsValidated),
		slog.Int("missing_fx_pairs", len(missing)),
		slog.Bool("validation_passed", passed))
	return done()
}

// Snapshot returns the cached snapshot for the key and base currency.
func (e *Engine) Snapshot(key consol.Key, base string) (*consol.Snapshot, bool) {
	return e.cache.Get(key, base)
}

func (e *Engine) log() *slog.Logger {
	if e != nil && e.logger != nil {
		return e.logger.With(slog.String("component", "consol_prepare"))
	}
	return slog.Default().With(slog.String("component", "consol_prepare"))
}
