package fx

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Status flags the freshness of a resolved quote.
type Status string

const (
	StatusValid   Status = "VALID"
	StatusStale   Status = "STALE"
	StatusMissing Status = "MISSING"
)

// DefaultLookbackMonths bounds how far back a stale quote may be borrowed from.
const DefaultLookbackMonths = 3

// Resolution is the outcome of resolving one pair for one period.
type Resolution struct {
	Pair      string
	Period    time.Time
	Source    time.Time
	Quote     Quote
	Status    Status
	AgeMonths int
}

// Resolver looks up quotes and falls back to earlier months when the period is missing.
type Resolver struct {
	provider QuoteProvider
	lookback int
}

// NewResolver builds a resolver. A negative lookback disables stale fallback.
func NewResolver(provider QuoteProvider, lookbackMonths int) *Resolver {
	if lookbackMonths < 0 {
		lookbackMonths = 0
	}
	return &Resolver{provider: provider, lookback: lookbackMonths}
}

// Resolve returns the quote for pair in period, flagging it STALE when borrowed
// from an earlier month and MISSING when nothing usable exists in the window.
func (r *Resolver) Resolve(ctx context.Context, pair string, period time.Time) (Resolution, error) {
	pair = strings.ToUpper(strings.TrimSpace(pair))
	if r == nil || r.provider == nil {
		return Resolution{}, fmt.Errorf("fx: quote provider required")
	}
	if pair == "" {
		return Resolution{}, fmt.Errorf("fx: pair required")
	}
	if period.IsZero() {
		return Resolution{}, fmt.Errorf("fx: period is required")
	}
	period = monthStart(period)
	res := Resolution{Pair: pair, Period: period, Status: StatusMissing}
	for age := 0; age <= r.lookback; age++ {
		asOf := period.AddDate(0, -age, 0)
		quote, ok, err := r.provider.QuoteForPeriod(ctx, asOf, pair)
		if err != nil {
			return Resolution{}, fmt.Errorf("fx: resolve %s %s: %w", pair, asOf.Format("2006-01"), err)
		}
		if !ok || !quote.Usable() {
			continue
		}
		res.Quote = quote
		res.Source = asOf
		res.AgeMonths = age
		res.Status = StatusValid
		if age > 0 {
			res.Status = StatusStale
		}
		return res, nil
	}
	return res, nil
}

// ResolveAll resolves every pair, returning results keyed by pair.
func (r *Resolver) ResolveAll(ctx context.Context, pairs []string, period time.Time) (map[string]Resolution, error) {
	sorted := append([]string(nil), pairs...)
	sort.Strings(sorted)
	out := make(map[string]Resolution, len(sorted))
	for _, pair := range sorted {
		res, err := r.Resolve(ctx, pair, period)
		if err != nil {
			return nil, err
		}
		out[res.Pair] = res
	}
	return out, nil
}
