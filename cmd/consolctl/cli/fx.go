package cli

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/odyssey-erp/consolidation/internal/consol"
	"github.com/odyssey-erp/consolidation/internal/consol/fx"
	"github.com/odyssey-erp/consolidation/internal/consol/store"
)

// FXRepository is the read surface the fx commands need.
type FXRepository interface {
	Group(ctx context.Context, groupID string) (consol.Group, error)
	Members(ctx context.Context, groupID, period string) ([]consol.Member, error)
	fx.QuoteProvider
	PutQuote(ctx context.Context, pair, period string, quote fx.Quote) error
}

// batchQuoteWriter is implemented by stores that can upsert many quotes in one round trip.
type batchQuoteWriter interface {
	UpsertQuotes(ctx context.Context, quotes []store.QuoteInput) error
}

// FXOpsCLI offers operational helpers to manage FX rates used by consolidation.
type FXOpsCLI struct {
	repo FXRepository
}

// NewFXOpsCLI constructs a new helper instance.
func NewFXOpsCLI(repo FXRepository) (*FXOpsCLI, error) {
	if repo == nil {
		return nil, errors.New("fx cli: repository required")
	}
	return &FXOpsCLI{repo: repo}, nil
}

// ValidateParams scopes a gap check.
type ValidateParams struct {
	GroupID string
	Period  time.Time
	// Pairs restricts the check; empty checks every member currency.
	Pairs []string
}

// ValidateResult carries the fx validation outcome with its context.
type ValidateResult struct {
	GroupID            string
	ReportingCurrency  string
	ConsideredPairs    []string
	RequestedPairNames []string
	Result             fx.Result
}

// ValidateGaps checks average and closing rates for every pair the group
// translates in period.
func (c *FXOpsCLI) ValidateGaps(ctx context.Context, params ValidateParams) (ValidateResult, error) {
	group, err := c.repo.Group(ctx, params.GroupID)
	if err != nil {
		return ValidateResult{}, err
	}
	out := ValidateResult{GroupID: group.ID, ReportingCurrency: group.ReportingCurrency}
	var reqs []fx.Requirement
	if len(params.Pairs) > 0 {
		for _, pair := range params.Pairs {
			pair = strings.ToUpper(strings.TrimSpace(pair))
			if pair == "" {
				continue
			}
			out.RequestedPairNames = append(out.RequestedPairNames, pair)
			reqs = append(reqs, fx.Requirement{Pair: pair, Methods: []fx.Method{fx.MethodAverage, fx.MethodClosing}})
		}
	} else {
		members, err := c.repo.Members(ctx, params.GroupID, consol.FormatPeriod(params.Period))
		if err != nil {
			return ValidateResult{}, err
		}
		currencies := make([]string, 0, len(members))
		for _, m := range members {
			if m.Active {
				currencies = append(currencies, m.Currency)
			}
		}
		reqs = fx.RequirementsFor(currencies, group.ReportingCurrency)
	}
	for _, req := range reqs {
		out.ConsideredPairs = append(out.ConsideredPairs, req.Pair)
	}
	sort.Strings(out.ConsideredPairs)
	out.Result, err = fx.Validate(ctx, c.repo, params.Period, reqs)
	if err != nil {
		return ValidateResult{}, fmt.Errorf("validate fx: %w", err)
	}
	return out, nil
}

func (c *FXOpsCLI) writeQuotes(ctx context.Context, rows []store.QuoteInput) error {
	if batch, ok := c.repo.(batchQuoteWriter); ok {
		return batch.UpsertQuotes(ctx, rows)
	}
	for _, row := range rows {
		if err := c.repo.PutQuote(ctx, row.Pair, row.Period, fx.Quote{Average: row.Average, Closing: row.Closing}); err != nil {
			return err
		}
	}
	return nil
}
