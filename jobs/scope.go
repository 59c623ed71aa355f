package jobs

import (
	"context"
	"errors"
	"sort"

	"github.com/odyssey-erp/consolidation/internal/consol"
)

// ScopeRepository resolves which groups and period a job covers.
type ScopeRepository interface {
	ListGroupIDs(ctx context.Context) ([]string, error)
	ActiveConsolidationPeriod(ctx context.Context) (string, error)
}

// errNoActivePeriod is returned when "active" cannot be resolved.
var errNoActivePeriod = errors.New("no active consolidation period")

func resolvePeriod(ctx context.Context, repo ScopeRepository, period string) (string, error) {
	if period != "" && period != scopeActivePeriod {
		if _, err := consol.ParsePeriod(period); err != nil {
			return "", err
		}
		return period, nil
	}
	code, err := repo.ActiveConsolidationPeriod(ctx)
	if err != nil {
		return "", err
	}
	if code == "" {
		return "", errNoActivePeriod
	}
	return code, nil
}

func resolveGroups(ctx context.Context, repo ScopeRepository, group string) ([]string, error) {
	if group != "" && group != scopeAllGroups {
		return []string{group}, nil
	}
	ids, err := repo.ListGroupIDs(ctx)
	if err != nil {
		return nil, err
	}
	sort.Strings(ids)
	return ids, nil
}
