package consol

import (
	"context"

	"github.com/odyssey-erp/consolidation/internal/consol/fx"
)

// GroupRepository loads group structure maintained by group setup.
type GroupRepository interface {
	Group(ctx context.Context, groupID string) (Group, error)
	Members(ctx context.Context, groupID, period string) ([]Member, error)
	EliminationPairs(ctx context.Context, groupID string) ([]EliminationPair, error)
}

// LedgerRepository reads posted member trial balances.
type LedgerRepository interface {
	LedgerBalances(ctx context.Context, memberID, period string) ([]LedgerBalance, error)
}

// ArtifactRepository persists stage outputs. Every Replace call swaps the whole
// artifact set for the key in one atomic commit.
type ArtifactRepository interface {
	ReplaceElimination(ctx context.Context, key Key, run EliminationRun) error
	Elimination(ctx context.Context, key Key) (EliminationRun, bool, error)
	ReplaceTranslation(ctx context.Context, key Key, run TranslationRun) error
	Translation(ctx context.Context, key Key) (TranslationRun, bool, error)
	ReplaceAggregation(ctx context.Context, key Key, run AggregationRun) error
	Aggregation(ctx context.Context, key Key) (AggregationRun, bool, error)
	ReplaceReconciliation(ctx context.Context, key Key, run ReconciliationRun) error
	Reconciliation(ctx context.Context, key Key) (ReconciliationRun, bool, error)
}

// ScopeRepository resolves job scopes.
type ScopeRepository interface {
	ListGroupIDs(ctx context.Context) ([]string, error)
	ActiveConsolidationPeriod(ctx context.Context) (string, error)
}

// Store is the full persistence surface used by the pipeline.
type Store interface {
	GroupRepository
	LedgerRepository
	ArtifactRepository
	ScopeRepository
	fx.QuoteProvider
}
