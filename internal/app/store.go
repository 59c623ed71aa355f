package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/consolidation/internal/consol"
	"github.com/odyssey-erp/consolidation/internal/consol/fx"
	"github.com/odyssey-erp/consolidation/internal/consol/store"
	"github.com/odyssey-erp/consolidation/internal/platform/db"
)

// ConsolStore is the persistence surface shared by the binaries.
type ConsolStore interface {
	consol.Store
	store.Seeder
	PutQuote(ctx context.Context, pair, period string, quote fx.Quote) error
}

// Backend bundles the opened store with its pool, if any.
type Backend struct {
	Store ConsolStore
	// Pool is nil for the memory backend.
	Pool *pgxpool.Pool
}

// Close releases the pool.
func (b *Backend) Close() {
	if b != nil && b.Pool != nil {
		b.Pool.Close()
	}
}

// OpenStore opens the configured backend, migrating and seeding as configured.
func OpenStore(ctx context.Context, cfg *Config, logger *slog.Logger) (*Backend, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var backend Backend
	switch cfg.Consol.Store {
	case StoreMemory:
		backend.Store = store.NewMemory()
	case StorePostgres:
		if cfg.MigrateOnBoot {
			if err := db.Migrate(cfg.PGDSN, logger); err != nil {
				return nil, err
			}
		}
		pool, err := db.New(ctx, cfg.PGDSN)
		if err != nil {
			return nil, err
		}
		backend.Pool = pool
		backend.Store = store.NewPostgres(pool)
	default:
		return nil, fmt.Errorf("app: unknown store %q", cfg.Consol.Store)
	}
	if cfg.Consol.Fixture != "" {
		fixture, err := store.LoadFixtureFile(cfg.Consol.Fixture)
		if err != nil {
			backend.Close()
			return nil, err
		}
		if err := fixture.Apply(ctx, backend.Store); err != nil {
			backend.Close()
			return nil, fmt.Errorf("app: seed fixture: %w", err)
		}
		logger.Info("fixture loaded", slog.String("path", cfg.Consol.Fixture), slog.Int("groups", len(fixture.Groups)))
	}
	return &backend, nil
}
