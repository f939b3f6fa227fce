package cmd

import (
	"context"
	"fmt"

	"github.com/quotaguard/quotaguard/internal/config"
	"github.com/quotaguard/quotaguard/internal/core/registry"
	"github.com/quotaguard/quotaguard/internal/core/store"
	"github.com/quotaguard/quotaguard/internal/core/tracker"
	"github.com/quotaguard/quotaguard/internal/observability"
)

// stateHandles bundles the persistent components used by the CLI.
type stateHandles struct {
	cfg      *config.Config
	db       *store.Store
	registry *registry.Registry
	tracker  *tracker.Tracker
}

func (h *stateHandles) Close() error {
	if h == nil || h.db == nil {
		return nil
	}
	return h.db.Close()
}

func openStore(ctx context.Context, cfg config.StoreConfig) (*store.Store, error) {
	db, err := store.Open(ctx, cfg)
	if err != nil {
		return nil, err
	}

	if err := db.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return db, nil
}

func openState(ctx context.Context) (*stateHandles, error) {
	cfg, err := loadConfig(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	db, err := openStore(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}

	logger := observability.CLI()
	return &stateHandles{
		cfg:      cfg,
		db:       db,
		registry: registry.New(db, logger),
		tracker:  tracker.New(db, logger),
	}, nil
}
