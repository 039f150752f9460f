package cmd

import (
	"context"
	"errors"
	"log/slog"

	"github.com/kozaktomas/face-clusters/internal/clustering"
	"github.com/kozaktomas/face-clusters/internal/config"
	"github.com/kozaktomas/face-clusters/internal/database"
	"github.com/kozaktomas/face-clusters/internal/logger"

	// store backends register themselves
	_ "github.com/kozaktomas/face-clusters/internal/database/postgres"
	_ "github.com/kozaktomas/face-clusters/internal/database/sqlite"
)

// app bundles what every command needs: configuration, a store and a loaded engine.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	store  database.Store
	engine *clustering.Engine
}

// openApp loads the configuration, opens the store and loads the engine state.
func openApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if storeBackend != "" {
		cfg.Store.Backend = storeBackend
	}
	log := logger.FromSettings(cfg.Log.Level, cfg.Log.Format, nil)

	store, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	engine, err := clustering.New(store, cfg.Clustering(), clustering.WithLogger(log))
	if err != nil {
		store.Close()
		return nil, err
	}
	if err := engine.Load(ctx); err != nil {
		store.Close()
		return nil, err
	}
	return &app{cfg: cfg, logger: log, store: store, engine: engine}, nil
}

// openStore opens the configured store backend.
func openStore(ctx context.Context, cfg *config.Config) (database.Store, error) {
	opts := database.OpenOptions{
		MaxOpenConns: cfg.Database.MaxOpenConns,
		MaxIdleConns: cfg.Database.MaxIdleConns,
	}
	switch cfg.Store.Backend {
	case "postgres":
		if cfg.Database.URL == "" {
			return nil, errors.New("DATABASE_URL environment variable is required for the postgres store")
		}
		opts.DSN = cfg.Database.URL
	case "sqlite":
		opts.DSN = cfg.Store.SQLitePath
	}
	return database.Open(ctx, cfg.Store.Backend, opts)
}

// Close stops the engine and closes the store.
func (a *app) Close() {
	a.engine.Close()
	if err := a.store.Close(); err != nil {
		a.logger.Warn("failed to close store", "error", err)
	}
}
