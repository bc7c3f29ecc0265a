// Package app wires a workspace together: config, logger, registry, cache
// store, events log and evaluator.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"quiche/internal/clock"
	"quiche/internal/config"
	"quiche/internal/db"
	"quiche/internal/engine"
	"quiche/internal/events"
	"quiche/internal/log"
	"quiche/internal/migrate"
	"quiche/internal/pipeline"
	"quiche/internal/registry"
	"quiche/internal/store"
)

type App struct {
	Workspace string
	Config    *config.Config
	Logger    *log.Logger
	DB        *sql.DB
	Registry  *registry.Registry
	Store     store.Store
	Events    events.Writer
	Eval      *engine.Evaluator
}

type Options struct {
	LogOutput io.Writer
}

// Open builds an App for workspace. A nil cfg loads quiche.yml from the
// workspace, falling back to the default config when there is none.
func Open(ctx context.Context, cfg *config.Config, workspace string, opts Options) (*App, error) {
	if workspace == "" {
		workspace = "."
	}
	if cfg == nil {
		loaded, err := config.LoadOptional(workspace)
		if err != nil {
			return nil, err
		}
		if loaded == nil {
			loaded = config.Default()
		}
		cfg = loaded
	}
	out := opts.LogOutput
	if out == nil {
		out = os.Stderr
	}
	logger := log.New(log.Config{
		Level:  log.ParseLevel(cfg.Log.Level),
		Format: log.ParseFormat(cfg.Log.Format),
		Output: out,
	})

	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := migrate.Migrate(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	reg := registry.New()
	st, err := openStore(cfg, workspace, conn, reg, logger)
	if err != nil {
		conn.Close()
		return nil, err
	}

	ev := events.Writer{DB: conn}
	evalOpts := []engine.Option{engine.WithLogger(logger), engine.WithRecorder(ev)}
	if cfg.Clock == config.ClockLogical {
		evalOpts = append(evalOpts, engine.WithClock(&clock.Logical{}))
	}
	eval := engine.New(reg, st, evalOpts...)
	if err := eval.Seed(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	if err := (pipeline.Runner{Dir: workspace, Logger: logger}).Register(reg, cfg); err != nil {
		conn.Close()
		return nil, fmt.Errorf("register tasks: %w", err)
	}
	if cfg.Events.Keep > 0 {
		if _, err := ev.Prune(ctx, cfg.Events.Keep); err != nil {
			logger.Warn(ctx, "prune events failed", "error", err)
		}
	}

	return &App{
		Workspace: workspace,
		Config:    cfg,
		Logger:    logger,
		DB:        conn,
		Registry:  reg,
		Store:     st,
		Events:    ev,
		Eval:      eval,
	}, nil
}

func openStore(cfg *config.Config, workspace string, conn *sql.DB, reg *registry.Registry, logger *log.Logger) (store.Store, error) {
	tiered := []store.TieredOption{store.WithLogger(logger), store.WithPlacement(reg.PlacementFor)}
	switch cfg.Cache.Backend {
	case config.BackendMemory:
		return store.NewMemory(), nil
	case config.BackendDisk:
		dir := cfg.Cache.Dir
		if dir == "" {
			dir = filepath.Join(".quiche", "cache")
		}
		if !filepath.IsAbs(dir) {
			dir = filepath.Join(workspace, dir)
		}
		disk, err := store.NewDisk(dir, reg.CodecFor)
		if err != nil {
			return nil, fmt.Errorf("open disk cache: %w", err)
		}
		return store.NewTiered(disk, tiered...), nil
	case config.BackendSQLite:
		return store.NewTiered(store.NewSQLite(conn, reg.CodecFor), tiered...), nil
	default:
		return nil, fmt.Errorf("unknown cache backend %q", cfg.Cache.Backend)
	}
}

func (a *App) Close() error {
	if a.DB == nil {
		return nil
	}
	return a.DB.Close()
}
