package app

import (
	"context"
	"database/sql"
	"fmt"

	"stagegate/internal/config"
	"stagegate/internal/db"
	"stagegate/internal/engine"
	"stagegate/internal/logging"
	"stagegate/internal/metrics"
	"stagegate/internal/migrate"
	"stagegate/internal/notify"
	"stagegate/internal/repo"
)

// App bundles the wired components of a running process.
type App struct {
	Config  *config.Config
	DB      *sql.DB
	Repo    repo.Repo
	Engine  engine.Engine
	Metrics *metrics.Recorder

	closers []func() error
}

// Bootstrap opens the database, migrates it, builds the engine with its
// notifier and metrics, and applies the configured workstream seeds.
func Bootstrap(ctx context.Context, cfg *config.Config) (*App, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	logging.Init(logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format, Output: logging.DefaultConfig().Output})

	conn, dialect, err := db.Open(db.Config{
		Driver:    db.Dialect(cfg.Database.Driver),
		DSN:       cfg.Database.DSN,
		Workspace: cfg.Database.Workspace,
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	a := &App{Config: cfg, DB: conn, closers: []func() error{conn.Close}}
	if err := migrate.Migrate(conn, dialect); err != nil {
		a.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	a.Repo = repo.New(conn, dialect)
	a.Metrics = metrics.New()
	a.Engine = engine.New(a.Repo)
	a.Engine.Metrics = a.Metrics

	if cfg.Redis.Enabled {
		client, err := notify.NewRedisClient(ctx, cfg.Redis.Addr)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		a.closers = append(a.closers, client.Close)
		rc := notify.DefaultRedisConfig()
		rc.Channel = cfg.Redis.Channel
		a.Engine.Notifier = notify.NewRedisPublisher(client, rc)
		logging.Info().Add(logging.Str("addr", cfg.Redis.Addr), logging.Str("channel", rc.Channel)).Msg("publishing change events to redis")
	}

	if err := a.Seed(ctx, cfg.Workstreams); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

// Seed applies workstream seeds; it can run repeatedly.
func (a *App) Seed(ctx context.Context, seeds []config.WorkstreamSeed) error {
	for _, s := range seeds {
		ws, assignments := s.Workstream()
		if err := a.Engine.SeedWorkstream(ctx, ws, assignments); err != nil {
			return fmt.Errorf("seed workstream %s: %w", s.ID, err)
		}
		logging.Debug().Add(logging.WorkstreamID(s.ID), logging.Count("assignments", len(assignments))).Msg("workstream seeded")
	}
	return nil
}

// Close releases the process resources in reverse order.
func (a *App) Close() error {
	var first error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	a.closers = nil
	return first
}
