package config

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/atmx/perp-engine/internal/store"
)

// OpenStore connects the configured backend. The returned func releases
// every connection it opened.
func OpenStore(ctx context.Context, cfg StorageConfig) (store.Store, func(), error) {
	var (
		st      store.Store
		cleanup []func()
	)
	closeAll := func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}

	switch cfg.Driver {
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("config.OpenStore: connect postgres: %w", err)
		}
		cleanup = append(cleanup, pool.Close)
		pg := store.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("config.OpenStore: %w", err)
		}
		st = pg
		slog.Info("connected to PostgreSQL")
	case "sqlite":
		path := cfg.DSN
		if path == "" {
			path = "engine.db"
		}
		lite, err := store.NewSQLiteStore(path)
		if err != nil {
			return nil, nil, err
		}
		cleanup = append(cleanup, func() { lite.Close() })
		st = lite
		slog.Info("opened SQLite store", "path", path)
	case "memory":
		slog.Warn("using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	default:
		return nil, nil, fmt.Errorf("config.OpenStore: unknown driver %q", cfg.Driver)
	}

	// Wrap with Redis read-through cache if configured.
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("config.OpenStore: invalid redis url: %w", err)
		}
		rdb := redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		st = store.NewCachedStore(st, rdb, cfg.CacheTTL())
		slog.Info("Redis cache enabled")
	}
	return st, closeAll, nil
}
