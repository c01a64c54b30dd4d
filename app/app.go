// Package app assembles a lot engine from configuration. It is shared by
// the HTTP server and fifoctl so both see the same store, locks and cache.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/warp/lot-engine/cache"
	"github.com/warp/lot-engine/config"
	"github.com/warp/lot-engine/fifo"
	"github.com/warp/lot-engine/fifo/store"
	"github.com/warp/lot-engine/metrics"
	"github.com/warp/lot-engine/store/postgres"
	"github.com/warp/lot-engine/store/sqlite"
)

// App is a wired engine and the resources behind it.
type App struct {
	Engine  *fifo.Engine
	Metrics *metrics.Metrics

	pingers []func(context.Context) error
	closers []func() error
}

// Options tweak assembly. Metrics is skipped for one-shot CLI runs.
type Options struct {
	WithMetrics bool
}

// Build opens the configured store and optional Redis, then builds the
// engine. Call Close when done.
func Build(ctx context.Context, cfg *config.Config, logger zerolog.Logger, opts Options) (_ *App, err error) {
	a := &App{}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	txStore, err := a.openStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	engineOpts := []fifo.Option{fifo.WithLogger(logger)}
	if opts.WithMetrics {
		a.Metrics = metrics.New()
		engineOpts = append(engineOpts, fifo.WithObserver(a.Metrics))
	}

	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		a.closers = append(a.closers, client.Close)
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("ping redis %s: %w", cfg.RedisAddr, err)
		}
		a.pingers = append(a.pingers, func(ctx context.Context) error { return client.Ping(ctx).Err() })

		if cfg.CacheEnabled() {
			engineOpts = append(engineOpts, fifo.WithCache(cache.NewRedisCache(client, cfg.CacheTTL)))
			logger.Info().Dur("ttl", cfg.CacheTTL).Msg("app.cache.redis")
		}
		if cfg.LockMode == config.LockRedis {
			engineOpts = append(engineOpts, fifo.WithLocker(cache.NewRedisLocker(client,
				cache.WithLockTTL(cfg.LockTTL),
				cache.WithLockerLogger(logger),
			)))
			logger.Info().Dur("ttl", cfg.LockTTL).Msg("app.locks.redis")
		}
	}

	a.Engine = fifo.NewEngine(txStore, engineOpts...)
	return a, nil
}

func (a *App) openStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (fifo.TxStore, error) {
	switch cfg.Store {
	case config.StoreMemory:
		logger.Warn().Msg("app.store.memory")
		return store.NewMemory(), nil

	case config.StoreSQLite:
		s, err := sqlite.New(cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite %s: %w", cfg.SQLitePath, err)
		}
		a.closers = append(a.closers, s.Close)
		a.pingers = append(a.pingers, s.Ping)
		logger.Info().Str("path", cfg.SQLitePath).Msg("app.store.sqlite")
		return s, nil

	case config.StorePostgres:
		pool := postgres.DefaultPoolConfig()
		if cfg.PGMaxConns > 0 {
			pool.MaxConns = cfg.PGMaxConns
		}
		s, err := postgres.Open(ctx, cfg.PGDSN, pool)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		a.closers = append(a.closers, func() error { s.Close(); return nil })
		a.pingers = append(a.pingers, s.Ping)
		logger.Info().Int32("max_conns", pool.MaxConns).Msg("app.store.postgres")
		return s, nil
	}
	return nil, fmt.Errorf("unknown store %q", cfg.Store)
}

// Ready pings every backing service.
func (a *App) Ready(ctx context.Context) error {
	for _, ping := range a.pingers {
		if err := ping(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
