package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"

	"github.com/ineyio/tokenquota"
	"github.com/ineyio/tokenquota/quota"
	quotapg "github.com/ineyio/tokenquota/quota/postgres"
	quotaredis "github.com/ineyio/tokenquota/quota/redis"
	"github.com/ineyio/tokenquota/quota/sqlite"
)

// openStore connects the configured store. The returned func releases it.
func openStore(ctx context.Context, cfg tokenquota.StoreConfig) (tokenquota.Store, func(), error) {
	switch cfg.Driver {
	case tokenquota.DriverMemory:
		return quota.NewMemoryStore(), func() {}, nil

	case tokenquota.DriverSQLite:
		var opts []sqlite.Option
		if cfg.Prefix != "" {
			opts = append(opts, sqlite.WithTablePrefix(cfg.Prefix))
		}
		if cfg.LockTimeout > 0 {
			opts = append(opts, sqlite.WithBusyTimeout(cfg.LockTimeout))
		}
		s, err := sqlite.Open(ctx, cfg.DSN, opts...)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil

	case tokenquota.DriverPostgres:
		pool, err := pgxpool.New(ctx, cfg.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("connect postgres: %w", err)
		}
		var opts []quotapg.Option
		if cfg.Prefix != "" {
			opts = append(opts, quotapg.WithTablePrefix(cfg.Prefix))
		}
		if cfg.LockTimeout > 0 {
			opts = append(opts, quotapg.WithLockTimeout(cfg.LockTimeout))
		}
		s := quotapg.New(pool, opts...)
		if err := s.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		return s, pool.Close, nil

	case tokenquota.DriverRedis:
		client := goredis.NewUniversalClient(&goredis.UniversalOptions{Addrs: []string{cfg.Addr}})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("connect redis: %w", err)
		}
		var opts []quotaredis.Option
		if cfg.Prefix != "" {
			opts = append(opts, quotaredis.WithKeyPrefix(cfg.Prefix))
		}
		return quotaredis.New(client, opts...), func() { _ = client.Close() }, nil

	default:
		return nil, nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

// app bundles what a subcommand needs.
type app struct {
	cfg    tokenquota.Config
	ledger *tokenquota.Ledger
	logger *slog.Logger
	close  func()
}

func (g *globals) open(ctx context.Context) (*app, error) {
	cfg, err := g.config()
	if err != nil {
		return nil, err
	}
	store, closeStore, err := openStore(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}
	opts, err := cfg.LedgerOptions()
	if err != nil {
		closeStore()
		return nil, err
	}
	logger := slog.Default().With("driver", cfg.Store.Driver)
	opts = append(opts, tokenquota.WithLedgerLogger(logger))

	return &app{
		cfg:    cfg,
		ledger: tokenquota.NewLedger(store, opts...),
		logger: logger,
		close:  closeStore,
	}, nil
}
