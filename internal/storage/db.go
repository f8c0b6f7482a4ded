package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PoolConfig sizes the connection pool. AppName shows up as
// application_name in pg_stat_activity so scheduler and worker sessions
// can be told apart.
type PoolConfig struct {
	URL            string
	MinConns       int32
	MaxConns       int32
	ConnectTimeout time.Duration
	AppName        string
}

// DB owns the pgx pool shared by the claim, lookup and status queries.
type DB struct {
	Pool *pgxpool.Pool
}

// NewDB opens the pool and fails unless the first ping succeeds within
// ConnectTimeout.
func NewDB(ctx context.Context, cfg PoolConfig) (*DB, error) {
	pc, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database URL: %w", err)
	}
	if cfg.MinConns > 0 {
		pc.MinConns = cfg.MinConns
	}
	if cfg.MaxConns > 0 {
		pc.MaxConns = cfg.MaxConns
	}
	pc.MaxConnLifetime = time.Hour
	pc.MaxConnIdleTime = 30 * time.Minute
	pc.HealthCheckPeriod = time.Minute
	if cfg.AppName != "" {
		pc.ConnConfig.RuntimeParams["application_name"] = cfg.AppName
	}

	if cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.ConnectTimeout)
		defer cancel()
	}

	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &DB{Pool: pool}, nil
}

func (db *DB) Close() { db.Pool.Close() }

// Ping backs the /health/db probe.
func (db *DB) Ping(ctx context.Context) error { return db.Pool.Ping(ctx) }

// Stat feeds the pool gauges.
func (db *DB) Stat() *pgxpool.Stat { return db.Pool.Stat() }
