// Package database opens the PostgreSQL pool, applies schema migrations and
// connects the optional Redis client.
package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	// ApplicationName tags every session in pg_stat_activity.
	ApplicationName = "akikaku-engine"

	// reservedConns covers HTTP handlers, the scheduler and fail writes that
	// run beside the check pipelines.
	reservedConns = 4

	defaultMinConns          = 2
	defaultMaxConnLifetime   = time.Hour
	defaultMaxConnIdleTime   = 10 * time.Minute
	defaultHealthCheckPeriod = 30 * time.Second
)

// DB wraps a pgxpool connection pool.
type DB struct {
	*pgxpool.Pool
}

// Config holds database connection configuration. Zero values take the
// defaults above; a zero MaxConnections sizes the pool from PipelineConcurrency.
type Config struct {
	URL                 string
	MaxConnections      int32
	PipelineConcurrency int
	MaxConnLifetime     time.Duration
	MaxConnIdleTime     time.Duration
	HealthCheckPeriod   time.Duration
}

// PoolSize returns the connection count for a process running up to
// pipelines checks at once. A check holds at most one connection at a time.
func PoolSize(pipelines int) int32 {
	if pipelines < 1 {
		pipelines = 1
	}
	return int32(pipelines) + reservedConns
}

// NewConnection creates a new database connection pool and pings it.
func NewConnection(ctx context.Context, cfg *Config) (*DB, error) {
	poolConfig, err := newPoolConfig(cfg)
	if err != nil {
		return nil, err
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DB{Pool: pool}, nil
}

func newPoolConfig(cfg *Config) (*pgxpool.Config, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}

	poolConfig.MaxConns = cfg.MaxConnections
	if poolConfig.MaxConns <= 0 {
		poolConfig.MaxConns = PoolSize(cfg.PipelineConcurrency)
	}
	// Keep a couple of warm connections so that stage transitions of an idle
	// service do not pay for a fresh TLS handshake.
	poolConfig.MinConns = min(defaultMinConns, poolConfig.MaxConns)

	poolConfig.MaxConnLifetime = orDefault(cfg.MaxConnLifetime, defaultMaxConnLifetime)
	poolConfig.MaxConnIdleTime = orDefault(cfg.MaxConnIdleTime, defaultMaxConnIdleTime)
	poolConfig.HealthCheckPeriod = orDefault(cfg.HealthCheckPeriod, defaultHealthCheckPeriod)

	if _, ok := poolConfig.ConnConfig.RuntimeParams["application_name"]; !ok {
		poolConfig.ConnConfig.RuntimeParams["application_name"] = ApplicationName
	}
	return poolConfig, nil
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

// Close closes the connection pool.
func (db *DB) Close() {
	db.Pool.Close()
}
