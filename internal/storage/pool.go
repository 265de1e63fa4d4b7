// Package storage provides the PostgreSQL storage layer for voxdesk.
//
// Every exported method issues one parameterized statement over a pgxpool
// connection. There are no multi-statement transactions and request paths
// never retry: a failure is returned to the caller, who resubmits. Background
// sweeps may wrap a call in WithRetry.
package storage

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/voxdesk/internal/telemetry"
)

// DB wraps a pgxpool.Pool.
type DB struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// New creates a new DB with a connection pool and verifies connectivity.
func New(ctx context.Context, dsn string, logger *slog.Logger) (*DB, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: parse pool DSN: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("storage: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage: ping pool: %w", err)
	}

	return &DB{pool: pool, logger: logger}, nil
}

// Pool returns the underlying connection pool for use by other packages.
func (db *DB) Pool() *pgxpool.Pool {
	return db.pool
}

// Ping checks connectivity to the database.
func (db *DB) Ping(ctx context.Context) error {
	return db.pool.Ping(ctx)
}

// Close shuts down the connection pool.
func (db *DB) Close() {
	db.pool.Close()
}

// RegisterPoolMetrics exports pgxpool statistics as OTEL observable gauges.
// Call after telemetry.Init so the instruments bind to the real meter provider.
func (db *DB) RegisterPoolMetrics() {
	meter := telemetry.Meter("voxdesk/storage")

	acquired, err1 := meter.Int64ObservableGauge("db.pool.acquired_conns",
		metric.WithDescription("Connections currently checked out of the pool"))
	idle, err2 := meter.Int64ObservableGauge("db.pool.idle_conns",
		metric.WithDescription("Idle connections held by the pool"))
	total, err3 := meter.Int64ObservableGauge("db.pool.total_conns",
		metric.WithDescription("Total connections held by the pool"))
	if err1 != nil || err2 != nil || err3 != nil {
		db.logger.Warn("storage: pool metrics not registered", "acquired", err1, "idle", err2, "total", err3)
		return
	}

	_, err := meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		stat := db.pool.Stat()
		o.ObserveInt64(acquired, int64(stat.AcquiredConns()))
		o.ObserveInt64(idle, int64(stat.IdleConns()))
		o.ObserveInt64(total, int64(stat.TotalConns()))
		return nil
	}, acquired, idle, total)
	if err != nil {
		db.logger.Warn("storage: pool metrics callback not registered", "error", err)
	}
}
