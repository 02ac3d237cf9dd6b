// Package storage provides the PostgreSQL storage layer for investigations.
//
// It manages connection pooling (via pgxpool), a dedicated connection for
// LISTEN/NOTIFY, and query methods for the investigation record, its version
// history, the tool execution ledger, and the event log.
package storage

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/metric"

	"github.com/Olorin-ai-git/Bayit-Plus-sub034/internal/telemetry"
)

// DB is the Postgres store. Queries go through the pool; event wakeups use a
// dedicated LISTEN connection when a notify DSN is given.
type DB struct {
	pool   *pgxpool.Pool
	listen *listener
	logger *slog.Logger
}

var _ Store = (*DB)(nil)

// New connects the pool and, when notifyDSN is set, the LISTEN connection.
// Every pooled query is traced as a client span.
func New(ctx context.Context, poolDSN, notifyDSN string, logger *slog.Logger) (*DB, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg, err := pgxpool.ParseConfig(poolDSN)
	if err != nil {
		return nil, fmt.Errorf("storage: parse pool DSN: %w", err)
	}
	cfg.ConnConfig.Tracer = queryTracer{tracer: telemetry.Tracer("olorin/storage")}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("storage: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage: ping pool: %w", err)
	}

	db := &DB{pool: pool, logger: logger}
	if notifyDSN != "" {
		db.listen = &listener{dsn: notifyDSN}
		if err := db.listen.connect(ctx); err != nil {
			pool.Close()
			return nil, err
		}
	}
	return db, nil
}

// Pool returns the underlying connection pool.
func (db *DB) Pool() *pgxpool.Pool {
	return db.pool
}

// RegisterPoolMetrics exports pool gauges. Call after telemetry.Init.
func (db *DB) RegisterPoolMetrics() {
	meter := telemetry.Meter("olorin/storage")
	acquired, err1 := meter.Int64ObservableGauge("olorin.db.pool.acquired_conns",
		metric.WithDescription("Connections currently checked out of the pool"))
	idle, err2 := meter.Int64ObservableGauge("olorin.db.pool.idle_conns",
		metric.WithDescription("Idle connections held by the pool"))
	total, err3 := meter.Int64ObservableGauge("olorin.db.pool.total_conns",
		metric.WithDescription("All connections held by the pool"))
	if err1 != nil || err2 != nil || err3 != nil {
		db.logger.Warn("storage: pool metrics unavailable")
		return
	}
	_, err := meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		st := db.pool.Stat()
		o.ObserveInt64(acquired, int64(st.AcquiredConns()))
		o.ObserveInt64(idle, int64(st.IdleConns()))
		o.ObserveInt64(total, int64(st.TotalConns()))
		return nil
	}, acquired, idle, total)
	if err != nil {
		db.logger.Warn("storage: register pool metrics", "error", err)
	}
}

// Ping checks connectivity to the database.
func (db *DB) Ping(ctx context.Context) error {
	return db.pool.Ping(ctx)
}

// Close shuts down the pool and the LISTEN connection.
func (db *DB) Close(ctx context.Context) {
	db.pool.Close()
	if db.listen != nil {
		if err := db.listen.close(ctx); err != nil {
			db.logger.Warn("storage: close notify connection", "error", err)
		}
	}
}
