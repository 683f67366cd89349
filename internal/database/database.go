package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Connect opens a pgx connection pool using the provided DSN.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	cfg.MaxConns = 8
	cfg.MaxConnIdleTime = 5 * time.Minute
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

// EnsureSchema creates the ledger tables if needed. Timelines are stored as
// JSONB snapshots; id_key holds the upper-cased id used for lookups.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	const stmt = `
CREATE TABLE IF NOT EXISTS batches (
	id_key TEXT PRIMARY KEY,
	batch_id TEXT NOT NULL,
	seq BIGINT NOT NULL,
	product_name TEXT NOT NULL,
	farm_name TEXT NOT NULL,
	location TEXT NOT NULL,
	harvest_date TEXT NOT NULL,
	processing_details TEXT NOT NULL,
	timeline JSONB NOT NULL,
	version INTEGER NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS products (
	id_key TEXT PRIMARY KEY,
	product_id TEXT NOT NULL,
	seq BIGINT NOT NULL,
	name TEXT NOT NULL,
	brand TEXT NOT NULL,
	image TEXT NOT NULL,
	component_batches JSONB NOT NULL,
	timeline JSONB NOT NULL,
	version INTEGER NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_batches_seq ON batches(seq);
CREATE INDEX IF NOT EXISTS idx_products_seq ON products(seq);`
	_, err := pool.Exec(ctx, stmt)
	if err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}
