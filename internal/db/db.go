// Package db owns the PostgreSQL connection pool setup.
package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Connect opens a pgx pool and verifies the connection with a ping so
// startup fails fast on a bad DATABASE_URL.
func Connect(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	cfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

// SizeQuerier measures how much disk the current database occupies. It
// satisfies the quota monitor's query surface.
type SizeQuerier struct {
	Pool *pgxpool.Pool
}

func (q SizeQuerier) SizeBytes(ctx context.Context) (int64, error) {
	var size int64
	err := q.Pool.QueryRow(ctx,
		`SELECT pg_database_size(current_database())`).Scan(&size)
	if err != nil {
		return 0, fmt.Errorf("query database size: %w", err)
	}
	return size, nil
}
