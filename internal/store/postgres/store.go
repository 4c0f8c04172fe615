// Package postgres is the gateway's primary relational store: users, API
// keys, credit transactions, usage records, trial grants, coupons, and
// referrals. It is built on pgxpool, following the connect/migrate/close
// lifecycle used throughout the example corpus for Postgres-backed stores.
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Store owns the connection pool and exposes the gateway's relational
// operations grouped by entity in sibling files (users.go, credits.go, ...).
type Store struct {
	pool *pgxpool.Pool
}

// Open parses dsn, applies maxConns, and verifies connectivity with a Ping.
// Callers must call Close when done.
func Open(ctx context.Context, dsn string, maxConns int32) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse dsn: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: new pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}

	return &Store{pool: pool}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Pool exposes the underlying pgxpool.Pool for callers (e.g. health checks)
// that need direct access without a dedicated Store method.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// Migrate applies the gateway's schema. Every statement uses IF NOT EXISTS /
// CREATE INDEX IF NOT EXISTS so repeated calls on an already-migrated
// database are a no-op.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range ddlStatements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres: migrate: %w", err)
		}
	}
	return nil
}
