// Package storage provides the PostgreSQL storage layer.
//
// It manages connection pooling via pgxpool, pgvector type registration
// for semantic search over claim embeddings, and query methods for all
// tables. Postgres is the source of truth; the optional Qdrant index is
// derived from it through the search outbox.
package storage

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvector "github.com/pgvector/pgvector-go/pgx"
)

// DB wraps a pgxpool.Pool and exposes one repository method set per table.
type DB struct {
	pool   *pgxpool.Pool
	logger *slog.Logger

	// syncSearch gates search_outbox writes on claim mutations. Set once
	// at startup, before the server accepts traffic, when the external
	// search index is configured.
	syncSearch bool
}

// EnableSearchSync turns on outbox writes for claim card mutations.
func (db *DB) EnableSearchSync() {
	db.syncSearch = true
}

// New creates a new DB with a connection pool.
func New(ctx context.Context, dsn string, logger *slog.Logger) (*DB, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: parse DSN: %w", err)
	}

	// Register pgvector types on each new connection so embeddings encode
	// natively. Best-effort: if the vector extension hasn't been created
	// yet (initial pool startup before migrations), log and proceed;
	// subsequent connections succeed once the extension exists.
	poolCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		if err := pgxvector.RegisterTypes(ctx, conn); err != nil {
			logger.Debug("storage: pgvector types not registered (extension may not exist yet)", "error", err)
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("storage: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage: ping pool: %w", err)
	}

	return &DB{
		pool:   pool,
		logger: logger,
	}, nil
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
func (db *DB) Close(ctx context.Context) {
	db.pool.Close()
}
