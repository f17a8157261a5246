// Package db provides the PostgreSQL implementation of the investigation store.
package db

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/jonathan/investigator/internal/metrics"
	"github.com/jonathan/investigator/internal/store"
)

//go:embed schema.sql
var schemaSQL string

// maxTxAttempts bounds retries of a transaction that hit a conflict
const maxTxAttempts = 3

// DB wraps a PostgreSQL connection pool
type DB struct {
	pool   *pgxpool.Pool
	now    func() time.Time
	logger *zap.Logger
}

var _ store.Store = (*DB)(nil)

// Option configures a DB
type Option func(*DB)

// WithLogger sets the logger used for retried transactions
func WithLogger(l *zap.Logger) Option {
	return func(db *DB) { db.logger = l }
}

// WithClock overrides the time source used for row timestamps
func WithClock(now func() time.Time) Option {
	return func(db *DB) { db.now = now }
}

// Connect establishes a connection pool to the database
func Connect(ctx context.Context, databaseURL string, opts ...Option) (*DB, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Verify connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db := &DB{pool: pool, now: time.Now, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(db)
	}
	return db, nil
}

// Close closes the connection pool
func (db *DB) Close() {
	if db.pool != nil {
		db.pool.Close()
	}
}

// Migrate creates any missing tables and indexes
func (db *DB) Migrate(ctx context.Context) error {
	if _, err := db.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

func (db *DB) timestamp() time.Time {
	return db.now().UTC()
}

// ConflictError reports a write that lost a race with a concurrent transaction
type ConflictError struct {
	Code  string
	Cause error
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("persistence conflict (sqlstate %s): %v", e.Code, e.Cause)
}

func (e *ConflictError) Unwrap() error {
	return e.Cause
}

// Retryable SQLSTATEs: unique violation, serialization failure, deadlock
const (
	codeUniqueViolation      = "23505"
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
)

// asConflict returns a ConflictError when err is a retryable database error
func asConflict(err error) *ConflictError {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return nil
	}
	switch pgErr.Code {
	case codeUniqueViolation, codeSerializationFailure, codeDeadlockDetected:
		return &ConflictError{Code: pgErr.Code, Cause: err}
	}
	return nil
}

// withRetry runs fn until it succeeds, fails with a non-conflict error, or
// maxTxAttempts conflicts have been seen
func (db *DB) withRetry(ctx context.Context, op string, fn func() error) error {
	var err error
	for attempt := 1; attempt <= maxTxAttempts; attempt++ {
		err = fn()
		conflict := asConflict(err)
		if conflict == nil {
			return err
		}
		err = conflict
		metrics.PersistenceConflicts.WithLabelValues(op).Inc()
		db.logger.Debug("retrying after persistence conflict",
			zap.String("operation", op),
			zap.Int("attempt", attempt),
			zap.String("sqlstate", conflict.Code))
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
	}
	return fmt.Errorf("%s: gave up after %d attempts: %w", op, maxTxAttempts, err)
}

// inTx runs fn in a read-committed transaction, retrying on conflicts
func (db *DB) inTx(ctx context.Context, op string, fn func(tx pgx.Tx) error) error {
	return db.withRetry(ctx, op, func() error {
		tx, err := db.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer func() { _ = tx.Rollback(ctx) }()

		if err := fn(tx); err != nil {
			return err
		}
		return tx.Commit(ctx)
	})
}
