package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	apperrors "github.com/lorrc/service-desk-collab/internal/core/errors"
)

// Serialization failures and deadlocks are safe to replay from the top.
const (
	serializationFailure = "40001"
	deadlockDetected     = "40P01"
)

const defaultTxRetries = 3

// TxFunc is the body of a transaction. ctx carries tx so repository calls
// made with it join the same transaction.
type TxFunc func(ctx context.Context, tx pgx.Tx) error

// TransactionManager runs TxFuncs against a pool. A call made while a
// transaction is already in ctx runs in a savepoint of that transaction.
type TransactionManager struct {
	pool    *pgxpool.Pool
	retries uint64
}

// NewTransactionManager creates a new transaction manager
func NewTransactionManager(pool *pgxpool.Pool) *TransactionManager {
	return &TransactionManager{pool: pool, retries: defaultTxRetries}
}

// WithTransaction runs fn in a read-write transaction, committing when fn
// returns nil.
func (tm *TransactionManager) WithTransaction(ctx context.Context, fn TxFunc) error {
	return tm.run(ctx, pgx.TxOptions{}, fn)
}

// WithReadOnlyTransaction runs fn in a read-only transaction so every query
// in it sees one snapshot.
func (tm *TransactionManager) WithReadOnlyTransaction(ctx context.Context, fn TxFunc) error {
	return tm.run(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly, IsoLevel: pgx.RepeatableRead}, fn)
}

func (tm *TransactionManager) run(ctx context.Context, opts pgx.TxOptions, fn TxFunc) error {
	if outer, ok := TxFromContext(ctx); ok {
		return tm.once(ctx, func(body func(pgx.Tx) error) error {
			return pgx.BeginFunc(ctx, outer, body)
		}, fn)
	}

	delays := backoff.NewExponentialBackOff()
	delays.InitialInterval = 20 * time.Millisecond
	policy := backoff.WithContext(backoff.WithMaxRetries(delays, tm.retries), ctx)
	return backoff.Retry(func() error {
		err := tm.once(ctx, func(body func(pgx.Tx) error) error {
			return pgx.BeginTxFunc(ctx, tm.pool, opts, body)
		}, fn)
		if err != nil && !retryableTx(err) {
			return backoff.Permanent(err)
		}
		return err
	}, policy)
}

// once runs fn inside begin. Failures that did not come from fn come from
// begin, commit or rollback and are reported as store unavailability.
func (tm *TransactionManager) once(ctx context.Context, begin func(func(pgx.Tx) error) error, fn TxFunc) error {
	var fnErr error
	err := begin(func(tx pgx.Tx) error {
		fnErr = fn(ContextWithTx(ctx, tx), tx)
		return fnErr
	})
	if err == nil || (fnErr != nil && errors.Is(err, fnErr)) {
		return err
	}
	return apperrors.Unavailable("transaction", err)
}

func retryableTx(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && (pgErr.Code == serializationFailure || pgErr.Code == deadlockDetected)
}

type txContextKey struct{}

// ContextWithTx returns a new context with the transaction stored
func ContextWithTx(ctx context.Context, tx pgx.Tx) context.Context {
	return context.WithValue(ctx, txContextKey{}, tx)
}

// TxFromContext retrieves a transaction from the context
func TxFromContext(ctx context.Context) (pgx.Tx, bool) {
	tx, ok := ctx.Value(txContextKey{}).(pgx.Tx)
	return tx, ok
}

// DBTX is the query surface shared by *pgxpool.Pool and pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// GetDBTX returns the transaction in ctx, or pool outside one.
func GetDBTX(ctx context.Context, pool *pgxpool.Pool) DBTX {
	if tx, ok := TxFromContext(ctx); ok {
		return tx
	}
	return pool
}
