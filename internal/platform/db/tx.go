package db

import (
	"context"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type contextKey string

const (
	txKey      contextKey = "db_tx"
	connKey    contextKey = "db_conn"
	localTxKey contextKey = "local_tx"
)

// TxRunner runs fn inside a single transaction. Repositories pick the
// transaction up from the context passed to fn.
type TxRunner interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// TxFromContext returns the transaction started by PGTxRunner, if any.
func TxFromContext(ctx context.Context) pgx.Tx {
	tx, _ := ctx.Value(txKey).(pgx.Tx)
	return tx
}

// WithTx attaches tx to ctx.
func WithTx(ctx context.Context, tx pgx.Tx) context.Context {
	return context.WithValue(ctx, txKey, tx)
}

// ConnFromContext returns a connection pinned to the request, if any.
func ConnFromContext(ctx context.Context) *pgxpool.Conn {
	conn, _ := ctx.Value(connKey).(*pgxpool.Conn)
	return conn
}

// WithConn attaches an acquired connection to ctx.
func WithConn(ctx context.Context, conn *pgxpool.Conn) context.Context {
	return context.WithValue(ctx, connKey, conn)
}

// PGTxRunner runs transactions on a pgx pool at READ COMMITTED. Nested
// calls join the outer transaction.
type PGTxRunner struct {
	pool *pgxpool.Pool
}

func NewPGTxRunner(pool *pgxpool.Pool) *PGTxRunner {
	return &PGTxRunner{pool: pool}
}

func (r *PGTxRunner) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if TxFromContext(ctx) != nil {
		return fn(ctx)
	}

	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(WithTx(ctx, tx)); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// LocalTxRunner serialises all transactions of the in-memory store behind
// one mutex. Nested calls run inside the held lock.
type LocalTxRunner struct {
	mu sync.Mutex
}

func NewLocalTxRunner() *LocalTxRunner {
	return &LocalTxRunner{}
}

func (r *LocalTxRunner) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if held, _ := ctx.Value(localTxKey).(bool); held {
		return fn(ctx)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return fn(context.WithValue(ctx, localTxKey, true))
}
