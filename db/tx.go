package db

import (
	"context"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/quantumzero/marketdb/logger"
)

// TxState is the lifecycle state of a managed transaction.
type TxState int

const (
	TxActive TxState = iota
	TxCommitted
	TxRolledBack
)

func (s TxState) String() string {
	switch s {
	case TxActive:
		return "active"
	case TxCommitted:
		return "committed"
	case TxRolledBack:
		return "rolled_back"
	default:
		return "unknown"
	}
}

// Statement records one statement executed inside a managed transaction,
// kept for replay diagnostics when a transaction has to be retried.
type Statement struct {
	SQL  string
	Args []any
	At   time.Time
}

// Tx is a managed transaction. Its state machine is strictly
// Active -> Committed or Active -> RolledBack; both end states are
// terminal. Any operation on a finished transaction returns ErrTxFinished.
type Tx struct {
	inner pgx.Tx

	mu         sync.Mutex
	state      TxState
	statements []Statement
}

// Begin starts a managed transaction on the write pool.
func (db *Database) Begin(ctx context.Context) (*Tx, error) {
	inner, err := db.BeginTx(ctx)
	if err != nil {
		return nil, err
	}
	return &Tx{inner: inner}, nil
}

// State returns the transaction's current lifecycle state.
func (tx *Tx) State() TxState {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.state
}

// Statements returns a copy of the statements executed so far, in order.
func (tx *Tx) Statements() []Statement {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	out := make([]Statement, len(tx.statements))
	copy(out, tx.statements)
	return out
}

func (tx *Tx) record(sql string, args []any) {
	tx.statements = append(tx.statements, Statement{
		SQL:  sql,
		Args: append([]any(nil), args...),
		At:   time.Now(),
	})
}

// checkActive returns ErrTxFinished unless the transaction is still active.
// Callers must hold tx.mu.
func (tx *Tx) checkActiveLocked() error {
	if tx.state != TxActive {
		return ErrTxFinished
	}
	return nil
}

// Exec runs a statement inside the transaction and records it.
func (tx *Tx) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	tx.mu.Lock()
	if err := tx.checkActiveLocked(); err != nil {
		tx.mu.Unlock()
		return pgconn.CommandTag{}, err
	}
	tx.record(sql, args)
	tx.mu.Unlock()

	return tx.inner.Exec(ctx, sql, args...)
}

// Query runs a query inside the transaction and records it.
func (tx *Tx) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	tx.mu.Lock()
	if err := tx.checkActiveLocked(); err != nil {
		tx.mu.Unlock()
		return nil, err
	}
	tx.record(sql, args)
	tx.mu.Unlock()

	return tx.inner.Query(ctx, sql, args...)
}

// QueryRow runs a single-row query inside the transaction and records it.
func (tx *Tx) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	tx.mu.Lock()
	if err := tx.checkActiveLocked(); err != nil {
		tx.mu.Unlock()
		return errRow{err}
	}
	tx.record(sql, args)
	tx.mu.Unlock()

	return tx.inner.QueryRow(ctx, sql, args...)
}

// CopyFrom bulk-copies rows inside the transaction.
func (tx *Tx) CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error) {
	tx.mu.Lock()
	if err := tx.checkActiveLocked(); err != nil {
		tx.mu.Unlock()
		return 0, err
	}
	tx.record("COPY "+tableName.Sanitize(), nil)
	tx.mu.Unlock()

	return tx.inner.CopyFrom(ctx, tableName, columnNames, rowSrc)
}

// Begin rejects nested transactions: the layer intentionally offers a flat
// transaction model, nesting is a usage error.
func (tx *Tx) Begin(ctx context.Context) (*Tx, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.state != TxActive {
		return nil, ErrTxFinished
	}
	return nil, ErrTxNested
}

// Commit finalizes the transaction. It is an error to commit a finished
// transaction.
func (tx *Tx) Commit(ctx context.Context) error {
	tx.mu.Lock()
	if err := tx.checkActiveLocked(); err != nil {
		tx.mu.Unlock()
		return err
	}
	tx.mu.Unlock()

	err := tx.inner.Commit(ctx)

	tx.mu.Lock()
	if err != nil {
		// A failed commit leaves the server-side transaction aborted.
		tx.state = TxRolledBack
	} else {
		tx.state = TxCommitted
	}
	tx.mu.Unlock()
	return err
}

// Rollback aborts the transaction. Rolling back a finished transaction
// returns ErrTxFinished.
func (tx *Tx) Rollback(ctx context.Context) error {
	tx.mu.Lock()
	if err := tx.checkActiveLocked(); err != nil {
		tx.mu.Unlock()
		return err
	}
	tx.state = TxRolledBack
	tx.mu.Unlock()

	return tx.inner.Rollback(ctx)
}

// Close force-rolls-back the transaction if it was never finalized. Meant
// to be deferred right after Begin; on an already-finished transaction it
// is a no-op.
func (tx *Tx) Close(ctx context.Context) {
	tx.mu.Lock()
	if tx.state != TxActive {
		tx.mu.Unlock()
		return
	}
	tx.state = TxRolledBack
	n := len(tx.statements)
	tx.mu.Unlock()

	logger.Warn("Forced rollback of unfinalized transaction", "statements", n)
	if err := tx.inner.Rollback(ctx); err != nil && err != pgx.ErrTxClosed {
		logger.Error("Forced rollback failed", "error", err)
	}
}

// errRow satisfies pgx.Row for queries rejected before reaching the wire.
type errRow struct{ err error }

func (r errRow) Scan(...any) error { return r.err }
