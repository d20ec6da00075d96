package db

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTx implements pgx.Tx in memory so the managed transaction state
// machine can be tested without a database.
type fakeTx struct {
	commits   int
	rollbacks int
	execs     []string
	commitErr error
}

func (f *fakeTx) Begin(ctx context.Context) (pgx.Tx, error) { return f, nil }
func (f *fakeTx) Commit(ctx context.Context) error {
	f.commits++
	return f.commitErr
}
func (f *fakeTx) Rollback(ctx context.Context) error {
	f.rollbacks++
	return nil
}
func (f *fakeTx) CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error) {
	return 0, nil
}
func (f *fakeTx) SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults { return nil }
func (f *fakeTx) LargeObjects() pgx.LargeObjects                               { return pgx.LargeObjects{} }
func (f *fakeTx) Prepare(ctx context.Context, name, sql string) (*pgconn.StatementDescription, error) {
	return nil, nil
}
func (f *fakeTx) Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
	f.execs = append(f.execs, sql)
	return pgconn.CommandTag{}, nil
}
func (f *fakeTx) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return nil, nil
}
func (f *fakeTx) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return errRow{nil}
}
func (f *fakeTx) Conn() *pgx.Conn { return nil }

func newManagedTx(f *fakeTx) *Tx {
	return &Tx{inner: f}
}

func TestTxCommitIsTerminal(t *testing.T) {
	ctx := context.Background()
	fake := &fakeTx{}
	tx := newManagedTx(fake)

	require.Equal(t, TxActive, tx.State())
	require.NoError(t, tx.Commit(ctx))
	assert.Equal(t, TxCommitted, tx.State())
	assert.Equal(t, 1, fake.commits)

	// Every further operation is rejected.
	assert.ErrorIs(t, tx.Commit(ctx), ErrTxFinished)
	assert.ErrorIs(t, tx.Rollback(ctx), ErrTxFinished)
	_, err := tx.Exec(ctx, "UPDATE market_data SET volume = 0")
	assert.ErrorIs(t, err, ErrTxFinished)
	_, err = tx.Query(ctx, "SELECT 1")
	assert.ErrorIs(t, err, ErrTxFinished)
	assert.ErrorIs(t, tx.QueryRow(ctx, "SELECT 1").Scan(), ErrTxFinished)

	assert.Equal(t, 1, fake.commits, "terminal state must not reach the inner transaction again")
}

func TestTxRollbackIsTerminal(t *testing.T) {
	ctx := context.Background()
	fake := &fakeTx{}
	tx := newManagedTx(fake)

	require.NoError(t, tx.Rollback(ctx))
	assert.Equal(t, TxRolledBack, tx.State())

	assert.ErrorIs(t, tx.Rollback(ctx), ErrTxFinished)
	assert.ErrorIs(t, tx.Commit(ctx), ErrTxFinished)
	assert.Equal(t, 1, fake.rollbacks)
}

func TestTxNestedBeginRejected(t *testing.T) {
	ctx := context.Background()
	tx := newManagedTx(&fakeTx{})

	_, err := tx.Begin(ctx)
	assert.ErrorIs(t, err, ErrTxNested)

	// Still usable after the rejected nesting attempt.
	_, err = tx.Exec(ctx, "SELECT 1")
	assert.NoError(t, err)

	require.NoError(t, tx.Commit(ctx))
	_, err = tx.Begin(ctx)
	assert.ErrorIs(t, err, ErrTxFinished)
}

func TestTxRecordsStatements(t *testing.T) {
	ctx := context.Background()
	tx := newManagedTx(&fakeTx{})

	_, err := tx.Exec(ctx, "INSERT INTO market_data (symbol) VALUES ($1)", "AAPL")
	require.NoError(t, err)
	_, err = tx.Exec(ctx, "DELETE FROM market_data WHERE symbol = $1", "MSFT")
	require.NoError(t, err)

	stmts := tx.Statements()
	require.Len(t, stmts, 2)
	assert.Contains(t, stmts[0].SQL, "INSERT INTO market_data")
	assert.Equal(t, []any{"AAPL"}, stmts[0].Args)
	assert.Contains(t, stmts[1].SQL, "DELETE FROM market_data")
	assert.False(t, stmts[0].At.IsZero())
}

func TestTxCloseForcesRollback(t *testing.T) {
	ctx := context.Background()
	fake := &fakeTx{}
	tx := newManagedTx(fake)

	_, err := tx.Exec(ctx, "UPDATE market_data SET volume = 0")
	require.NoError(t, err)

	tx.Close(ctx)
	assert.Equal(t, TxRolledBack, tx.State())
	assert.Equal(t, 1, fake.rollbacks)

	// Close after finalization is a no-op.
	tx.Close(ctx)
	assert.Equal(t, 1, fake.rollbacks)
}

func TestTxCloseAfterCommitIsNoop(t *testing.T) {
	ctx := context.Background()
	fake := &fakeTx{}
	tx := newManagedTx(fake)

	require.NoError(t, tx.Commit(ctx))
	tx.Close(ctx)
	assert.Equal(t, TxCommitted, tx.State())
	assert.Equal(t, 0, fake.rollbacks)
}

func TestTxFailedCommitMarksRolledBack(t *testing.T) {
	ctx := context.Background()
	fake := &fakeTx{commitErr: errors.New("serialization failure")}
	tx := newManagedTx(fake)

	err := tx.Commit(ctx)
	require.Error(t, err)
	assert.Equal(t, TxRolledBack, tx.State())

	// No double-finalization after the failed commit.
	assert.ErrorIs(t, tx.Rollback(ctx), ErrTxFinished)
}
