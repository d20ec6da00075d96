package db_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantumzero/marketdb/config"
	"github.com/quantumzero/marketdb/db"
	"github.com/quantumzero/marketdb/testutils"
)

func TestMarketDataRoundTripIntegration(t *testing.T) {
	tdb := testutils.SetupTestDatabase(t)
	defer tdb.Cleanup(t)
	tdb.TruncateAllTables(t)

	ctx := context.Background()
	seeded := tdb.SeedMarketData(t, "AAPL", 5)

	from := seeded[0].Timestamp
	to := seeded[len(seeded)-1].Timestamp
	rows, err := tdb.GetMarketData(ctx, "AAPL", from, to)
	require.NoError(t, err)
	require.Len(t, rows, 5)
	assert.Equal(t, seeded[0].Open, rows[0].Open)
	assert.True(t, rows[0].Timestamp.Before(rows[4].Timestamp), "oldest first")

	latest, err := tdb.LatestMarketData(ctx, "AAPL")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, to.Unix(), latest.Timestamp.Unix())

	missing, err := tdb.LatestMarketData(ctx, "NOPE")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestManagedTransactionIntegration(t *testing.T) {
	tdb := testutils.SetupTestDatabase(t)
	defer tdb.Cleanup(t)
	tdb.TruncateAllTables(t)

	ctx := context.Background()

	// A committed transaction persists its writes.
	tx, err := tdb.Begin(ctx)
	require.NoError(t, err)
	_, err = tx.Exec(ctx,
		"INSERT INTO system_logs (level, component, message) VALUES ($1, $2, $3)",
		"INFO", "TEST", "committed row")
	require.NoError(t, err)
	require.NoError(t, tx.Commit(ctx))
	tx.Close(ctx)

	// A transaction abandoned before commit is rolled back by Close.
	tx2, err := tdb.Begin(ctx)
	require.NoError(t, err)
	_, err = tx2.Exec(ctx,
		"INSERT INTO system_logs (level, component, message) VALUES ($1, $2, $3)",
		"INFO", "TEST", "abandoned row")
	require.NoError(t, err)
	tx2.Close(ctx)
	assert.Equal(t, db.TxRolledBack, tx2.State())

	events, err := tdb.RecentEvents(ctx, "TEST", 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "committed row", events[0].Message)
}

func TestMigrateIsIdempotentIntegration(t *testing.T) {
	tdb := testutils.SetupTestDatabase(t)
	defer tdb.Cleanup(t)

	ctx := context.Background()
	before, err := tdb.SchemaVersion(ctx)
	require.NoError(t, err)
	require.Greater(t, before, 0)

	// Setup already migrated; a second run must be a no-op.
	require.NoError(t, tdb.Migrate(ctx))

	after, err := tdb.SchemaVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestBackupRestoreIntegration(t *testing.T) {
	tdb := testutils.SetupTestDatabase(t)
	defer tdb.Cleanup(t)
	tdb.TruncateAllTables(t)

	ctx := context.Background()
	tdb.SeedMarketData(t, "MSFT", 3)

	bm, err := db.NewBackupManager(tdb.Database, config.BackupConfig{Directory: t.TempDir(), Keep: 3})
	require.NoError(t, err)

	manifest, err := bm.Backup(ctx, []string{"market_data"})
	require.NoError(t, err)
	require.Len(t, manifest.Tables, 1)
	assert.Equal(t, int64(3), manifest.Tables[0].Rows)
	require.NoError(t, bm.Verify(manifest))

	// Change the data, then restore the snapshot.
	tdb.TruncateAllTables(t)
	tdb.SeedMarketData(t, "TSLA", 7)

	require.NoError(t, bm.Restore(ctx, manifest))

	symbols, err := tdb.Symbols(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"MSFT"}, symbols)

	rows, err := tdb.GetMarketData(ctx, "MSFT",
		time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Len(t, rows, 3)
}
