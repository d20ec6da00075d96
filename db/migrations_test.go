package db

import (
	"errors"
	"fmt"
	"io/fs"
	"testing"
	"testing/fstest"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsUndefinedTable(t *testing.T) {
	assert.True(t, isUndefinedTable(&pgconn.PgError{Code: "42P01"}))
	assert.True(t, isUndefinedTable(fmt.Errorf("query: %w", &pgconn.PgError{Code: "42P01"})),
		"matches through wrapping")

	assert.False(t, isUndefinedTable(&pgconn.PgError{Code: "42703"}), "undefined_column is a real error")
	assert.False(t, isUndefinedTable(errors.New(`relation "schema_migrations" does not exist`)),
		"message text alone is not enough")
	assert.False(t, isUndefinedTable(nil))
}

func mapFS(files map[string]string) fstest.MapFS {
	fsys := fstest.MapFS{}
	for name, content := range files {
		fsys[name] = &fstest.MapFile{Data: []byte(content)}
	}
	return fsys
}

func TestLoadMigrationsOrdering(t *testing.T) {
	fsys := mapFS(map[string]string{
		"0003_later.sql":   "CREATE INDEX i ON t (a)",
		"0001_initial.sql": "CREATE TABLE t (a INT)",
		"0002_second.sql":  "ALTER TABLE t ADD COLUMN b INT",
		"README.md":        "not a migration",
	})

	migrations, err := loadMigrations(fsys)
	require.NoError(t, err)
	require.Len(t, migrations, 3)

	assert.Equal(t, 1, migrations[0].Version)
	assert.Equal(t, "initial", migrations[0].Name)
	assert.Equal(t, 2, migrations[1].Version)
	assert.Equal(t, 3, migrations[2].Version)
	for _, m := range migrations {
		assert.NotEmpty(t, m.Checksum)
		assert.NotEmpty(t, m.SQL)
	}
}

func TestLoadMigrationsRejectsBadNames(t *testing.T) {
	for _, name := range []string{"initial.sql", "_x.sql", "0000_zero.sql", "abc_def.sql"} {
		_, err := loadMigrations(mapFS(map[string]string{name: "SELECT 1"}))
		assert.Error(t, err, "filename %q should be rejected", name)
	}
}

func TestLoadMigrationsRejectsDuplicateVersions(t *testing.T) {
	_, err := loadMigrations(mapFS(map[string]string{
		"0001_a.sql": "SELECT 1",
		"0001_b.sql": "SELECT 2",
	}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate migration version")
}

func TestMigrationChecksumStability(t *testing.T) {
	a := migrationChecksum("CREATE TABLE t (a INT)")
	b := migrationChecksum("CREATE TABLE t (a INT)")
	c := migrationChecksum("CREATE TABLE t (a INT);")

	assert.Equal(t, a, b, "identical content must hash identically")
	assert.NotEqual(t, a, c, "any content change must change the checksum")
	assert.Len(t, a, 64)
}

func TestPendingMigrationsResolution(t *testing.T) {
	all := []Migration{
		{Version: 1, Name: "a", SQL: "one", Checksum: migrationChecksum("one")},
		{Version: 2, Name: "b", SQL: "two", Checksum: migrationChecksum("two")},
		{Version: 3, Name: "c", SQL: "three", Checksum: migrationChecksum("three")},
	}

	// Nothing applied: everything pending.
	pending, err := pendingMigrations(all, map[int]string{})
	require.NoError(t, err)
	assert.Len(t, pending, 3)

	// Partially applied: only the tail pending.
	pending, err = pendingMigrations(all, map[int]string{
		1: migrationChecksum("one"),
		2: migrationChecksum("two"),
	})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, 3, pending[0].Version)

	// Fully applied: re-run is a no-op.
	pending, err = pendingMigrations(all, map[int]string{
		1: migrationChecksum("one"),
		2: migrationChecksum("two"),
		3: migrationChecksum("three"),
	})
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestPendingMigrationsChecksumMismatchIsFatal(t *testing.T) {
	all := []Migration{
		{Version: 1, Name: "a", SQL: "one", Checksum: migrationChecksum("one")},
	}
	_, err := pendingMigrations(all, map[int]string{1: migrationChecksum("one-modified")})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMigrationChecksumMismatch)
}

func TestEmbeddedMigrationsAreWellFormed(t *testing.T) {
	sub, err := fs.Sub(migrationsFS, "migrations")
	require.NoError(t, err)

	migrations, err := loadMigrations(sub)
	require.NoError(t, err)
	require.NotEmpty(t, migrations)

	assert.Equal(t, 1, migrations[0].Version, "embedded migrations must start at version 1")
	for i := 1; i < len(migrations); i++ {
		assert.Greater(t, migrations[i].Version, migrations[i-1].Version)
	}
}
