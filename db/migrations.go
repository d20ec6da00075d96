package db

import (
	"context"
	"embed"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"lukechampine.com/blake3"

	"github.com/quantumzero/marketdb/consts"
	"github.com/quantumzero/marketdb/logger"
	"github.com/quantumzero/marketdb/pkg/metrics"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Migration is one schema migration script.
type Migration struct {
	Version  int
	Name     string
	SQL      string
	Checksum string
}

// MigrationRecord is a row of the schema_migrations tracking table.
type MigrationRecord struct {
	Version   int
	Checksum  string
	AppliedAt time.Time
}

const createMigrationsTableSQL = `
CREATE TABLE IF NOT EXISTS schema_migrations (
	version    BIGINT PRIMARY KEY,
	checksum   TEXT NOT NULL,
	applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// migrationChecksum hashes the script content. The checksum is recorded on
// apply and verified on every subsequent run.
func migrationChecksum(sql string) string {
	sum := blake3.Sum256([]byte(sql))
	return hex.EncodeToString(sum[:])
}

// loadMigrations reads every *.sql file at the root of fsys. File names
// must follow NNNN_name.sql; versions must be unique.
func loadMigrations(fsys fs.FS) ([]Migration, error) {
	entries, err := fs.Glob(fsys, "*.sql")
	if err != nil {
		return nil, err
	}

	seen := make(map[int]string)
	var migrations []Migration
	for _, name := range entries {
		version, baseName, err := parseMigrationFilename(name)
		if err != nil {
			return nil, err
		}
		if prev, dup := seen[version]; dup {
			return nil, fmt.Errorf("duplicate migration version %d: %s and %s", version, prev, name)
		}
		seen[version] = name

		content, err := fs.ReadFile(fsys, name)
		if err != nil {
			return nil, fmt.Errorf("failed to read migration %s: %w", name, err)
		}

		migrations = append(migrations, Migration{
			Version:  version,
			Name:     baseName,
			SQL:      string(content),
			Checksum: migrationChecksum(string(content)),
		})
	}

	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].Version < migrations[j].Version
	})
	return migrations, nil
}

func parseMigrationFilename(name string) (int, string, error) {
	base := strings.TrimSuffix(name, ".sql")
	idx := strings.Index(base, "_")
	if idx <= 0 {
		return 0, "", fmt.Errorf("migration filename %q does not match NNNN_name.sql", name)
	}
	version, err := strconv.Atoi(base[:idx])
	if err != nil || version <= 0 {
		return 0, "", fmt.Errorf("migration filename %q does not match NNNN_name.sql", name)
	}
	return version, base[idx+1:], nil
}

// pendingMigrations resolves which migrations still need to run given what
// the tracking table records. An applied migration whose checksum differs
// from its script is fatal.
func pendingMigrations(all []Migration, applied map[int]string) ([]Migration, error) {
	var pending []Migration
	for _, m := range all {
		recorded, ok := applied[m.Version]
		if !ok {
			pending = append(pending, m)
			continue
		}
		if recorded != m.Checksum {
			return nil, fmt.Errorf("%w: migration %04d_%s was applied with checksum %s but the script now hashes to %s",
				ErrMigrationChecksumMismatch, m.Version, m.Name, recorded, m.Checksum)
		}
	}
	return pending, nil
}

// Migrate applies all embedded migrations that have not been applied yet.
// The run is serialized across instances with an advisory lock, each script
// runs in its own transaction, and a re-run with nothing pending is a
// no-op.
func (db *Database) Migrate(ctx context.Context) error {
	sub, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return err
	}
	return db.migrateFS(ctx, sub)
}

func (db *Database) migrateFS(ctx context.Context, fsys fs.FS) error {
	all, err := loadMigrations(fsys)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMigrationFailed, err)
	}

	// A dedicated connection holds the advisory lock for the whole run.
	conn, err := db.WritePool.Acquire(ctx)
	if err != nil {
		return classifyAcquireError(err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "SELECT pg_advisory_lock($1)", consts.MigrationAdvisoryLockID); err != nil {
		return fmt.Errorf("failed to take migration lock: %w", err)
	}
	defer func() {
		if _, err := conn.Exec(context.WithoutCancel(ctx), "SELECT pg_advisory_unlock($1)", consts.MigrationAdvisoryLockID); err != nil {
			logger.Error("Failed to release migration lock", "error", err)
		}
	}()

	if _, err := conn.Exec(ctx, createMigrationsTableSQL); err != nil {
		return fmt.Errorf("failed to create schema_migrations table: %w", err)
	}

	applied := make(map[int]string)
	rows, err := conn.Query(ctx, "SELECT version, checksum FROM schema_migrations")
	if err != nil {
		return fmt.Errorf("failed to read schema_migrations: %w", err)
	}
	for rows.Next() {
		var version int
		var checksum string
		if err := rows.Scan(&version, &checksum); err != nil {
			rows.Close()
			return err
		}
		applied[version] = checksum
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	pending, err := pendingMigrations(all, applied)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		logger.Debug("Schema is up to date", "version", maxAppliedVersion(applied))
		return nil
	}

	for _, m := range pending {
		start := time.Now()
		tx, err := conn.Begin(ctx)
		if err != nil {
			return err
		}

		if _, err := tx.Exec(ctx, m.SQL); err != nil {
			_ = tx.Rollback(ctx)
			return fmt.Errorf("%w: %04d_%s: %v", ErrMigrationFailed, m.Version, m.Name, err)
		}
		if _, err := tx.Exec(ctx,
			"INSERT INTO schema_migrations (version, checksum) VALUES ($1, $2)",
			m.Version, m.Checksum); err != nil {
			_ = tx.Rollback(ctx)
			return fmt.Errorf("%w: %04d_%s: failed to record migration: %v", ErrMigrationFailed, m.Version, m.Name, err)
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("%w: %04d_%s: commit: %v", ErrMigrationFailed, m.Version, m.Name, err)
		}

		elapsed := time.Since(start)
		metrics.MigrationsApplied.Inc()
		metrics.MigrationDuration.Observe(elapsed.Seconds())
		logger.Info("Applied migration", "version", m.Version, "name", m.Name, "elapsed", elapsed)
	}

	return nil
}

// SchemaVersion returns the highest applied migration version, or zero if
// the tracking table is empty or missing.
func (db *Database) SchemaVersion(ctx context.Context) (int, error) {
	var version int
	err := db.WritePool.QueryRow(ctx,
		"SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	if err != nil {
		if isUndefinedTable(err) {
			return 0, nil
		}
		return 0, err
	}
	return version, nil
}

// isUndefinedTable matches the undefined_table error class (42P01), the
// signal that the tracking table has not been created yet.
func isUndefinedTable(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "42P01"
}

// AppliedMigrations returns the contents of the tracking table in version order.
func (db *Database) AppliedMigrations(ctx context.Context) ([]MigrationRecord, error) {
	rows, err := db.WritePool.Query(ctx,
		"SELECT version, checksum, applied_at FROM schema_migrations ORDER BY version")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []MigrationRecord
	for rows.Next() {
		var r MigrationRecord
		if err := rows.Scan(&r.Version, &r.Checksum, &r.AppliedAt); err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

func maxAppliedVersion(applied map[int]string) int {
	max := 0
	for v := range applied {
		if v > max {
			max = v
		}
	}
	return max
}
