package db

import (
	"bufio"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"lukechampine.com/blake3"

	"github.com/quantumzero/marketdb/config"
	"github.com/quantumzero/marketdb/consts"
	"github.com/quantumzero/marketdb/logger"
	"github.com/quantumzero/marketdb/pkg/metrics"
	"github.com/quantumzero/marketdb/storage"
)

// ErrBackupBusy indicates that another backup or restore currently holds
// the backup advisory lock.
var ErrBackupBusy = errors.New("another backup or restore is in progress")

// DefaultBackupTables is the backup scope when the caller does not name one.
var DefaultBackupTables = []string{"market_data", "system_logs"}

const manifestFilename = "manifest.json"

// TableManifest describes one table's dump inside a backup. Types holds
// the information_schema data type per column, so a restore knows which
// dumped strings must be decoded back into native values.
type TableManifest struct {
	Name     string   `json:"name"`
	File     string   `json:"file"`
	Columns  []string `json:"columns"`
	Types    []string `json:"types"`
	Rows     int64    `json:"rows"`
	Checksum string   `json:"checksum"`
}

// Manifest describes a complete backup: which tables it contains, their
// row counts and dump checksums, and a combined checksum over the lot.
type Manifest struct {
	ID        uuid.UUID       `json:"id"`
	CreatedAt time.Time       `json:"created_at"`
	Tables    []TableManifest `json:"tables"`
	Checksum  string          `json:"checksum"`
}

// Dir returns the backup's directory under the backup root.
func (m *Manifest) Dir(root string) string {
	return filepath.Join(root, m.ID.String())
}

// combinedChecksum hashes the per-table names and checksums, in order.
func (m *Manifest) combinedChecksum() string {
	h := blake3.New(32, nil)
	for _, t := range m.Tables {
		fmt.Fprintf(h, "%s:%d:%s\n", t.Name, t.Rows, t.Checksum)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// BackupManager dumps and restores tables as JSONL artifacts with
// manifest-tracked checksums.
type BackupManager struct {
	db     *Database
	dir    string
	keep   int
	remote ArtifactStore
}

// NewBackupManager creates a backup manager rooted at cfg.Directory. When
// an S3 section is configured, completed backups are also uploaded to the
// remote store.
func NewBackupManager(db *Database, cfg config.BackupConfig) (*BackupManager, error) {
	bm := &BackupManager{
		db:   db,
		dir:  cfg.Directory,
		keep: cfg.GetKeep(),
	}
	if cfg.S3 != nil {
		remote, err := storage.NewFromConfig(cfg.S3)
		if err != nil {
			return nil, fmt.Errorf("failed to configure remote backup storage: %w", err)
		}
		bm.remote = remote
	}
	return bm, nil
}

// Backup dumps the given tables (DefaultBackupTables when empty) inside a
// single repeatable-read transaction, so the dump is a consistent snapshot
// across tables. It writes one JSONL file per table plus a manifest, then
// rotates old backups.
func (bm *BackupManager) Backup(ctx context.Context, tables []string) (*Manifest, error) {
	start := time.Now()
	manifest, err := bm.backup(ctx, tables)
	metrics.BackupDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.BackupsTotal.WithLabelValues("failure").Inc()
		bm.db.LogEvent(ctx, "ERROR", ComponentBackup, "Backup failed", map[string]any{"error": err.Error()})
		return nil, err
	}

	metrics.BackupsTotal.WithLabelValues("success").Inc()
	bm.db.LogEvent(ctx, "INFO", ComponentBackup, "Backup completed", map[string]any{
		"backup_id": manifest.ID.String(),
		"tables":    len(manifest.Tables),
		"elapsed":   time.Since(start).String(),
	})

	if bm.remote != nil {
		if err := bm.UploadBackup(ctx, manifest); err != nil {
			// The local backup is complete and verified; a failed upload
			// must not fail the run.
			logger.Warn("Backup upload to remote storage failed", "backup_id", manifest.ID, "error", err)
			bm.db.LogEvent(ctx, "WARNING", ComponentBackup, "Backup upload failed", map[string]any{
				"backup_id": manifest.ID.String(),
				"error":     err.Error(),
			})
		}
	}

	if err := bm.rotate(); err != nil {
		logger.Warn("Backup rotation failed", "error", err)
	}
	return manifest, nil
}

func (bm *BackupManager) backup(ctx context.Context, tables []string) (*Manifest, error) {
	if len(tables) == 0 {
		tables = DefaultBackupTables
	}

	manifest := &Manifest{
		ID:        uuid.New(),
		CreatedAt: time.Now().UTC(),
	}
	backupDir := manifest.Dir(bm.dir)
	if err := os.MkdirAll(backupDir, 0755); err != nil {
		return nil, err
	}

	// A single dedicated connection: the dump must never drain the pool,
	// and the advisory lock must live on the same session as the snapshot.
	conn, err := bm.db.WritePool.Acquire(ctx)
	if err != nil {
		return nil, classifyAcquireError(err)
	}
	defer conn.Release()

	locked, err := tryBackupLock(ctx, conn)
	if err != nil {
		return nil, err
	}
	if !locked {
		return nil, ErrBackupBusy
	}
	defer releaseBackupLock(ctx, conn)

	tx, err := conn.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(context.WithoutCancel(ctx))

	for _, table := range tables {
		tm, err := dumpTable(ctx, tx, table, backupDir)
		if err != nil {
			os.RemoveAll(backupDir)
			return nil, fmt.Errorf("failed to dump table %s: %w", table, err)
		}
		manifest.Tables = append(manifest.Tables, *tm)
	}

	if err := tx.Commit(ctx); err != nil {
		os.RemoveAll(backupDir)
		return nil, err
	}

	manifest.Checksum = manifest.combinedChecksum()
	if err := writeManifest(filepath.Join(backupDir, manifestFilename), manifest); err != nil {
		os.RemoveAll(backupDir)
		return nil, err
	}

	logger.Info("Backup written", "backup_id", manifest.ID, "dir", backupDir, "tables", len(manifest.Tables))
	return manifest, nil
}

// dumpTable streams a table to <dir>/<table>.jsonl, one JSON object per
// row, hashing the file content as it is written.
func dumpTable(ctx context.Context, tx pgx.Tx, table, dir string) (*TableManifest, error) {
	columns, types, err := tableColumns(ctx, tx, table)
	if err != nil {
		return nil, err
	}
	if len(columns) == 0 {
		return nil, fmt.Errorf("table %s does not exist", table)
	}

	filename := table + ".jsonl"
	f, err := os.Create(filepath.Join(dir, filename))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	hasher := blake3.New(32, nil)
	w := bufio.NewWriter(io.MultiWriter(f, hasher))

	// row_to_json makes the server produce canonical JSON for every row,
	// which round-trips types like timestamptz and jsonb as text.
	rows, err := tx.Query(ctx, fmt.Sprintf(`SELECT row_to_json(t)::text FROM %s t`, pgx.Identifier{table}.Sanitize()))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var count int64
	for rows.Next() {
		var line string
		if err := rows.Scan(&line); err != nil {
			return nil, err
		}
		if _, err := w.WriteString(line); err != nil {
			return nil, err
		}
		if err := w.WriteByte('\n'); err != nil {
			return nil, err
		}
		count++
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := w.Flush(); err != nil {
		return nil, err
	}
	if err := f.Sync(); err != nil {
		return nil, err
	}

	return &TableManifest{
		Name:     table,
		File:     filename,
		Columns:  columns,
		Types:    types,
		Rows:     count,
		Checksum: hex.EncodeToString(hasher.Sum(nil)),
	}, nil
}

// Restore loads a backup back into the database. The artifacts are
// checksum-verified before anything is touched; the truncate and load run
// in one transaction, and a post-load row count mismatch rolls everything
// back with ErrBackupIntegrity.
func (bm *BackupManager) Restore(ctx context.Context, manifest *Manifest) error {
	start := time.Now()
	err := bm.restore(ctx, manifest)
	if err != nil {
		metrics.RestoresTotal.WithLabelValues("failure").Inc()
		bm.db.LogEvent(ctx, "ERROR", ComponentRestore, "Restore failed", map[string]any{
			"backup_id": manifest.ID.String(),
			"error":     err.Error(),
		})
		return err
	}
	metrics.RestoresTotal.WithLabelValues("success").Inc()
	bm.db.LogEvent(ctx, "INFO", ComponentRestore, "Restore completed", map[string]any{
		"backup_id": manifest.ID.String(),
		"elapsed":   time.Since(start).String(),
	})
	return nil
}

func (bm *BackupManager) restore(ctx context.Context, manifest *Manifest) error {
	if err := bm.Verify(manifest); err != nil {
		return err
	}
	backupDir := manifest.Dir(bm.dir)

	conn, err := bm.db.WritePool.Acquire(ctx)
	if err != nil {
		return classifyAcquireError(err)
	}
	defer conn.Release()

	locked, err := tryBackupLock(ctx, conn)
	if err != nil {
		return err
	}
	if !locked {
		return ErrBackupBusy
	}
	defer releaseBackupLock(ctx, conn)

	tx, err := conn.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(context.WithoutCancel(ctx))

	for _, tm := range manifest.Tables {
		if err := restoreTable(ctx, tx, &tm, backupDir); err != nil {
			return fmt.Errorf("failed to restore table %s: %w", tm.Name, err)
		}
	}

	// Post-restore verification inside the same transaction: row counts
	// must match the manifest exactly or nothing is kept.
	for _, tm := range manifest.Tables {
		var count int64
		if err := tx.QueryRow(ctx, fmt.Sprintf("SELECT count(*) FROM %s", pgx.Identifier{tm.Name}.Sanitize())).Scan(&count); err != nil {
			return err
		}
		if count != tm.Rows {
			return fmt.Errorf("%w: table %s has %d rows after restore, manifest says %d",
				ErrBackupIntegrity, tm.Name, count, tm.Rows)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return err
	}

	logger.Info("Restore completed", "backup_id", manifest.ID, "tables", len(manifest.Tables))
	return nil
}

func restoreTable(ctx context.Context, tx pgx.Tx, tm *TableManifest, dir string) error {
	f, err := os.Open(filepath.Join(dir, tm.File))
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := tx.Exec(ctx, fmt.Sprintf("TRUNCATE %s", pgx.Identifier{tm.Name}.Sanitize())); err != nil {
		return err
	}

	rowCh := newJSONLCopySource(f, tm.Columns, tm.Types)
	copied, err := tx.CopyFrom(ctx, pgx.Identifier{tm.Name}, tm.Columns, rowCh)
	if err != nil {
		return err
	}
	if copied != tm.Rows {
		return fmt.Errorf("%w: copied %d rows into %s, manifest says %d", ErrBackupIntegrity, copied, tm.Name, tm.Rows)
	}
	return nil
}

// jsonlCopySource adapts a JSONL dump to pgx.CopyFromSource. Timestamp
// and date columns are decoded into time.Time so the COPY encoder can
// write them; other scalars pass as their JSON text forms and PostgreSQL
// casts them into the column types on COPY.
type jsonlCopySource struct {
	scanner *bufio.Scanner
	columns []string
	types   []string
	values  []any
	err     error
}

func newJSONLCopySource(r io.Reader, columns, types []string) *jsonlCopySource {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 1<<20), 16<<20)
	return &jsonlCopySource{scanner: scanner, columns: columns, types: types}
}

func (s *jsonlCopySource) Next() bool {
	if s.err != nil {
		return false
	}
	for s.scanner.Scan() {
		line := s.scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		s.values, s.err = decodeDumpLine(line, s.columns, s.types)
		return s.err == nil
	}
	s.err = s.scanner.Err()
	return false
}

func (s *jsonlCopySource) Values() ([]any, error) {
	return s.values, s.err
}

func (s *jsonlCopySource) Err() error {
	return s.err
}

// decodeDumpLine turns one dumped JSON row into COPY values in column
// order. Timestamp columns become time.Time, other scalars become text,
// nested JSON (jsonb columns) is re-encoded.
func decodeDumpLine(line []byte, columns, types []string) ([]any, error) {
	var row map[string]json.RawMessage
	if err := json.Unmarshal(line, &row); err != nil {
		return nil, fmt.Errorf("%w: malformed dump line: %v", ErrBackupIntegrity, err)
	}

	values := make([]any, len(columns))
	for i, col := range columns {
		raw, ok := row[col]
		if !ok {
			values[i] = nil
			continue
		}
		v, err := jsonValueToCopyValue(raw)
		if err != nil {
			return nil, err
		}
		// row_to_json emits timestamptz as an ISO 8601 string, which the
		// COPY encoder cannot feed into a timestamp column; decode it here.
		if s, isString := v.(string); isString && i < len(types) && isTimeColumn(types[i]) {
			v, err = parseDumpTimestamp(s)
			if err != nil {
				return nil, err
			}
		}
		values[i] = v
	}
	return values, nil
}

func isTimeColumn(dataType string) bool {
	switch dataType {
	case "timestamp with time zone", "timestamp without time zone", "date":
		return true
	}
	return false
}

// timestampLayouts covers the ISO 8601 forms row_to_json produces for
// timestamptz, timestamp and date columns.
var timestampLayouts = []string{
	"2006-01-02T15:04:05.999999999Z07:00",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02",
}

func parseDumpTimestamp(s string) (time.Time, error) {
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: cannot parse dumped timestamp %q", ErrBackupIntegrity, s)
}

func jsonValueToCopyValue(raw json.RawMessage) (any, error) {
	switch raw[0] {
	case 'n': // null
		return nil, nil
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, err
		}
		return s, nil
	case 't', 'f':
		var b bool
		if err := json.Unmarshal(raw, &b); err != nil {
			return nil, err
		}
		return b, nil
	case '{', '[':
		// jsonb column content, keep as JSON text.
		return string(raw), nil
	default:
		// Number: pass the exact text so precision survives.
		return string(raw), nil
	}
}

// Verify re-checks a backup's artifact integrity without touching the
// database: per-table file checksums and the combined manifest checksum.
func (bm *BackupManager) Verify(manifest *Manifest) error {
	backupDir := manifest.Dir(bm.dir)

	for _, tm := range manifest.Tables {
		sum, err := fileChecksum(filepath.Join(backupDir, tm.File))
		if err != nil {
			return fmt.Errorf("%w: %v", ErrBackupIntegrity, err)
		}
		if sum != tm.Checksum {
			return fmt.Errorf("%w: dump file %s hashes to %s, manifest says %s",
				ErrBackupIntegrity, tm.File, sum, tm.Checksum)
		}
	}

	if manifest.combinedChecksum() != manifest.Checksum {
		return fmt.Errorf("%w: manifest checksum does not match its table entries", ErrBackupIntegrity)
	}
	return nil
}

// LoadManifest reads a manifest from a backup directory.
func (bm *BackupManager) LoadManifest(id string) (*Manifest, error) {
	return readManifest(filepath.Join(bm.dir, id, manifestFilename))
}

// List returns the manifests of all backups under the backup root, newest
// first. Directories without a readable manifest are skipped.
func (bm *BackupManager) List() ([]*Manifest, error) {
	entries, err := os.ReadDir(bm.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var manifests []*Manifest
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		m, err := readManifest(filepath.Join(bm.dir, entry.Name(), manifestFilename))
		if err != nil {
			logger.Warn("Skipping backup directory without readable manifest", "dir", entry.Name(), "error", err)
			continue
		}
		manifests = append(manifests, m)
	}

	sort.Slice(manifests, func(i, j int) bool {
		return manifests[i].CreatedAt.After(manifests[j].CreatedAt)
	})
	return manifests, nil
}

// rotate removes the oldest backups beyond the configured keep count.
func (bm *BackupManager) rotate() error {
	manifests, err := bm.List()
	if err != nil {
		return err
	}
	if len(manifests) <= bm.keep {
		return nil
	}

	for _, m := range manifests[bm.keep:] {
		dir := m.Dir(bm.dir)
		if err := os.RemoveAll(dir); err != nil {
			return err
		}
		logger.Info("Rotated old backup", "backup_id", m.ID, "created_at", m.CreatedAt)
	}
	return nil
}

func tryBackupLock(ctx context.Context, conn *pgxpool.Conn) (bool, error) {
	var locked bool
	err := conn.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", consts.BackupAdvisoryLockID).Scan(&locked)
	return locked, err
}

func releaseBackupLock(ctx context.Context, conn *pgxpool.Conn) {
	if _, err := conn.Exec(context.WithoutCancel(ctx), "SELECT pg_advisory_unlock($1)", consts.BackupAdvisoryLockID); err != nil {
		logger.Error("Failed to release backup lock", "error", err)
	}
}

func tableColumns(ctx context.Context, tx pgx.Tx, table string) ([]string, []string, error) {
	rows, err := tx.Query(ctx,
		`SELECT column_name, data_type FROM information_schema.columns
		 WHERE table_schema = current_schema() AND table_name = $1
		 ORDER BY ordinal_position`, table)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	var columns, types []string
	for rows.Next() {
		var c, t string
		if err := rows.Scan(&c, &t); err != nil {
			return nil, nil, err
		}
		columns = append(columns, c)
		types = append(types, t)
	}
	return columns, types, rows.Err()
}

func writeManifest(path string, m *Manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

func readManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

func fileChecksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	hasher := blake3.New(32, nil)
	if _, err := io.Copy(hasher, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}
