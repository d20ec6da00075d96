package db

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantumzero/marketdb/storage"
)

// fileArtifactStore is a filesystem-backed ArtifactStore for tests. It
// behaves like an object store but keeps everything under a temp directory
// and can simulate per-key failures.
type fileArtifactStore struct {
	mu      sync.RWMutex
	baseDir string
	errors  map[string]error
}

func newFileArtifactStore(t *testing.T) *fileArtifactStore {
	t.Helper()
	return &fileArtifactStore{
		baseDir: t.TempDir(),
		errors:  make(map[string]error),
	}
}

func (m *fileArtifactStore) failKey(key string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors[key] = err
}

func (m *fileArtifactStore) keyError(key string) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.errors[key]
}

func (m *fileArtifactStore) Put(ctx context.Context, key string, body io.Reader, size int64) error {
	if err := m.keyError(key); err != nil {
		return err
	}
	path := filepath.Join(m.baseDir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

func (m *fileArtifactStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	if err := m.keyError(key); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(m.baseDir, filepath.FromSlash(key)))
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *fileArtifactStore) Delete(ctx context.Context, key string) error {
	if err := m.keyError(key); err != nil {
		return err
	}
	err := os.Remove(filepath.Join(m.baseDir, filepath.FromSlash(key)))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

func (m *fileArtifactStore) ListObjects(ctx context.Context, prefix string, recursive bool) (<-chan storage.S3Object, <-chan error) {
	objectCh := make(chan storage.S3Object)
	errCh := make(chan error, 1)

	go func() {
		defer close(objectCh)
		defer close(errCh)

		seen := make(map[string]bool)
		filepath.Walk(m.baseDir, func(path string, info os.FileInfo, err error) error {
			if err != nil || info.IsDir() {
				return err
			}
			rel, err := filepath.Rel(m.baseDir, path)
			if err != nil {
				return err
			}
			key := filepath.ToSlash(rel)
			if !strings.HasPrefix(key, prefix) {
				return nil
			}
			if !recursive {
				// Collapse to the first path element, like S3 common prefixes.
				rest := strings.TrimPrefix(key, prefix)
				if i := strings.Index(rest, "/"); i >= 0 {
					key = prefix + rest[:i+1]
				}
			}
			if seen[key] {
				return nil
			}
			seen[key] = true
			objectCh <- storage.S3Object{Key: key, Size: info.Size(), LastModified: info.ModTime()}
			return nil
		})
	}()

	return objectCh, errCh
}

func TestUploadAndFetchBackupRoundTrip(t *testing.T) {
	localRoot := t.TempDir()
	m := writeBackupFixture(t, localRoot, time.Now().UTC(), sampleDumpLines())

	store := newFileArtifactStore(t)
	bm := &BackupManager{dir: localRoot, keep: 7, remote: store}

	ctx := context.Background()
	require.NoError(t, bm.UploadBackup(ctx, m))

	// Fetch into a fresh local root, as a disaster recovery would.
	fetchRoot := t.TempDir()
	bm2 := &BackupManager{dir: fetchRoot, keep: 7, remote: store}

	fetched, err := bm2.FetchBackup(ctx, m.ID.String())
	require.NoError(t, err)
	assert.Equal(t, m.ID, fetched.ID)
	assert.Equal(t, m.Checksum, fetched.Checksum)
	require.NoError(t, bm2.Verify(fetched), "fetched artifacts pass verification")
}

func TestUploadBackupFailsOnStoreError(t *testing.T) {
	localRoot := t.TempDir()
	m := writeBackupFixture(t, localRoot, time.Now().UTC(), sampleDumpLines())

	store := newFileArtifactStore(t)
	store.failKey(m.ID.String()+"/market_data.jsonl", errors.New("SlowDown"))

	bm := &BackupManager{dir: localRoot, keep: 7, remote: store}
	err := bm.UploadBackup(context.Background(), m)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "market_data.jsonl")
}

func TestFetchBackupDetectsCorruptRemote(t *testing.T) {
	localRoot := t.TempDir()
	m := writeBackupFixture(t, localRoot, time.Now().UTC(), sampleDumpLines())

	store := newFileArtifactStore(t)
	bm := &BackupManager{dir: localRoot, keep: 7, remote: store}
	ctx := context.Background()
	require.NoError(t, bm.UploadBackup(ctx, m))

	// Corrupt the dump in the remote store.
	key := filepath.Join(store.baseDir, m.ID.String(), "market_data.jsonl")
	data, err := os.ReadFile(key)
	require.NoError(t, err)
	data[0] ^= 0xff
	require.NoError(t, os.WriteFile(key, data, 0644))

	fetchRoot := t.TempDir()
	bm2 := &BackupManager{dir: fetchRoot, keep: 7, remote: store}
	_, err = bm2.FetchBackup(ctx, m.ID.String())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBackupIntegrity)
}

func TestRemoteMethodsRequireConfiguredStore(t *testing.T) {
	bm := &BackupManager{dir: t.TempDir(), keep: 7}

	ctx := context.Background()
	require.Error(t, bm.UploadBackup(ctx, &Manifest{}))

	_, err := bm.FetchBackup(ctx, "id")
	require.Error(t, err)

	_, err = bm.ListRemoteBackups(ctx)
	require.Error(t, err)
}

func TestListRemoteBackups(t *testing.T) {
	localRoot := t.TempDir()
	m1 := writeBackupFixture(t, localRoot, time.Now().UTC(), sampleDumpLines())
	m2 := writeBackupFixture(t, localRoot, time.Now().UTC(), sampleDumpLines())

	store := newFileArtifactStore(t)
	bm := &BackupManager{dir: localRoot, keep: 7, remote: store}

	ctx := context.Background()
	require.NoError(t, bm.UploadBackup(ctx, m1))
	require.NoError(t, bm.UploadBackup(ctx, m2))

	ids, err := bm.ListRemoteBackups(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{m1.ID.String(), m2.ID.String()}, ids)
}
