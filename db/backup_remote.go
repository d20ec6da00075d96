package db

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/quantumzero/marketdb/logger"
	"github.com/quantumzero/marketdb/storage"
)

// ArtifactStore is the remote side of backup replication. storage.S3Storage
// implements it; tests substitute a filesystem-backed store.
type ArtifactStore interface {
	Put(ctx context.Context, key string, body io.Reader, size int64) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
	ListObjects(ctx context.Context, prefix string, recursive bool) (<-chan storage.S3Object, <-chan error)
}

// UploadBackup copies a backup's artifacts to the remote store under the
// backup's UUID prefix. The manifest goes last so a backup is only
// discoverable remotely once all of its dumps are in place.
func (bm *BackupManager) UploadBackup(ctx context.Context, manifest *Manifest) error {
	if bm.remote == nil {
		return fmt.Errorf("no remote storage configured")
	}
	backupDir := manifest.Dir(bm.dir)

	for _, tm := range manifest.Tables {
		if err := bm.uploadFile(ctx, backupDir, manifest.ID.String(), tm.File); err != nil {
			return fmt.Errorf("failed to upload %s: %w", tm.File, err)
		}
	}
	if err := bm.uploadFile(ctx, backupDir, manifest.ID.String(), manifestFilename); err != nil {
		return fmt.Errorf("failed to upload manifest: %w", err)
	}

	logger.Info("Backup uploaded to remote storage", "backup_id", manifest.ID,
		"files", len(manifest.Tables)+1)
	return nil
}

func (bm *BackupManager) uploadFile(ctx context.Context, dir, prefix, name string) error {
	f, err := os.Open(filepath.Join(dir, name))
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	return bm.remote.Put(ctx, prefix+"/"+name, f, info.Size())
}

// FetchBackup downloads a backup from the remote store into the local
// backup root and verifies it. The returned manifest can be passed
// straight to Restore.
func (bm *BackupManager) FetchBackup(ctx context.Context, id string) (*Manifest, error) {
	if bm.remote == nil {
		return nil, fmt.Errorf("no remote storage configured")
	}

	backupDir := filepath.Join(bm.dir, id)
	if err := os.MkdirAll(backupDir, 0755); err != nil {
		return nil, err
	}

	if err := bm.fetchFile(ctx, id, manifestFilename, backupDir); err != nil {
		return nil, fmt.Errorf("failed to fetch manifest: %w", err)
	}
	manifest, err := bm.LoadManifest(id)
	if err != nil {
		return nil, err
	}

	for _, tm := range manifest.Tables {
		if err := bm.fetchFile(ctx, id, tm.File, backupDir); err != nil {
			return nil, fmt.Errorf("failed to fetch %s: %w", tm.File, err)
		}
	}

	if err := bm.Verify(manifest); err != nil {
		return nil, err
	}
	logger.Info("Backup fetched from remote storage", "backup_id", manifest.ID)
	return manifest, nil
}

func (bm *BackupManager) fetchFile(ctx context.Context, prefix, name, dir string) error {
	obj, err := bm.remote.Get(ctx, prefix+"/"+name)
	if err != nil {
		return err
	}
	defer obj.Close()

	f, err := os.Create(filepath.Join(dir, name))
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := io.Copy(f, obj); err != nil {
		return err
	}
	return f.Sync()
}

// ListRemoteBackups lists the backup IDs present in the remote store.
func (bm *BackupManager) ListRemoteBackups(ctx context.Context) ([]string, error) {
	if bm.remote == nil {
		return nil, fmt.Errorf("no remote storage configured")
	}

	objectCh, errCh := bm.remote.ListObjects(ctx, "", false)

	var ids []string
	for obj := range objectCh {
		// Non-recursive listing yields one "directory" entry per backup.
		id := obj.Key
		if len(id) > 0 && id[len(id)-1] == '/' {
			id = id[:len(id)-1]
		}
		ids = append(ids, id)
	}
	if err := <-errCh; err != nil {
		return nil, err
	}
	return ids, nil
}
