// Package storage provides S3-compatible object storage for backup
// artifacts.
//
// Backup dumps and manifests are uploaded under a per-backup prefix
// (the backup's UUID), so a remote store mirrors the local backup
// directory layout. Artifacts are already integrity-protected by the
// BLAKE3 checksums in the manifest; the store only has to hold bytes.
//
// When encryption is enabled, artifacts are encrypted client-side with
// AES-256-GCM before upload. The key is configured in config.toml as a
// 32-byte hex-encoded string.
package storage

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/quantumzero/marketdb/config"
	"github.com/quantumzero/marketdb/logger"
	"github.com/quantumzero/marketdb/pkg/metrics"
)

// S3Storage is a thin client for an S3-compatible artifact store.
type S3Storage struct {
	Client        *minio.Client
	BucketName    string
	Encrypt       bool
	EncryptionKey []byte
}

// New creates an S3 client for the given endpoint and bucket.
func New(endpoint, accessKeyID, secretAccessKey, bucketName string, useSSL bool, debug bool) (*S3Storage, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKeyID, secretAccessKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		logger.Error("Failed to initialize S3 client", "component", "STORAGE", "error", err)
		return nil, fmt.Errorf("failed to initialize S3 client: %w", err)
	}

	if debug {
		client.TraceOn(os.Stdout)
	}

	return &S3Storage{
		Client:     client,
		BucketName: bucketName,
	}, nil
}

// NewFromConfig creates an S3 client from the backup configuration,
// enabling client-side encryption when configured.
func NewFromConfig(cfg *config.BackupS3Config) (*S3Storage, error) {
	s, err := New(cfg.Endpoint, cfg.AccessKey, cfg.SecretKey, cfg.Bucket, !cfg.DisableTLS, cfg.Debug)
	if err != nil {
		return nil, err
	}
	if cfg.Encrypt {
		if err := s.EnableEncryption(cfg.EncryptionKey); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// EnableEncryption turns on client-side AES-256-GCM encryption.
func (s *S3Storage) EnableEncryption(encryptionKey string) error {
	if encryptionKey == "" {
		return fmt.Errorf("encryption key is required when encryption is enabled")
	}

	masterKey, err := hex.DecodeString(encryptionKey)
	if err != nil {
		return fmt.Errorf("failed to decode encryption key: %w", err)
	}
	if len(masterKey) != 32 {
		return fmt.Errorf("encryption key must be 32 bytes (64 hex characters)")
	}

	s.Encrypt = true
	s.EncryptionKey = masterKey
	logger.Info("Client-side artifact encryption enabled", "component", "STORAGE")
	return nil
}

// Exists checks whether an object with the given key exists in the bucket.
func (s *S3Storage) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.Client.StatObject(ctx, s.BucketName, key, minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}

	var minioErr minio.ErrorResponse
	if errors.As(err, &minioErr) && minioErr.StatusCode == 404 {
		return false, nil
	}
	return false, fmt.Errorf("failed to stat object %s: %w", key, err)
}

// Put uploads one artifact. With encryption enabled the body is read
// fully, sealed, and uploaded as a single ciphertext object.
func (s *S3Storage) Put(ctx context.Context, key string, body io.Reader, size int64) error {
	start := time.Now()
	defer func() {
		metrics.S3OperationDuration.WithLabelValues("PUT").Observe(time.Since(start).Seconds())
	}()

	if s.Encrypt {
		data, err := io.ReadAll(body)
		if err != nil {
			metrics.StorageOperationErrors.WithLabelValues("PUT", "read_error").Inc()
			return fmt.Errorf("failed to read data for encryption: %w", err)
		}
		encrypted, err := s.encryptData(data)
		if err != nil {
			metrics.StorageOperationErrors.WithLabelValues("PUT", "encryption_error").Inc()
			return fmt.Errorf("failed to encrypt data: %w", err)
		}
		body = bytes.NewReader(encrypted)
		size = int64(len(encrypted))
	}

	_, err := s.Client.PutObject(ctx, s.BucketName, key, body, size,
		minio.PutObjectOptions{SendContentMd5: true})
	if err != nil {
		metrics.StorageOperationErrors.WithLabelValues("PUT", classifyS3Error(err)).Inc()
		metrics.S3OperationsTotal.WithLabelValues("PUT", "error").Inc()
		return err
	}
	metrics.S3OperationsTotal.WithLabelValues("PUT", "success").Inc()
	return nil
}

// Get downloads one artifact, decrypting it when encryption is enabled.
func (s *S3Storage) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	start := time.Now()
	defer func() {
		metrics.S3OperationDuration.WithLabelValues("GET").Observe(time.Since(start).Seconds())
	}()

	object, err := s.Client.GetObject(ctx, s.BucketName, key, minio.GetObjectOptions{})
	if err != nil {
		metrics.S3OperationsTotal.WithLabelValues("GET", "error").Inc()
		return nil, err
	}

	if s.Encrypt {
		encrypted, err := io.ReadAll(object)
		if cerr := object.Close(); cerr != nil {
			logger.Warn("Failed to close S3 object", "component", "STORAGE", "error", cerr)
		}
		if err != nil {
			metrics.S3OperationsTotal.WithLabelValues("GET", "error").Inc()
			return nil, fmt.Errorf("failed to read encrypted data: %w", err)
		}
		decrypted, err := s.decryptData(encrypted)
		if err != nil {
			metrics.S3OperationsTotal.WithLabelValues("GET", "error").Inc()
			return nil, fmt.Errorf("failed to decrypt data: %w", err)
		}
		metrics.S3OperationsTotal.WithLabelValues("GET", "success").Inc()
		return io.NopCloser(bytes.NewReader(decrypted)), nil
	}

	metrics.S3OperationsTotal.WithLabelValues("GET", "success").Inc()
	return object, nil
}

// Delete removes one artifact. Deleting a missing object is not an error,
// which keeps backup rotation idempotent.
func (s *S3Storage) Delete(ctx context.Context, key string) error {
	start := time.Now()
	defer func() {
		metrics.S3OperationDuration.WithLabelValues("DELETE").Observe(time.Since(start).Seconds())
	}()

	exists, err := s.Exists(ctx, key)
	if err != nil {
		metrics.S3OperationsTotal.WithLabelValues("DELETE", "error").Inc()
		return err
	}
	if !exists {
		metrics.S3OperationsTotal.WithLabelValues("DELETE", "skipped").Inc()
		return nil
	}

	err = s.Client.RemoveObject(ctx, s.BucketName, key, minio.RemoveObjectOptions{})
	if err != nil {
		metrics.S3OperationsTotal.WithLabelValues("DELETE", "error").Inc()
		return err
	}
	metrics.S3OperationsTotal.WithLabelValues("DELETE", "success").Inc()
	return nil
}

// S3Object is one object in list results.
type S3Object struct {
	Key          string
	Size         int64
	LastModified time.Time
	ETag         string
}

// ListObjects streams objects under the given prefix. Both channels are
// closed when the listing completes; an error ends the stream.
func (s *S3Storage) ListObjects(ctx context.Context, prefix string, recursive bool) (<-chan S3Object, <-chan error) {
	objectCh := make(chan S3Object)
	errCh := make(chan error, 1)

	go func() {
		defer close(objectCh)
		defer close(errCh)

		opts := minio.ListObjectsOptions{
			Prefix:    prefix,
			Recursive: recursive,
		}
		for object := range s.Client.ListObjects(ctx, s.BucketName, opts) {
			if object.Err != nil {
				errCh <- object.Err
				return
			}
			select {
			case objectCh <- S3Object{
				Key:          object.Key,
				Size:         object.Size,
				LastModified: object.LastModified,
				ETag:         object.ETag,
			}:
			case <-ctx.Done():
				return
			}
		}
	}()

	return objectCh, errCh
}

// encryptData seals plaintext with AES-256-GCM, prepending the nonce.
func (s *S3Storage) encryptData(plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(s.EncryptionKey)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// decryptData opens a ciphertext produced by encryptData.
func (s *S3Storage) decryptData(ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(s.EncryptionKey)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < gcm.NonceSize() {
		return nil, fmt.Errorf("ciphertext too short")
	}
	nonce, ciphertext := ciphertext[:gcm.NonceSize()], ciphertext[gcm.NonceSize():]
	return gcm.Open(nil, nonce, ciphertext, nil)
}

// classifyS3Error buckets S3 errors for the error metrics.
func classifyS3Error(err error) string {
	if err == nil {
		return "none"
	}

	errStr := err.Error()
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case strings.Contains(errStr, "AccessDenied") || strings.Contains(errStr, "Forbidden"):
		return "access_denied"
	case strings.Contains(errStr, "NoSuchKey") || strings.Contains(errStr, "NotFound"):
		return "not_found"
	case strings.Contains(errStr, "SlowDown") || strings.Contains(errStr, "RequestLimitExceeded"):
		return "throttled"
	case strings.Contains(errStr, "connection refused") || strings.Contains(errStr, "no such host"):
		return "network_error"
	default:
		return "unknown"
	}
}
