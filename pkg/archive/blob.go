// Package archive ships rotated evidence files and closed transparency
// logs to durable blob storage. The sweeper runs off the write path:
// stores keep appending locally while the archiver uploads behind them.
package archive

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/Mindburn-Labs/watchtower/pkg/contracts"
)

// Blob is a key-addressed object store. Put must be safe to repeat for
// the same key and data.
type Blob interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Exists(ctx context.Context, key string) (bool, error)
}

// BlobConfig selects and configures a backend. Backend is one of
// "fs", "s3", or "gcs".
type BlobConfig struct {
	Backend string
	// Dir is the root for the fs backend.
	Dir string
	// Bucket, Region, Endpoint, and Prefix configure the s3 and gcs
	// backends. Endpoint is s3-only (MinIO, LocalStack).
	Bucket   string
	Region   string
	Endpoint string
	Prefix   string
}

// NewBlob builds the configured backend.
func NewBlob(ctx context.Context, cfg BlobConfig) (Blob, error) {
	switch cfg.Backend {
	case "", "fs":
		return NewFSBlob(cfg.Dir)
	case "s3":
		return NewS3Blob(ctx, cfg)
	case "gcs":
		return NewGCSBlob(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown archive backend %q", cfg.Backend)
	}
}

// FSBlob stores objects under a root directory. Writes go through a
// temp file and rename so readers never observe a partial object.
type FSBlob struct {
	root string
}

// NewFSBlob creates the root directory if needed.
func NewFSBlob(root string) (*FSBlob, error) {
	if root == "" {
		return nil, fmt.Errorf("archive: fs backend needs a directory")
	}
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, &contracts.IOError{Op: "create archive dir", Path: root, Err: err}
	}
	return &FSBlob{root: root}, nil
}

func (b *FSBlob) path(key string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(key))
	if clean == "." || strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return "", fmt.Errorf("archive: invalid key %q", key)
	}
	return filepath.Join(b.root, clean), nil
}

func (b *FSBlob) Put(ctx context.Context, key string, data []byte) error {
	path, err := b.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return &contracts.IOError{Op: "create archive dir", Path: filepath.Dir(path), Err: err}
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".archive-*")
	if err != nil {
		return &contracts.IOError{Op: "create temp blob", Path: path, Err: err}
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return &contracts.IOError{Op: "write blob", Path: path, Err: err}
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return &contracts.IOError{Op: "close blob", Path: path, Err: err}
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return &contracts.IOError{Op: "rename blob", Path: path, Err: err}
	}
	return nil
}

func (b *FSBlob) Get(ctx context.Context, key string) ([]byte, error) {
	path, err := b.path(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &contracts.NotFoundError{Kind: "blob", Key: key}
		}
		return nil, &contracts.IOError{Op: "read blob", Path: path, Err: err}
	}
	return data, nil
}

func (b *FSBlob) Exists(ctx context.Context, key string) (bool, error) {
	path, err := b.path(key)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, &contracts.IOError{Op: "stat blob", Path: path, Err: err}
	}
	return true, nil
}
