package archive

import (
	"context"
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/storage"

	"github.com/Mindburn-Labs/watchtower/pkg/contracts"
)

// GCSBlob stores objects in a GCS bucket under an optional key prefix.
// Credentials come from Application Default Credentials.
type GCSBlob struct {
	client *storage.Client
	bucket string
	prefix string
}

// NewGCSBlob creates the client with ADC.
func NewGCSBlob(ctx context.Context, cfg BlobConfig) (*GCSBlob, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("archive: gcs backend needs a bucket")
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create gcs client: %w", err)
	}
	return &GCSBlob{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (b *GCSBlob) object(key string) *storage.ObjectHandle {
	return b.client.Bucket(b.bucket).Object(b.prefix + key)
}

func (b *GCSBlob) Put(ctx context.Context, key string, data []byte) error {
	obj := b.object(key)
	if _, err := obj.Attrs(ctx); err == nil {
		return nil
	}
	w := obj.NewWriter(ctx)
	w.ContentType = "application/x-ndjson"
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return fmt.Errorf("gcs write %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("gcs close %s: %w", key, err)
	}
	return nil
}

func (b *GCSBlob) Get(ctx context.Context, key string) ([]byte, error) {
	r, err := b.object(key).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, &contracts.NotFoundError{Kind: "blob", Key: key}
		}
		return nil, fmt.Errorf("gcs get %s: %w", key, err)
	}
	defer func() { _ = r.Close() }()
	return io.ReadAll(r)
}

func (b *GCSBlob) Exists(ctx context.Context, key string) (bool, error) {
	_, err := b.object(key).Attrs(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("gcs attrs %s: %w", key, err)
	}
	return true, nil
}

// Close releases the underlying client.
func (b *GCSBlob) Close() error {
	return b.client.Close()
}
