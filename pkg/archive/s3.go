package archive

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/Mindburn-Labs/watchtower/pkg/contracts"
)

// S3Blob stores objects in an S3 bucket under an optional key prefix.
type S3Blob struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3Blob loads AWS credentials from the default chain. A custom
// Endpoint switches to path-style addressing for MinIO and LocalStack.
func NewS3Blob(ctx context.Context, cfg BlobConfig) (*S3Blob, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("archive: s3 backend needs a bucket")
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return &S3Blob{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (b *S3Blob) Put(ctx context.Context, key string, data []byte) error {
	full := b.prefix + key
	// Skip the upload when the object is already there; archive keys
	// are immutable once written.
	_, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(full),
	})
	if err == nil {
		return nil
	}
	_, err = b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(b.bucket),
		Key:         aws.String(full),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/x-ndjson"),
	})
	if err != nil {
		return fmt.Errorf("s3 put %s: %w", key, err)
	}
	return nil
}

func (b *S3Blob) Get(ctx context.Context, key string) ([]byte, error) {
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.prefix + key),
	})
	if err != nil {
		return nil, &contracts.NotFoundError{Kind: "blob", Key: key}
	}
	defer func() { _ = out.Body.Close() }()
	return io.ReadAll(out.Body)
}

func (b *S3Blob) Exists(ctx context.Context, key string) (bool, error) {
	_, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.prefix + key),
	})
	return err == nil, nil
}
