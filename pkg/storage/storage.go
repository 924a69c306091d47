package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"media-enricher/constant"
)

var ErrBlobNotFound = errors.New("blob not found")

// BlobStore is the subset of object storage the workers rely on.
type BlobStore interface {
	Open(ctx context.Context, name string) (io.ReadCloser, error)
	Exists(ctx context.Context, name string) (bool, error)
	PutFile(ctx context.Context, name, path, contentType string) error
	PresignedURL(ctx context.Context, name string, expires time.Duration) (string, error)
}

type Config struct {
	Provider        constant.StorageProvider
	Bucket          string
	Endpoint        string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	UseSSL          bool
	UsePathStyle    bool
}

func New(ctx context.Context, cfg Config) (BlobStore, error) {
	switch cfg.Provider {
	case constant.StorageProviderMinIO, "":
		return NewMinIO(cfg)
	case constant.StorageProviderS3:
		return NewS3(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown storage provider %q", cfg.Provider)
	}
}
