package blobstore

import (
	"context"
	"fmt"

	"ragvault/internal/config"
)

// Open selects and constructs a BlobStore from cfg.Backend ("s3", "memory").
func Open(ctx context.Context, cfg config.BlobStoreConfig) (BlobStore, error) {
	switch cfg.Backend {
	case "s3":
		return NewS3Store(ctx, cfg)
	case "memory", "":
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("blobstore: unknown backend %q", cfg.Backend)
	}
}
