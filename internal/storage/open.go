package storage

import (
	"context"
	"fmt"

	"visionbatch/internal/domain"
	"visionbatch/internal/infra"
)

// Open returns the blob store selected by STORAGE_BACKEND together with a
// function that releases it.
func Open(ctx context.Context, cfg *infra.Config) (domain.BlobStore, func() error, error) {
	switch cfg.StorageBackend {
	case infra.StorageBackendRedis:
		rs, err := NewRedisStoreFromURL(ctx, cfg.RedisURL, cfg.RedisPrefix)
		if err != nil {
			return nil, nil, err
		}
		return rs, rs.Close, nil
	case infra.StorageBackendFile, "":
		fs, err := NewFileStore(cfg.StoragePath)
		if err != nil {
			return nil, nil, err
		}
		return fs, func() error { return nil }, nil
	default:
		return nil, nil, fmt.Errorf("storage: unsupported backend %q", cfg.StorageBackend)
	}
}
