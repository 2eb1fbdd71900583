package store

import (
	"context"
	"fmt"

	"dedup-go/internal/config"
	"dedup-go/internal/dedup"
)

// NewStoreFromConfig creates a RemoteStore implementation based on the store
// config type. bucketOverride, when non-empty, replaces the configured S3
// bucket for this invocation.
func NewStoreFromConfig(ctx context.Context, cfg config.StoreConfig, bucketOverride string) (dedup.RemoteStore, error) {
	switch cfg.Type {
	case "memory":
		return NewMemoryStore(), nil
	case "filesystem":
		if cfg.FSStoreRoot == "" {
			return nil, fmt.Errorf("filesystem store requires fs_store_root to be set")
		}
		return NewFileSystemStore(cfg.FSStoreRoot)
	case "s3":
		bucket := cfg.S3Bucket
		if bucketOverride != "" {
			bucket = bucketOverride
		}
		return NewS3Store(ctx, S3Options{
			Bucket:          bucket,
			Prefix:          cfg.S3Prefix,
			Region:          cfg.S3Region,
			AccessKeyID:     cfg.S3AccessKeyID,
			SecretAccessKey: cfg.S3SecretAccessKey,
		})
	default:
		return nil, fmt.Errorf("unknown store type: %s", cfg.Type)
	}
}
