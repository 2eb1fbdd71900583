package database

import (
	"fmt"
	"os"
	"path/filepath"

	"dedup-go/internal/config"
	"dedup-go/internal/dedup"
)

// NewIndexFromConfig creates an Index implementation based on the database
// config type.
func NewIndexFromConfig(cfg config.DatabaseConfig) (dedup.Index, error) {
	switch cfg.Type {
	case "sqlite":
		if cfg.DataDir == "" {
			return nil, fmt.Errorf("data_dir required for sqlite database")
		}
		if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
			return nil, fmt.Errorf("creating data dir: %w", err)
		}
		return NewSQLiteIndex(filepath.Join(cfg.DataDir, "dedup.db"))
	case "memory":
		return NewSQLiteIndex(":memory:")
	default:
		return nil, fmt.Errorf("unknown database type: %s", cfg.Type)
	}
}
