package database

import (
	"fmt"
	"os"
	"path/filepath"

	"wikisync/internal/config"
)

// NewStoreFromConfig opens the replica store selected by the database config.
// An in-memory store starts empty and is migrated immediately; a file store
// is opened as is so the caller can check or apply migrations explicitly.
func NewStoreFromConfig(cfg config.DatabaseConfig, instanceID string) (*SQLiteStore, error) {
	switch cfg.Type {
	case "sqlite":
		if cfg.DataDir == "" {
			return nil, fmt.Errorf("data_dir required for sqlite database")
		}
		if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		return NewSQLiteStore(filepath.Join(cfg.DataDir, instanceID+".db"))
	case "memory":
		store, err := NewSQLiteStore(":memory:")
		if err != nil {
			return nil, err
		}
		if err := store.MigrateUp(); err != nil {
			store.Close()
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown database type: %s", cfg.Type)
	}
}
