package database

import (
	"os"
	"path/filepath"
	"testing"

	"wikisync/internal/config"
)

func TestNewStoreFromConfig(t *testing.T) {
	t.Run("memory database is migrated", func(t *testing.T) {
		got, err := NewStoreFromConfig(config.DatabaseConfig{Type: "memory"}, "test-instance-123")
		if err != nil {
			t.Fatalf("NewStoreFromConfig() unexpected error: %v", err)
		}
		defer got.Close()

		if err := got.CheckMigrations(); err != nil {
			t.Errorf("CheckMigrations() error = %v", err)
		}
	})

	t.Run("sqlite database", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "db")
		cfg := config.DatabaseConfig{Type: "sqlite", DataDir: dir}
		got, err := NewStoreFromConfig(cfg, "test-instance-123")
		if err != nil {
			t.Fatalf("NewStoreFromConfig() unexpected error: %v", err)
		}
		defer got.Close()

		if err := got.MigrateUp(); err != nil {
			t.Fatalf("MigrateUp() error = %v", err)
		}
		if got.Path() != filepath.Join(dir, "test-instance-123.db") {
			t.Errorf("Path() = %q, want file named after the instance", got.Path())
		}
		if _, err := os.Stat(got.Path()); err != nil {
			t.Errorf("database file not created: %v", err)
		}
	})

	t.Run("sqlite database without data_dir", func(t *testing.T) {
		got, err := NewStoreFromConfig(config.DatabaseConfig{Type: "sqlite"}, "test-instance-123")
		if err == nil {
			t.Error("NewStoreFromConfig() expected error for missing data_dir, got nil")
		}
		if got != nil {
			t.Error("NewStoreFromConfig() should return nil on error")
			got.Close()
		}
	})

	t.Run("unknown database type", func(t *testing.T) {
		got, err := NewStoreFromConfig(config.DatabaseConfig{Type: "unknown"}, "test-instance-123")
		if err == nil {
			t.Error("NewStoreFromConfig() expected error for unknown type, got nil")
		}
		if got != nil {
			t.Error("NewStoreFromConfig() should return nil on error")
			got.Close()
		}
	})
}
