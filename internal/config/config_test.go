package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestManager_ReadWrite_RoundTrip(t *testing.T) {
	original := NewConfig("test-instance-abc", "/home/user/.local/share/wikisync")
	original.Remote.APIURL = "https://wiki.example.org/w/api.php"
	original.Vaults = []VaultConfig{
		{Type: "filesystem", Name: "local", FSVaultRoot: "/backup/vault"},
		{Type: "s3", Name: "offsite", S3Bucket: "mirror", S3Region: "eu-west-1", S3Endpoint: "http://localhost:9000"},
	}
	original.Metrics.TextfilePath = "/var/lib/node_exporter/wikisync.prom"

	var buf bytes.Buffer
	m := &Manager{}

	if err := m.Write(&buf, original); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	got, err := m.Read(&buf)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}

	if got.InstanceID != original.InstanceID {
		t.Errorf("InstanceID = %q, want %q", got.InstanceID, original.InstanceID)
	}
	if got.Remote.APIURL != original.Remote.APIURL {
		t.Errorf("Remote.APIURL = %q, want %q", got.Remote.APIURL, original.Remote.APIURL)
	}
	if got.Remote.Timeout.Duration != 30*time.Second {
		t.Errorf("Remote.Timeout = %v, want %v", got.Remote.Timeout.Duration, 30*time.Second)
	}
	if got.Sync.FetchBackoff.Duration != 500*time.Millisecond {
		t.Errorf("Sync.FetchBackoff = %v, want %v", got.Sync.FetchBackoff.Duration, 500*time.Millisecond)
	}
	if len(got.Sync.Namespaces) != 2 {
		t.Errorf("len(Sync.Namespaces) = %d, want 2", len(got.Sync.Namespaces))
	}
	if len(got.Vaults) != 2 {
		t.Fatalf("len(Vaults) = %d, want 2", len(got.Vaults))
	}
	if got.Vaults[1].S3Endpoint != "http://localhost:9000" {
		t.Errorf("Vault.S3Endpoint = %q, want %q", got.Vaults[1].S3Endpoint, "http://localhost:9000")
	}
	if got.Encryption.Type != "age" {
		t.Errorf("Encryption.Type = %q, want %q", got.Encryption.Type, "age")
	}
	if got.Metrics.TextfilePath != original.Metrics.TextfilePath {
		t.Errorf("Metrics.TextfilePath = %q, want %q", got.Metrics.TextfilePath, original.Metrics.TextfilePath)
	}
}

func TestDuration(t *testing.T) {
	t.Run("parses duration strings", func(t *testing.T) {
		input := "[remote]\ntimeout = \"1m30s\"\nbase_delay = \"250ms\"\n"
		cfg, err := (&Manager{}).Read(strings.NewReader(input))
		if err != nil {
			t.Fatalf("Read() error = %v", err)
		}
		if cfg.Remote.Timeout.Duration != 90*time.Second {
			t.Errorf("Timeout = %v, want 1m30s", cfg.Remote.Timeout.Duration)
		}
		if cfg.Remote.BaseDelay.Duration != 250*time.Millisecond {
			t.Errorf("BaseDelay = %v, want 250ms", cfg.Remote.BaseDelay.Duration)
		}
	})

	t.Run("rejects invalid durations", func(t *testing.T) {
		input := "[remote]\ntimeout = \"soon\"\n"
		if _, err := (&Manager{}).Read(strings.NewReader(input)); err == nil {
			t.Fatal("Read() expected error for invalid duration")
		}
	})
}

func TestNewConfig(t *testing.T) {
	cfg := NewConfig("instance-1", "/data/wikisync")

	if cfg.InstanceID != "instance-1" {
		t.Errorf("InstanceID = %q, want %q", cfg.InstanceID, "instance-1")
	}
	if cfg.LogDir != "/data/wikisync/log" {
		t.Errorf("LogDir = %q, want %q", cfg.LogDir, "/data/wikisync/log")
	}
	if cfg.Database.DataDir != "/data/wikisync/db" {
		t.Errorf("Database.DataDir = %q, want %q", cfg.Database.DataDir, "/data/wikisync/db")
	}
	if cfg.Encryption.PublicKeyPath != "/data/wikisync/keys/wikisync.pub" {
		t.Errorf("Encryption.PublicKeyPath = %q, want %q", cfg.Encryption.PublicKeyPath, "/data/wikisync/keys/wikisync.pub")
	}
	if cfg.Remote.Limit != 500 {
		t.Errorf("Remote.Limit = %d, want 500", cfg.Remote.Limit)
	}
}

func TestConfig_Validate(t *testing.T) {
	valid := func() *Config {
		cfg := NewConfig("instance-1", "/data/wikisync")
		cfg.Remote.APIURL = "https://wiki.example.org/w/api.php"
		cfg.Vaults = []VaultConfig{{Type: "memory", Name: "mem"}}
		return cfg
	}

	if err := valid().Validate(); err != nil {
		t.Errorf("Validate() on valid config error = %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing instance id", func(c *Config) { c.InstanceID = "" }},
		{"missing api url", func(c *Config) { c.Remote.APIURL = "" }},
		{"no vaults", func(c *Config) { c.Vaults = nil }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate() expected error, got nil")
			}
		})
	}
}

func TestInit(t *testing.T) {
	t.Run("creates config file", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "wikisync.toml")
		cfg := NewConfig("i1", dir)

		if err := Init(path, cfg); err != nil {
			t.Fatalf("Init() error = %v", err)
		}

		if _, err := os.Stat(path); err != nil {
			t.Fatalf("config file not created: %v", err)
		}
	})

	t.Run("fails if file already exists", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "wikisync.toml")
		cfg := NewConfig("i1", dir)

		if err := Init(path, cfg); err != nil {
			t.Fatalf("first Init() error = %v", err)
		}

		if err := Init(path, cfg); err == nil {
			t.Fatal("second Init() expected error")
		}
	})
}

func TestReadFromFile(t *testing.T) {
	t.Run("reads valid config", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "wikisync.toml")
		cfg := NewConfig("read-test", dir)
		cfg.Database = DatabaseConfig{Type: "memory"}

		if err := Init(path, cfg); err != nil {
			t.Fatalf("Init() error = %v", err)
		}

		got, err := ReadFromFile(path)
		if err != nil {
			t.Fatalf("ReadFromFile() error = %v", err)
		}
		if got.InstanceID != "read-test" {
			t.Errorf("InstanceID = %q, want %q", got.InstanceID, "read-test")
		}
		if got.Database.Type != "memory" {
			t.Errorf("Database.Type = %q, want %q", got.Database.Type, "memory")
		}
	})

	t.Run("returns error for missing file", func(t *testing.T) {
		if _, err := ReadFromFile("/nonexistent/path/wikisync.toml"); err == nil {
			t.Fatal("ReadFromFile() expected error for missing file")
		}
	})
}
