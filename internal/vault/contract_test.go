package vault

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"wikisync/internal/mirror"
)

// testVaultContract runs the behaviour every mirror.Vault must share.
func testVaultContract(t *testing.T, newVault func(t *testing.T) mirror.Vault) {
	t.Helper()
	ctx := context.Background()

	t.Run("put and get content", func(t *testing.T) {
		v := newVault(t)
		tests := []struct {
			name    string
			key     string
			content string
		}{
			{"wikitext", "2ef7bde608ce5404e97d5f042f95f89f1c232871", "hello world"},
			{"empty", "da39a3ee5e6b4b0d3255bfef95601890afd80709", ""},
			{"large", "aaaf3c0c5cd1e5c7e4a2f1d8b0e6c9e2d7a3b4c5", strings.Repeat("x", 10000)},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				if err := v.PutContent(ctx, tt.key, strings.NewReader(tt.content), int64(len(tt.content))); err != nil {
					t.Fatalf("PutContent() error = %v", err)
				}
				var buf bytes.Buffer
				if err := v.GetContent(ctx, tt.key, &buf); err != nil {
					t.Fatalf("GetContent() error = %v", err)
				}
				if buf.String() != tt.content {
					t.Errorf("GetContent() = %d bytes, want %d", buf.Len(), len(tt.content))
				}
			})
		}
	})

	t.Run("has content", func(t *testing.T) {
		v := newVault(t)
		key := "0beec7b5ea3f0fdbc95d0dd47f3c5bc275da8a33"
		has, err := v.HasContent(ctx, key)
		if err != nil {
			t.Fatalf("HasContent() error = %v", err)
		}
		if has {
			t.Error("HasContent() = true before PutContent")
		}
		if err := v.PutContent(ctx, key, strings.NewReader("foo"), 3); err != nil {
			t.Fatalf("PutContent() error = %v", err)
		}
		has, err = v.HasContent(ctx, key)
		if err != nil {
			t.Fatalf("HasContent() error = %v", err)
		}
		if !has {
			t.Error("HasContent() = false after PutContent")
		}
	})

	t.Run("put is idempotent", func(t *testing.T) {
		v := newVault(t)
		key := "62cdb7020ff920e5aa642c3d4066950dd1f01f4d"
		for i := 0; i < 2; i++ {
			if err := v.PutContent(ctx, key, strings.NewReader("bar"), 3); err != nil {
				t.Fatalf("PutContent() iteration %d error = %v", i+1, err)
			}
		}
		var buf bytes.Buffer
		if err := v.GetContent(ctx, key, &buf); err != nil {
			t.Fatalf("GetContent() error = %v", err)
		}
		if buf.String() != "bar" {
			t.Errorf("GetContent() = %q, want %q", buf.String(), "bar")
		}
	})

	t.Run("size mismatch", func(t *testing.T) {
		v := newVault(t)
		if err := v.PutContent(ctx, "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb", strings.NewReader("hello"), 100); err == nil {
			t.Error("PutContent() expected error for size mismatch")
		}
	})

	t.Run("content not found", func(t *testing.T) {
		v := newVault(t)
		var buf bytes.Buffer
		err := v.GetContent(ctx, "cccccccccccccccccccccccccccccccccccccccc", &buf)
		if err == nil {
			t.Fatal("GetContent() expected error for missing content")
		}
		if !strings.Contains(err.Error(), "content not found") {
			t.Errorf("error = %v, want error containing 'content not found'", err)
		}
	})

	t.Run("metadata versions", func(t *testing.T) {
		v := newVault(t)
		got, err := v.GetMetadataVersion(ctx, "instance-1", "db")
		if err != nil {
			t.Fatalf("GetMetadataVersion() error = %v", err)
		}
		if got != 0 {
			t.Errorf("GetMetadataVersion() = %d before any put, want 0", got)
		}

		for _, version := range []int64{3, 7} {
			data := "snapshot"
			if err := v.PutMetadata(ctx, "instance-1", "db", strings.NewReader(data), int64(len(data)), version); err != nil {
				t.Fatalf("PutMetadata() error = %v", err)
			}
		}

		got, err = v.GetMetadataVersion(ctx, "instance-1", "db")
		if err != nil {
			t.Fatalf("GetMetadataVersion() error = %v", err)
		}
		if got != 7 {
			t.Errorf("GetMetadataVersion() = %d, want 7", got)
		}

		other, err := v.GetMetadataVersion(ctx, "instance-2", "db")
		if err != nil {
			t.Fatalf("GetMetadataVersion() error = %v", err)
		}
		if other != 0 {
			t.Errorf("GetMetadataVersion(other instance) = %d, want 0", other)
		}
	})

	t.Run("validate setup", func(t *testing.T) {
		if err := newVault(t).ValidateSetup(ctx); err != nil {
			t.Errorf("ValidateSetup() error = %v", err)
		}
	})
}

func TestMemoryVault(t *testing.T) {
	testVaultContract(t, func(t *testing.T) mirror.Vault {
		return NewMemoryVault("test-vault")
	})
}

func TestFileSystemVault(t *testing.T) {
	testVaultContract(t, func(t *testing.T) mirror.Vault {
		v, err := NewFileSystemVault("test", t.TempDir())
		if err != nil {
			t.Fatalf("NewFileSystemVault() error = %v", err)
		}
		return v
	})
}

func TestS3Vault(t *testing.T) {
	testVaultContract(t, func(t *testing.T) mirror.Vault {
		return newS3VaultWithClient("test", "bucket", "prefix", newFakeS3())
	})
}
