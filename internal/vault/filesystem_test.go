package vault

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewFileSystemVault(t *testing.T) {
	root := filepath.Join(t.TempDir(), "vault")

	v, err := NewFileSystemVault("test", root)
	if err != nil {
		t.Fatalf("NewFileSystemVault() error = %v", err)
	}

	for _, dir := range []string{"content", "metadata"} {
		if _, err := os.Stat(filepath.Join(root, dir)); err != nil {
			t.Errorf("%s directory not created: %v", dir, err)
		}
	}
	if v.name != "test" {
		t.Errorf("name = %q, want %q", v.name, "test")
	}
}

func TestFileSystemVault_Layout(t *testing.T) {
	ctx := context.Background()
	v, err := NewFileSystemVault("test", t.TempDir())
	if err != nil {
		t.Fatalf("NewFileSystemVault() error = %v", err)
	}

	key := "2ef7bde608ce5404e97d5f042f95f89f1c232871"
	data := "hello world"
	if err := v.PutContent(ctx, key, strings.NewReader(data), int64(len(data))); err != nil {
		t.Fatalf("PutContent() error = %v", err)
	}

	fanned := filepath.Join(v.contentDir, "2e", key)
	if _, err := os.Stat(fanned); err != nil {
		t.Errorf("content not stored at %s: %v", fanned, err)
	}

	entries, err := os.ReadDir(filepath.Join(v.contentDir, "2e"))
	if err != nil {
		t.Fatalf("failed to read content dir: %v", err)
	}
	for _, entry := range entries {
		if strings.HasPrefix(entry.Name(), ".tmp-") {
			t.Errorf("temp file left behind: %s", entry.Name())
		}
	}

	if err := v.PutMetadata(ctx, "instance-1", "db", strings.NewReader("snap"), 4, 2); err != nil {
		t.Fatalf("PutMetadata() error = %v", err)
	}
	var buf bytes.Buffer
	if err := v.GetMetadata(ctx, "instance-1", "db", &buf); err != nil {
		t.Fatalf("GetMetadata() error = %v", err)
	}
	if buf.String() != "snap" {
		t.Errorf("GetMetadata() = %q, want %q", buf.String(), "snap")
	}
}

func TestFileSystemVault_RejectsUnsafeKeys(t *testing.T) {
	ctx := context.Background()
	v, err := NewFileSystemVault("test", t.TempDir())
	if err != nil {
		t.Fatalf("NewFileSystemVault() error = %v", err)
	}

	for _, key := range []string{"", "ab", "../../etc/passwd", "abc/def"} {
		if err := v.PutContent(ctx, key, strings.NewReader("x"), 1); err == nil {
			t.Errorf("PutContent(%q) expected error", key)
		}
	}
	if err := v.PutMetadata(ctx, "..", "db", strings.NewReader("x"), 1, 1); err == nil {
		t.Error("PutMetadata(\"..\") expected error")
	}
}

func TestFileSystemVault_ValidateSetup_MissingRoot(t *testing.T) {
	v := &FileSystemVault{
		name:        "test",
		root:        "/nonexistent/path",
		contentDir:  "/nonexistent/path/content",
		metadataDir: "/nonexistent/path/metadata",
	}
	if err := v.ValidateSetup(context.Background()); err == nil {
		t.Error("ValidateSetup() expected error for missing root")
	}
}
