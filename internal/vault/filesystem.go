package vault

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"wikisync/internal/mirror"
)

// FileSystemVault stores content and metadata as files:
//
//	<root>/
//	  content/
//	    <k0k1>/<key>            (blobs, fanned out by the first two key characters)
//	  metadata/
//	    <instanceID>/<name>     (metadata items, e.g. replica snapshots)
//	    <instanceID>/<name>.version
type FileSystemVault struct {
	name        string
	root        string
	contentDir  string
	metadataDir string
}

// NewFileSystemVault creates a new filesystem vault rooted at the given path.
func NewFileSystemVault(name, root string) (*FileSystemVault, error) {
	contentDir := filepath.Join(root, "content")
	metadataDir := filepath.Join(root, "metadata")

	for _, dir := range []string{contentDir, metadataDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create vault directory: %w", err)
		}
	}

	return &FileSystemVault{
		name:        name,
		root:        root,
		contentDir:  contentDir,
		metadataDir: metadataDir,
	}, nil
}

func (v *FileSystemVault) contentPath(key string) (string, error) {
	if len(key) < 3 || strings.ContainsAny(key, `/\.`) {
		return "", fmt.Errorf("invalid content key: %q", key)
	}
	return filepath.Join(v.contentDir, key[:2], key), nil
}

func (v *FileSystemVault) metadataPath(instanceID, name string) (string, error) {
	for _, part := range []string{instanceID, name} {
		if part == "" || strings.ContainsAny(part, `/\`) || part == "." || part == ".." {
			return "", fmt.Errorf("invalid metadata path component: %q", part)
		}
	}
	return filepath.Join(v.metadataDir, instanceID, name), nil
}

// PutContent stores content under key. Storing an existing key is a no-op
// apart from draining r.
func (v *FileSystemVault) PutContent(ctx context.Context, key string, r io.Reader, size int64) error {
	destPath, err := v.contentPath(key)
	if err != nil {
		return err
	}

	if _, err := os.Stat(destPath); err == nil {
		written, err := io.Copy(io.Discard, r)
		if err != nil {
			return fmt.Errorf("failed to read content: %w", err)
		}
		if written != size {
			return fmt.Errorf("size mismatch: expected %d bytes, got %d", size, written)
		}
		return nil
	}

	return writeFile(destPath, r, size)
}

// GetContent writes the content stored under key to w.
func (v *FileSystemVault) GetContent(ctx context.Context, key string, w io.Writer) error {
	srcPath, err := v.contentPath(key)
	if err != nil {
		return err
	}
	return readFile(srcPath, w, fmt.Sprintf("content not found: %s", key))
}

// HasContent reports whether key is stored.
func (v *FileSystemVault) HasContent(ctx context.Context, key string) (bool, error) {
	path, err := v.contentPath(key)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking content: %w", err)
	}
	return true, nil
}

// PutMetadata stores a metadata item for an instance along with a version marker.
func (v *FileSystemVault) PutMetadata(ctx context.Context, instanceID, name string, r io.Reader, size int64, version int64) error {
	destPath, err := v.metadataPath(instanceID, name)
	if err != nil {
		return err
	}
	if err := writeFile(destPath, r, size); err != nil {
		return err
	}

	versionData := strconv.FormatInt(version, 10)
	return writeFile(destPath+".version", strings.NewReader(versionData), int64(len(versionData)))
}

// GetMetadataVersion returns 0 if no version has been stored.
func (v *FileSystemVault) GetMetadataVersion(ctx context.Context, instanceID, name string) (int64, error) {
	path, err := v.metadataPath(instanceID, name)
	if err != nil {
		return 0, err
	}
	data, err := os.ReadFile(path + ".version")
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading version file: %w", err)
	}

	version, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing version: %w", err)
	}
	return version, nil
}

// GetMetadata writes a stored metadata item to w.
func (v *FileSystemVault) GetMetadata(ctx context.Context, instanceID, name string, w io.Writer) error {
	srcPath, err := v.metadataPath(instanceID, name)
	if err != nil {
		return err
	}
	return readFile(srcPath, w, fmt.Sprintf("metadata %q not found for instance: %s", name, instanceID))
}

// ValidateSetup verifies that the vault directories exist.
func (v *FileSystemVault) ValidateSetup(ctx context.Context) error {
	for _, dir := range []string{v.root, v.contentDir, v.metadataDir} {
		info, err := os.Stat(dir)
		if err != nil {
			return fmt.Errorf("vault directory not accessible: %w", err)
		}
		if !info.IsDir() {
			return fmt.Errorf("vault path is not a directory: %s", dir)
		}
	}
	return nil
}

// writeFile writes r to destPath through a temp file and rename so readers
// never observe a partial blob.
func writeFile(destPath string, r io.Reader, expectedSize int64) error {
	dir := filepath.Dir(destPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	written, err := io.Copy(tmpFile, r)
	if err != nil {
		tmpFile.Close()
		return fmt.Errorf("failed to write data: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if written != expectedSize {
		return fmt.Errorf("size mismatch: expected %d bytes, got %d", expectedSize, written)
	}

	if err := os.Rename(tmpPath, destPath); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	success = true
	return nil
}

func readFile(srcPath string, w io.Writer, notFoundMsg string) error {
	f, err := os.Open(srcPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return errors.New(notFoundMsg)
		}
		return fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close()

	if _, err := io.Copy(w, f); err != nil {
		return fmt.Errorf("failed to read file: %w", err)
	}
	return nil
}

var _ mirror.Vault = (*FileSystemVault)(nil)
