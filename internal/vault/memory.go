package vault

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"wikisync/internal/mirror"
)

// MemoryVault keeps content and metadata in maps. It is used by tests and by
// the "memory" vault type. Safe for concurrent use.
type MemoryVault struct {
	name            string
	content         map[string][]byte // key -> content
	metadata        map[string][]byte // "instanceID/name" -> metadata
	metadataVersion map[string]int64  // "instanceID/name" -> version
	mu              sync.RWMutex
}

// NewMemoryVault creates a new in-memory vault with the given name.
func NewMemoryVault(name string) *MemoryVault {
	return &MemoryVault{
		name:            name,
		content:         make(map[string][]byte),
		metadata:        make(map[string][]byte),
		metadataVersion: make(map[string]int64),
	}
}

func metadataKey(instanceID, name string) string {
	return instanceID + "/" + name
}

// PutContent stores content under key. Storing a key twice is safe.
func (m *MemoryVault) PutContent(ctx context.Context, key string, r io.Reader, size int64) error {
	data, err := readExactly(r, size)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.content[key] = data
	return nil
}

// GetContent writes the content stored under key to w.
func (m *MemoryVault) GetContent(ctx context.Context, key string, w io.Writer) error {
	m.mu.RLock()
	data, ok := m.content[key]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("content not found: %s", key)
	}

	if _, err := io.Copy(w, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("failed to write content: %w", err)
	}
	return nil
}

// HasContent reports whether key is stored.
func (m *MemoryVault) HasContent(ctx context.Context, key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.content[key]
	return ok, nil
}

// ContentCount returns the number of stored content blobs.
func (m *MemoryVault) ContentCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.content)
}

// PutMetadata stores a named metadata item for an instance.
func (m *MemoryVault) PutMetadata(ctx context.Context, instanceID, name string, r io.Reader, size int64, version int64) error {
	data, err := readExactly(r, size)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	key := metadataKey(instanceID, name)
	m.metadata[key] = data
	m.metadataVersion[key] = version
	return nil
}

// GetMetadataVersion returns 0 if nothing has been stored for the item.
func (m *MemoryVault) GetMetadataVersion(ctx context.Context, instanceID, name string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.metadataVersion[metadataKey(instanceID, name)], nil
}

// GetMetadata writes a stored metadata item to w.
func (m *MemoryVault) GetMetadata(ctx context.Context, instanceID, name string, w io.Writer) error {
	m.mu.RLock()
	data, ok := m.metadata[metadataKey(instanceID, name)]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("metadata %q not found for instance: %s", name, instanceID)
	}

	if _, err := io.Copy(w, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("failed to write metadata: %w", err)
	}
	return nil
}

// ValidateSetup always succeeds for an in-memory vault.
func (m *MemoryVault) ValidateSetup(ctx context.Context) error {
	return nil
}

func readExactly(r io.Reader, size int64) ([]byte, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read content: %w", err)
	}
	if int64(len(data)) != size {
		return nil, fmt.Errorf("size mismatch: expected %d bytes, got %d", size, len(data))
	}
	return data, nil
}

var _ mirror.Vault = (*MemoryVault)(nil)
