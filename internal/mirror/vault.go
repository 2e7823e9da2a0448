package mirror

import (
	"context"
	"io"
)

// Vault stores fetched content. Keys are content hashes, so storing the
// same key twice is safe.
type Vault interface {
	// PutContent stores size bytes read from r under key.
	PutContent(ctx context.Context, key string, r io.Reader, size int64) error

	// GetContent writes the content stored under key to w.
	GetContent(ctx context.Context, key string, w io.Writer) error

	// HasContent reports whether key is present.
	HasContent(ctx context.Context, key string) (bool, error)

	// PutMetadata stores a named metadata item, such as a snapshot of the
	// replica database, together with a version marker.
	PutMetadata(ctx context.Context, instanceID, name string, r io.Reader, size int64, version int64) error

	// GetMetadataVersion returns the stored version of a metadata item,
	// or 0 when none has been stored.
	GetMetadataVersion(ctx context.Context, instanceID, name string) (int64, error)

	// ValidateSetup verifies that the vault is reachable and writable.
	ValidateSetup(ctx context.Context) error
}
