package mirror

import (
	"context"
	"fmt"
	"time"
)

// EntityStore is the local replica. The reconciliation engine only reaches
// it through transactions so that each unit of work commits atomically.
type EntityStore interface {
	// Begin starts a transaction. The caller must Commit or Rollback it.
	Begin(ctx context.Context) (StoreTx, error)

	// SyncedUntil returns the end of the last completed run for kind,
	// or the zero time if there has been none.
	SyncedUntil(ctx context.Context, kind Kind) (time.Time, error)

	// SetSyncedUntil records the end of a completed run for kind.
	SetSyncedUntil(ctx context.Context, kind Kind, t time.Time) error

	Close() error
}

// StoreTx is one transaction against the local replica. Lookups return
// nil, nil when nothing matches. Version lists are ordered newest first.
type StoreTx interface {
	// Entity operations

	EntityByID(ctx context.Context, id int64) (*Entity, error)
	EntityByTitle(ctx context.Context, namespace int, title string) (*Entity, error)
	// InsertEntity fails if the id or the (namespace, title) pair is taken.
	InsertEntity(ctx context.Context, e *Entity) error
	// RenameEntity fails if the target (namespace, title) pair is taken.
	RenameEntity(ctx context.Context, id int64, namespace int, title string) error
	// DeleteEntity removes the entity row only; archived versions are kept.
	DeleteEntity(ctx context.Context, id int64) error
	// SetCurrent installs v as the current version; nil clears it.
	SetCurrent(ctx context.Context, id int64, v *Version) error

	// Archive operations

	ArchivedVersions(ctx context.Context, entityID int64, w Window) ([]*ArchivedVersion, error)
	InsertArchived(ctx context.Context, v *ArchivedVersion) error
	DeleteArchived(ctx context.Context, entityID int64, ts time.Time) error
	UpdateArchivedFlags(ctx context.Context, entityID int64, ts time.Time, flags DeletedFlags) error

	// Archived-by-deletion operations

	DeletedVersion(ctx context.Context, key DeletedKey) (*DeletedVersion, error)
	DeletedVersions(ctx context.Context, namespace int, title string) ([]*DeletedVersion, error)
	// InsertDeleted is a no-op when the key is already present.
	InsertDeleted(ctx context.Context, v *DeletedVersion) error
	DeleteDeleted(ctx context.Context, key DeletedKey) error

	Commit() error
	Rollback() error
}

// withTx runs fn in a transaction, committing on success.
func withTx(ctx context.Context, store EntityStore, fn func(tx StoreTx) error) error {
	tx, err := store.Begin(ctx)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}
