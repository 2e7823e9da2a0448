package mirror

import (
	"context"
	"fmt"
	"io"
	"time"
)

// HistoryEntry is one locally mirrored version of a title.
type HistoryEntry struct {
	Timestamp   time.Time
	SHA1        string
	Author      string
	Comment     string
	Size        int64
	Deleted     DeletedFlags
	ArchiveName string
	IsCurrent   bool
	IsDeleted   bool // held in the archived-by-deletion store
	StorageKey  string
}

// History returns the local versions of a title, newest first. Versions of
// a deleted title are returned from the archived-by-deletion store. title is
// the unprefixed title; spaces are accepted in place of underscores.
func (d *Driver) History(ctx context.Context, namespace int, title string) ([]*HistoryEntry, error) {
	title = StoredTitle(title)
	d.logger.Debug("fetching title history", "title", title)

	tx, err := d.store.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	ent, err := tx.EntityByTitle(ctx, namespace, title)
	if err != nil {
		return nil, fmt.Errorf("finding entity: %w", err)
	}

	var entries []*HistoryEntry
	if ent != nil {
		if ent.Current != nil {
			entries = append(entries, historyEntry(*ent.Current, "", true, false))
		}
		archived, err := tx.ArchivedVersions(ctx, ent.LocalID, Window{})
		if err != nil {
			return nil, fmt.Errorf("finding archived versions: %w", err)
		}
		for _, av := range archived {
			entries = append(entries, historyEntry(av.Version, av.ArchiveName, false, false))
		}
	}

	deleted, err := tx.DeletedVersions(ctx, namespace, title)
	if err != nil {
		return nil, fmt.Errorf("finding deleted versions: %w", err)
	}
	for _, dv := range deleted {
		entries = append(entries, historyEntry(dv.Version, dv.ArchiveName, false, true))
	}

	if ent == nil && len(entries) == 0 {
		return nil, fmt.Errorf("title has no mirrored history: %s", title)
	}
	return entries, nil
}

func historyEntry(v Version, archiveName string, current, deleted bool) *HistoryEntry {
	return &HistoryEntry{
		Timestamp:   v.Timestamp,
		SHA1:        v.SHA1,
		Author:      v.Author,
		Comment:     v.Comment,
		Size:        v.Size,
		Deleted:     v.Deleted,
		ArchiveName: archiveName,
		IsCurrent:   current,
		IsDeleted:   deleted,
		StorageKey:  v.StorageKey,
	}
}

// Content writes the mirrored content of a title to w. A zero at selects
// the current version; otherwise the version with that exact timestamp.
// dec is required when content is stored encrypted.
func (d *Driver) Content(ctx context.Context, namespace int, title string, at time.Time, dec DecryptionContext, w io.Writer) error {
	entries, err := d.History(ctx, namespace, title)
	if err != nil {
		return err
	}

	var found *HistoryEntry
	for _, e := range entries {
		if (at.IsZero() && e.IsCurrent) || (!at.IsZero() && e.Timestamp.Equal(at)) {
			found = e
			break
		}
	}
	if found == nil {
		if at.IsZero() {
			return fmt.Errorf("title has no current version: %s", title)
		}
		return fmt.Errorf("no version of %s at %s", title, at.UTC().Format(time.RFC3339))
	}
	if found.StorageKey == "" {
		return fmt.Errorf("content of %s at %s is hidden or unavailable", title, found.Timestamp.UTC().Format(time.RFC3339))
	}

	c := &contentStore{vault: d.vault, encryptor: d.encryptor, logger: d.logger}
	return c.read(ctx, found.StorageKey, dec, w)
}
