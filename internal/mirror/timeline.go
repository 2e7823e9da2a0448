package mirror

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
)

// archiveNameLayout is the timestamp prefix of generated archive names.
const archiveNameLayout = "20060102150405"

// mergeRequest asks the merger to reconcile one title inside a window.
type mergeRequest struct {
	Kind           Kind
	Key            TitleKey
	Window         Window
	DeletionReason string
	DeletionUser   string
}

// merger reconciles the full remote version history of a title against the
// local current and archived versions.
type merger struct {
	remote   Remote
	pager    *pager
	content  *contentStore
	resolver *resolver
	logger   Logger
	report   *Report
}

// remoteHistory collects the remote versions of a title inside the window,
// newest first.
func (m *merger) remoteHistory(ctx context.Context, req mergeRequest) (int64, []RemoteVersion, error) {
	var (
		pageID   int64
		versions []RemoteVersion
	)
	err := eachPage(ctx, m.pager, "history",
		func(ctx context.Context, cont string) (*HistoryPage, string, error) {
			page, err := m.remote.History(ctx, req.Kind, req.Key.Namespace, req.Key.Title, req.Window, cont)
			if err != nil {
				return nil, "", err
			}
			return page, page.Continue, nil
		},
		func(page *HistoryPage) error {
			if page.PageID != 0 {
				pageID = page.PageID
			}
			for _, v := range page.Versions {
				if req.Window.Contains(v.Timestamp) {
					v.Timestamp = v.Timestamp.UTC()
					versions = append(versions, v)
				}
			}
			return nil
		})
	if err != nil {
		return 0, nil, fmt.Errorf("fetching history of %s: %w", req.Key.Title, err)
	}

	slices.SortStableFunc(versions, func(a, b RemoteVersion) int {
		return b.Timestamp.Compare(a.Timestamp)
	})
	return pageID, versions, nil
}

// Merge reconciles one title in its own transaction and returns the number
// of remote versions found inside the window.
func (m *merger) Merge(ctx context.Context, store EntityStore, req mergeRequest) (int, error) {
	pageID, remote, err := m.remoteHistory(ctx, req)
	if err != nil {
		return 0, err
	}
	if len(remote) > 0 && pageID == 0 {
		return 0, fmt.Errorf("%w: history of %s has versions but no page id", ErrMalformedEvent, req.Key.Title)
	}

	err = withTx(ctx, store, func(tx StoreTx) error {
		return m.mergeTx(ctx, tx, req, pageID, remote)
	})
	if err != nil {
		return 0, err
	}
	return len(remote), nil
}

func (m *merger) mergeTx(ctx context.Context, tx StoreTx, req mergeRequest, pageID int64, remote []RemoteVersion) error {
	key := req.Key
	ent, err := tx.EntityByTitle(ctx, key.Namespace, key.Title)
	if err != nil {
		return fmt.Errorf("loading entity %s: %w", key.Title, err)
	}

	if len(remote) == 0 {
		if ent != nil && req.Window.Full() {
			m.logger.Info("no remote versions left, archiving entity", "title", key.Title, "id", ent.LocalID)
			if err := archiveAndDelete(ctx, tx, ent, req.DeletionReason, req.DeletionUser); err != nil {
				return err
			}
			m.report.EntitiesDeleted++
		}
		return nil
	}

	if ent == nil || ent.LocalID != pageID {
		ent, err = m.resolver.Ensure(ctx, tx, req.Kind, pageID, key.Namespace, key.Title)
		if err != nil {
			return err
		}
	}

	// A current version newer than the window belongs to a later run.
	installCurrent := ent.Current == nil || req.Window.End.IsZero() || !ent.Current.Timestamp.After(req.Window.End)

	current := ent.Current
	if installCurrent && current != nil && !current.Timestamp.Equal(remote[0].Timestamp) {
		name := archiveNameFor(remote, current.Timestamp, key.Title)
		if err := tx.InsertArchived(ctx, &ArchivedVersion{EntityID: ent.LocalID, ArchiveName: name, Version: *current}); err != nil {
			return fmt.Errorf("archiving current version of %s: %w", key.Title, err)
		}
		if err := tx.SetCurrent(ctx, ent.LocalID, nil); err != nil {
			return fmt.Errorf("clearing current version of %s: %w", key.Title, err)
		}
		current = nil
	}

	archive, err := tx.ArchivedVersions(ctx, ent.LocalID, req.Window)
	if err != nil {
		return fmt.Errorf("loading archive of %s: %w", key.Title, err)
	}

	var (
		installed      = !installCurrent || current != nil
		restores       []RemoteVersion
		restoreCurrent *RemoteVersion
		i              int
	)

	for idx := range remote {
		rv := &remote[idx]
		first := !installed

		for i < len(archive) && archive[i].Timestamp.After(rv.Timestamp) {
			if err := m.dropArchived(ctx, tx, ent, archive[i]); err != nil {
				return err
			}
			i++
		}

		if i < len(archive) && archive[i].Timestamp.Equal(rv.Timestamp) {
			av := archive[i]
			i++
			if first {
				v := av.Version
				v.Deleted = rv.Deleted
				if err := tx.DeleteArchived(ctx, ent.LocalID, av.Timestamp); err != nil {
					return fmt.Errorf("promoting archived version of %s: %w", key.Title, err)
				}
				if err := tx.SetCurrent(ctx, ent.LocalID, &v); err != nil {
					return fmt.Errorf("promoting archived version of %s: %w", key.Title, err)
				}
				installed = true
				continue
			}
			if av.Deleted != rv.Deleted {
				if err := tx.UpdateArchivedFlags(ctx, ent.LocalID, av.Timestamp, rv.Deleted); err != nil {
					return fmt.Errorf("updating visibility of %s: %w", key.Title, err)
				}
				m.report.FlagUpdates++
			}
			continue
		}

		if current != nil && current.Timestamp.Equal(rv.Timestamp) {
			if current.Deleted != rv.Deleted {
				v := *current
				v.Deleted = rv.Deleted
				if err := tx.SetCurrent(ctx, ent.LocalID, &v); err != nil {
					return fmt.Errorf("updating visibility of %s: %w", key.Title, err)
				}
				m.report.FlagUpdates++
			}
			continue
		}

		dv, err := tx.DeletedVersion(ctx, DeletedKey{Namespace: key.Namespace, Title: key.Title, Timestamp: rv.Timestamp})
		if err != nil {
			return fmt.Errorf("looking up deleted version of %s: %w", key.Title, err)
		}
		if dv != nil && restorable(dv, rv, ent.LocalID) {
			if first {
				restoreCurrent = rv
				installed = true
			} else {
				restores = append(restores, *rv)
			}
			continue
		}

		storageKey, err := m.content.fetch(ctx, req.Kind, key, rv)
		var integrity *IntegrityError
		if errors.As(err, &integrity) {
			m.logger.Warn("skipping version with bad content", "title", key.Title, "timestamp", rv.Timestamp, "error", err)
			m.report.IntegrityFailures = append(m.report.IntegrityFailures, integrity)
			continue
		}
		if err != nil {
			return err
		}

		v := versionFromRemote(rv, storageKey)
		if first {
			if err := tx.SetCurrent(ctx, ent.LocalID, &v); err != nil {
				return fmt.Errorf("installing current version of %s: %w", key.Title, err)
			}
			installed = true
		} else {
			av := &ArchivedVersion{EntityID: ent.LocalID, ArchiveName: archiveNameOf(rv, key.Title), Version: v}
			if err := tx.InsertArchived(ctx, av); err != nil {
				return fmt.Errorf("archiving version of %s: %w", key.Title, err)
			}
		}
		m.report.VersionsInserted++
	}

	for ; i < len(archive); i++ {
		if err := m.dropArchived(ctx, tx, ent, archive[i]); err != nil {
			return err
		}
	}

	return m.restore(ctx, tx, ent, restoreCurrent, restores)
}

// restore moves the marked versions out of the archived-by-deletion store
// in one batch, after the walk has settled the live timeline.
func (m *merger) restore(ctx context.Context, tx StoreTx, ent *Entity, current *RemoteVersion, archived []RemoteVersion) error {
	take := func(rv *RemoteVersion) (*DeletedVersion, error) {
		key := DeletedKey{Namespace: ent.Namespace, Title: ent.Title, Timestamp: rv.Timestamp}
		dv, err := tx.DeletedVersion(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("loading deleted version of %s: %w", ent.Title, err)
		}
		if dv == nil {
			return nil, fmt.Errorf("deleted version of %s at %s vanished", ent.Title, rv.Timestamp)
		}
		if err := tx.DeleteDeleted(ctx, key); err != nil {
			return nil, fmt.Errorf("restoring version of %s: %w", ent.Title, err)
		}
		dv.Deleted = rv.Deleted
		return dv, nil
	}

	if current != nil {
		dv, err := take(current)
		if err != nil {
			return err
		}
		if err := tx.SetCurrent(ctx, ent.LocalID, &dv.Version); err != nil {
			return fmt.Errorf("restoring current version of %s: %w", ent.Title, err)
		}
		m.report.VersionsRestored++
	}

	for i := range archived {
		rv := &archived[i]
		dv, err := take(rv)
		if err != nil {
			return err
		}
		name := dv.ArchiveName
		if name == "" {
			name = archiveNameOf(rv, ent.Title)
		}
		if err := tx.InsertArchived(ctx, &ArchivedVersion{EntityID: ent.LocalID, ArchiveName: name, Version: dv.Version}); err != nil {
			return fmt.Errorf("restoring archived version of %s: %w", ent.Title, err)
		}
		m.report.VersionsRestored++
	}

	if current != nil || len(archived) > 0 {
		m.logger.Info("versions restored", "title", ent.Title, "count", len(archived)+btoi(current != nil))
	}
	return nil
}

// restorable reports whether a deleted row holds the same version as rv.
// A row left behind by another page at the same title and timestamp is not
// restored; the version is fetched instead and the row stays in the store.
func restorable(dv *DeletedVersion, rv *RemoteVersion, pageID int64) bool {
	if dv.PageID != 0 && pageID != 0 && dv.PageID != pageID {
		return false
	}
	if dv.SHA1 == "" || rv.SHA1 == "" {
		return dv.SHA1 == rv.SHA1 || dv.PageID == pageID
	}
	return strings.EqualFold(dv.SHA1, rv.SHA1)
}

func (m *merger) dropArchived(ctx context.Context, tx StoreTx, ent *Entity, av *ArchivedVersion) error {
	if err := tx.DeleteArchived(ctx, ent.LocalID, av.Timestamp); err != nil {
		return fmt.Errorf("removing erased version of %s: %w", ent.Title, err)
	}
	m.logger.Debug("erased version removed", "title", ent.Title, "timestamp", av.Timestamp)
	m.report.VersionsRemoved++
	return nil
}

func versionFromRemote(rv *RemoteVersion, storageKey string) Version {
	return Version{
		Timestamp:  rv.Timestamp,
		SHA1:       rv.SHA1,
		Author:     rv.Author,
		Comment:    rv.Comment,
		Size:       rv.Size,
		Deleted:    rv.Deleted,
		RevID:      rv.RevID,
		StorageKey: storageKey,
	}
}

// archiveNameFor returns the remote's archive name for the version at ts,
// falling back to the generated form when the remote does not report one.
func archiveNameFor(remote []RemoteVersion, ts time.Time, title string) string {
	for i := range remote {
		if remote[i].Timestamp.Equal(ts) {
			return archiveNameOf(&remote[i], title)
		}
	}
	return generatedArchiveName(ts, title)
}

func archiveNameOf(rv *RemoteVersion, title string) string {
	if rv.ArchiveName != "" {
		return rv.ArchiveName
	}
	return generatedArchiveName(rv.Timestamp, title)
}

func generatedArchiveName(ts time.Time, title string) string {
	return ts.UTC().Format(archiveNameLayout) + "!" + title
}

func btoi(b bool) int {
	if b {
		return 1
	}
	return 0
}
