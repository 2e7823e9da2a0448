package mirror

import (
	"context"
	"fmt"
	"slices"
)

// resolver keeps local identities consistent with the remote: no two local
// entities share a (namespace, title) pair and no two share a local id.
type resolver struct {
	remote Remote
	pager  *pager
	logger Logger
	report *Report
}

// Resolve moves the entity holding conflictingID out of the way by
// relocating it to the title the remote currently reports for it. Chains of
// occupied titles are followed recursively; a chain that loops back is
// broken by lifting one entity out and reinserting it once the chain is
// unwound. An entity the remote no longer knows is archived and deleted.
func (r *resolver) Resolve(ctx context.Context, tx StoreTx, conflictingID int64) error {
	captured, err := r.relocate(ctx, tx, conflictingID, nil)
	if err != nil {
		return err
	}
	if captured != nil {
		return &ConflictError{
			LocalID:   captured.LocalID,
			Namespace: captured.Namespace,
			Title:     captured.Title,
			Reason:    "cycle-break record was never reinserted",
		}
	}
	return nil
}

// relocate renames id to its remote title. visited holds the ids of the
// frames above this one. It returns the entity lifted out of the store to
// break a cycle, if that entity belongs to a frame further up.
func (r *resolver) relocate(ctx context.Context, tx StoreTx, id int64, visited []int64) (*Entity, error) {
	ent, err := tx.EntityByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("loading entity %d: %w", id, err)
	}
	if ent == nil {
		return nil, nil
	}

	target, err := r.titleForID(ctx, id)
	if err != nil {
		return nil, err
	}
	if target == nil {
		r.logger.Info("entity deleted remotely", "id", id, "title", ent.Title)
		if err := archiveAndDelete(ctx, tx, ent, "", ""); err != nil {
			return nil, err
		}
		r.report.EntitiesDeleted++
		return nil, nil
	}
	if target.Namespace == ent.Namespace && target.Title == ent.Title {
		return nil, &ConflictError{
			LocalID:   id,
			Namespace: ent.Namespace,
			Title:     ent.Title,
			Reason:    "remote reports the same title for two ids",
		}
	}

	var captured *Entity
	occupant, err := tx.EntityByTitle(ctx, target.Namespace, target.Title)
	if err != nil {
		return nil, fmt.Errorf("loading entity at %s: %w", target.Title, err)
	}
	if occupant != nil && occupant.LocalID != id {
		if slices.Contains(visited, occupant.LocalID) {
			r.logger.Info("breaking rename cycle", "id", occupant.LocalID, "title", occupant.Title)
			if err := tx.DeleteEntity(ctx, occupant.LocalID); err != nil {
				return nil, fmt.Errorf("lifting entity %d out of cycle: %w", occupant.LocalID, err)
			}
			captured = occupant
		} else {
			chain := append(slices.Clone(visited), id)
			captured, err = r.relocate(ctx, tx, occupant.LocalID, chain)
			if err != nil {
				return nil, err
			}
		}
	}

	if captured != nil && captured.LocalID == id {
		return nil, r.reinsert(ctx, tx, captured, target)
	}

	if err := tx.RenameEntity(ctx, id, target.Namespace, target.Title); err != nil {
		return nil, &ConflictError{
			LocalID:   id,
			Namespace: target.Namespace,
			Title:     target.Title,
			Reason:    fmt.Sprintf("rename failed: %v", err),
		}
	}
	r.logger.Info("entity relocated", "id", id, "from", ent.Title, "to", target.Title)
	r.report.Relocations++
	return captured, nil
}

// reinsert puts a lifted entity back at its resolved title.
func (r *resolver) reinsert(ctx context.Context, tx StoreTx, ent *Entity, target *RemoteTitle) error {
	occupant, err := tx.EntityByTitle(ctx, target.Namespace, target.Title)
	if err != nil {
		return fmt.Errorf("loading entity at %s: %w", target.Title, err)
	}
	if occupant != nil {
		return &ConflictError{
			LocalID:   ent.LocalID,
			Namespace: target.Namespace,
			Title:     target.Title,
			Reason:    fmt.Sprintf("cycle-break slot still held by id %d", occupant.LocalID),
		}
	}

	from := ent.Title
	ent.Namespace = target.Namespace
	ent.Title = target.Title
	if err := tx.InsertEntity(ctx, ent); err != nil {
		return &ConflictError{
			LocalID:   ent.LocalID,
			Namespace: target.Namespace,
			Title:     target.Title,
			Reason:    fmt.Sprintf("reinsert failed: %v", err),
		}
	}
	r.logger.Info("entity relocated", "id", ent.LocalID, "from", from, "to", target.Title, "cycle", true)
	r.report.Relocations++
	return nil
}

// Ensure makes the local store agree that id lives at (namespace, title),
// relocating whatever entity currently holds that title. It returns the
// entity, creating an empty one if the id is unknown locally.
func (r *resolver) Ensure(ctx context.Context, tx StoreTx, kind Kind, id int64, namespace int, title string) (*Entity, error) {
	holder, err := tx.EntityByTitle(ctx, namespace, title)
	if err != nil {
		return nil, fmt.Errorf("loading entity at %s: %w", title, err)
	}
	if holder != nil && holder.LocalID == id {
		return holder, nil
	}

	if holder != nil {
		if err := r.Resolve(ctx, tx, holder.LocalID); err != nil {
			return nil, err
		}
		holder, err = tx.EntityByTitle(ctx, namespace, title)
		if err != nil {
			return nil, fmt.Errorf("loading entity at %s: %w", title, err)
		}
		if holder != nil && holder.LocalID == id {
			return holder, nil
		}
		if holder != nil {
			return nil, &ConflictError{
				LocalID:   id,
				Namespace: namespace,
				Title:     title,
				Reason:    fmt.Sprintf("title still held by id %d after relocation", holder.LocalID),
			}
		}
	}

	ent, err := tx.EntityByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("loading entity %d: %w", id, err)
	}
	if ent != nil {
		if err := tx.RenameEntity(ctx, id, namespace, title); err != nil {
			return nil, fmt.Errorf("renaming entity %d to %s: %w", id, title, err)
		}
		r.logger.Info("entity relocated", "id", id, "from", ent.Title, "to", title)
		r.report.Relocations++
		ent.Namespace = namespace
		ent.Title = title
		return ent, nil
	}

	ent = &Entity{LocalID: id, Kind: kind, Namespace: namespace, Title: title}
	if err := tx.InsertEntity(ctx, ent); err != nil {
		return nil, fmt.Errorf("creating entity %d at %s: %w", id, title, err)
	}
	return ent, nil
}

func (r *resolver) titleForID(ctx context.Context, id int64) (*RemoteTitle, error) {
	var rt *RemoteTitle
	err := r.pager.do(ctx, "titleForID", func(ctx context.Context) error {
		var err error
		rt, err = r.remote.TitleForID(ctx, id)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("querying remote title of id %d: %w", id, err)
	}
	return rt, nil
}

// archiveAndDelete moves every version of ent into the archived-by-deletion
// store under its current title and removes the entity.
func archiveAndDelete(ctx context.Context, tx StoreTx, ent *Entity, reason, user string) error {
	archived, err := tx.ArchivedVersions(ctx, ent.LocalID, Window{})
	if err != nil {
		return fmt.Errorf("loading archive of %s: %w", ent.Title, err)
	}

	move := func(v Version, archiveName string) error {
		return tx.InsertDeleted(ctx, &DeletedVersion{
			Kind:           ent.Kind,
			Namespace:      ent.Namespace,
			Title:          ent.Title,
			ArchiveName:    archiveName,
			PageID:         ent.LocalID,
			DeletionReason: reason,
			DeletionUser:   user,
			Version:        v,
		})
	}

	if ent.Current != nil {
		if err := move(*ent.Current, ""); err != nil {
			return fmt.Errorf("archiving current version of %s: %w", ent.Title, err)
		}
	}
	for _, av := range archived {
		if err := move(av.Version, av.ArchiveName); err != nil {
			return fmt.Errorf("archiving version %s of %s: %w", av.Timestamp, ent.Title, err)
		}
		if err := tx.DeleteArchived(ctx, ent.LocalID, av.Timestamp); err != nil {
			return fmt.Errorf("removing archived version of %s: %w", ent.Title, err)
		}
	}

	if err := tx.DeleteEntity(ctx, ent.LocalID); err != nil {
		return fmt.Errorf("deleting entity %s: %w", ent.Title, err)
	}
	return nil
}
