package mirror

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Report summarizes one reconciliation run.
type Report struct {
	Kind              Kind
	Start             time.Time
	End               time.Time
	Events            int
	Malformed         int
	Moves             int
	Deletions         int
	Restores          int
	UploadsQueued     int
	TitlesMerged      int
	Escalations       int
	Relocations       int
	EntitiesDeleted   int
	VersionsInserted  int
	VersionsRestored  int
	VersionsRemoved   int
	FlagUpdates       int
	IntegrityFailures []*IntegrityError
}

// Options tunes the retry behaviour of a Driver.
type Options struct {
	// PageRetries bounds retries of a single remote request.
	PageRetries uint64
	// PageBackoff is the first retry delay of a remote request.
	PageBackoff time.Duration
	// PageMaxBackoff caps a single retry delay.
	PageMaxBackoff time.Duration
	// FetchRetries bounds content re-fetches after a hash mismatch.
	FetchRetries uint64
	// FetchBackoff is the first delay between content re-fetches.
	FetchBackoff time.Duration
	// Limit is the page size requested from the change stream.
	Limit int
}

// DefaultOptions returns the retry policy used when a field is left zero.
func DefaultOptions() Options {
	return Options{
		PageRetries:    5,
		PageBackoff:    500 * time.Millisecond,
		PageMaxBackoff: 30 * time.Second,
		FetchRetries:   3,
		FetchBackoff:   500 * time.Millisecond,
		Limit:          500,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.PageRetries == 0 {
		o.PageRetries = d.PageRetries
	}
	if o.PageBackoff <= 0 {
		o.PageBackoff = d.PageBackoff
	}
	if o.PageMaxBackoff <= 0 {
		o.PageMaxBackoff = d.PageMaxBackoff
	}
	if o.FetchRetries == 0 {
		o.FetchRetries = d.FetchRetries
	}
	if o.FetchBackoff <= 0 {
		o.FetchBackoff = d.FetchBackoff
	}
	if o.Limit <= 0 {
		o.Limit = d.Limit
	}
	return o
}

// RunOptions selects the change window of one run.
type RunOptions struct {
	Kind       Kind
	Namespaces []int
	// Start defaults to the end of the previous run for Kind.
	Start time.Time
	// End defaults to the current time.
	End time.Time
}

// Driver applies a stream of remote changes to the local replica.
// A Driver is not safe for concurrent use; runs are strictly sequential.
type Driver struct {
	store     EntityStore
	remote    Remote
	vault     Vault
	encryptor Encryptor
	logger    Logger
	clock     Clock
	opts      Options
}

// NewDriver creates a Driver. encryptor may be nil to store content in clear.
func NewDriver(store EntityStore, remote Remote, vault Vault, encryptor Encryptor, logger Logger, clock Clock, opts Options) *Driver {
	if logger == nil {
		logger = NewNopLogger()
	}
	if clock == nil {
		clock = RealClock{}
	}
	return &Driver{
		store:     store,
		remote:    remote,
		vault:     vault,
		encryptor: encryptor,
		logger:    logger,
		clock:     clock,
		opts:      opts.withDefaults(),
	}
}

// run is the per-call state: queues and collaborators share one report.
type run struct {
	d        *Driver
	kind     Kind
	window   Window
	queues   *PendingQueues
	pager    *pager
	resolver *resolver
	merger   *merger
	report   *Report
}

func (d *Driver) newRun(kind Kind, window Window) *run {
	report := &Report{Kind: kind, Start: window.Start, End: window.End}
	p := &pager{
		logger:  d.logger,
		retries: d.opts.PageRetries,
		backoff: d.opts.PageBackoff,
		maxWait: d.opts.PageMaxBackoff,
	}
	res := &resolver{remote: d.remote, pager: p, logger: d.logger, report: report}
	content := &contentStore{
		remote:    d.remote,
		vault:     d.vault,
		encryptor: d.encryptor,
		logger:    d.logger,
		retries:   d.opts.FetchRetries,
		backoff:   d.opts.FetchBackoff,
	}
	return &run{
		d:        d,
		kind:     kind,
		window:   window,
		queues:   NewPendingQueues(),
		pager:    p,
		resolver: res,
		merger: &merger{
			remote:   d.remote,
			pager:    p,
			content:  content,
			resolver: res,
			logger:   d.logger,
			report:   report,
		},
		report: report,
	}
}

// Run consumes the change stream inside the run window, applies moves and
// deletions as they arrive, defers uploads, and finally drains the pending
// queues through the timeline merger. On success the incremental cursor for
// the kind advances to the end of the window.
func (d *Driver) Run(ctx context.Context, opts RunOptions) (*Report, error) {
	kind := opts.Kind
	if kind == "" {
		kind = KindPage
	}

	start := opts.Start
	if start.IsZero() {
		since, err := d.store.SyncedUntil(ctx, kind)
		if err != nil {
			return nil, fmt.Errorf("loading sync cursor: %w", err)
		}
		start = since
	}
	end := opts.End
	if end.IsZero() {
		end = d.clock.Now()
	}
	end = end.UTC()
	if !start.IsZero() && start.After(end) {
		return nil, fmt.Errorf("run window starts after it ends: %s > %s", start, end)
	}

	r := d.newRun(kind, Window{Start: start.UTC(), End: end})
	d.logger.Info("sync started", "kind", kind, "start", r.window.Start, "end", r.window.End)

	namespaces := opts.Namespaces
	if kind == KindFile {
		namespaces = []int{FileNamespace}
	}
	query := ChangeQuery{Namespaces: namespaces, Start: r.window.Start, End: r.window.End, Limit: d.opts.Limit}

	err := eachPage(ctx, r.pager, "changes",
		func(ctx context.Context, cont string) (*ChangePage, string, error) {
			page, err := d.remote.Changes(ctx, query, cont)
			if err != nil {
				return nil, "", err
			}
			return page, page.Continue, nil
		},
		func(page *ChangePage) error {
			for _, entry := range page.Entries {
				if err := r.apply(ctx, entry); err != nil {
					return err
				}
			}
			return nil
		})
	if err != nil {
		return r.report, fmt.Errorf("processing change stream: %w", err)
	}

	if err := r.drain(ctx); err != nil {
		return r.report, err
	}

	if err := d.store.SetSyncedUntil(ctx, kind, r.window.End); err != nil {
		return r.report, fmt.Errorf("saving sync cursor: %w", err)
	}

	d.logger.Info("sync finished",
		"kind", kind,
		"events", r.report.Events,
		"inserted", r.report.VersionsInserted,
		"restored", r.report.VersionsRestored,
		"removed", r.report.VersionsRemoved,
		"integrity_failures", len(r.report.IntegrityFailures))
	return r.report, nil
}

// apply classifies one entry and either applies it or queues it.
func (r *run) apply(ctx context.Context, entry LogEntry) error {
	r.report.Events++

	m, err := Classify(entry)
	if err != nil {
		r.report.Malformed++
		r.d.logger.Warn("skipping malformed event", "id", entry.ID, "error", err)
		return nil
	}
	if m == nil {
		return nil
	}
	if r.kind == KindFile && m.Namespace != FileNamespace && m.Kind != MutationMove {
		return nil
	}

	r.d.logger.Debug("event classified", "kind", m.Kind, "title", m.Title, "timestamp", m.Timestamp)
	key := TitleKey{Namespace: m.Namespace, Title: m.Title}

	switch m.Kind {
	case MutationUpload:
		r.queues.EnqueueUpload(key, m.Timestamp)
		r.report.UploadsQueued++
	case MutationVisibility:
		r.queues.EnqueueUpload(key, time.Time{})
	case MutationRestore:
		r.queues.EnqueueRestore(key)
		r.report.Restores++
	case MutationDeletion:
		if err := withTx(ctx, r.d.store, func(tx StoreTx) error {
			return r.applyDeletion(ctx, tx, m)
		}); err != nil {
			return fmt.Errorf("applying deletion of %s: %w", m.Title, err)
		}
		r.queues.EnqueueDeletion(key, m.Reason, m.User)
		r.report.Deletions++
	case MutationMove:
		if err := withTx(ctx, r.d.store, func(tx StoreTx) error {
			return r.applyMove(ctx, tx, m)
		}); err != nil {
			return fmt.Errorf("applying move of %s: %w", m.Title, err)
		}
		newKey := TitleKey{Namespace: m.NewNamespace, Title: m.NewTitle}
		r.queues.Rename(key, newKey)
		if !m.SuppressRedirect {
			r.queues.EnqueueUpload(key, m.Timestamp)
		}
		r.report.Moves++
	}
	return nil
}

// applyDeletion archives the local entity at the deleted title.
func (r *run) applyDeletion(ctx context.Context, tx StoreTx, m *Mutation) error {
	ent, err := tx.EntityByTitle(ctx, m.Namespace, m.Title)
	if err != nil {
		return err
	}
	if ent == nil || (m.PageID != 0 && ent.LocalID != m.PageID) {
		r.d.logger.Debug("deleted page not present locally", "title", m.Title, "id", m.PageID)
		return nil
	}
	r.d.logger.Info("entity deleted", "title", m.Title, "id", ent.LocalID, "user", m.User)
	if err := archiveAndDelete(ctx, tx, ent, m.Reason, m.User); err != nil {
		return err
	}
	r.report.EntitiesDeleted++
	return nil
}

// applyMove renames the local entity from the old title to the new one.
// An entity that is no longer at the old title has already moved past this
// event, so the event is skipped; that keeps replays idempotent.
func (r *run) applyMove(ctx context.Context, tx StoreTx, m *Mutation) error {
	ent, err := tx.EntityByTitle(ctx, m.Namespace, m.Title)
	if err != nil {
		return err
	}
	if ent == nil || (m.PageID != 0 && ent.LocalID != m.PageID) {
		r.d.logger.Debug("move source not present locally", "from", m.Title, "to", m.NewTitle)
		return nil
	}

	holder, err := tx.EntityByTitle(ctx, m.NewNamespace, m.NewTitle)
	if err != nil {
		return err
	}
	if holder != nil && holder.LocalID != ent.LocalID {
		if err := r.resolver.Resolve(ctx, tx, holder.LocalID); err != nil {
			return err
		}
	}

	// Resolution may already have put the entity at its new title.
	ent, err = tx.EntityByID(ctx, ent.LocalID)
	if err != nil {
		return err
	}
	if ent == nil || (ent.Namespace == m.NewNamespace && ent.Title == m.NewTitle) {
		return nil
	}
	if ent.Namespace != m.Namespace || ent.Title != m.Title {
		return nil
	}

	if err := tx.RenameEntity(ctx, ent.LocalID, m.NewNamespace, m.NewTitle); err != nil {
		return &ConflictError{
			LocalID:   ent.LocalID,
			Namespace: m.NewNamespace,
			Title:     m.NewTitle,
			Reason:    fmt.Sprintf("move target still occupied: %v", err),
		}
	}
	r.d.logger.Info("entity moved", "id", ent.LocalID, "from", m.Title, "to", m.NewTitle)
	return nil
}

// drain merges every queued title exactly once: uploads over their narrow
// window first, then deletions over the full history. Each title leaves the
// queues as it is merged, so a failed drain leaves only the unmerged ones.
func (r *run) drain(ctx context.Context) error {
	for _, ref := range r.queues.Uploads() {
		if !r.queues.DequeueIfPresent(ref.TitleKey) {
			continue
		}
		window := Window{Start: ref.Since, End: r.window.End}
		n, err := r.merge(ctx, ref.TitleKey, window, "", "")
		if err != nil {
			return err
		}
		if n == 0 && !window.Full() {
			// Nothing in the narrow window: fall back to the whole history once.
			r.report.Escalations++
			r.d.logger.Debug("upload not found in window, merging full history", "title", ref.Title)
			if _, err := r.merge(ctx, ref.TitleKey, Window{End: r.window.End}, "", ""); err != nil {
				return err
			}
		}
	}

	for _, ref := range r.queues.Deletions() {
		if !r.queues.DequeueIfPresent(ref.TitleKey) {
			continue
		}
		if _, err := r.merge(ctx, ref.TitleKey, Window{End: r.window.End}, ref.Reason, ref.User); err != nil {
			return err
		}
	}
	return nil
}

func (r *run) merge(ctx context.Context, key TitleKey, window Window, reason, user string) (int, error) {
	n, err := r.merger.Merge(ctx, r.d.store, mergeRequest{
		Kind:           r.kind,
		Key:            key,
		Window:         window,
		DeletionReason: reason,
		DeletionUser:   user,
	})
	if err != nil {
		if errors.Is(err, ErrIrreconcilable) {
			r.d.logger.Error("identity conflict, full resync required", "title", key.Title, "error", err)
		}
		return 0, fmt.Errorf("merging %s: %w", key.Title, err)
	}
	r.report.TitlesMerged++
	return n, nil
}
