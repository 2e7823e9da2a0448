package mirror

import (
	"sort"
	"time"
)

// TitleKey identifies a queued title.
type TitleKey struct {
	Namespace int
	Title     string
}

// PendingUploadRef is a title whose new content still has to be merged.
// Since is the earliest upload event seen for it; a zero Since asks for a
// full-history merge.
type PendingUploadRef struct {
	TitleKey
	Since time.Time
}

// PendingDeletionRef is a title that needs full-history reconciliation.
// Reason and User are the most recently observed deletion context.
type PendingDeletionRef struct {
	TitleKey
	Reason string
	User   string
}

// PendingQueues holds the deferred work of one reconciliation run.
// A title in the deletion set is never in the upload set.
type PendingQueues struct {
	uploads   map[TitleKey]*PendingUploadRef
	deletions map[TitleKey]*PendingDeletionRef
}

// NewPendingQueues returns empty queues.
func NewPendingQueues() *PendingQueues {
	return &PendingQueues{
		uploads:   make(map[TitleKey]*PendingUploadRef),
		deletions: make(map[TitleKey]*PendingDeletionRef),
	}
}

// EnqueueUpload adds key to the upload set unless it already requires
// full-history reconciliation. Repeated uploads keep the earliest timestamp.
func (q *PendingQueues) EnqueueUpload(key TitleKey, at time.Time) {
	if _, ok := q.deletions[key]; ok {
		return
	}
	if ref, ok := q.uploads[key]; ok {
		if !ref.Since.IsZero() && (at.IsZero() || at.Before(ref.Since)) {
			ref.Since = at
		}
		return
	}
	q.uploads[key] = &PendingUploadRef{TitleKey: key, Since: at}
}

// EnqueueDeletion records a deletion of key, overwriting any earlier
// deletion context, and drops a pending upload for the same title.
func (q *PendingQueues) EnqueueDeletion(key TitleKey, reason, user string) {
	delete(q.uploads, key)
	q.deletions[key] = &PendingDeletionRef{TitleKey: key, Reason: reason, User: user}
}

// EnqueueRestore records a restore of key. An earlier deletion context for
// the same title is kept.
func (q *PendingQueues) EnqueueRestore(key TitleKey) {
	delete(q.uploads, key)
	if _, ok := q.deletions[key]; ok {
		return
	}
	q.deletions[key] = &PendingDeletionRef{TitleKey: key}
}

// DequeueIfPresent removes key from both sets and reports whether it was queued.
func (q *PendingQueues) DequeueIfPresent(key TitleKey) bool {
	_, inUploads := q.uploads[key]
	_, inDeletions := q.deletions[key]
	delete(q.uploads, key)
	delete(q.deletions, key)
	return inUploads || inDeletions
}

// Rename moves the queue membership of from, including deletion context,
// to to. Membership is a set, so merging into an already queued title
// leaves a single entry.
func (q *PendingQueues) Rename(from, to TitleKey) {
	if from == to {
		return
	}

	if del, ok := q.deletions[from]; ok {
		delete(q.deletions, from)
		del.TitleKey = to
		q.deletions[to] = del
		delete(q.uploads, to)
	}

	if up, ok := q.uploads[from]; ok {
		delete(q.uploads, from)
		q.EnqueueUpload(to, up.Since)
	}
}

// HasUpload reports whether key is in the upload set.
func (q *PendingQueues) HasUpload(key TitleKey) bool {
	_, ok := q.uploads[key]
	return ok
}

// Deletion returns the deletion ref for key, or nil.
func (q *PendingQueues) Deletion(key TitleKey) *PendingDeletionRef {
	return q.deletions[key]
}

// Uploads returns the pending uploads in a stable order.
func (q *PendingQueues) Uploads() []PendingUploadRef {
	out := make([]PendingUploadRef, 0, len(q.uploads))
	for _, ref := range q.uploads {
		out = append(out, *ref)
	}
	sort.Slice(out, func(i, j int) bool { return lessKey(out[i].TitleKey, out[j].TitleKey) })
	return out
}

// Deletions returns the pending deletions in a stable order.
func (q *PendingQueues) Deletions() []PendingDeletionRef {
	out := make([]PendingDeletionRef, 0, len(q.deletions))
	for _, ref := range q.deletions {
		out = append(out, *ref)
	}
	sort.Slice(out, func(i, j int) bool { return lessKey(out[i].TitleKey, out[j].TitleKey) })
	return out
}

// Len returns the number of queued titles.
func (q *PendingQueues) Len() int {
	return len(q.uploads) + len(q.deletions)
}

func lessKey(a, b TitleKey) bool {
	if a.Namespace != b.Namespace {
		return a.Namespace < b.Namespace
	}
	return a.Title < b.Title
}
