package mirror

import "time"

// Kind identifies which kind of content an entity carries.
type Kind string

const (
	KindPage Kind = "page"
	KindFile Kind = "file"
)

// FileNamespace is the namespace that holds file description pages.
const FileNamespace = 6

// DeletedFlags marks which parts of a version are hidden on the remote.
type DeletedFlags int

const (
	DeletedContent    DeletedFlags = 1 << iota // text or file bytes
	DeletedComment                             // edit summary
	DeletedUser                                // author
	DeletedRestricted                          // suppressed from administrators too
)

// Has reports whether all bits in f are set.
func (d DeletedFlags) Has(f DeletedFlags) bool { return d&f == f }

// Version is one immutable content snapshot of an entity.
// Only Deleted may change after creation.
type Version struct {
	Timestamp  time.Time
	SHA1       string // lowercase hex; empty when hidden
	Author     string
	Comment    string
	Size       int64
	Deleted    DeletedFlags
	RevID      int64  // remote revision id, pages only
	StorageKey string // vault key of the content; empty when content is unavailable
}

// Entity is a page or file addressed by (Namespace, Title) and by LocalID.
// Current is nil until the first version has been installed.
type Entity struct {
	LocalID   int64
	Kind      Kind
	Namespace int
	Title     string
	Current   *Version
}

// ArchivedVersion is a historical (non-current) version of a live entity.
type ArchivedVersion struct {
	EntityID    int64
	ArchiveName string
	Version
}

// DeletedVersion is a version held in the archived-by-deletion store.
// It is keyed by (Namespace, Title, Timestamp) because its entity is gone.
type DeletedVersion struct {
	Kind           Kind
	Namespace      int
	Title          string
	ArchiveName    string
	PageID         int64
	DeletionReason string
	DeletionUser   string
	Version
}

// DeletedKey addresses one row of the archived-by-deletion store.
type DeletedKey struct {
	Namespace int
	Title     string
	Timestamp time.Time
}

// Window bounds a history query. A zero Start means "from the beginning".
type Window struct {
	Start time.Time
	End   time.Time
}

// Full reports whether the window covers the whole history.
func (w Window) Full() bool { return w.Start.IsZero() }

// Contains reports whether t lies inside the window (both ends inclusive).
func (w Window) Contains(t time.Time) bool {
	if !w.Start.IsZero() && t.Before(w.Start) {
		return false
	}
	if !w.End.IsZero() && t.After(w.End) {
		return false
	}
	return true
}
