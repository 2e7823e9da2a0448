package mirror

import (
	"context"
	"time"
)

// ChangeQuery selects change-log entries, oldest first.
type ChangeQuery struct {
	Namespaces []int
	Start      time.Time
	End        time.Time
	Limit      int
}

// ChangePage is one page of change-log entries. An empty Continue means
// the stream is exhausted.
type ChangePage struct {
	Entries  []LogEntry
	Continue string
}

// RemoteVersion is one version reported by the remote history query.
type RemoteVersion struct {
	Timestamp   time.Time
	SHA1        string
	Author      string
	Comment     string
	Size        int64
	Deleted     DeletedFlags
	RevID       int64
	ArchiveName string // archival key of a non-current file version
	URL         string // file versions only
}

// HistoryPage is one page of a title's version history, newest first.
// PageID is zero when the title does not exist remotely.
type HistoryPage struct {
	PageID   int64
	Versions []RemoteVersion
	Continue string
}

// RemoteTitle is the remote's current title for a page id.
type RemoteTitle struct {
	PageID    int64
	Namespace int
	Title     string // normalized
}

// Remote is the read-only source of truth.
type Remote interface {
	// Changes returns one page of change-log entries.
	Changes(ctx context.Context, q ChangeQuery, cont string) (*ChangePage, error)

	// History returns one page of the version history of a title inside w.
	History(ctx context.Context, kind Kind, namespace int, title string, w Window, cont string) (*HistoryPage, error)

	// TitleForID returns the current title of a page id, or nil if the
	// remote no longer knows the id.
	TitleForID(ctx context.Context, id int64) (*RemoteTitle, error)

	// FetchContent downloads the content of a version. A non-empty bust
	// asks the transport to bypass caches.
	FetchContent(ctx context.Context, kind Kind, v *RemoteVersion, bust string) ([]byte, error)
}
