package mirror

import (
	"fmt"
	"strings"
	"time"
)

// LogEntry is one change-log row as delivered by the remote, before
// classification. Titles carry their namespace prefix and may contain spaces.
type LogEntry struct {
	ID               int64
	Type             string // "edit", "new" or "log"
	LogType          string // for Type == "log": "upload", "delete", "move", ...
	LogAction        string
	Timestamp        time.Time
	Namespace        int
	Title            string
	PageID           int64
	User             string
	Comment          string
	TargetNamespace  int    // moves only
	TargetTitle      string // moves only
	SuppressRedirect bool   // moves only
}

// MutationKind is the classified effect of a change-log entry.
type MutationKind int

const (
	MutationUpload MutationKind = iota + 1
	MutationDeletion
	MutationRestore
	MutationMove
	MutationVisibility
)

func (k MutationKind) String() string {
	switch k {
	case MutationUpload:
		return "upload"
	case MutationDeletion:
		return "deletion"
	case MutationRestore:
		return "restore"
	case MutationMove:
		return "move"
	case MutationVisibility:
		return "visibility"
	default:
		return fmt.Sprintf("mutation(%d)", int(k))
	}
}

// Mutation is the typed description of one remote change.
// Titles are normalized.
type Mutation struct {
	Kind      MutationKind
	Timestamp time.Time
	Namespace int
	Title     string
	PageID    int64 // zero when the remote did not report one
	User      string
	Reason    string

	// Move target.
	NewNamespace     int
	NewTitle         string
	SuppressRedirect bool
}

// Classify maps a change-log entry to a mutation. It returns (nil, nil) for
// entries that do not affect mirrored content, and an error wrapping
// ErrMalformedEvent for entries missing required fields.
func Classify(e LogEntry) (*Mutation, error) {
	kind, ok := mutationKind(e)
	if !ok {
		return nil, nil
	}

	if e.Timestamp.IsZero() {
		return nil, fmt.Errorf("%w: entry %d has no timestamp", ErrMalformedEvent, e.ID)
	}
	title := NormalizeTitle(e.Namespace, e.Title)
	if title == "" {
		return nil, fmt.Errorf("%w: entry %d has no title", ErrMalformedEvent, e.ID)
	}
	if e.PageID < 0 {
		return nil, fmt.Errorf("%w: entry %d has negative page id %d", ErrMalformedEvent, e.ID, e.PageID)
	}

	m := &Mutation{
		Kind:      kind,
		Timestamp: e.Timestamp.UTC(),
		Namespace: e.Namespace,
		Title:     title,
		PageID:    e.PageID,
		User:      e.User,
		Reason:    e.Comment,
	}

	if kind == MutationMove {
		target := NormalizeTitle(e.TargetNamespace, e.TargetTitle)
		if target == "" {
			return nil, fmt.Errorf("%w: move entry %d has no target title", ErrMalformedEvent, e.ID)
		}
		m.NewNamespace = e.TargetNamespace
		m.NewTitle = target
		m.SuppressRedirect = e.SuppressRedirect
	}

	return m, nil
}

func mutationKind(e LogEntry) (MutationKind, bool) {
	switch strings.ToLower(e.Type) {
	case "edit", "new":
		return MutationUpload, true
	case "log":
	default:
		return 0, false
	}

	switch e.LogType {
	case "upload", "import":
		return MutationUpload, true
	case "create":
		if e.LogAction == "create" {
			return MutationUpload, true
		}
	case "delete":
		switch e.LogAction {
		case "delete", "delete_redir":
			return MutationDeletion, true
		case "restore":
			return MutationRestore, true
		case "revision", "event":
			return MutationVisibility, true
		}
	case "suppress":
		switch e.LogAction {
		case "delete":
			return MutationDeletion, true
		case "revision", "event":
			return MutationVisibility, true
		}
	case "move":
		if e.LogAction == "move" || e.LogAction == "move_redir" {
			return MutationMove, true
		}
	}
	return 0, false
}
