package testutil

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"sync"
	"time"

	"wikisync/internal/mirror"
)

// FakeWiki is an in-memory mirror.Remote. Its mutation helpers change the
// wiki and append the change-log entry a live wiki would record, so a test
// describes a scenario as a sequence of edits, moves and deletions.
type FakeWiki struct {
	mu sync.Mutex

	pages   map[int64]*fakePage
	titles  map[mirror.TitleKey]int64
	archive map[mirror.TitleKey]*fakePage // deleted pages, restorable
	blobs   map[string][]byte
	log     []mirror.LogEntry

	nextID  int64
	nextRev int64
	nextRC  int64

	// PageSize bounds change and history pages. Zero returns everything at once.
	PageSize int

	failures []error
	corrupt  map[string]int
	calls    map[string]int
}

type fakePage struct {
	id        int64
	kind      mirror.Kind
	namespace int
	title     string
	revs      []mirror.RemoteVersion // oldest first
}

// NewFakeWiki returns an empty wiki.
func NewFakeWiki() *FakeWiki {
	return &FakeWiki{
		pages:   make(map[int64]*fakePage),
		titles:  make(map[mirror.TitleKey]int64),
		archive: make(map[mirror.TitleKey]*fakePage),
		blobs:   make(map[string][]byte),
		corrupt: make(map[string]int),
		calls:   make(map[string]int),
	}
}

func kindOf(namespace int) mirror.Kind {
	if namespace == mirror.FileNamespace {
		return mirror.KindFile
	}
	return mirror.KindPage
}

// wireTitle renders a stored title the way the change stream reports it.
func wireTitle(namespace int, title string) string {
	display := mirror.DisplayTitle(title)
	switch namespace {
	case 0:
		return display
	case mirror.FileNamespace:
		return "File:" + display
	default:
		return fmt.Sprintf("NS%d:%s", namespace, display)
	}
}

// Edit adds a version with content to a title, creating the title when it
// does not exist, and returns its page id. Titles in the file namespace are
// logged as uploads.
func (w *FakeWiki) Edit(namespace int, title string, at time.Time, content, user string) int64 {
	w.mu.Lock()
	defer w.mu.Unlock()

	key := mirror.TitleKey{Namespace: namespace, Title: title}
	id, ok := w.titles[key]
	if !ok {
		w.nextID++
		id = w.nextID
		w.pages[id] = &fakePage{id: id, kind: kindOf(namespace), namespace: namespace, title: title}
		w.titles[key] = id
	}
	p := w.pages[id]
	p.revs = append(p.revs, w.newRevision(p.kind, at, content, user))

	entry := mirror.LogEntry{Namespace: namespace, Title: wireTitle(namespace, title), PageID: id, User: user, Timestamp: at.UTC()}
	switch {
	case namespace == mirror.FileNamespace:
		entry.Type, entry.LogType, entry.LogAction = "log", "upload", "upload"
		if ok {
			entry.LogAction = "overwrite"
		}
	case ok:
		entry.Type = "edit"
	default:
		entry.Type = "new"
	}
	w.appendLog(entry)
	return id
}

func (w *FakeWiki) newRevision(kind mirror.Kind, at time.Time, content, user string) mirror.RemoteVersion {
	w.nextRev++
	data := []byte(content)
	sha1 := SHA1Hex(data)
	w.blobs[sha1] = data

	v := mirror.RemoteVersion{
		Timestamp: at.UTC(),
		SHA1:      sha1,
		Author:    user,
		Comment:   "rev " + strconv.FormatInt(w.nextRev, 10),
		Size:      int64(len(data)),
		RevID:     w.nextRev,
	}
	if kind == mirror.KindFile {
		v.URL = "https://upload.wiki.test/" + sha1
	}
	return v
}

// Move renames a title. Unless suppressRedirect is set, a redirect page is
// left at the old title under a new page id.
func (w *FakeWiki) Move(namespace int, from, to string, at time.Time, suppressRedirect bool, user string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	id, err := w.rename(namespace, from, to)
	if err != nil {
		return err
	}

	w.appendLog(mirror.LogEntry{
		Type:             "log",
		LogType:          "move",
		LogAction:        "move",
		Timestamp:        at.UTC(),
		Namespace:        namespace,
		Title:            wireTitle(namespace, from),
		PageID:           id,
		User:             user,
		TargetNamespace:  namespace,
		TargetTitle:      wireTitle(namespace, to),
		SuppressRedirect: suppressRedirect,
	})

	if !suppressRedirect {
		w.nextID++
		redirect := &fakePage{id: w.nextID, kind: mirror.KindPage, namespace: namespace, title: from}
		redirect.revs = append(redirect.revs, w.newRevision(mirror.KindPage, at, "#REDIRECT [["+wireTitle(namespace, to)+"]]", user))
		w.pages[redirect.id] = redirect
		w.titles[mirror.TitleKey{Namespace: namespace, Title: from}] = redirect.id
	}
	return nil
}

// SilentMove renames a title without logging it, as if the move happened
// outside every synced window.
func (w *FakeWiki) SilentMove(namespace int, from, to string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	_, err := w.rename(namespace, from, to)
	return err
}

func (w *FakeWiki) rename(namespace int, from, to string) (int64, error) {
	fromKey := mirror.TitleKey{Namespace: namespace, Title: from}
	toKey := mirror.TitleKey{Namespace: namespace, Title: to}
	id, ok := w.titles[fromKey]
	if !ok {
		return 0, fmt.Errorf("no page at %s", from)
	}
	if _, taken := w.titles[toKey]; taken {
		return 0, fmt.Errorf("move target %s exists", to)
	}
	delete(w.titles, fromKey)
	w.titles[toKey] = id
	w.pages[id].title = to
	return id, nil
}

// Delete removes a title and keeps its versions for a later Restore.
func (w *FakeWiki) Delete(namespace int, title string, at time.Time, reason, user string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	key := mirror.TitleKey{Namespace: namespace, Title: title}
	id, ok := w.titles[key]
	if !ok {
		return fmt.Errorf("no page at %s", title)
	}
	p := w.pages[id]
	delete(w.titles, key)
	delete(w.pages, id)

	if prev, ok := w.archive[key]; ok {
		p.revs = append(prev.revs, p.revs...)
		slices.SortStableFunc(p.revs, func(a, b mirror.RemoteVersion) int { return a.Timestamp.Compare(b.Timestamp) })
	}
	w.archive[key] = p

	w.appendLog(mirror.LogEntry{
		Type:      "log",
		LogType:   "delete",
		LogAction: "delete",
		Timestamp: at.UTC(),
		Namespace: namespace,
		Title:     wireTitle(namespace, title),
		PageID:    id,
		User:      user,
		Comment:   reason,
	})
	return nil
}

// Restore undeletes every archived version of a title under its old page id.
func (w *FakeWiki) Restore(namespace int, title string, at time.Time, user string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	key := mirror.TitleKey{Namespace: namespace, Title: title}
	p, ok := w.archive[key]
	if !ok {
		return fmt.Errorf("nothing to restore at %s", title)
	}
	if _, taken := w.titles[key]; taken {
		return fmt.Errorf("restore target %s exists", title)
	}
	delete(w.archive, key)
	w.pages[p.id] = p
	w.titles[key] = p.id

	w.appendLog(mirror.LogEntry{
		Type:      "log",
		LogType:   "delete",
		LogAction: "restore",
		Timestamp: at.UTC(),
		Namespace: namespace,
		Title:     wireTitle(namespace, title),
		PageID:    p.id,
		User:      user,
	})
	return nil
}

// Hide changes the visibility flags of the version of a title at ts.
func (w *FakeWiki) Hide(namespace int, title string, ts time.Time, flags mirror.DeletedFlags, at time.Time, user string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	p, err := w.page(namespace, title)
	if err != nil {
		return err
	}
	i := slices.IndexFunc(p.revs, func(v mirror.RemoteVersion) bool { return v.Timestamp.Equal(ts) })
	if i < 0 {
		return fmt.Errorf("no version of %s at %s", title, ts)
	}
	p.revs[i].Deleted = flags

	w.appendLog(mirror.LogEntry{
		Type:      "log",
		LogType:   "delete",
		LogAction: "revision",
		Timestamp: at.UTC(),
		Namespace: namespace,
		Title:     wireTitle(namespace, title),
		PageID:    p.id,
		User:      user,
	})
	return nil
}

// Erase removes the version of a title at ts without logging it.
func (w *FakeWiki) Erase(namespace int, title string, ts time.Time) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	p, err := w.page(namespace, title)
	if err != nil {
		return err
	}
	n := len(p.revs)
	p.revs = slices.DeleteFunc(p.revs, func(v mirror.RemoteVersion) bool { return v.Timestamp.Equal(ts) })
	if len(p.revs) == n {
		return fmt.Errorf("no version of %s at %s", title, ts)
	}
	return nil
}

// AppendRaw adds an arbitrary change-log entry, such as a malformed one.
func (w *FakeWiki) AppendRaw(e mirror.LogEntry) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.appendLog(e)
}

// FailNext makes the next n remote calls return err.
func (w *FakeWiki) FailNext(err error, n int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for range n {
		w.failures = append(w.failures, err)
	}
}

// CorruptNext makes the next n content fetches of sha1 return wrong bytes.
func (w *FakeWiki) CorruptNext(sha1 string, n int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.corrupt[sha1] += n
}

// Calls returns how often a Remote method has been called.
func (w *FakeWiki) Calls(method string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.calls[method]
}

// PageID returns the id of the page at a title, or 0.
func (w *FakeWiki) PageID(namespace int, title string) int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.titles[mirror.TitleKey{Namespace: namespace, Title: title}]
}

func (w *FakeWiki) page(namespace int, title string) (*fakePage, error) {
	id, ok := w.titles[mirror.TitleKey{Namespace: namespace, Title: title}]
	if !ok {
		return nil, fmt.Errorf("no page at %s", title)
	}
	return w.pages[id], nil
}

func (w *FakeWiki) appendLog(e mirror.LogEntry) {
	w.nextRC++
	e.ID = w.nextRC
	w.log = append(w.log, e)
}

// enter records a call and returns an injected failure, if one is queued.
func (w *FakeWiki) enter(method string) error {
	w.calls[method]++
	if len(w.failures) == 0 {
		return nil
	}
	err := w.failures[0]
	w.failures = w.failures[1:]
	return err
}

// paginate slices items by the offset encoded in cont.
func paginate[T any](items []T, cont string, size int) ([]T, string, error) {
	offset := 0
	if cont != "" {
		n, err := strconv.Atoi(cont)
		if err != nil || n < 0 || n > len(items) {
			return nil, "", fmt.Errorf("invalid continuation %q", cont)
		}
		offset = n
	}
	if size <= 0 || offset+size >= len(items) {
		return items[offset:], "", nil
	}
	return items[offset : offset+size], strconv.Itoa(offset + size), nil
}

func (w *FakeWiki) Changes(ctx context.Context, q mirror.ChangeQuery, cont string) (*mirror.ChangePage, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.enter("Changes"); err != nil {
		return nil, err
	}

	var matching []mirror.LogEntry
	for _, e := range w.log {
		if len(q.Namespaces) > 0 && !slices.Contains(q.Namespaces, e.Namespace) {
			continue
		}
		if !(mirror.Window{Start: q.Start, End: q.End}).Contains(e.Timestamp) {
			continue
		}
		matching = append(matching, e)
	}
	slices.SortStableFunc(matching, func(a, b mirror.LogEntry) int { return a.Timestamp.Compare(b.Timestamp) })

	size := w.PageSize
	if q.Limit > 0 && (size <= 0 || q.Limit < size) {
		size = q.Limit
	}
	entries, next, err := paginate(matching, cont, size)
	if err != nil {
		return nil, err
	}
	return &mirror.ChangePage{Entries: entries, Continue: next}, nil
}

func (w *FakeWiki) History(ctx context.Context, kind mirror.Kind, namespace int, title string, win mirror.Window, cont string) (*mirror.HistoryPage, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.enter("History"); err != nil {
		return nil, err
	}

	p, err := w.page(namespace, title)
	if err != nil {
		return &mirror.HistoryPage{}, nil
	}
	if p.kind != kind {
		return &mirror.HistoryPage{PageID: p.id}, nil
	}

	var versions []mirror.RemoteVersion
	for i := len(p.revs) - 1; i >= 0; i-- {
		v := p.revs[i]
		if !win.Contains(v.Timestamp) {
			continue
		}
		if v.Deleted.Has(mirror.DeletedContent) {
			v.SHA1 = ""
		}
		if kind == mirror.KindFile && i < len(p.revs)-1 {
			v.ArchiveName = v.Timestamp.Format("20060102150405") + "!" + p.title
		}
		versions = append(versions, v)
	}

	page, next, err := paginate(versions, cont, w.PageSize)
	if err != nil {
		return nil, err
	}
	return &mirror.HistoryPage{PageID: p.id, Versions: page, Continue: next}, nil
}

func (w *FakeWiki) TitleForID(ctx context.Context, id int64) (*mirror.RemoteTitle, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.enter("TitleForID"); err != nil {
		return nil, err
	}

	p, ok := w.pages[id]
	if !ok {
		return nil, nil
	}
	return &mirror.RemoteTitle{PageID: p.id, Namespace: p.namespace, Title: p.title}, nil
}

func (w *FakeWiki) FetchContent(ctx context.Context, kind mirror.Kind, v *mirror.RemoteVersion, bust string) ([]byte, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.enter("FetchContent"); err != nil {
		return nil, err
	}

	if w.corrupt[v.SHA1] > 0 {
		w.corrupt[v.SHA1]--
		return []byte("truncated"), nil
	}
	data, ok := w.blobs[v.SHA1]
	if !ok {
		return nil, fmt.Errorf("no content for %s", v.SHA1)
	}
	return slices.Clone(data), nil
}

var _ mirror.Remote = (*FakeWiki)(nil)
