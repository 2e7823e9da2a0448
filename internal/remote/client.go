// Package remote talks to a MediaWiki-style action API and exposes it as a
// mirror.Remote. Requests are single-shot: failures are classified as
// transient or permanent and the reconciliation engine owns the retry policy.
package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"wikisync/internal/mirror"
)

// bustParam is added to content URLs on re-fetch to bypass caches.
const bustParam = "wikisync_bust"

// canonicalNamespaces are the built-in namespace prefixes every wiki accepts.
var canonicalNamespaces = map[int]string{
	0: "", 1: "Talk", 2: "User", 3: "User talk", 4: "Project", 5: "Project talk",
	6: "File", 7: "File talk", 8: "MediaWiki", 9: "MediaWiki talk",
	10: "Template", 11: "Template talk", 12: "Help", 13: "Help talk",
	14: "Category", 15: "Category talk",
}

// Options configures a Client.
type Options struct {
	APIURL     string
	UserAgent  string
	Timeout    time.Duration
	HTTPClient *http.Client // overrides Timeout when set
	Logger     mirror.Logger
	Clock      mirror.Clock
}

// Client implements mirror.Remote over HTTP.
type Client struct {
	apiURL     *url.URL
	userAgent  string
	httpClient *http.Client
	logger     mirror.Logger
	clock      mirror.Clock

	mu         sync.Mutex
	namespaces map[int]string
	siteLoaded bool
}

// NewClient validates opts and returns a Client.
func NewClient(opts Options) (*Client, error) {
	u, err := url.Parse(opts.APIURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid api url %q", opts.APIURL)
	}

	hc := opts.HTTPClient
	if hc == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}
	logger := opts.Logger
	if logger == nil {
		logger = mirror.NewNopLogger()
	}
	clock := opts.Clock
	if clock == nil {
		clock = mirror.RealClock{}
	}
	ua := opts.UserAgent
	if ua == "" {
		ua = "wikisync/1.0"
	}

	ns := make(map[int]string, len(canonicalNamespaces))
	for k, v := range canonicalNamespaces {
		ns[k] = v
	}

	return &Client{
		apiURL:     u,
		userAgent:  ua,
		httpClient: hc,
		logger:     logger,
		clock:      clock,
		namespaces: ns,
	}, nil
}

// Changes returns one page of the change stream, oldest first.
func (c *Client) Changes(ctx context.Context, q mirror.ChangeQuery, cont string) (*mirror.ChangePage, error) {
	params := url.Values{}
	params.Set("action", "query")
	params.Set("list", "recentchanges")
	params.Set("rcdir", "newer")
	params.Set("rctype", "edit|new|log")
	params.Set("rcprop", "title|ids|timestamp|user|comment|loginfo")
	if !q.Start.IsZero() {
		params.Set("rcstart", formatTime(q.Start))
	}
	if !q.End.IsZero() {
		params.Set("rcend", formatTime(q.End))
	}
	if len(q.Namespaces) > 0 {
		params.Set("rcnamespace", joinInts(q.Namespaces))
	}
	if q.Limit > 0 {
		params.Set("rclimit", strconv.Itoa(q.Limit))
	} else {
		params.Set("rclimit", "max")
	}

	var out recentChangesQuery
	next, err := c.query(ctx, params, cont, &out)
	if err != nil {
		return nil, err
	}

	page := &mirror.ChangePage{Continue: next}
	for _, rc := range out.RecentChanges {
		entry, err := logEntry(rc)
		if err != nil {
			// Keep the row so the engine counts it as malformed.
			c.logger.Debug("change row has invalid fields", "rcid", rc.RCID, "error", err)
		}
		page.Entries = append(page.Entries, entry)
	}
	return page, nil
}

func logEntry(rc recentChange) (mirror.LogEntry, error) {
	e := mirror.LogEntry{
		ID:        rc.RCID,
		Type:      rc.Type,
		LogType:   rc.LogType,
		LogAction: rc.LogAction,
		Namespace: rc.NS,
		Title:     rc.Title,
		PageID:    rc.PageID,
		User:      rc.User,
		Comment:   rc.Comment,
	}

	ts, err := parseTime(rc.Timestamp)
	if err != nil {
		return e, err
	}
	e.Timestamp = ts

	if rc.LogType == "move" && len(rc.LogParams) > 0 && rc.LogParams[0] == '{' {
		var mp moveParams
		if err := json.Unmarshal(rc.LogParams, &mp); err != nil {
			return e, fmt.Errorf("decoding move params: %w", err)
		}
		e.TargetNamespace = mp.TargetNS
		e.TargetTitle = mp.TargetTitle
		e.SuppressRedirect = bool(mp.SuppressRedirect)
	}
	return e, nil
}

// History returns one page of a title's versions inside w, newest first.
func (c *Client) History(ctx context.Context, kind mirror.Kind, namespace int, title string, w mirror.Window, cont string) (*mirror.HistoryPage, error) {
	full, err := c.prefixedTitle(ctx, namespace, title)
	if err != nil {
		return nil, err
	}

	params := url.Values{}
	params.Set("action", "query")
	params.Set("titles", full)
	if kind == mirror.KindFile {
		params.Set("prop", "imageinfo")
		params.Set("iiprop", "timestamp|user|comment|size|sha1|url|archivename")
		params.Set("iilimit", "max")
		if !w.End.IsZero() {
			params.Set("iistart", formatTime(w.End))
		}
		if !w.Start.IsZero() {
			params.Set("iiend", formatTime(w.Start))
		}
	} else {
		params.Set("prop", "revisions")
		params.Set("rvprop", "ids|timestamp|user|comment|size|sha1")
		params.Set("rvdir", "older")
		params.Set("rvlimit", "max")
		if !w.End.IsZero() {
			params.Set("rvstart", formatTime(w.End))
		}
		if !w.Start.IsZero() {
			params.Set("rvend", formatTime(w.Start))
		}
	}

	var out pagesQuery
	next, err := c.query(ctx, params, cont, &out)
	if err != nil {
		return nil, err
	}

	page := &mirror.HistoryPage{Continue: next}
	for _, p := range out.Pages {
		if p.Missing || p.Invalid || p.PageID == 0 {
			continue
		}
		if kind == mirror.KindFile && p.ImageRepository != "" && p.ImageRepository != "local" {
			continue
		}
		page.PageID = p.PageID
		for _, rev := range p.Revisions {
			v, err := revisionVersion(rev)
			if err != nil {
				return nil, err
			}
			page.Versions = append(page.Versions, v)
		}
		for _, ii := range p.ImageInfo {
			v, err := imageInfoVersion(ii)
			if err != nil {
				return nil, err
			}
			page.Versions = append(page.Versions, v)
		}
	}
	return page, nil
}

func revisionVersion(rev apiRevision) (mirror.RemoteVersion, error) {
	ts, err := parseTime(rev.Timestamp)
	if err != nil {
		return mirror.RemoteVersion{}, err
	}
	v := mirror.RemoteVersion{
		Timestamp: ts,
		SHA1:      strings.ToLower(rev.SHA1),
		Author:    rev.User,
		Comment:   rev.Comment,
		Size:      rev.Size,
		RevID:     rev.RevID,
	}
	if rev.TextHidden || rev.SHA1Hidden {
		v.Deleted |= mirror.DeletedContent
		v.SHA1 = ""
	}
	v.Deleted |= hiddenFlags(rev.CommentHidden, rev.UserHidden, rev.Suppressed)
	return v, nil
}

func imageInfoVersion(ii apiImageInfo) (mirror.RemoteVersion, error) {
	ts, err := parseTime(ii.Timestamp)
	if err != nil {
		return mirror.RemoteVersion{}, err
	}
	v := mirror.RemoteVersion{
		Timestamp:   ts,
		SHA1:        strings.ToLower(ii.SHA1),
		Author:      ii.User,
		Comment:     ii.Comment,
		Size:        ii.Size,
		ArchiveName: ii.ArchiveName,
		URL:         ii.URL,
	}
	if ii.FileHidden {
		v.Deleted |= mirror.DeletedContent
		v.SHA1 = ""
	}
	v.Deleted |= hiddenFlags(ii.CommentHidden, ii.UserHidden, ii.Suppressed)
	return v, nil
}

func hiddenFlags(comment, user, suppressed flag) mirror.DeletedFlags {
	var d mirror.DeletedFlags
	if comment {
		d |= mirror.DeletedComment
	}
	if user {
		d |= mirror.DeletedUser
	}
	if suppressed {
		d |= mirror.DeletedRestricted
	}
	return d
}

// TitleForID returns the current title of a page id, or nil when the id is gone.
func (c *Client) TitleForID(ctx context.Context, id int64) (*mirror.RemoteTitle, error) {
	params := url.Values{}
	params.Set("action", "query")
	params.Set("pageids", strconv.FormatInt(id, 10))

	var out pagesQuery
	if _, err := c.query(ctx, params, "", &out); err != nil {
		return nil, err
	}
	for _, p := range out.Pages {
		if p.Missing || p.Invalid || p.PageID != id {
			continue
		}
		return &mirror.RemoteTitle{
			PageID:    p.PageID,
			Namespace: p.NS,
			Title:     mirror.NormalizeTitle(p.NS, p.Title),
		}, nil
	}
	return nil, nil
}

// FetchContent downloads the content of one version: revision text for
// pages, the file bytes for files.
func (c *Client) FetchContent(ctx context.Context, kind mirror.Kind, v *mirror.RemoteVersion, bust string) ([]byte, error) {
	if kind == mirror.KindFile {
		return c.fetchFile(ctx, v, bust)
	}

	params := url.Values{}
	params.Set("action", "query")
	params.Set("prop", "revisions")
	params.Set("revids", strconv.FormatInt(v.RevID, 10))
	params.Set("rvprop", "content")
	params.Set("rvslots", "main")
	if bust != "" {
		params.Set(bustParam, bust)
	}

	var out pagesQuery
	if _, err := c.query(ctx, params, "", &out); err != nil {
		return nil, err
	}
	for _, p := range out.Pages {
		for _, rev := range p.Revisions {
			if rev.RevID != v.RevID {
				continue
			}
			if rev.TextHidden || rev.Slots.Main.Missing {
				return nil, fmt.Errorf("content of revision %d is hidden", v.RevID)
			}
			return []byte(rev.Slots.Main.Content), nil
		}
	}
	return nil, fmt.Errorf("revision %d not returned by the api", v.RevID)
}

func (c *Client) fetchFile(ctx context.Context, v *mirror.RemoteVersion, bust string) ([]byte, error) {
	if v.URL == "" {
		return nil, fmt.Errorf("file version at %s has no url", formatTime(v.Timestamp))
	}
	u, err := url.Parse(v.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid file url %q: %w", v.URL, err)
	}
	if !u.IsAbs() {
		u = c.apiURL.ResolveReference(u)
	}
	if bust != "" {
		q := u.Query()
		q.Set(bustParam, bust)
		u.RawQuery = q.Encode()
	}
	return c.get(ctx, u)
}

// query runs an action=query request, merging the continuation token into
// the parameters, decodes the query object into out and returns the next token.
func (c *Client) query(ctx context.Context, params url.Values, cont string, out any) (string, error) {
	if cont != "" {
		extra, err := url.ParseQuery(cont)
		if err != nil {
			return "", fmt.Errorf("invalid continuation %q: %w", cont, err)
		}
		for k, vs := range extra {
			params[k] = vs
		}
	}
	params.Set("format", "json")
	params.Set("formatversion", "2")

	u := *c.apiURL
	u.RawQuery = params.Encode()

	body, err := c.get(ctx, &u)
	if err != nil {
		return "", err
	}

	var resp apiResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", &transportError{op: "decoding api response", err: err}
	}
	if resp.Error != nil {
		return "", &APIError{Code: resp.Error.Code, Info: resp.Error.Info}
	}
	if len(resp.Query) > 0 {
		if err := json.Unmarshal(resp.Query, out); err != nil {
			return "", &transportError{op: "decoding query result", err: err}
		}
	}
	return encodeContinue(resp.Continue), nil
}

// get performs one GET and returns the body of a 2xx response.
func (c *Client) get(ctx context.Context, u *url.URL) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", c.userAgent)

	start := c.clock.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &transportError{op: "GET " + redact(u), err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &transportError{op: "reading response", err: err}
	}
	c.logger.Debug("remote request", "url", redact(u), "status", resp.StatusCode, "bytes", len(body), "elapsed", c.clock.Now().Sub(start))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &HTTPError{
			StatusCode: resp.StatusCode,
			URL:        redact(u),
			retryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), c.clock.Now()),
		}
	}
	return body, nil
}

// prefixedTitle turns a stored title into the namespaced form the API expects.
func (c *Client) prefixedTitle(ctx context.Context, namespace int, title string) (string, error) {
	prefix, err := c.namespacePrefix(ctx, namespace)
	if err != nil {
		return "", err
	}
	display := mirror.DisplayTitle(title)
	if prefix == "" {
		return display, nil
	}
	return prefix + ":" + display, nil
}

// namespacePrefix resolves a namespace id, loading the wiki's own namespace
// table once when the id is not a built-in one.
func (c *Client) namespacePrefix(ctx context.Context, namespace int) (string, error) {
	c.mu.Lock()
	prefix, ok := c.namespaces[namespace]
	loaded := c.siteLoaded
	c.mu.Unlock()
	if ok {
		return prefix, nil
	}
	if !loaded {
		if err := c.loadNamespaces(ctx); err != nil {
			return "", err
		}
		c.mu.Lock()
		prefix, ok = c.namespaces[namespace]
		c.mu.Unlock()
		if ok {
			return prefix, nil
		}
	}
	return "", fmt.Errorf("unknown namespace %d", namespace)
}

func (c *Client) loadNamespaces(ctx context.Context) error {
	params := url.Values{}
	params.Set("action", "query")
	params.Set("meta", "siteinfo")
	params.Set("siprop", "namespaces")

	var out siteInfoQuery
	if _, err := c.query(ctx, params, "", &out); err != nil {
		return fmt.Errorf("loading namespaces: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ns := range out.Namespaces {
		name := ns.Canonical
		if name == "" {
			name = ns.Name
		}
		if _, ok := c.namespaces[ns.ID]; !ok {
			c.namespaces[ns.ID] = name
		}
	}
	c.siteLoaded = true
	return nil
}

func encodeContinue(cont map[string]any) string {
	if len(cont) == 0 {
		return ""
	}
	v := url.Values{}
	for k, val := range cont {
		switch x := val.(type) {
		case string:
			v.Set(k, x)
		case float64:
			v.Set(k, strconv.FormatFloat(x, 'f', -1, 64))
		default:
			v.Set(k, fmt.Sprint(x))
		}
	}
	return v.Encode()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}

func joinInts(ns []int) string {
	parts := make([]string, len(ns))
	for i, n := range ns {
		parts[i] = strconv.Itoa(n)
	}
	return strings.Join(parts, "|")
}

// redact drops the query string from logged URLs.
func redact(u *url.URL) string {
	r := *u
	r.RawQuery = ""
	return r.String()
}

var _ mirror.Remote = (*Client)(nil)
