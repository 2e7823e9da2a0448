package remote

import (
	"bytes"
	"encoding/json"
)

// Wire types of the action API with formatversion=2.

type apiResponse struct {
	Error    *apiErrorBody   `json:"error"`
	Continue map[string]any  `json:"continue"`
	Query    json.RawMessage `json:"query"`
}

type apiErrorBody struct {
	Code string `json:"code"`
	Info string `json:"info"`
}

type recentChangesQuery struct {
	RecentChanges []recentChange `json:"recentchanges"`
}

type recentChange struct {
	Type      string          `json:"type"`
	NS        int             `json:"ns"`
	Title     string          `json:"title"`
	PageID    int64           `json:"pageid"`
	RevID     int64           `json:"revid"`
	RCID      int64           `json:"rcid"`
	User      string          `json:"user"`
	Timestamp string          `json:"timestamp"`
	Comment   string          `json:"comment"`
	LogType   string          `json:"logtype"`
	LogAction string          `json:"logaction"`
	LogParams json.RawMessage `json:"logparams"`
}

// moveParams are the logparams of a move log entry. Empty logparams arrive
// as a JSON array, so they are decoded separately.
type moveParams struct {
	TargetNS         int    `json:"target_ns"`
	TargetTitle      string `json:"target_title"`
	SuppressRedirect flag   `json:"suppressredirect"`
}

type pagesQuery struct {
	Pages []apiPage `json:"pages"`
}

type apiPage struct {
	PageID          int64          `json:"pageid"`
	NS              int            `json:"ns"`
	Title           string         `json:"title"`
	Missing         flag           `json:"missing"`
	Invalid         flag           `json:"invalid"`
	ImageRepository string         `json:"imagerepository"`
	Revisions       []apiRevision  `json:"revisions"`
	ImageInfo       []apiImageInfo `json:"imageinfo"`
}

type apiRevision struct {
	RevID         int64  `json:"revid"`
	User          string `json:"user"`
	UserHidden    flag   `json:"userhidden"`
	Timestamp     string `json:"timestamp"`
	Size          int64  `json:"size"`
	SHA1          string `json:"sha1"`
	SHA1Hidden    flag   `json:"sha1hidden"`
	TextHidden    flag   `json:"texthidden"`
	Comment       string `json:"comment"`
	CommentHidden flag   `json:"commenthidden"`
	Suppressed    flag   `json:"suppressed"`
	Slots         struct {
		Main struct {
			Content string `json:"content"`
			Missing flag   `json:"missing"`
		} `json:"main"`
	} `json:"slots"`
}

type apiImageInfo struct {
	Timestamp     string `json:"timestamp"`
	User          string `json:"user"`
	UserHidden    flag   `json:"userhidden"`
	Size          int64  `json:"size"`
	Comment       string `json:"comment"`
	CommentHidden flag   `json:"commenthidden"`
	SHA1          string `json:"sha1"`
	URL           string `json:"url"`
	ArchiveName   string `json:"archivename"`
	FileHidden    flag   `json:"filehidden"`
	Suppressed    flag   `json:"suppressed"`
}

type siteInfoQuery struct {
	Namespaces map[string]struct {
		ID        int    `json:"id"`
		Name      string `json:"name"`
		Canonical string `json:"canonical"`
	} `json:"namespaces"`
}

// flag decodes a presence flag. formatversion=2 sends true; older servers
// send an empty string. Only an explicit false or null reads as unset.
type flag bool

func (f *flag) UnmarshalJSON(data []byte) error {
	v := bytes.TrimSpace(data)
	*f = flag(!bytes.Equal(v, []byte("false")) && !bytes.Equal(v, []byte("null")))
	return nil
}
