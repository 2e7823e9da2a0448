package remote

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"wikisync/internal/mirror"
)

// transientCodes are API error codes that clear up on their own.
var transientCodes = map[string]bool{
	"maxlag":             true,
	"readonly":           true,
	"ratelimited":        true,
	"internal_api_error": true,
}

// HTTPError is a non-2xx response from the API or a file URL.
type HTTPError struct {
	StatusCode int
	URL        string
	retryAfter time.Duration
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("%s: HTTP %d %s", e.URL, e.StatusCode, http.StatusText(e.StatusCode))
}

// Transient reports whether the status is worth retrying.
func (e *HTTPError) Transient() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

func (e *HTTPError) RetryAfter() time.Duration { return e.retryAfter }

func (e *HTTPError) Unwrap() error {
	if e.Transient() {
		return mirror.ErrTransient
	}
	return nil
}

// APIError is an error object returned in an otherwise successful response.
type APIError struct {
	Code       string
	Info       string
	retryAfter time.Duration
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %s: %s", e.Code, e.Info)
}

func (e *APIError) Transient() bool { return transientCodes[e.Code] }

func (e *APIError) RetryAfter() time.Duration { return e.retryAfter }

func (e *APIError) Unwrap() error {
	if e.Transient() {
		return mirror.ErrTransient
	}
	return nil
}

// transportError wraps failures below HTTP (DNS, resets, timeouts) and
// undecodable bodies. All of them are retried.
type transportError struct {
	op  string
	err error
}

func (e *transportError) Error() string { return fmt.Sprintf("%s: %v", e.op, e.err) }

func (e *transportError) Unwrap() []error { return []error{e.err, mirror.ErrTransient} }

// parseRetryAfter reads a Retry-After header given in seconds or as an HTTP date.
func parseRetryAfter(h string, now time.Time) time.Duration {
	if h == "" {
		return 0
	}
	if secs, err := strconv.Atoi(h); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(h); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
