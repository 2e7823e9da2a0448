package mirror

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrMalformedEvent marks a change-log entry that cannot be classified.
	// It is a data-integrity error and never aborts a batch.
	ErrMalformedEvent = errors.New("malformed change event")

	// ErrIrreconcilable means local and remote identities cannot be made
	// consistent automatically. The run must stop; a full resync is required.
	ErrIrreconcilable = errors.New("irreconcilable identity state")

	// ErrTransient marks remote failures that are safe to retry.
	ErrTransient = errors.New("transient remote failure")
)

// IsTransient reports whether err (or anything it wraps) is retryable.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// RetryAfter returns the delay the remote asked for before the next
// attempt, or zero when err carries none.
func RetryAfter(err error) time.Duration {
	var ra interface{ RetryAfter() time.Duration }
	if errors.As(err, &ra) {
		return ra.RetryAfter()
	}
	return 0
}

// IntegrityError reports a version whose fetched content never matched its
// content hash. The version is skipped; the run continues.
type IntegrityError struct {
	Namespace int
	Title     string
	Timestamp time.Time
	Want      string
	Got       string
	Attempts  int
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("content hash mismatch for %d:%s@%s after %d attempts: want %s, got %s",
		e.Namespace, e.Title, e.Timestamp.UTC().Format(time.RFC3339), e.Attempts, e.Want, e.Got)
}

// ConflictError describes a fatal identity conflict.
type ConflictError struct {
	LocalID   int64
	Namespace int
	Title     string
	Reason    string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("identity conflict for id %d at %d:%s: %s", e.LocalID, e.Namespace, e.Title, e.Reason)
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrIrreconcilable
}
