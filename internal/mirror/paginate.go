package mirror

import (
	"context"
	"time"

	"github.com/sethvargo/go-retry"
)

// pager walks a continuation-token API. A page that fails transiently is
// requested again with the same token, so the walk resumes where it stopped.
type pager struct {
	logger  Logger
	retries uint64
	backoff time.Duration
	maxWait time.Duration
}

func (p *pager) backoffPolicy() retry.Backoff {
	b := retry.WithMaxRetries(p.retries, retry.NewExponential(p.backoff))
	if p.maxWait > 0 {
		b = retry.WithCappedDuration(p.maxWait, b)
	}
	return b
}

// eachPage fetches pages until one carries an empty continuation token and
// hands each page to visit exactly once, in order. Only fetch is retried.
func eachPage[T any](
	ctx context.Context,
	p *pager,
	what string,
	fetch func(ctx context.Context, cont string) (T, string, error),
	visit func(page T) error,
) error {
	cont := ""
	for {
		var (
			page T
			next string
		)
		attempt := 0
		err := retry.Do(ctx, p.backoffPolicy(), func(ctx context.Context) error {
			attempt++
			pg, n, err := fetch(ctx, cont)
			if err != nil {
				if IsTransient(err) {
					p.logger.Warn("page request failed, retrying", "query", what, "continue", cont, "attempt", attempt, "error", err)
					return p.retryable(ctx, err)
				}
				return err
			}
			page, next = pg, n
			return nil
		})
		if err != nil {
			return err
		}

		if err := visit(page); err != nil {
			return err
		}

		if next == "" {
			return nil
		}
		cont = next
	}
}

// do runs a single remote call with the same retry policy as page fetches.
func (p *pager) do(ctx context.Context, what string, call func(ctx context.Context) error) error {
	attempt := 0
	return retry.Do(ctx, p.backoffPolicy(), func(ctx context.Context) error {
		attempt++
		if err := call(ctx); err != nil {
			if IsTransient(err) {
				p.logger.Warn("remote request failed, retrying", "query", what, "attempt", attempt, "error", err)
				return p.retryable(ctx, err)
			}
			return err
		}
		return nil
	})
}

// retryable marks err for retry, first waiting out any Retry-After the
// remote sent. The wait is capped by maxWait.
func (p *pager) retryable(ctx context.Context, err error) error {
	wait := RetryAfter(err)
	if p.maxWait > 0 && wait > p.maxWait {
		wait = p.maxWait
	}
	if wait > 0 {
		t := time.NewTimer(wait)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	return retry.RetryableError(err)
}
