package mirror

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
)

// errHashMismatch is retried until the fetch budget runs out.
var errHashMismatch = errors.New("content hash mismatch")

// contentStore fetches version content from the remote, verifies it against
// its hash and writes it to the vault.
type contentStore struct {
	remote    Remote
	vault     Vault
	encryptor Encryptor
	logger    Logger
	retries   uint64
	backoff   time.Duration
}

// SHA1Hex returns the lowercase hex SHA-1 digest of data.
func SHA1Hex(data []byte) string {
	h := sha1.Sum(data)
	return hex.EncodeToString(h[:])
}

// fetch downloads and stores the content of v and returns the vault key.
// Versions whose content or hash is hidden are stored without content and
// yield an empty key. A persistent hash mismatch yields an *IntegrityError.
func (c *contentStore) fetch(ctx context.Context, kind Kind, key TitleKey, v *RemoteVersion) (string, error) {
	if v.SHA1 == "" || v.Deleted.Has(DeletedContent) {
		return "", nil
	}
	want := strings.ToLower(v.SHA1)

	exists, err := c.vault.HasContent(ctx, want)
	if err != nil {
		return "", fmt.Errorf("checking vault for %s: %w", want, err)
	}
	if exists {
		c.logger.Debug("content deduplicated", "sha1", want)
		return want, nil
	}

	var (
		data     []byte
		got      string
		attempts int
	)
	b := retry.WithMaxRetries(c.retries, retry.NewExponential(c.backoff))
	err = retry.Do(ctx, b, func(ctx context.Context) error {
		bust := ""
		if attempts > 0 {
			bust = strconv.Itoa(attempts)
		}
		attempts++

		body, err := c.remote.FetchContent(ctx, kind, v, bust)
		if err != nil {
			if IsTransient(err) {
				c.logger.Warn("content fetch failed, retrying", "title", key.Title, "attempt", attempts, "error", err)
				return retry.RetryableError(err)
			}
			return err
		}

		got = SHA1Hex(body)
		if got != want {
			c.logger.Warn("content hash mismatch, refetching", "title", key.Title, "attempt", attempts, "want", want, "got", got)
			return retry.RetryableError(errHashMismatch)
		}
		data = body
		return nil
	})
	if errors.Is(err, errHashMismatch) {
		return "", &IntegrityError{
			Namespace: key.Namespace,
			Title:     key.Title,
			Timestamp: v.Timestamp,
			Want:      want,
			Got:       got,
			Attempts:  attempts,
		}
	}
	if err != nil {
		return "", fmt.Errorf("fetching content of %s@%s: %w", key.Title, v.Timestamp.UTC().Format(time.RFC3339), err)
	}

	if err := c.put(ctx, want, data); err != nil {
		return "", err
	}
	return want, nil
}

// put writes data to the vault, encrypting it first when an encryptor is set.
func (c *contentStore) put(ctx context.Context, key string, data []byte) error {
	if c.encryptor == nil {
		if err := c.vault.PutContent(ctx, key, bytes.NewReader(data), int64(len(data))); err != nil {
			return fmt.Errorf("uploading to vault: %w", err)
		}
		return nil
	}

	var buf bytes.Buffer
	if err := c.encryptor.Encrypt(bytes.NewReader(data), &buf); err != nil {
		return fmt.Errorf("encrypting content: %w", err)
	}
	if err := c.vault.PutContent(ctx, key, &buf, int64(buf.Len())); err != nil {
		return fmt.Errorf("uploading to vault: %w", err)
	}
	return nil
}

// read writes the plaintext content stored under key to w.
// dec must be non-nil when an encryptor is configured.
func (c *contentStore) read(ctx context.Context, key string, dec DecryptionContext, w io.Writer) error {
	if c.encryptor == nil {
		return c.vault.GetContent(ctx, key, w)
	}
	if dec == nil {
		return fmt.Errorf("content is encrypted: unlock required")
	}

	var buf bytes.Buffer
	if err := c.vault.GetContent(ctx, key, &buf); err != nil {
		return err
	}
	if err := dec.Decrypt(&buf, w); err != nil {
		return fmt.Errorf("decrypting content: %w", err)
	}
	return nil
}
