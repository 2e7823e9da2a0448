package encryption

import (
	"bytes"
	"fmt"
	"io"

	"wikisync/internal/mirror"
)

// testHeader marks content written by TestEncryptor.
var testHeader = []byte("WSENC\x00\x00\x00")

// TestEncryptor is a deterministic stand-in for age. It prepends a fixed
// header so stored blobs differ from the fetched bytes, and strips it on
// decryption. Unlock rejects the passphrase "wrong" so tests can exercise
// the failure path.
type TestEncryptor struct {
	configured bool
}

var _ mirror.Encryptor = (*TestEncryptor)(nil)

// NewTestEncryptor creates a configured TestEncryptor.
func NewTestEncryptor() *TestEncryptor {
	return &TestEncryptor{configured: true}
}

func (e *TestEncryptor) Setup(passphrase string) error {
	e.configured = true
	return nil
}

func (e *TestEncryptor) Encrypt(r io.Reader, w io.Writer) error {
	if _, err := w.Write(testHeader); err != nil {
		return fmt.Errorf("writing test header: %w", err)
	}
	if _, err := io.Copy(w, r); err != nil {
		return fmt.Errorf("copying data: %w", err)
	}
	return nil
}

func (e *TestEncryptor) Unlock(passphrase string) (mirror.DecryptionContext, error) {
	if passphrase == "wrong" {
		return nil, fmt.Errorf("decrypting private key: incorrect passphrase")
	}
	return &TestDecryptionContext{}, nil
}

func (e *TestEncryptor) IsConfigured() bool {
	return e.configured
}

// TestDecryptionContext strips the header added by TestEncryptor.
type TestDecryptionContext struct{}

var _ mirror.DecryptionContext = (*TestDecryptionContext)(nil)

func (c *TestDecryptionContext) Decrypt(r io.Reader, w io.Writer) error {
	header := make([]byte, len(testHeader))
	if _, err := io.ReadFull(r, header); err != nil {
		return fmt.Errorf("reading test header: %w", err)
	}
	if !bytes.Equal(header, testHeader) {
		return fmt.Errorf("invalid test encryption header")
	}
	if _, err := io.Copy(w, r); err != nil {
		return fmt.Errorf("copying data: %w", err)
	}
	return nil
}
