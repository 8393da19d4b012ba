package util

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// HKDF expands secret into n bytes bound to info using HKDF-SHA256. salt may
// be nil.
func HKDF(secret, salt, info []byte, n int) ([]byte, error) {
	if n <= 0 || n > 255*sha256.Size {
		return nil, fmt.Errorf("hkdf: invalid output length %d", n)
	}
	out := make([]byte, n)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, salt, info), out); err != nil {
		return nil, fmt.Errorf("reading from HKDF: %w", err)
	}
	return out, nil
}
