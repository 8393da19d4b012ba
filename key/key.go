// Package key manages the household key: a single 256-bit symmetric key per
// household that encrypts sensitive record fields. Live keys are held in
// memguard enclaves; at rest a key only exists PIN-wrapped (see Wrap).
package key

import (
	"bytes"
	"crypto/subtle"
	"errors"
	"fmt"

	"github.com/awnumar/memguard"

	"github.com/thegreatlucas/therichcouple-sub000/crypto"
	"github.com/thegreatlucas/therichcouple-sub000/internal/util"
)

// Size is the length of an exported household key.
const Size = crypto.KeySize

var fingerprintInfo = []byte("therichcouple:key-fingerprint:v1")

// ErrInvalidKey is returned by Import for input that is not a 32-byte key.
var ErrInvalidKey = errors.New("invalid household key")

// Key is a live household key. It is immutable once created and safe for
// concurrent use.
type Key struct {
	enclave     *memguard.Enclave
	fingerprint string
}

// Generate creates a new random household key.
func Generate() (*Key, error) {
	raw, err := util.NewAESKey()
	if err != nil {
		return nil, fmt.Errorf("generating household key: %w", err)
	}
	return Import(raw)
}

// Import builds a Key from exported bytes. raw is wiped.
func Import(raw []byte) (*Key, error) {
	if len(raw) != Size {
		util.WipeBytes(raw)
		return nil, fmt.Errorf("%w: got %d bytes, want %d", ErrInvalidKey, len(raw), Size)
	}
	fp, err := util.HKDF(raw, nil, fingerprintInfo, 8)
	if err != nil {
		util.WipeBytes(raw)
		return nil, err
	}
	return &Key{
		enclave:     memguard.NewEnclave(raw),
		fingerprint: util.HexEncode(fp),
	}, nil
}

// Export returns the raw key bytes. The caller must wipe them when done and
// must never log or persist them.
func (k *Key) Export() ([]byte, error) {
	buf, err := k.enclave.Open()
	if err != nil {
		return nil, fmt.Errorf("opening key enclave: %w", err)
	}
	defer buf.Destroy()
	return bytes.Clone(buf.Bytes()), nil
}

// Fingerprint is a short non-secret identifier of the key, safe for logs.
func (k *Key) Fingerprint() string {
	return k.fingerprint
}

// Encrypt seals plaintext under the key.
func (k *Key) Encrypt(plaintext []byte) (string, error) {
	buf, err := k.enclave.Open()
	if err != nil {
		return "", fmt.Errorf("opening key enclave: %w", err)
	}
	defer buf.Destroy()
	return crypto.Seal(buf.Bytes(), plaintext)
}

// Decrypt opens a blob produced by Encrypt. Failures are crypto.ErrAuthentication.
func (k *Key) Decrypt(blob string) ([]byte, error) {
	buf, err := k.enclave.Open()
	if err != nil {
		return nil, fmt.Errorf("opening key enclave: %w", err)
	}
	defer buf.Destroy()
	return crypto.Open(buf.Bytes(), blob)
}

// Equal reports whether both keys hold the same bytes.
func (k *Key) Equal(other *Key) bool {
	if k == nil || other == nil {
		return k == other
	}
	a, err := k.Export()
	if err != nil {
		return false
	}
	defer util.WipeBytes(a)
	b, err := other.Export()
	if err != nil {
		return false
	}
	defer util.WipeBytes(b)
	return subtle.ConstantTimeCompare(a, b) == 1
}

// MarshalJSON always fails; live keys are never serialised.
func (k *Key) MarshalJSON() ([]byte, error) {
	return nil, errors.New("household key cannot be serialised")
}

// String keeps key material out of fmt output.
func (k *Key) String() string {
	return "household-key:" + k.fingerprint
}
