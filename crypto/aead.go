// Package crypto exposes the primitives the household vault is built from:
// AES-256-GCM sealing of byte payloads into transport-ready strings, and slow
// salted derivation of keys from PINs.
package crypto

import (
	"errors"
	"fmt"

	"github.com/thegreatlucas/therichcouple-sub000/internal/util"
)

// KeySize is the length in bytes of every symmetric key in the system.
const KeySize = util.AESKeySize

// ErrAuthentication is the only error Open returns for bad input. A wrong
// key, a flipped bit, a truncated blob and invalid base64 all look the same.
var ErrAuthentication = errors.New("authentication failed")

// Seal encrypts plaintext under key and returns base64(nonce || ciphertext || tag).
// Every call uses a fresh random nonce.
func Seal(key, plaintext []byte) (string, error) {
	blob, err := util.EncryptAES(plaintext, key)
	if err != nil {
		return "", err
	}
	return util.Base64Encode(blob), nil
}

// Open reverses Seal.
func Open(key []byte, blob string) ([]byte, error) {
	if len(key) != KeySize {
		// Programming error, not attacker-controlled input.
		return nil, fmt.Errorf("invalid key size: got %d, want %d", len(key), KeySize)
	}
	raw, err := util.Base64Decode(blob)
	if err != nil {
		return nil, ErrAuthentication
	}
	plaintext, err := util.DecryptAES(raw, key)
	if err != nil {
		return nil, ErrAuthentication
	}
	return plaintext, nil
}
