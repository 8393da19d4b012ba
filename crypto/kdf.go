package crypto

import (
	"context"

	"github.com/thegreatlucas/therichcouple-sub000/internal/util"
)

// SaltSize is the length in bytes of every KDF salt.
const SaltSize = util.KDFSaltLen

// Named KDF profiles.
const (
	KDFProfilePBKDF2   = util.KDFProfilePBKDF2
	KDFProfileArgon2id = util.KDFProfileArgon2id

	KDFAlgorithmPBKDF2   = util.KDFAlgorithmPBKDF2
	KDFAlgorithmArgon2id = util.KDFAlgorithmArgon2id
)

// Argon2idParams configures Argon2id key derivation.
type Argon2idParams = util.Argon2idParams

// KDF turns a low-entropy secret plus a salt into a 32-byte key.
type KDF util.KDFParams

// DefaultKDF returns PBKDF2-HMAC-SHA256 with 310,000 iterations.
func DefaultKDF() KDF {
	return KDF(util.DefaultKDFParams())
}

// KDFProfile returns the KDF for a named profile.
func KDFProfile(name string) (KDF, error) {
	p, err := util.KDFProfile(name)
	return KDF(p), err
}

// Descriptor encodes the algorithm and parameters, such as
// "pbkdf2-sha256:i=310000".
func (k KDF) Descriptor() string {
	return util.KDFParams(k).Descriptor()
}

// ParseKDF reverses Descriptor.
func ParseKDF(descriptor string) (KDF, error) {
	p, err := util.ParseKDFDescriptor(descriptor)
	return KDF(p), err
}

// Validate checks that the parameters meet the minimum work factor.
func (k KDF) Validate() error {
	return util.ValidateKDFParams(util.KDFParams(k))
}

// Derive is deterministic for identical (secret, salt). The salt must be
// SaltSize bytes. The caller owns the returned key and should wipe it.
func (k KDF) Derive(secret string, salt []byte) ([]byte, error) {
	return util.DeriveKey(secret, salt, util.KDFParams(k))
}

// DeriveContext runs Derive on its own goroutine so the caller can stop
// waiting when ctx ends. The derivation itself is not interruptible; an
// abandoned result is wiped when it completes.
func (k KDF) DeriveContext(ctx context.Context, secret string, salt []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	type result struct {
		key []byte
		err error
	}
	done := make(chan result, 1)
	go func() {
		key, err := k.Derive(secret, salt)
		done <- result{key, err}
	}()

	select {
	case r := <-done:
		return r.key, r.err
	case <-ctx.Done():
		go func() {
			r := <-done
			util.WipeBytes(r.key)
		}()
		return nil, ctx.Err()
	}
}

// NewSalt returns SaltSize fresh random bytes.
func NewSalt() ([]byte, error) {
	return util.RandomBytes(SaltSize)
}

// RandomCode returns n characters drawn from an alphabet without look-alike
// characters, suitable for humans to copy between devices.
func RandomCode(n int) (string, error) {
	return util.RandomCode(n)
}

// CodeAlphabet lists the characters RandomCode draws from.
const CodeAlphabet = util.CodeAlphabet
