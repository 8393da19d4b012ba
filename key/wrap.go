package key

import (
	"context"
	"errors"
	"fmt"

	"github.com/thegreatlucas/therichcouple-sub000/crypto"
	"github.com/thegreatlucas/therichcouple-sub000/internal/util"
)

// ErrWrongSecret is the only signal that a PIN did not open a wrapped key.
// It is also returned when the stored blob was tampered with.
var ErrWrongSecret = errors.New("wrong secret")

// Wrapped is a household key sealed under a PIN-derived key, in the form the
// household record stores it. EncryptedKey and KeySalt are standard base64;
// KDF is the crypto.KDF descriptor the wrapping key was derived with.
type Wrapped struct {
	EncryptedKey string `json:"encrypted_key"`
	KeySalt      string `json:"key_salt"`
	KDF          string `json:"kdf,omitempty"`
}

// IsZero reports whether no key is on record.
func (w Wrapped) IsZero() bool {
	return w.EncryptedKey == ""
}

// Wrap seals k under a key derived from pin and a fresh salt. It has no
// opinion on PIN strength.
func Wrap(ctx context.Context, k *Key, pin string, kdf crypto.KDF) (Wrapped, error) {
	raw, err := k.Export()
	if err != nil {
		return Wrapped{}, err
	}
	defer util.WipeBytes(raw)
	return SealSecret(ctx, raw, pin, kdf)
}

// Unwrap re-derives the PIN key from the stored salt and opens the wrapped
// key. kdf applies only when w records no KDF of its own. Any failure caused
// by the PIN or the stored bytes is ErrWrongSecret.
func Unwrap(ctx context.Context, w Wrapped, pin string, kdf crypto.KDF) (*Key, error) {
	raw, err := OpenSecret(ctx, w, pin, kdf)
	if err != nil {
		return nil, err
	}
	k, err := Import(raw)
	if err != nil {
		return nil, ErrWrongSecret
	}
	return k, nil
}

// Rewrap opens w with oldPIN and returns a new Wrapped under newPIN with a
// new salt, derived with kdf. w is left untouched.
func Rewrap(ctx context.Context, w Wrapped, oldPIN, newPIN string, kdf crypto.KDF) (Wrapped, error) {
	k, err := Unwrap(ctx, w, oldPIN, kdf)
	if err != nil {
		return Wrapped{}, err
	}
	return Wrap(ctx, k, newPIN, kdf)
}

// SealSecret encrypts arbitrary bytes under a key derived from secret and a
// fresh salt. Wrap and the transfer protocol both build on it.
func SealSecret(ctx context.Context, plaintext []byte, secret string, kdf crypto.KDF) (Wrapped, error) {
	salt, err := crypto.NewSalt()
	if err != nil {
		return Wrapped{}, err
	}
	wrapKey, err := kdf.DeriveContext(ctx, secret, salt)
	if err != nil {
		return Wrapped{}, fmt.Errorf("deriving wrapping key: %w", err)
	}
	defer util.WipeBytes(wrapKey)

	ct, err := crypto.Seal(wrapKey, plaintext)
	if err != nil {
		return Wrapped{}, err
	}
	return Wrapped{EncryptedKey: ct, KeySalt: util.Base64Encode(salt), KDF: kdf.Descriptor()}, nil
}

// OpenSecret reverses SealSecret, deriving with the KDF recorded in w or,
// when w has none, with kdf. Context errors pass through; everything else is
// ErrWrongSecret.
func OpenSecret(ctx context.Context, w Wrapped, secret string, kdf crypto.KDF) ([]byte, error) {
	salt, err := util.Base64Decode(w.KeySalt)
	if err != nil || len(salt) != crypto.SaltSize {
		return nil, ErrWrongSecret
	}
	if w.KDF != "" {
		if kdf, err = crypto.ParseKDF(w.KDF); err != nil {
			return nil, ErrWrongSecret
		}
	}
	wrapKey, err := kdf.DeriveContext(ctx, secret, salt)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, ErrWrongSecret
	}
	defer util.WipeBytes(wrapKey)

	plaintext, err := crypto.Open(wrapKey, w.EncryptedKey)
	if err != nil {
		return nil, ErrWrongSecret
	}
	return plaintext, nil
}
