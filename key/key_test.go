package key

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thegreatlucas/therichcouple-sub000/crypto"
)

var testKDF = crypto.KDF{Algorithm: crypto.KDFAlgorithmPBKDF2, Iterations: 1000}

func TestKey_GenerateExportImport(t *testing.T) {
	k, err := Generate()
	require.NoError(t, err)

	raw, err := k.Export()
	require.NoError(t, err)
	require.Len(t, raw, Size)

	k2, err := Import(append([]byte(nil), raw...))
	require.NoError(t, err)
	assert.True(t, k.Equal(k2))
	assert.Equal(t, k.Fingerprint(), k2.Fingerprint())

	other, err := Generate()
	require.NoError(t, err)
	assert.False(t, k.Equal(other))
	assert.NotEqual(t, k.Fingerprint(), other.Fingerprint())
}

func TestKey_ImportWipesInput(t *testing.T) {
	raw := make([]byte, Size)
	for i := range raw {
		raw[i] = byte(i + 1)
	}
	_, err := Import(raw)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, Size), raw)
}

func TestKey_ImportRejectsBadLength(t *testing.T) {
	_, err := Import([]byte("short"))
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestKey_EncryptDecrypt(t *testing.T) {
	k, err := Generate()
	require.NoError(t, err)

	blob, err := k.Encrypt([]byte("Supermarket"))
	require.NoError(t, err)
	got, err := k.Decrypt(blob)
	require.NoError(t, err)
	assert.Equal(t, "Supermarket", string(got))

	other, _ := Generate()
	_, err = other.Decrypt(blob)
	assert.ErrorIs(t, err, crypto.ErrAuthentication)
}

func TestKey_NeverSerialised(t *testing.T) {
	k, err := Generate()
	require.NoError(t, err)

	_, err = json.Marshal(k)
	assert.Error(t, err)
	assert.Equal(t, "household-key:"+k.Fingerprint(), fmt.Sprint(k))
}

func TestWrap_RoundTrip(t *testing.T) {
	ctx := t.Context()
	for _, pin := range []string{"1234", "7421", "correct horse", "ñandú-42"} {
		k, err := Generate()
		require.NoError(t, err)

		w, err := Wrap(ctx, k, pin, testKDF)
		require.NoError(t, err)
		assert.False(t, w.IsZero())

		got, err := Unwrap(ctx, w, pin, testKDF)
		require.NoError(t, err)
		want, _ := k.Export()
		have, _ := got.Export()
		assert.Equal(t, want, have)
	}
}

func TestWrap_FreshSaltEachTime(t *testing.T) {
	k, _ := Generate()
	w1, err := Wrap(t.Context(), k, "1234", testKDF)
	require.NoError(t, err)
	w2, err := Wrap(t.Context(), k, "1234", testKDF)
	require.NoError(t, err)
	assert.NotEqual(t, w1.KeySalt, w2.KeySalt)
	assert.NotEqual(t, w1.EncryptedKey, w2.EncryptedKey)
}

func TestUnwrap_WrongPIN(t *testing.T) {
	k, _ := Generate()
	w, err := Wrap(t.Context(), k, "1234", testKDF)
	require.NoError(t, err)

	got, err := Unwrap(t.Context(), w, "9999", testKDF)
	assert.ErrorIs(t, err, ErrWrongSecret)
	assert.Nil(t, got)
}

func TestUnwrap_TamperedLooksLikeWrongPIN(t *testing.T) {
	k, _ := Generate()
	w, err := Wrap(t.Context(), k, "1234", testKDF)
	require.NoError(t, err)

	cases := map[string]Wrapped{
		"BadSalt":       {EncryptedKey: w.EncryptedKey, KeySalt: "????"},
		"ShortSalt":     {EncryptedKey: w.EncryptedKey, KeySalt: "AAAA"},
		"BadCiphertext": {EncryptedKey: "AAAA" + w.EncryptedKey[4:], KeySalt: w.KeySalt},
		"Empty":         {},
		"UnknownKDF":    {EncryptedKey: w.EncryptedKey, KeySalt: w.KeySalt, KDF: "scrypt:n=16384"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Unwrap(t.Context(), tc, "1234", testKDF)
			assert.ErrorIs(t, err, ErrWrongSecret)
		})
	}
}

func TestUnwrap_ContextCancelled(t *testing.T) {
	k, _ := Generate()
	w, err := Wrap(t.Context(), k, "1234", testKDF)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	_, err = Unwrap(ctx, w, "1234", testKDF)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRewrap(t *testing.T) {
	ctx := t.Context()
	k, _ := Generate()
	w, err := Wrap(ctx, k, "1234", testKDF)
	require.NoError(t, err)
	orig := w

	w2, err := Rewrap(ctx, w, "1234", "5678", testKDF)
	require.NoError(t, err)
	assert.Equal(t, orig, w, "rewrap must not mutate the old wrapping")
	assert.NotEqual(t, w.KeySalt, w2.KeySalt)

	got, err := Unwrap(ctx, w2, "5678", testKDF)
	require.NoError(t, err)
	assert.True(t, k.Equal(got))

	_, err = Unwrap(ctx, w2, "1234", testKDF)
	assert.ErrorIs(t, err, ErrWrongSecret)

	_, err = Rewrap(ctx, w, "0000", "5678", testKDF)
	assert.ErrorIs(t, err, ErrWrongSecret)
}

func TestUnwrap_UsesRecordedKDF(t *testing.T) {
	ctx := t.Context()
	k, _ := Generate()
	w, err := Wrap(ctx, k, "7421", testKDF)
	require.NoError(t, err)
	assert.Equal(t, "pbkdf2-sha256:i=1000", w.KDF)

	other := crypto.KDF{Algorithm: crypto.KDFAlgorithmPBKDF2, Iterations: 2000}
	got, err := Unwrap(ctx, w, "7421", other)
	require.NoError(t, err, "the recorded KDF wins over the caller's")
	assert.True(t, k.Equal(got))

	legacy := Wrapped{EncryptedKey: w.EncryptedKey, KeySalt: w.KeySalt}
	_, err = Unwrap(ctx, legacy, "7421", other)
	assert.ErrorIs(t, err, ErrWrongSecret, "without a record the caller's KDF applies")
	got, err = Unwrap(ctx, legacy, "7421", testKDF)
	require.NoError(t, err)
	assert.True(t, k.Equal(got))

	moved, err := Rewrap(ctx, w, "7421", "7421", other)
	require.NoError(t, err)
	assert.Equal(t, "pbkdf2-sha256:i=2000", moved.KDF)
	got, err = Unwrap(ctx, moved, "7421", testKDF)
	require.NoError(t, err)
	assert.True(t, k.Equal(got))
}

// Scenario: wrap with 7421, unwrap with 7421 interoperates; 0000 fails.
func TestScenario_PINUnlock(t *testing.T) {
	ctx := t.Context()
	k, err := Generate()
	require.NoError(t, err)

	w, err := Wrap(ctx, k, "7421", testKDF)
	require.NoError(t, err)

	recovered, err := Unwrap(ctx, w, "7421", testKDF)
	require.NoError(t, err)

	blob, err := k.Encrypt([]byte("Electricity bill"))
	require.NoError(t, err)
	pt, err := recovered.Decrypt(blob)
	require.NoError(t, err)
	assert.Equal(t, "Electricity bill", string(pt))

	blob, err = recovered.Encrypt([]byte("Water bill"))
	require.NoError(t, err)
	pt, err = k.Decrypt(blob)
	require.NoError(t, err)
	assert.Equal(t, "Water bill", string(pt))

	_, err = Unwrap(ctx, w, "0000", testKDF)
	assert.ErrorIs(t, err, ErrWrongSecret)
}
