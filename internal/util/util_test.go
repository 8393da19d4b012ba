package util

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func fastPBKDF2() KDFParams {
	return KDFParams{Algorithm: KDFAlgorithmPBKDF2, Iterations: 1000}
}

func TestAES(t *testing.T) {
	key, _ := NewAESKey()
	plainText := []byte("hello world")

	t.Run("EncryptDecrypt", func(t *testing.T) {
		cipherText, err := EncryptAES(plainText, key)
		if err != nil {
			t.Fatalf("EncryptAES failed: %v", err)
		}

		decrypted, err := DecryptAES(cipherText, key)
		if err != nil {
			t.Fatalf("DecryptAES failed: %v", err)
		}

		if !bytes.Equal(plainText, decrypted) {
			t.Errorf("expected %s, got %s", plainText, decrypted)
		}
	})

	t.Run("FreshNonce", func(t *testing.T) {
		c1, _ := EncryptAES(plainText, key)
		c2, _ := EncryptAES(plainText, key)
		if bytes.Equal(c1, c2) {
			t.Error("two encryptions of the same plaintext should differ")
		}
		if bytes.Equal(c1[:AESNonceSize], c2[:AESNonceSize]) {
			t.Error("nonces should differ")
		}
	})

	t.Run("TamperCipherText", func(t *testing.T) {
		cipherText, _ := EncryptAES(plainText, key)
		cipherText[len(cipherText)-1] ^= 0xFF
		_, err := DecryptAES(cipherText, key)
		if !errors.Is(err, ErrOpen) {
			t.Errorf("expected ErrOpen with tampered ciphertext, got %v", err)
		}
	})

	t.Run("WrongKey", func(t *testing.T) {
		cipherText, _ := EncryptAES(plainText, key)
		other, _ := NewAESKey()
		_, err := DecryptAES(cipherText, other)
		if !errors.Is(err, ErrOpen) {
			t.Errorf("expected ErrOpen with wrong key, got %v", err)
		}
	})

	t.Run("Truncated", func(t *testing.T) {
		for _, n := range []int{0, 5, AESNonceSize, AESNonceSize + 15} {
			_, err := DecryptAES(make([]byte, n), key)
			if !errors.Is(err, ErrOpen) {
				t.Errorf("len %d: expected ErrOpen, got %v", n, err)
			}
		}
	})

	t.Run("RejectBadKeySize", func(t *testing.T) {
		_, err := EncryptAES(plainText, []byte("too short"))
		if err == nil {
			t.Error("expected error with wrong key size, got nil")
		}
		if errors.Is(err, ErrOpen) {
			t.Error("key size errors should not look like authentication failures")
		}
	})
}

func TestDeriveKey(t *testing.T) {
	salt := []byte("0123456789abcdef")

	for _, p := range []KDFParams{
		fastPBKDF2(),
		{Algorithm: KDFAlgorithmArgon2id, Argon2id: Argon2idParams{Time: 1, MemoryKiB: 1024, Parallelism: 1}},
	} {
		t.Run(p.Algorithm, func(t *testing.T) {
			k1, err := DeriveKey("7421", salt, p)
			if err != nil {
				t.Fatalf("DeriveKey failed: %v", err)
			}
			if len(k1) != KDFKeyLen {
				t.Errorf("expected key length %d, got %d", KDFKeyLen, len(k1))
			}
			k2, _ := DeriveKey("7421", salt, p)
			if !bytes.Equal(k1, k2) {
				t.Error("DeriveKey should be deterministic")
			}
			k3, _ := DeriveKey("0000", salt, p)
			if bytes.Equal(k1, k3) {
				t.Error("different secrets should give different keys")
			}
			k4, _ := DeriveKey("7421", []byte("fedcba9876543210"), p)
			if bytes.Equal(k1, k4) {
				t.Error("different salts should give different keys")
			}
		})
	}

	t.Run("RejectsShortSalt", func(t *testing.T) {
		if _, err := DeriveKey("7421", []byte("short"), fastPBKDF2()); err == nil {
			t.Error("expected error for short salt")
		}
	})

	t.Run("RejectsEmptySecret", func(t *testing.T) {
		if _, err := DeriveKey("", salt, fastPBKDF2()); err == nil {
			t.Error("expected error for empty secret")
		}
	})

	t.Run("IgnoresSurroundingWhitespace", func(t *testing.T) {
		bare, _ := DeriveKey("1234", salt, fastPBKDF2())
		padded, _ := DeriveKey(" 1234\t\n", salt, fastPBKDF2())
		if !bytes.Equal(bare, padded) {
			t.Error("surrounding whitespace should not change the derived key")
		}
		inner, _ := DeriveKey("12 34", salt, fastPBKDF2())
		if bytes.Equal(bare, inner) {
			t.Error("inner whitespace is part of the secret")
		}
		if _, err := DeriveKey("   ", salt, fastPBKDF2()); err == nil {
			t.Error("expected error for a whitespace-only secret")
		}
	})

	t.Run("NormalizesSecret", func(t *testing.T) {
		composed, _ := DeriveKey("caf\u00e9", salt, fastPBKDF2())
		decomposed, _ := DeriveKey("cafe\u0301", salt, fastPBKDF2())
		if !bytes.Equal(composed, decomposed) {
			t.Error("NFC and NFD forms of a secret should derive the same key")
		}
	})
}

func TestKDFProfiles(t *testing.T) {
	for _, name := range []string{KDFProfilePBKDF2, KDFProfileArgon2id} {
		t.Run(name, func(t *testing.T) {
			p, err := KDFProfile(name)
			if err != nil {
				t.Fatalf("KDFProfile(%q) failed: %v", name, err)
			}
			if err := ValidateKDFParams(p); err != nil {
				t.Errorf("profile %q failed validation: %v", name, err)
			}
		})
	}

	if _, err := KDFProfile("nonexistent"); err == nil {
		t.Error("expected error for unknown profile")
	}

	if DefaultKDFParams().Iterations != 310_000 {
		t.Errorf("default iterations = %d, want 310000", DefaultKDFParams().Iterations)
	}
}

func TestValidateKDFParams(t *testing.T) {
	t.Run("PBKDF2TooFewIterations", func(t *testing.T) {
		if err := ValidateKDFParams(fastPBKDF2()); err == nil {
			t.Error("expected error for 1000 iterations")
		}
	})

	t.Run("Argon2MemoryTooLow", func(t *testing.T) {
		p, _ := KDFProfile(KDFProfileArgon2id)
		p.Argon2id.MemoryKiB = 1024
		if err := ValidateKDFParams(p); err == nil {
			t.Error("expected error for MemoryKiB=1024")
		}
	})

	t.Run("Argon2TimeTooLow", func(t *testing.T) {
		p, _ := KDFProfile(KDFProfileArgon2id)
		p.Argon2id.Time = 1
		if err := ValidateKDFParams(p); err == nil {
			t.Error("expected error for Time=1")
		}
	})

	t.Run("UnknownAlgorithm", func(t *testing.T) {
		if err := ValidateKDFParams(KDFParams{Algorithm: "md5"}); err == nil {
			t.Error("expected error for unknown algorithm")
		}
	})
}

func TestHKDF(t *testing.T) {
	secret := []byte("secret")
	info := []byte("info")

	key1, err := HKDF(secret, nil, info, 32)
	if err != nil {
		t.Fatalf("HKDF failed: %v", err)
	}
	if len(key1) != 32 {
		t.Errorf("expected key length 32, got %d", len(key1))
	}

	key2, _ := HKDF(secret, nil, info, 32)
	if !bytes.Equal(key1, key2) {
		t.Error("HKDF should be deterministic")
	}

	key3, _ := HKDF(secret, nil, []byte("different info"), 32)
	if bytes.Equal(key1, key3) {
		t.Error("HKDF should produce different output with different info")
	}

	salted, _ := HKDF(secret, []byte("salt"), info, 32)
	if bytes.Equal(key1, salted) {
		t.Error("HKDF should depend on the salt")
	}

	short, _ := HKDF(secret, nil, info, 8)
	if !bytes.Equal(short, key1[:8]) {
		t.Error("a shorter output should be a prefix of the longer one")
	}

	for _, n := range []int{0, -1, 255*32 + 1} {
		if _, err := HKDF(secret, nil, info, n); err == nil {
			t.Errorf("expected error for length %d", n)
		}
	}
}

func TestWipeBytes(t *testing.T) {
	a := []byte{0x01, 0x02, 0x03}
	b := []byte{0x04}
	WipeBytes(a, nil, b)
	if !bytes.Equal(a, []byte{0, 0, 0}) || b[0] != 0 {
		t.Errorf("WipeBytes left %v %v", a, b)
	}
}

func TestEncoding(t *testing.T) {
	s := "test string"
	decoded, err := HexDecode(HexEncode([]byte(s)))
	if err != nil {
		t.Fatalf("HexDecode failed: %v", err)
	}
	if string(decoded) != s {
		t.Errorf("expected %s, got %s", s, string(decoded))
	}

	decoded, err = Base64Decode(Base64Encode([]byte(s)))
	if err != nil {
		t.Fatalf("Base64Decode failed: %v", err)
	}
	if string(decoded) != s {
		t.Errorf("expected %s, got %s", s, string(decoded))
	}

	if _, err := Base64Decode("not base64!"); err == nil {
		t.Error("expected error for invalid base64")
	}
}

func TestRandom(t *testing.T) {
	t.Run("RandomBytes", func(t *testing.T) {
		b1, err := RandomBytes(32)
		if err != nil {
			t.Fatalf("RandomBytes failed: %v", err)
		}
		b2, _ := RandomBytes(32)
		if len(b1) != 32 {
			t.Errorf("expected 32 bytes, got %d", len(b1))
		}
		if bytes.Equal(b1, b2) {
			t.Error("RandomBytes should produce different outputs")
		}
	})

	t.Run("RandomCode", func(t *testing.T) {
		s1, err := RandomCode(8)
		if err != nil {
			t.Fatalf("RandomCode failed: %v", err)
		}
		s2, _ := RandomCode(8)
		if len(s1) != 8 {
			t.Errorf("expected length 8, got %d", len(s1))
		}
		if s1 == s2 {
			t.Error("RandomCode should produce different outputs")
		}
		for _, c := range s1 + s2 {
			if !strings.ContainsRune(CodeAlphabet, c) {
				t.Errorf("unexpected character %q", c)
			}
		}
	})

	t.Run("AlphabetIsUnambiguous", func(t *testing.T) {
		for _, c := range "0O1IU" {
			if strings.ContainsRune(CodeAlphabet, c) {
				t.Errorf("alphabet contains ambiguous character %q", c)
			}
		}
	})

	t.Run("RandomCodeCoversAlphabet", func(t *testing.T) {
		seen := make(map[rune]bool)
		for i := 0; i < 200 && len(seen) < len(CodeAlphabet); i++ {
			s, err := RandomCode(16)
			if err != nil {
				t.Fatal(err)
			}
			for _, c := range s {
				seen[c] = true
			}
		}
		if len(seen) != len(CodeAlphabet) {
			t.Errorf("saw %d of %d characters", len(seen), len(CodeAlphabet))
		}
	})
}

func TestKDFDescriptor(t *testing.T) {
	argon := DefaultKDFParams()
	argon.Algorithm = KDFAlgorithmArgon2id

	tests := []struct {
		name   string
		params KDFParams
		want   string
	}{
		{"PBKDF2", DefaultKDFParams(), "pbkdf2-sha256:i=310000"},
		{"PBKDF2Fast", fastPBKDF2(), "pbkdf2-sha256:i=1000"},
		{"Argon2id", argon, "argon2id:t=3,m=65536,p=4"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.params.Descriptor(); got != tt.want {
				t.Fatalf("Descriptor() = %q, want %q", got, tt.want)
			}
			parsed, err := ParseKDFDescriptor(tt.want)
			if err != nil {
				t.Fatalf("ParseKDFDescriptor(%q) error = %v", tt.want, err)
			}
			if parsed.Descriptor() != tt.want {
				t.Errorf("parsed descriptor = %q, want %q", parsed.Descriptor(), tt.want)
			}

			if tt.params.Algorithm == KDFAlgorithmPBKDF2 && tt.params.Iterations < MinPBKDF2Iterations {
				salt := []byte("0123456789abcdef")
				k1, _ := DeriveKey("7421", salt, tt.params)
				k2, _ := DeriveKey("7421", salt, parsed)
				if !bytes.Equal(k1, k2) {
					t.Error("parsed parameters should derive the same key")
				}
			}
		})
	}

	t.Run("Rejects", func(t *testing.T) {
		for _, s := range []string{
			"",
			"pbkdf2-sha256",
			"pbkdf2-sha256:i=0",
			"pbkdf2-sha256:i=abc",
			"pbkdf2-sha256:i=99999999",
			"pbkdf2-sha256:i=1000,t=2",
			"argon2id:t=3,m=65536",
			"argon2id:t=3,m=65536,p=999",
			"argon2id:t=3,m=99999999,p=4",
			"scrypt:n=16384",
		} {
			if _, err := ParseKDFDescriptor(s); err == nil {
				t.Errorf("ParseKDFDescriptor(%q) should fail", s)
			}
		}
	})
}
