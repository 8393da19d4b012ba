package util

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/pbkdf2"
)

const (
	KDFAlgorithmPBKDF2   = "pbkdf2-sha256"
	KDFAlgorithmArgon2id = "argon2id"

	KDFKeyLen  = 32
	KDFSaltLen = 16
)

const (
	MinPBKDF2Iterations = 310_000
	MinArgon2Time       = 2
	MinArgon2MemoryKiB  = 19 * 1024
	MinArgon2Parallel   = 1
)

// Upper bounds for parameters read back from a stored descriptor.
const (
	maxPBKDF2Iterations = 10_000_000
	maxArgon2Time       = 64
	maxArgon2MemoryKiB  = 4 * 1024 * 1024
)

// Named KDF profiles.
const (
	KDFProfilePBKDF2   = "pbkdf2"
	KDFProfileArgon2id = "argon2id"
)

type Argon2idParams struct {
	Time        uint32 `json:"time" toml:"time"`
	MemoryKiB   uint32 `json:"memory" toml:"memory_kib"`
	Parallelism uint8  `json:"parallelism" toml:"parallelism"`
}

type KDFParams struct {
	Algorithm  string         `json:"algorithm" toml:"algorithm"`
	Iterations int            `json:"iterations,omitempty" toml:"iterations"`
	Argon2id   Argon2idParams `json:"argon2id" toml:"argon2id"`
}

func DefaultArgon2idParams() Argon2idParams {
	return Argon2idParams{
		Time:        3,
		MemoryKiB:   64 * 1024,
		Parallelism: 4,
	}
}

// DefaultKDFParams is PBKDF2-HMAC-SHA256 at 310,000 iterations, the format
// existing wrapped household keys were produced with.
func DefaultKDFParams() KDFParams {
	return KDFParams{
		Algorithm:  KDFAlgorithmPBKDF2,
		Iterations: MinPBKDF2Iterations,
		Argon2id:   DefaultArgon2idParams(),
	}
}

func KDFProfile(name string) (KDFParams, error) {
	switch name {
	case KDFProfilePBKDF2:
		return DefaultKDFParams(), nil
	case KDFProfileArgon2id:
		p := DefaultKDFParams()
		p.Algorithm = KDFAlgorithmArgon2id
		p.Iterations = 0
		return p, nil
	default:
		return KDFParams{}, fmt.Errorf("unknown KDF profile %q", name)
	}
}

// Descriptor encodes the algorithm and its parameters compactly, for example
// "pbkdf2-sha256:i=310000" or "argon2id:t=3,m=65536,p=4". It is stored next to
// anything sealed under a derived key.
func (p KDFParams) Descriptor() string {
	switch p.Algorithm {
	case KDFAlgorithmPBKDF2:
		return fmt.Sprintf("%s:i=%d", p.Algorithm, p.Iterations)
	case KDFAlgorithmArgon2id:
		a := p.Argon2id
		return fmt.Sprintf("%s:t=%d,m=%d,p=%d", p.Algorithm, a.Time, a.MemoryKiB, a.Parallelism)
	default:
		return p.Algorithm
	}
}

// ParseKDFDescriptor reverses Descriptor. Parameters must be positive and
// within sane upper bounds but are not held to the minimums, so blobs sealed
// under older or test settings still open.
func ParseKDFDescriptor(s string) (KDFParams, error) {
	alg, args, _ := strings.Cut(s, ":")
	vals := make(map[string]uint64)
	for _, kv := range strings.Split(args, ",") {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			return KDFParams{}, fmt.Errorf("malformed KDF descriptor %q", s)
		}
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil || n == 0 {
			return KDFParams{}, fmt.Errorf("KDF descriptor %q: bad value for %s", s, k)
		}
		vals[k] = n
	}

	switch alg {
	case KDFAlgorithmPBKDF2:
		i, ok := vals["i"]
		if !ok || len(vals) != 1 || i > maxPBKDF2Iterations {
			return KDFParams{}, fmt.Errorf("KDF descriptor %q: want i=<iterations>", s)
		}
		return KDFParams{Algorithm: alg, Iterations: int(i)}, nil
	case KDFAlgorithmArgon2id:
		t, okT := vals["t"]
		m, okM := vals["m"]
		par, okP := vals["p"]
		if !okT || !okM || !okP || len(vals) != 3 ||
			t > maxArgon2Time || m > maxArgon2MemoryKiB || par > 255 {
			return KDFParams{}, fmt.Errorf("KDF descriptor %q: want t=,m=,p= in range", s)
		}
		return KDFParams{
			Algorithm: alg,
			Argon2id:  Argon2idParams{Time: uint32(t), MemoryKiB: uint32(m), Parallelism: uint8(par)},
		}, nil
	default:
		return KDFParams{}, fmt.Errorf("unknown KDF algorithm in descriptor %q", s)
	}
}

func ValidateKDFParams(p KDFParams) error {
	switch p.Algorithm {
	case KDFAlgorithmPBKDF2:
		if p.Iterations < MinPBKDF2Iterations {
			return fmt.Errorf("pbkdf2 iterations %d below minimum %d", p.Iterations, MinPBKDF2Iterations)
		}
	case KDFAlgorithmArgon2id:
		a := p.Argon2id
		if a.Time < MinArgon2Time {
			return fmt.Errorf("argon2id time %d below minimum %d", a.Time, MinArgon2Time)
		}
		if a.MemoryKiB < MinArgon2MemoryKiB {
			return fmt.Errorf("argon2id memory %d KiB below minimum %d KiB", a.MemoryKiB, MinArgon2MemoryKiB)
		}
		if a.Parallelism < MinArgon2Parallel {
			return fmt.Errorf("argon2id parallelism %d below minimum %d", a.Parallelism, MinArgon2Parallel)
		}
	default:
		return fmt.Errorf("unknown KDF algorithm %q", p.Algorithm)
	}
	return nil
}

// DeriveKey turns a human secret and a 16-byte salt into a 32-byte key.
// Surrounding whitespace is not part of the secret. Parameters are not
// checked against the minimums; see ValidateKDFParams.
func DeriveKey(secret string, salt []byte, p KDFParams) ([]byte, error) {
	if len(salt) != KDFSaltLen {
		return nil, fmt.Errorf("salt must be %d bytes, got %d", KDFSaltLen, len(salt))
	}
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errors.New("secret must not be empty")
	}
	pass := []byte(Normalize(secret))
	defer WipeBytes(pass)

	switch p.Algorithm {
	case KDFAlgorithmPBKDF2:
		if p.Iterations <= 0 {
			return nil, errors.New("pbkdf2 iterations must be positive")
		}
		return pbkdf2.Key(pass, salt, p.Iterations, KDFKeyLen, sha256.New), nil
	case KDFAlgorithmArgon2id:
		a := p.Argon2id
		if a.Time == 0 || a.MemoryKiB == 0 || a.Parallelism == 0 {
			return nil, errors.New("argon2id parameters must be positive")
		}
		return argon2.IDKey(pass, salt, a.Time, a.MemoryKiB, a.Parallelism, KDFKeyLen), nil
	default:
		return nil, fmt.Errorf("unknown KDF algorithm %q", p.Algorithm)
	}
}
