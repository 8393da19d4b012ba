package util

import (
	"crypto/rand"
	"fmt"
)

// CodeAlphabet is the character set for codes people read off one screen
// and type into another. It has no 0/O, 1/I or U.
const CodeAlphabet = "23456789ABCDEFGHJKLMNPQRSTVWXYZ"

// codeRejectAbove is the largest multiple of len(CodeAlphabet) that fits in a
// byte; bytes at or above it are redrawn so every character is equally likely.
const codeRejectAbove = 256 - 256%len(CodeAlphabet)

// RandomCode returns n characters from CodeAlphabet using crypto/rand.
func RandomCode(n int) (string, error) {
	out := make([]byte, 0, n)
	buf := make([]byte, n+n/4+1)
	for len(out) < n {
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("generating random code: %w", err)
		}
		for _, b := range buf {
			if int(b) >= codeRejectAbove {
				continue
			}
			out = append(out, CodeAlphabet[int(b)%len(CodeAlphabet)])
			if len(out) == n {
				break
			}
		}
	}
	return string(out), nil
}

// RandomBytes returns n bytes from crypto/rand.
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("generating random bytes: %w", err)
	}
	return b, nil
}
