package vault

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// MaxHouseholdIDLength bounds household IDs in bytes.
const MaxHouseholdIDLength = 128

// validateHouseholdID accepts IDs that can sit in a URL path segment and a
// storage key unchanged.
func validateHouseholdID(id string) error {
	switch {
	case id == "":
		return validationErrorf("household ID is required")
	case len(id) > MaxHouseholdIDLength:
		return validationErrorf("household ID longer than %d bytes", MaxHouseholdIDLength)
	case !utf8.ValidString(id):
		return validationErrorf("household ID is not valid UTF-8")
	}
	if i := strings.IndexFunc(id, func(r rune) bool {
		return unicode.IsSpace(r) || unicode.IsControl(r) || strings.ContainsRune("/?#%", r)
	}); i >= 0 {
		r, _ := utf8.DecodeRuneInString(id[i:])
		return validationErrorf("household ID contains %q", r)
	}
	return nil
}

// validatePIN counts characters without surrounding whitespace, which key
// derivation drops too.
func (s *Service) validatePIN(pin string) error {
	if utf8.RuneCountInString(strings.TrimSpace(pin)) < s.minPINLength {
		return ErrPINTooShort
	}
	return nil
}
