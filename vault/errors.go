package vault

import (
	"errors"
	"fmt"

	"github.com/thegreatlucas/therichcouple-sub000/key"
)

var (
	// ErrValidation marks malformed caller input such as a bad household ID.
	ErrValidation = errors.New("validation error")
	// ErrPINTooShort is returned when a new PIN is below the minimum length.
	ErrPINTooShort = errors.New("PIN too short")
	// ErrVaultAlreadyExists is returned by Setup for a household that already
	// has a wrapped key on record.
	ErrVaultAlreadyExists = errors.New("household vault already exists")
	// ErrVaultNotConfigured is returned when a household has no wrapped key.
	// Callers normally treat the household as plaintext-only instead.
	ErrVaultNotConfigured = errors.New("household vault not configured")
	// ErrWrongSecret indicates the PIN did not open the household key.
	ErrWrongSecret = key.ErrWrongSecret
	// ErrStorage wraps failures of the household store.
	ErrStorage = errors.New("vault storage failure")
)

func validationErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}
