package vault

import (
	"log/slog"
	"time"

	"github.com/thegreatlucas/therichcouple-sub000/crypto"
)

// Option configures a Service.
type Option func(*Service)

// WithKDF sets the PIN derivation for new wraps made by Setup and ChangePIN.
// Existing wraps open with the KDF recorded alongside them.
func WithKDF(kdf crypto.KDF) Option {
	return func(s *Service) {
		s.kdf = kdf
	}
}

// WithLogger sets the service logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		s.logger = l
	}
}

// WithMinPINLength sets the shortest PIN Setup and ChangePIN accept.
// Default: 4.
func WithMinPINLength(n int) Option {
	return func(s *Service) {
		s.minPINLength = n
	}
}

// WithClock replaces time.Now for record timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}
