// Package transfer moves a live household key to a second device through a
// short-lived, single-use ticket. The sharer's device seals the key under a
// random transfer PIN and stores the result behind a random code; the people
// involved carry code and PIN across out of band, and the receiving device
// redeems them exactly once.
package transfer

import (
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/thegreatlucas/therichcouple-sub000/crypto"
	"github.com/thegreatlucas/therichcouple-sub000/key"
	"github.com/thegreatlucas/therichcouple-sub000/storage"
)

const (
	// DefaultTTL is how long an offer stays redeemable.
	DefaultTTL = 10 * time.Minute
	// DefaultCodeLength is the length of both the code and the transfer PIN.
	DefaultCodeLength = 8

	maxCodeAttempts = 5
)

var (
	// ErrInvalidOrExpired covers unknown, used and expired codes alike, and a
	// ticket lost to a concurrent redemption.
	ErrInvalidOrExpired = errors.New("transfer code is invalid or has expired")
	// ErrWrongSecret means the code was live but the PIN did not open the
	// ticket. The ticket stays redeemable.
	ErrWrongSecret = key.ErrWrongSecret
	// ErrNoLiveKey is returned by Offer when the sharer's session is locked.
	ErrNoLiveKey = errors.New("no unlocked household key to share")
	// ErrStorage wraps failures of the ticket store.
	ErrStorage = errors.New("transfer storage failure")
	// ErrMalformedPayload is returned by ParsePayload.
	ErrMalformedPayload = errors.New("malformed transfer payload")
)

// Protocol issues and redeems transfer tickets.
type Protocol struct {
	store   storage.TicketStore
	kdf     crypto.KDF
	ttl     time.Duration
	codeLen int
	now     func() time.Time
	logger  *slog.Logger
}

// Option configures a Protocol.
type Option func(*Protocol)

// WithKDF sets the derivation used for transfer PINs.
func WithKDF(kdf crypto.KDF) Option {
	return func(p *Protocol) { p.kdf = kdf }
}

// WithTTL sets how long offers stay redeemable.
func WithTTL(ttl time.Duration) Option {
	return func(p *Protocol) { p.ttl = ttl }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(p *Protocol) { p.now = now }
}

// WithLogger sets the logger for offer and redemption events.
func WithLogger(l *slog.Logger) Option {
	return func(p *Protocol) { p.logger = l }
}

// WithCodeLength sets the length of generated codes and PINs.
func WithCodeLength(n int) Option {
	return func(p *Protocol) { p.codeLen = n }
}

// New returns a Protocol storing tickets in store.
func New(store storage.TicketStore, opts ...Option) *Protocol {
	p := &Protocol{
		store:   store,
		kdf:     crypto.DefaultKDF(),
		ttl:     DefaultTTL,
		codeLen: DefaultCodeLength,
		now:     time.Now,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With("component", "transfer")
	return p
}

// Canonical normalises a typed code or PIN: upper case, with spaces and
// dashes removed.
func Canonical(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '-', '\t':
			return -1
		}
		return r
	}, strings.ToUpper(strings.TrimSpace(s)))
}

// MaskCode keeps the first two characters of a code for logs.
func MaskCode(code string) string {
	if len(code) <= 2 {
		return "**"
	}
	return code[:2] + strings.Repeat("*", len(code)-2)
}
