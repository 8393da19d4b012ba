package transfer

import (
	"context"
	"errors"
	"fmt"

	"github.com/thegreatlucas/therichcouple-sub000/key"
	"github.com/thegreatlucas/therichcouple-sub000/session"
	"github.com/thegreatlucas/therichcouple-sub000/storage"
)

// Redemption describes a successful hand-off.
type Redemption struct {
	TicketID       string
	HouseholdID    string
	KeyFingerprint string
}

// Redeem opens the ticket behind code with pin and, once the ticket is
// claimed, places the key in keys. A wrong PIN leaves the ticket live; every
// other failure to find or claim a ticket is ErrInvalidOrExpired.
func (p *Protocol) Redeem(ctx context.Context, code, pin string, keys *session.KeyCache) (*Redemption, error) {
	code, pin = Canonical(code), Canonical(pin)
	if code == "" {
		return nil, ErrInvalidOrExpired
	}

	t, err := p.store.FindValidTicket(ctx, code, p.now())
	if errors.Is(err, storage.ErrNotFound) {
		p.logger.Info("transfer redeem rejected", "code", MaskCode(code), "reason", "invalid_or_expired")
		return nil, ErrInvalidOrExpired
	}
	if err != nil {
		return nil, fmt.Errorf("%w: finding ticket: %v", ErrStorage, err)
	}

	sealed := key.Wrapped{EncryptedKey: t.EncryptedPayload, KeySalt: t.TempSalt}
	raw, err := key.OpenSecret(ctx, sealed, pin, p.kdf)
	if err != nil {
		if errors.Is(err, key.ErrWrongSecret) {
			p.logger.Warn("transfer redeem rejected",
				"household_id", t.HouseholdID, "code", MaskCode(code), "reason", "wrong_pin")
		}
		return nil, err
	}
	k, err := key.Import(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidOrExpired, err)
	}

	// The KDF takes real time; expiry is checked again at claim.
	err = p.store.ClaimTicket(ctx, t.ID, p.now())
	if errors.Is(err, storage.ErrCASFailed) {
		p.logger.Info("transfer redeem rejected",
			"household_id", t.HouseholdID, "code", MaskCode(code), "reason", "claimed_or_expired")
		return nil, ErrInvalidOrExpired
	}
	if err != nil {
		return nil, fmt.Errorf("%w: claiming ticket: %v", ErrStorage, err)
	}

	keys.Set(k)
	p.logger.Info("transfer redeemed",
		"household_id", t.HouseholdID,
		"code", MaskCode(code),
		"key_fingerprint", k.Fingerprint())
	return &Redemption{
		TicketID:       t.ID,
		HouseholdID:    t.HouseholdID,
		KeyFingerprint: k.Fingerprint(),
	}, nil
}
