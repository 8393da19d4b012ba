package transfer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	qrcode "github.com/skip2/go-qrcode"

	"github.com/thegreatlucas/therichcouple-sub000/crypto"
	"github.com/thegreatlucas/therichcouple-sub000/internal/util"
	"github.com/thegreatlucas/therichcouple-sub000/internal/uuid"
	"github.com/thegreatlucas/therichcouple-sub000/key"
	"github.com/thegreatlucas/therichcouple-sub000/session"
	"github.com/thegreatlucas/therichcouple-sub000/storage"
)

// Offer is what the sharer shows: a code and a PIN, both needed to redeem.
// Neither is stored in recoverable form; PIN never leaves this value.
type Offer struct {
	TicketID    string
	HouseholdID string
	Code        string
	PIN         string
	ExpiresAt   time.Time
}

type payload struct {
	Code string `json:"code"`
	PIN  string `json:"pin"`
}

// Payload is the JSON carried by the QR image.
func (o *Offer) Payload() ([]byte, error) {
	return json.Marshal(payload{Code: o.Code, PIN: o.PIN})
}

// QRCode renders Payload as a size x size PNG.
func (o *Offer) QRCode(size int) ([]byte, error) {
	data, err := o.Payload()
	if err != nil {
		return nil, err
	}
	return qrcode.Encode(string(data), qrcode.Medium, size)
}

// String omits the PIN.
func (o *Offer) String() string {
	return fmt.Sprintf("transfer offer %s (expires %s)", MaskCode(o.Code), o.ExpiresAt.Format(time.RFC3339))
}

// ParsePayload reads a scanned payload back into code and PIN, canonicalised.
func ParsePayload(data []byte) (code, pin string, err error) {
	var p payload
	if err := json.Unmarshal(data, &p); err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	code, pin = Canonical(p.Code), Canonical(p.PIN)
	if code == "" || pin == "" {
		return "", "", fmt.Errorf("%w: code and pin are required", ErrMalformedPayload)
	}
	return code, pin, nil
}

// Offer seals the session's live key under a fresh transfer PIN and stores
// it behind a fresh code. A code that collides with a live ticket is redrawn
// along with the PIN, salt and ciphertext.
func (p *Protocol) Offer(ctx context.Context, householdID, createdBy string, keys *session.KeyCache) (*Offer, error) {
	k, ok := keys.Get()
	if !ok {
		return nil, ErrNoLiveKey
	}
	raw, err := k.Export()
	if err != nil {
		return nil, err
	}
	defer util.WipeBytes(raw)

	for attempt := 1; attempt <= maxCodeAttempts; attempt++ {
		code, err := crypto.RandomCode(p.codeLen)
		if err != nil {
			return nil, err
		}
		pin, err := crypto.RandomCode(p.codeLen)
		if err != nil {
			return nil, err
		}
		sealed, err := key.SealSecret(ctx, raw, pin, p.kdf)
		if err != nil {
			return nil, fmt.Errorf("sealing transfer payload: %w", err)
		}

		now := p.now()
		t := &storage.Ticket{
			ID:               uuid.New(),
			HouseholdID:      householdID,
			CreatedBy:        createdBy,
			EncryptedPayload: sealed.EncryptedKey,
			TempSalt:         sealed.KeySalt,
			TransferCode:     code,
			ExpiresAt:        now.Add(p.ttl),
			CreatedAt:        now,
		}
		err = p.store.CreateTicket(ctx, t)
		if errors.Is(err, storage.ErrCodeConflict) {
			p.logger.Debug("transfer code collision", "attempt", attempt)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("%w: creating ticket: %v", ErrStorage, err)
		}

		p.logger.Info("transfer offered",
			"household_id", householdID,
			"created_by", createdBy,
			"code", MaskCode(code),
			"key_fingerprint", k.Fingerprint(),
			"expires_at", t.ExpiresAt)
		return &Offer{
			TicketID:    t.ID,
			HouseholdID: householdID,
			Code:        code,
			PIN:         pin,
			ExpiresAt:   t.ExpiresAt,
		}, nil
	}
	return nil, fmt.Errorf("%w: no free transfer code after %d attempts", ErrStorage, maxCodeAttempts)
}
