// Package vault ties the household key lifecycle to the household store and
// to session key caches: setting up a household key, unlocking it with the
// PIN at session start, and rotating the PIN.
package vault

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/thegreatlucas/therichcouple-sub000/crypto"
	"github.com/thegreatlucas/therichcouple-sub000/field"
	"github.com/thegreatlucas/therichcouple-sub000/key"
	"github.com/thegreatlucas/therichcouple-sub000/session"
	"github.com/thegreatlucas/therichcouple-sub000/storage"
)

// DefaultMinPINLength is the shortest PIN accepted unless configured otherwise.
const DefaultMinPINLength = 4

// legacyKDF is assumed for records that do not name their KDF.
var legacyKDF = crypto.DefaultKDF().Descriptor()

// Service manages household keys backed by a HouseholdStore.
type Service struct {
	store        storage.HouseholdStore
	kdf          crypto.KDF
	logger       *slog.Logger
	minPINLength int
	now          func() time.Time
}

// New creates a Service.
func New(store storage.HouseholdStore, opts ...Option) *Service {
	s := &Service{
		store:        store,
		kdf:          crypto.DefaultKDF(),
		logger:       slog.Default(),
		minPINLength: DefaultMinPINLength,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "vault")
	return s
}

// Setup generates the household key, stores it wrapped under pin and leaves
// it unlocked in keys.
func (s *Service) Setup(ctx context.Context, householdID, pin string, keys *session.KeyCache) (*key.Key, error) {
	if err := validateHouseholdID(householdID); err != nil {
		return nil, err
	}
	if err := s.validatePIN(pin); err != nil {
		return nil, err
	}

	k, err := key.Generate()
	if err != nil {
		return nil, err
	}
	w, err := key.Wrap(ctx, k, pin, s.kdf)
	if err != nil {
		return nil, fmt.Errorf("wrapping household key: %w", err)
	}

	rec := &storage.VaultRecord{
		HouseholdID:  householdID,
		EncryptedKey: w.EncryptedKey,
		KeySalt:      w.KeySalt,
		KDF:          w.KDF,
		UpdatedAt:    s.now().UTC(),
	}
	if err := s.store.PutVaultCAS(ctx, rec, ""); err != nil {
		if errors.Is(err, storage.ErrCASFailed) {
			return nil, ErrVaultAlreadyExists
		}
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}

	keys.Set(k)
	s.logger.Info("household vault created", "household_id", householdID, "key_fingerprint", k.Fingerprint())
	return k, nil
}

func (s *Service) load(ctx context.Context, householdID string) (key.Wrapped, error) {
	if err := validateHouseholdID(householdID); err != nil {
		return key.Wrapped{}, err
	}
	rec, err := s.store.GetVault(ctx, householdID)
	if errors.Is(err, storage.ErrNotFound) {
		return key.Wrapped{}, ErrVaultNotConfigured
	}
	if err != nil {
		return key.Wrapped{}, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	w := key.Wrapped{EncryptedKey: rec.EncryptedKey, KeySalt: rec.KeySalt, KDF: rec.KDF}
	if w.IsZero() {
		return key.Wrapped{}, ErrVaultNotConfigured
	}
	if w.KDF == "" {
		w.KDF = legacyKDF
	}
	return w, nil
}

// Configured reports whether the household has a wrapped key on record.
func (s *Service) Configured(ctx context.Context, householdID string) (bool, error) {
	_, err := s.load(ctx, householdID)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ErrVaultNotConfigured):
		return false, nil
	default:
		return false, err
	}
}

// Unlock opens the household key with pin and caches it in keys. On failure
// keys is left as it was.
func (s *Service) Unlock(ctx context.Context, householdID, pin string, keys *session.KeyCache) (*key.Key, error) {
	w, err := s.load(ctx, householdID)
	if err != nil {
		return nil, err
	}
	k, err := key.Unwrap(ctx, w, pin, s.kdf)
	if err != nil {
		if errors.Is(err, key.ErrWrongSecret) {
			s.logger.Warn("household unlock failed", "household_id", householdID, "reason", "wrong_pin")
		}
		return nil, err
	}
	keys.Set(k)
	s.logger.Info("household unlocked", "household_id", householdID, "key_fingerprint", k.Fingerprint())
	return k, nil
}

// ChangePIN rewraps the household key under newPIN. The key itself does not
// change, so field ciphertexts and live sessions stay valid. A concurrent
// change of the same household fails with storage.ErrCASFailed.
func (s *Service) ChangePIN(ctx context.Context, householdID, oldPIN, newPIN string) error {
	if err := s.validatePIN(newPIN); err != nil {
		return err
	}
	w, err := s.load(ctx, householdID)
	if err != nil {
		return err
	}
	next, err := key.Rewrap(ctx, w, oldPIN, newPIN, s.kdf)
	if err != nil {
		return err
	}

	rec := &storage.VaultRecord{
		HouseholdID:  householdID,
		EncryptedKey: next.EncryptedKey,
		KeySalt:      next.KeySalt,
		KDF:          next.KDF,
		UpdatedAt:    s.now().UTC(),
	}
	if err := s.store.PutVaultCAS(ctx, rec, w.EncryptedKey); err != nil {
		if errors.Is(err, storage.ErrCASFailed) {
			return fmt.Errorf("household %s changed concurrently: %w", householdID, err)
		}
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	s.logger.Info("household PIN changed", "household_id", householdID)
	return nil
}

// Lock drops the key from keys.
func (s *Service) Lock(keys *session.KeyCache) {
	keys.Clear()
}

// Mode resolves the field encryption mode for a household: the configured
// mode when the household has a vault, ModeDisabled otherwise.
func (s *Service) Mode(ctx context.Context, householdID string, configured field.Mode) (field.Mode, error) {
	ok, err := s.Configured(ctx, householdID)
	if err != nil {
		return field.ModeDisabled, err
	}
	return field.ModeFor(ok, configured), nil
}
