// Package storagetest holds the behaviour every storage.Store backend must
// share. Backend packages call Run from their own tests.
package storagetest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thegreatlucas/therichcouple-sub000/storage"
)

// Factory returns an empty store. Cleanup should be registered with t.Cleanup.
type Factory func(t *testing.T) storage.Store

// Run executes the conformance suite against stores produced by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("Vault", func(t *testing.T) { testVault(t, newStore(t)) })
	t.Run("TicketLifecycle", func(t *testing.T) { testTicketLifecycle(t, newStore(t)) })
	t.Run("TicketCodeConflict", func(t *testing.T) { testCodeConflict(t, newStore(t)) })
	t.Run("PurgeExpired", func(t *testing.T) { testPurge(t, newStore(t)) })
	t.Run("ConcurrentClaim", func(t *testing.T) { testConcurrentClaim(t, newStore(t)) })
}

// Times are truncated to whole seconds so every backend round-trips them.
func baseTime() time.Time {
	return time.Now().UTC().Truncate(time.Second)
}

func newTicket(code string, now time.Time, ttl time.Duration) *storage.Ticket {
	return &storage.Ticket{
		ID:               uuid.NewString(),
		HouseholdID:      "household-1",
		CreatedBy:        "user-1",
		EncryptedPayload: "payload-" + code,
		TempSalt:         "salt-" + code,
		TransferCode:     code,
		ExpiresAt:        now.Add(ttl),
		CreatedAt:        now,
	}
}

func testVault(t *testing.T, s storage.Store) {
	ctx := context.Background()
	now := baseTime()

	_, err := s.GetVault(ctx, "h1")
	require.ErrorIs(t, err, storage.ErrNotFound)

	rec := &storage.VaultRecord{HouseholdID: "h1", EncryptedKey: "ek-1", KeySalt: "salt-1", KDF: "pbkdf2-sha256:i=310000", UpdatedAt: now}
	require.NoError(t, s.PutVaultCAS(ctx, rec, ""))

	got, err := s.GetVault(ctx, "h1")
	require.NoError(t, err)
	assert.Equal(t, "ek-1", got.EncryptedKey)
	assert.Equal(t, "salt-1", got.KeySalt)
	assert.Equal(t, "pbkdf2-sha256:i=310000", got.KDF)
	assert.True(t, got.UpdatedAt.Equal(now))

	// A second initial write must not clobber the first.
	dup := &storage.VaultRecord{HouseholdID: "h1", EncryptedKey: "ek-other", KeySalt: "salt-other", UpdatedAt: now}
	require.ErrorIs(t, s.PutVaultCAS(ctx, dup, ""), storage.ErrCASFailed)

	next := &storage.VaultRecord{HouseholdID: "h1", EncryptedKey: "ek-2", KeySalt: "salt-2", KDF: "argon2id:t=3,m=65536,p=4", UpdatedAt: now.Add(time.Minute)}
	require.ErrorIs(t, s.PutVaultCAS(ctx, next, "stale"), storage.ErrCASFailed)
	require.NoError(t, s.PutVaultCAS(ctx, next, "ek-1"))

	got, err = s.GetVault(ctx, "h1")
	require.NoError(t, err)
	assert.Equal(t, "ek-2", got.EncryptedKey)
	assert.Equal(t, "salt-2", got.KeySalt)
	assert.Equal(t, "argon2id:t=3,m=65536,p=4", got.KDF)

	missing := &storage.VaultRecord{HouseholdID: "h2", EncryptedKey: "ek", KeySalt: "s", UpdatedAt: now}
	require.ErrorIs(t, s.PutVaultCAS(ctx, missing, "ek-1"), storage.ErrCASFailed)
	_, err = s.GetVault(ctx, "h2")
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func testTicketLifecycle(t *testing.T, s storage.Store) {
	ctx := context.Background()
	now := baseTime()

	tk := newTicket("ABCD2345", now, 10*time.Minute)
	require.NoError(t, s.CreateTicket(ctx, tk))

	got, err := s.FindValidTicket(ctx, "ABCD2345", now)
	require.NoError(t, err)
	assert.Equal(t, tk.ID, got.ID)
	assert.Equal(t, tk.HouseholdID, got.HouseholdID)
	assert.Equal(t, tk.CreatedBy, got.CreatedBy)
	assert.Equal(t, tk.EncryptedPayload, got.EncryptedPayload)
	assert.Equal(t, tk.TempSalt, got.TempSalt)
	assert.False(t, got.Used)
	assert.True(t, got.ExpiresAt.Equal(tk.ExpiresAt))

	_, err = s.FindValidTicket(ctx, "ZZZZ9999", now)
	require.ErrorIs(t, err, storage.ErrNotFound)

	// Not found once the expiry passes, even unused.
	_, err = s.FindValidTicket(ctx, "ABCD2345", now.Add(11*time.Minute))
	require.ErrorIs(t, err, storage.ErrNotFound)
	require.ErrorIs(t, s.ClaimTicket(ctx, tk.ID, now.Add(11*time.Minute)), storage.ErrCASFailed)

	require.NoError(t, s.ClaimTicket(ctx, tk.ID, now))
	require.ErrorIs(t, s.ClaimTicket(ctx, tk.ID, now), storage.ErrCASFailed)

	_, err = s.FindValidTicket(ctx, "ABCD2345", now)
	require.ErrorIs(t, err, storage.ErrNotFound)

	require.ErrorIs(t, s.ClaimTicket(ctx, uuid.NewString(), now), storage.ErrCASFailed)
}

func testCodeConflict(t *testing.T, s storage.Store) {
	ctx := context.Background()
	now := baseTime()

	first := newTicket("SAMECODE", now, 10*time.Minute)
	require.NoError(t, s.CreateTicket(ctx, first))
	require.ErrorIs(t, s.CreateTicket(ctx, newTicket("SAMECODE", now, 10*time.Minute)), storage.ErrCodeConflict)

	// Once the holder is used the code is free again.
	require.NoError(t, s.ClaimTicket(ctx, first.ID, now))
	second := newTicket("SAMECODE", now, 10*time.Minute)
	require.NoError(t, s.CreateTicket(ctx, second))

	// Likewise once it has expired.
	later := now.Add(11 * time.Minute)
	third := newTicket("SAMECODE", later, 10*time.Minute)
	require.NoError(t, s.CreateTicket(ctx, third))

	got, err := s.FindValidTicket(ctx, "SAMECODE", later)
	require.NoError(t, err)
	assert.Equal(t, third.ID, got.ID)
}

func testPurge(t *testing.T, s storage.Store) {
	ctx := context.Background()
	now := baseTime()

	expired := newTicket("EXPIRED2", now.Add(-20*time.Minute), 10*time.Minute)
	used := newTicket("USEDCODE", now, 10*time.Minute)
	live := newTicket("LIVECODE", now, 10*time.Minute)
	for _, tk := range []*storage.Ticket{expired, used, live} {
		require.NoError(t, s.CreateTicket(ctx, tk))
	}
	require.NoError(t, s.ClaimTicket(ctx, used.ID, now))

	n, err := s.PurgeExpired(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	got, err := s.FindValidTicket(ctx, "LIVECODE", now)
	require.NoError(t, err)
	assert.Equal(t, live.ID, got.ID)

	n, err = s.PurgeExpired(ctx, now)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func testConcurrentClaim(t *testing.T, s storage.Store) {
	ctx := context.Background()
	now := baseTime()

	tk := newTicket("RACECODE", now, 10*time.Minute)
	require.NoError(t, s.CreateTicket(ctx, tk))

	const workers = 8
	var wins, losses atomic.Int32
	var wg sync.WaitGroup
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.ClaimTicket(ctx, tk.ID, now)
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, storage.ErrCASFailed):
				losses.Add(1)
			default:
				t.Errorf("unexpected claim error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, int32(workers-1), losses.Load())
}
