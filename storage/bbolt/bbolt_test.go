package bbolt

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thegreatlucas/therichcouple-sub000/storage"
	"github.com/thegreatlucas/therichcouple-sub000/storage/storagetest"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStoreFromFile(filepath.Join(t.TempDir(), "test.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestBBoltStore(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Store {
		return newTestStore(t)
	})
}

func TestBBoltPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reopen.db")
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	s, err := NewStoreFromFile(path, nil)
	require.NoError(t, err)
	require.NoError(t, s.PutVaultCAS(ctx, &storage.VaultRecord{
		HouseholdID: "h1", EncryptedKey: "ek", KeySalt: "salt", UpdatedAt: now,
	}, ""))
	require.NoError(t, s.CreateTicket(ctx, &storage.Ticket{
		ID: "t1", HouseholdID: "h1", TransferCode: "PERSIST2",
		ExpiresAt: now.Add(10 * time.Minute), CreatedAt: now,
	}))
	require.NoError(t, s.Close())

	s, err = NewStoreFromFile(path, nil)
	require.NoError(t, err)
	defer s.Close()

	rec, err := s.GetVault(ctx, "h1")
	require.NoError(t, err)
	assert.Equal(t, "ek", rec.EncryptedKey)

	tk, err := s.FindValidTicket(ctx, "PERSIST2", now)
	require.NoError(t, err)
	assert.Equal(t, "t1", tk.ID)
}
