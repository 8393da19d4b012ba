// Package memory provides a thread-safe in-memory implementation of storage.Store.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/thegreatlucas/therichcouple-sub000/storage"
)

// Store is a thread-safe in-memory implementation of storage.Store.
// Suitable for testing, demos, and single-process use cases.
type Store struct {
	mu      sync.RWMutex
	vaults  map[string]*storage.VaultRecord
	tickets map[string]*storage.Ticket
}

var _ storage.Store = (*Store)(nil)

// NewStore creates a new empty in-memory Store.
func NewStore() *Store {
	return &Store{
		vaults:  make(map[string]*storage.VaultRecord),
		tickets: make(map[string]*storage.Ticket),
	}
}

func cloneVault(rec *storage.VaultRecord) *storage.VaultRecord {
	cp := *rec
	return &cp
}

func cloneTicket(t *storage.Ticket) *storage.Ticket {
	cp := *t
	return &cp
}

func (s *Store) GetVault(ctx context.Context, householdID string) (*storage.VaultRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.vaults[householdID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return cloneVault(rec), nil
}

func (s *Store) PutVaultCAS(ctx context.Context, rec *storage.VaultRecord, expectedEncryptedKey string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.vaults[rec.HouseholdID]
	current := ""
	if ok {
		current = existing.EncryptedKey
	}
	if current != expectedEncryptedKey {
		return storage.ErrCASFailed
	}
	s.vaults[rec.HouseholdID] = cloneVault(rec)
	return nil
}

func (s *Store) CreateTicket(ctx context.Context, t *storage.Ticket) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tickets[t.ID]; ok {
		return storage.ErrCASFailed
	}
	for _, other := range s.tickets {
		if other.TransferCode == t.TransferCode && other.Valid(t.CreatedAt) {
			return storage.ErrCodeConflict
		}
	}
	s.tickets[t.ID] = cloneTicket(t)
	return nil
}

func (s *Store) FindValidTicket(ctx context.Context, code string, now time.Time) (*storage.Ticket, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range s.tickets {
		if t.TransferCode == code && t.Valid(now) {
			return cloneTicket(t), nil
		}
	}
	return nil, storage.ErrNotFound
}

func (s *Store) ClaimTicket(ctx context.Context, id string, now time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tickets[id]
	if !ok || !t.Valid(now) {
		return storage.ErrCASFailed
	}
	t.Used = true
	return nil
}

func (s *Store) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, t := range s.tickets {
		if !t.Valid(now) {
			delete(s.tickets, id)
			n++
		}
	}
	return n, nil
}

// Close is a no-op.
func (s *Store) Close() error {
	return nil
}
