// Package bbolt provides a BBolt-backed storage.Store for single-node
// deployments.
package bbolt

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/thegreatlucas/therichcouple-sub000/storage"
)

var (
	householdsBucket = []byte("households")
	ticketsBucket    = []byte("tickets")
	// transfer code -> id of the most recent ticket issued with that code
	ticketCodesBucket = []byte("ticket_codes")
)

// Store implements storage.Store backed by a BBolt database.
type Store struct {
	db *bbolt.DB
}

var _ storage.Store = (*Store)(nil)

// NewStore returns a Store backed by the given BBolt database, creating the
// buckets it needs.
func NewStore(db *bbolt.DB) (*Store, error) {
	err := db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{householdsBucket, ticketsBucket, ticketCodesBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("creating buckets: %w", err)
	}
	return &Store{db: db}, nil
}

// NewStoreFromFile opens a BBolt database at the given path and returns a new Store.
func NewStoreFromFile(path string, options *bbolt.Options) (*Store, error) {
	db, err := bbolt.Open(path, 0600, options)
	if err != nil {
		return nil, fmt.Errorf("opening bbolt db: %w", err)
	}
	s, err := NewStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying BBolt database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) GetVault(ctx context.Context, householdID string) (*storage.VaultRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var rec storage.VaultRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(householdsBucket).Get([]byte(householdID))
		if data == nil {
			return fmt.Errorf("household %s: %w", householdID, storage.ErrNotFound)
		}
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *Store) PutVaultCAS(ctx context.Context, rec *storage.VaultRecord, expectedEncryptedKey string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(householdsBucket)
		key := []byte(rec.HouseholdID)

		current := ""
		if existing := b.Get(key); existing != nil {
			var prev storage.VaultRecord
			if err := json.Unmarshal(existing, &prev); err != nil {
				return err
			}
			current = prev.EncryptedKey
		}
		if current != expectedEncryptedKey {
			return storage.ErrCASFailed
		}

		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return b.Put(key, data)
	})
}

func getTicket(tx *bbolt.Tx, id []byte) (*storage.Ticket, error) {
	data := tx.Bucket(ticketsBucket).Get(id)
	if data == nil {
		return nil, nil
	}
	var t storage.Ticket
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func putTicket(tx *bbolt.Tx, t *storage.Ticket) error {
	data, err := json.Marshal(t)
	if err != nil {
		return err
	}
	return tx.Bucket(ticketsBucket).Put([]byte(t.ID), data)
}

func (s *Store) CreateTicket(ctx context.Context, t *storage.Ticket) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		if existing, err := getTicket(tx, []byte(t.ID)); err != nil {
			return err
		} else if existing != nil {
			return storage.ErrCASFailed
		}

		codes := tx.Bucket(ticketCodesBucket)
		if holderID := codes.Get([]byte(t.TransferCode)); holderID != nil {
			holder, err := getTicket(tx, holderID)
			if err != nil {
				return err
			}
			if holder != nil && holder.Valid(t.CreatedAt) {
				return storage.ErrCodeConflict
			}
		}

		if err := putTicket(tx, t); err != nil {
			return err
		}
		return codes.Put([]byte(t.TransferCode), []byte(t.ID))
	})
}

func (s *Store) FindValidTicket(ctx context.Context, code string, now time.Time) (*storage.Ticket, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var found *storage.Ticket
	err := s.db.View(func(tx *bbolt.Tx) error {
		id := tx.Bucket(ticketCodesBucket).Get([]byte(code))
		if id == nil {
			return storage.ErrNotFound
		}
		t, err := getTicket(tx, id)
		if err != nil {
			return err
		}
		if t == nil || !t.Valid(now) {
			return storage.ErrNotFound
		}
		found = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return found, nil
}

func (s *Store) ClaimTicket(ctx context.Context, id string, now time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		t, err := getTicket(tx, []byte(id))
		if err != nil {
			return err
		}
		if t == nil || !t.Valid(now) {
			return storage.ErrCASFailed
		}
		t.Used = true
		return putTicket(tx, t)
	})
}

func (s *Store) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	var n int
	err := s.db.Update(func(tx *bbolt.Tx) error {
		tickets := tx.Bucket(ticketsBucket)
		codes := tx.Bucket(ticketCodesBucket)

		var stale []*storage.Ticket
		err := tickets.ForEach(func(_, v []byte) error {
			var t storage.Ticket
			if err := json.Unmarshal(v, &t); err != nil {
				return err
			}
			if !t.Valid(now) {
				stale = append(stale, &t)
			}
			return nil
		})
		if err != nil {
			return err
		}

		for _, t := range stale {
			if err := tickets.Delete([]byte(t.ID)); err != nil {
				return err
			}
			if string(codes.Get([]byte(t.TransferCode))) == t.ID {
				if err := codes.Delete([]byte(t.TransferCode)); err != nil {
					return err
				}
			}
		}
		n = len(stale)
		return nil
	})
	return n, err
}
