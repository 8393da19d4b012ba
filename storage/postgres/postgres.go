// Package postgres implements storage.Store backed by PostgreSQL.
//
// Conditional writes are single UPDATE statements whose WHERE clause carries
// the expected state; a zero row count means another writer got there first.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/thegreatlucas/therichcouple-sub000/storage"
)

const uniqueViolation = "23505"

// Store implements storage.Store backed by PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var _ storage.Store = (*Store)(nil)

// NewStore returns a Store backed by the given pgx connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// NewStoreFromDSN creates a connection pool from a DSN string, ensures
// the schema exists, and returns a new Store.
func NewStoreFromDSN(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := EnsureSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensuring schema: %w", err)
	}
	return NewStore(pool), nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) GetVault(ctx context.Context, householdID string) (*storage.VaultRecord, error) {
	rec := storage.VaultRecord{HouseholdID: householdID}
	err := s.pool.QueryRow(ctx,
		`SELECT encrypted_key, key_salt, kdf, updated_at FROM household_vaults WHERE household_id = $1`,
		householdID).Scan(&rec.EncryptedKey, &rec.KeySalt, &rec.KDF, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("household %s: %w", householdID, storage.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *Store) PutVaultCAS(ctx context.Context, rec *storage.VaultRecord, expectedEncryptedKey string) error {
	var (
		tag pgconn.CommandTag
		err error
	)
	if expectedEncryptedKey == "" {
		tag, err = s.pool.Exec(ctx,
			`INSERT INTO household_vaults (household_id, encrypted_key, key_salt, kdf, updated_at)
			 VALUES ($1, $2, $3, $4, $5)
			 ON CONFLICT (household_id) DO NOTHING`,
			rec.HouseholdID, rec.EncryptedKey, rec.KeySalt, rec.KDF, rec.UpdatedAt)
	} else {
		tag, err = s.pool.Exec(ctx,
			`UPDATE household_vaults SET encrypted_key = $2, key_salt = $3, kdf = $4, updated_at = $5
			 WHERE household_id = $1 AND encrypted_key = $6`,
			rec.HouseholdID, rec.EncryptedKey, rec.KeySalt, rec.KDF, rec.UpdatedAt, expectedEncryptedKey)
	}
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrCASFailed
	}
	return nil
}

func (s *Store) CreateTicket(ctx context.Context, t *storage.Ticket) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	// Serialise creators of the same code for the rest of the transaction.
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, t.TransferCode); err != nil {
		return err
	}

	var taken bool
	err = tx.QueryRow(ctx,
		`SELECT EXISTS (
		   SELECT 1 FROM transfer_tickets
		   WHERE transfer_code = $1 AND used = FALSE AND expires_at > $2)`,
		t.TransferCode, t.CreatedAt).Scan(&taken)
	if err != nil {
		return err
	}
	if taken {
		return storage.ErrCodeConflict
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO transfer_tickets
		   (id, household_id, created_by, encrypted_payload, temp_salt, transfer_code, used, expires_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		t.ID, t.HouseholdID, t.CreatedBy, t.EncryptedPayload, t.TempSalt, t.TransferCode,
		t.Used, t.ExpiresAt, t.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return storage.ErrCASFailed
		}
		return err
	}
	return tx.Commit(ctx)
}

func (s *Store) FindValidTicket(ctx context.Context, code string, now time.Time) (*storage.Ticket, error) {
	var t storage.Ticket
	err := s.pool.QueryRow(ctx,
		`SELECT id, household_id, created_by, encrypted_payload, temp_salt, transfer_code, used, expires_at, created_at
		 FROM transfer_tickets
		 WHERE transfer_code = $1 AND used = FALSE AND expires_at > $2
		 ORDER BY created_at DESC
		 LIMIT 1`,
		code, now).Scan(
		&t.ID, &t.HouseholdID, &t.CreatedBy, &t.EncryptedPayload, &t.TempSalt, &t.TransferCode,
		&t.Used, &t.ExpiresAt, &t.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *Store) ClaimTicket(ctx context.Context, id string, now time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE transfer_tickets SET used = TRUE
		 WHERE id = $1 AND used = FALSE AND expires_at > $2`,
		id, now)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrCASFailed
	}
	return nil
}

func (s *Store) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM transfer_tickets WHERE used = TRUE OR expires_at <= $1`, now)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}
