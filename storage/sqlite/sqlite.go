// Package sqlite implements storage.Store on an embedded SQLite file using
// the pure-Go modernc driver.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/thegreatlucas/therichcouple-sub000/storage"
)

const schema = `
CREATE TABLE IF NOT EXISTS household_vaults (
	household_id  TEXT    PRIMARY KEY,
	encrypted_key TEXT    NOT NULL,
	key_salt      TEXT    NOT NULL,
	kdf           TEXT    NOT NULL DEFAULT '',
	updated_at    INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS transfer_tickets (
	id                TEXT    PRIMARY KEY,
	household_id      TEXT    NOT NULL,
	created_by        TEXT    NOT NULL,
	encrypted_payload TEXT    NOT NULL,
	temp_salt         TEXT    NOT NULL,
	transfer_code     TEXT    NOT NULL,
	used              INTEGER NOT NULL DEFAULT 0,
	expires_at        INTEGER NOT NULL,
	created_at        INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS transfer_tickets_code_idx ON transfer_tickets (transfer_code);
`

// Store implements storage.Store backed by SQLite. Timestamps are stored as
// Unix nanoseconds.
type Store struct {
	db *sql.DB
}

var _ storage.Store = (*Store)(nil)

// Open initialises a SQLite database at the given path and ensures the schema.
func Open(ctx context.Context, path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("database path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// One writer at a time keeps check-then-insert in CreateTicket atomic.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite database: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	if err := addKDFColumn(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	if err := os.Chmod(path, 0o600); err != nil && !os.IsNotExist(err) {
		db.Close()
		return nil, fmt.Errorf("chmod database: %w", err)
	}
	return &Store{db: db}, nil
}

// addKDFColumn brings household_vaults tables created without a kdf column
// up to date. SQLite has no ADD COLUMN IF NOT EXISTS.
func addKDFColumn(ctx context.Context, db *sql.DB) error {
	var n int
	err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pragma_table_info('household_vaults') WHERE name = 'kdf'`).Scan(&n)
	if err != nil || n > 0 {
		return err
	}
	_, err = db.ExecContext(ctx, `ALTER TABLE household_vaults ADD COLUMN kdf TEXT NOT NULL DEFAULT ''`)
	return err
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func (s *Store) GetVault(ctx context.Context, householdID string) (*storage.VaultRecord, error) {
	rec := storage.VaultRecord{HouseholdID: householdID}
	var updated int64
	err := s.db.QueryRowContext(ctx,
		`SELECT encrypted_key, key_salt, kdf, updated_at FROM household_vaults WHERE household_id = ?`,
		householdID).Scan(&rec.EncryptedKey, &rec.KeySalt, &rec.KDF, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("household %s: %w", householdID, storage.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	rec.UpdatedAt = fromNanos(updated)
	return &rec, nil
}

func (s *Store) PutVaultCAS(ctx context.Context, rec *storage.VaultRecord, expectedEncryptedKey string) error {
	var (
		res sql.Result
		err error
	)
	if expectedEncryptedKey == "" {
		res, err = s.db.ExecContext(ctx,
			`INSERT INTO household_vaults (household_id, encrypted_key, key_salt, kdf, updated_at)
			 VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT (household_id) DO NOTHING`,
			rec.HouseholdID, rec.EncryptedKey, rec.KeySalt, rec.KDF, rec.UpdatedAt.UnixNano())
	} else {
		res, err = s.db.ExecContext(ctx,
			`UPDATE household_vaults SET encrypted_key = ?, key_salt = ?, kdf = ?, updated_at = ?
			 WHERE household_id = ? AND encrypted_key = ?`,
			rec.EncryptedKey, rec.KeySalt, rec.KDF, rec.UpdatedAt.UnixNano(), rec.HouseholdID, expectedEncryptedKey)
	}
	if err != nil {
		return err
	}
	return requireOneRow(res)
}

func requireOneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storage.ErrCASFailed
	}
	return nil
}

func (s *Store) CreateTicket(ctx context.Context, t *storage.Ticket) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	var count int
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM transfer_tickets WHERE id = ?`, t.ID).Scan(&count)
	if err != nil {
		return err
	}
	if count > 0 {
		return storage.ErrCASFailed
	}

	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM transfer_tickets
		 WHERE transfer_code = ? AND used = 0 AND expires_at > ?`,
		t.TransferCode, t.CreatedAt.UnixNano()).Scan(&count)
	if err != nil {
		return err
	}
	if count > 0 {
		return storage.ErrCodeConflict
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO transfer_tickets
		   (id, household_id, created_by, encrypted_payload, temp_salt, transfer_code, used, expires_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.HouseholdID, t.CreatedBy, t.EncryptedPayload, t.TempSalt, t.TransferCode,
		t.Used, t.ExpiresAt.UnixNano(), t.CreatedAt.UnixNano())
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) FindValidTicket(ctx context.Context, code string, now time.Time) (*storage.Ticket, error) {
	var (
		t                storage.Ticket
		expires, created int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, household_id, created_by, encrypted_payload, temp_salt, transfer_code, used, expires_at, created_at
		 FROM transfer_tickets
		 WHERE transfer_code = ? AND used = 0 AND expires_at > ?
		 ORDER BY created_at DESC
		 LIMIT 1`,
		code, now.UnixNano()).Scan(
		&t.ID, &t.HouseholdID, &t.CreatedBy, &t.EncryptedPayload, &t.TempSalt, &t.TransferCode,
		&t.Used, &expires, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	t.ExpiresAt = fromNanos(expires)
	t.CreatedAt = fromNanos(created)
	return &t, nil
}

func (s *Store) ClaimTicket(ctx context.Context, id string, now time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE transfer_tickets SET used = 1
		 WHERE id = ? AND used = 0 AND expires_at > ?`,
		id, now.UnixNano())
	if err != nil {
		return err
	}
	return requireOneRow(res)
}

func (s *Store) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM transfer_tickets WHERE used = 1 OR expires_at <= ?`, now.UnixNano())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}
