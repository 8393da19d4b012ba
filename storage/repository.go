// Package storage defines the persisted shapes the household vault reads and
// writes, and the store interfaces backends implement. The relational store
// itself belongs to the wider application; backends here cover only the
// household key columns and the transfer ticket table.
package storage

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when no matching record exists.
	ErrNotFound = errors.New("not found")
	// ErrCASFailed is returned when a conditional write finds the record in
	// an unexpected state.
	ErrCASFailed = errors.New("CAS condition failed")
	// ErrCodeConflict is returned when a transfer code is already held by a
	// ticket that is still valid.
	ErrCodeConflict = errors.New("transfer code in use")
)

// VaultRecord is the household key material kept on the household record.
// A household without a VaultRecord has encryption disabled. KDF describes
// how the wrapping key was derived; records written before it existed leave
// it empty.
type VaultRecord struct {
	HouseholdID  string    `json:"household_id" bson:"household_id"`
	EncryptedKey string    `json:"encrypted_key" bson:"encrypted_key"`
	KeySalt      string    `json:"key_salt" bson:"key_salt"`
	KDF          string    `json:"kdf,omitempty" bson:"kdf,omitempty"`
	UpdatedAt    time.Time `json:"updated_at" bson:"updated_at"`
}

// Ticket is one pending household key hand-off.
type Ticket struct {
	ID               string    `json:"id" bson:"_id"`
	HouseholdID      string    `json:"household_id" bson:"household_id"`
	CreatedBy        string    `json:"created_by" bson:"created_by"`
	EncryptedPayload string    `json:"encrypted_payload" bson:"encrypted_payload"`
	TempSalt         string    `json:"temp_salt" bson:"temp_salt"`
	TransferCode     string    `json:"transfer_code" bson:"transfer_code"`
	Used             bool      `json:"used" bson:"used"`
	ExpiresAt        time.Time `json:"expires_at" bson:"expires_at"`
	CreatedAt        time.Time `json:"created_at" bson:"created_at"`
}

// Valid reports whether the ticket can still be redeemed at now.
func (t *Ticket) Valid(now time.Time) bool {
	return !t.Used && t.ExpiresAt.After(now)
}

// HouseholdStore persists the wrapped household key.
type HouseholdStore interface {
	// GetVault returns ErrNotFound when the household has no key on record.
	GetVault(ctx context.Context, householdID string) (*VaultRecord, error)
	// PutVaultCAS writes rec if the stored encrypted key equals
	// expectedEncryptedKey. An empty expectation means "no key on record yet".
	PutVaultCAS(ctx context.Context, rec *VaultRecord, expectedEncryptedKey string) error
}

// TicketStore persists transfer tickets.
type TicketStore interface {
	// CreateTicket inserts t. It returns ErrCodeConflict if another ticket
	// valid at t.CreatedAt carries the same code.
	CreateTicket(ctx context.Context, t *Ticket) error
	// FindValidTicket returns the unused, unexpired ticket with the given
	// code, or ErrNotFound.
	FindValidTicket(ctx context.Context, code string, now time.Time) (*Ticket, error)
	// ClaimTicket atomically flips used from false to true for a ticket that
	// is unexpired at now. Any other state yields ErrCASFailed.
	ClaimTicket(ctx context.Context, id string, now time.Time) error
	// PurgeExpired deletes tickets that are used or expired at now.
	PurgeExpired(ctx context.Context, now time.Time) (int, error)
}

// Store is implemented by every backend.
type Store interface {
	HouseholdStore
	TicketStore
	Close() error
}
