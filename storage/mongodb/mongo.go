// Package mongodb implements storage.Store on MongoDB.
package mongodb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/thegreatlucas/therichcouple-sub000/storage"
)

const (
	vaultsCollection  = "household_vaults"
	ticketsCollection = "transfer_tickets"
)

// Store implements storage.Store backed by two MongoDB collections.
type Store struct {
	client  *mongo.Client
	vaults  *mongo.Collection
	tickets *mongo.Collection
}

var _ storage.Store = (*Store)(nil)

// Open connects to uri, verifies the connection and ensures indexes on the
// named database.
func Open(ctx context.Context, uri, dbName string) (*Store, error) {
	if uri == "" {
		return nil, errors.New("mongo uri is empty")
	}
	cli, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connecting to mongo: %w", err)
	}
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := cli.Ping(pctx, nil); err != nil {
		_ = cli.Disconnect(ctx)
		return nil, fmt.Errorf("pinging mongo: %w", err)
	}

	db := cli.Database(dbName)
	s := &Store{client: cli, vaults: db.Collection(vaultsCollection), tickets: db.Collection(ticketsCollection)}
	if err := s.ensureIndexes(ctx); err != nil {
		_ = cli.Disconnect(ctx)
		return nil, fmt.Errorf("ensuring indexes: %w", err)
	}
	return s, nil
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	if _, err := s.vaults.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "household_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	}); err != nil {
		return err
	}
	_, err := s.tickets.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "transfer_code", Value: 1}, {Key: "used", Value: 1}},
	})
	return err
}

// Drop removes both collections. Used by tests.
func (s *Store) Drop(ctx context.Context) error {
	if err := s.vaults.Drop(ctx); err != nil {
		return err
	}
	return s.tickets.Drop(ctx)
}

// Close disconnects the client.
func (s *Store) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

func (s *Store) GetVault(ctx context.Context, householdID string) (*storage.VaultRecord, error) {
	var rec storage.VaultRecord
	err := s.vaults.FindOne(ctx, bson.M{"household_id": householdID}).Decode(&rec)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("household %s: %w", householdID, storage.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *Store) PutVaultCAS(ctx context.Context, rec *storage.VaultRecord, expectedEncryptedKey string) error {
	if expectedEncryptedKey == "" {
		_, err := s.vaults.InsertOne(ctx, rec)
		if mongo.IsDuplicateKeyError(err) {
			return storage.ErrCASFailed
		}
		return err
	}

	res, err := s.vaults.UpdateOne(ctx,
		bson.M{"household_id": rec.HouseholdID, "encrypted_key": expectedEncryptedKey},
		bson.M{"$set": bson.M{
			"encrypted_key": rec.EncryptedKey,
			"key_salt":      rec.KeySalt,
			"kdf":           rec.KDF,
			"updated_at":    rec.UpdatedAt,
		}})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return storage.ErrCASFailed
	}
	return nil
}

func validFilter(now time.Time) bson.M {
	return bson.M{"used": false, "expires_at": bson.M{"$gt": now}}
}

// CreateTicket checks for a live holder of the code before inserting. Two
// creators racing on the same freshly generated code are not serialised.
func (s *Store) CreateTicket(ctx context.Context, t *storage.Ticket) error {
	filter := validFilter(t.CreatedAt)
	filter["transfer_code"] = t.TransferCode
	n, err := s.tickets.CountDocuments(ctx, filter)
	if err != nil {
		return err
	}
	if n > 0 {
		return storage.ErrCodeConflict
	}

	_, err = s.tickets.InsertOne(ctx, t)
	if mongo.IsDuplicateKeyError(err) {
		return storage.ErrCASFailed
	}
	return err
}

func (s *Store) FindValidTicket(ctx context.Context, code string, now time.Time) (*storage.Ticket, error) {
	filter := validFilter(now)
	filter["transfer_code"] = code

	var t storage.Ticket
	err := s.tickets.FindOne(ctx, filter,
		options.FindOne().SetSort(bson.D{{Key: "created_at", Value: -1}})).Decode(&t)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *Store) ClaimTicket(ctx context.Context, id string, now time.Time) error {
	filter := validFilter(now)
	filter["_id"] = id
	res, err := s.tickets.UpdateOne(ctx, filter, bson.M{"$set": bson.M{"used": true}})
	if err != nil {
		return err
	}
	if res.ModifiedCount == 0 {
		return storage.ErrCASFailed
	}
	return nil
}

func (s *Store) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	res, err := s.tickets.DeleteMany(ctx, bson.M{"$or": bson.A{
		bson.M{"used": true},
		bson.M{"expires_at": bson.M{"$lte": now}},
	}})
	if err != nil {
		return 0, err
	}
	return int(res.DeletedCount), nil
}
