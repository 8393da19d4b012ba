package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/thegreatlucas/therichcouple-sub000/config"
	"github.com/thegreatlucas/therichcouple-sub000/storage"
	bboltstorage "github.com/thegreatlucas/therichcouple-sub000/storage/bbolt"
	"github.com/thegreatlucas/therichcouple-sub000/storage/memory"
	"github.com/thegreatlucas/therichcouple-sub000/storage/mongodb"
	"github.com/thegreatlucas/therichcouple-sub000/storage/postgres"
	"github.com/thegreatlucas/therichcouple-sub000/storage/sqlite"
)

// openStore opens the backend named by cfg.Backend.
func openStore(ctx context.Context, cfg config.StorageConfig) (storage.Store, error) {
	var (
		s   storage.Store
		err error
	)
	switch cfg.Backend {
	case config.BackendMemory:
		return memory.NewStore(), nil
	case config.BackendBBolt:
		if err := ensureParentDir(cfg.Path); err != nil {
			return nil, err
		}
		var b *bboltstorage.Store
		b, err = bboltstorage.NewStoreFromFile(cfg.Path, &bolt.Options{Timeout: time.Second})
		s = b
	case config.BackendSQLite:
		if err := ensureParentDir(cfg.Path); err != nil {
			return nil, err
		}
		var l *sqlite.Store
		l, err = sqlite.Open(ctx, cfg.Path)
		s = l
	case config.BackendPostgres:
		var p *postgres.Store
		p, err = postgres.NewStoreFromDSN(ctx, cfg.PostgresDSN)
		s = p
	case config.BackendMongoDB:
		var m *mongodb.Store
		m, err = mongodb.Open(ctx, cfg.MongoURI, cfg.MongoDatabase)
		s = m
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, fmt.Errorf("opening %s storage: %w", cfg.Backend, err)
	}
	return s, nil
}

func ensureParentDir(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}
	return nil
}
