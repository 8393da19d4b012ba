package cmd

import (
	"context"
	"log/slog"

	"github.com/thegreatlucas/therichcouple-sub000/config"
	"github.com/thegreatlucas/therichcouple-sub000/storage"
	"github.com/thegreatlucas/therichcouple-sub000/transfer"
	"github.com/thegreatlucas/therichcouple-sub000/vault"
)

// services holds the store and the two services every command builds on.
type services struct {
	store     storage.Store
	vaults    *vault.Service
	transfers *transfer.Protocol
}

func openServices(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*services, error) {
	store, err := openStore(ctx, cfg.Storage)
	if err != nil {
		return nil, err
	}
	return newServices(store, cfg, logger), nil
}

func newServices(store storage.Store, cfg *config.Config, logger *slog.Logger) *services {
	return &services{
		store: store,
		vaults: vault.New(store,
			vault.WithKDF(cfg.Vault.KDF),
			vault.WithMinPINLength(cfg.Vault.MinPINLength),
			vault.WithLogger(logger),
		),
		transfers: transfer.New(store,
			transfer.WithKDF(cfg.Vault.KDF),
			transfer.WithTTL(cfg.Transfer.TTL.Duration),
			transfer.WithCodeLength(cfg.Transfer.CodeLength),
			transfer.WithLogger(logger),
		),
	}
}

func (s *services) Close() error {
	return s.store.Close()
}
