package sharestore

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/better-wallet/share-custody/internal/kms"
	"github.com/better-wallet/share-custody/pkg/types"
)

// StoreConfig describes one logical share store
type StoreConfig struct {
	// Name is the slot the store serves, used in logs and locations
	Name string
	// Backend is one of types.StoreBackend*
	Backend     string
	Vault       VaultConfig
	PostgresDSN string
	Seal        kms.Config
}

// LocationURI describes the store target without connecting
func (c StoreConfig) LocationURI() string {
	switch c.Backend {
	case types.StoreBackendVault:
		return c.Vault.LocationURI()
	case types.StoreBackendPostgres:
		return PostgresLocation(c.PostgresDSN)
	default:
		return "memory://" + c.Name
	}
}

// NewConnector returns a connector for cfg. Backend construction, authentication
// and seal provider setup all happen when the connector runs.
func NewConnector(cfg StoreConfig, log *slog.Logger) Connector {
	if log == nil {
		log = slog.Default()
	}
	return func(ctx context.Context) (Backend, error) {
		var (
			backend Backend
			err     error
		)
		switch cfg.Backend {
		case types.StoreBackendMemory, "":
			backend = NewMemory(cfg.Name)
		case types.StoreBackendVault:
			backend, err = NewVault(ctx, cfg.Vault, log.With("store", cfg.Name))
		case types.StoreBackendPostgres:
			if cfg.PostgresDSN == "" {
				return nil, fmt.Errorf("%w: postgres dsn is required", ErrConfiguration)
			}
			backend, err = NewPostgresConnector(cfg.PostgresDSN, cfg.Name)(ctx)
		default:
			return nil, fmt.Errorf("%w: unsupported store backend: %s (supported: %s, %s, %s)", ErrConfiguration,
				cfg.Backend, types.StoreBackendMemory, types.StoreBackendVault, types.StoreBackendPostgres)
		}
		if err != nil {
			return nil, err
		}

		provider, err := kms.NewProvider(ctx, &cfg.Seal)
		if err != nil {
			if c, ok := backend.(interface{ Close() error }); ok {
				c.Close()
			}
			return nil, fmt.Errorf("%w: seal provider: %v", ErrConfiguration, err)
		}

		return NewSealed(backend, provider), nil
	}
}

// Open returns a lazily connected store for cfg
func Open(cfg StoreConfig, log *slog.Logger) *Lazy {
	if log == nil {
		log = slog.Default()
	}
	return NewLazy(cfg.Name, cfg.LocationURI(), NewConnector(cfg, log), log)
}
