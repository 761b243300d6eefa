package sharestore

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/better-wallet/share-custody/internal/storage"
)

// Postgres stores share records as versioned rows in share_records
type Postgres struct {
	store    *storage.Store
	repo     *storage.ShareRecordRepository
	location string
}

// NewPostgresConnector returns a connector that opens a pool for slot
func NewPostgresConnector(dsn, slot string) Connector {
	return func(ctx context.Context) (Backend, error) {
		store, err := storage.New(ctx, dsn)
		if err != nil {
			return nil, classifyConnectError(err)
		}
		return NewPostgres(store, slot, PostgresLocation(dsn)), nil
	}
}

// classifyConnectError marks a bad DSN or a server refusing the credentials or
// database as a configuration error. Network failures stay plain errors.
func classifyConnectError(err error) error {
	if errors.Is(err, storage.ErrInvalidDSN) {
		return fmt.Errorf("%w: %v", ErrConfiguration, err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// 28: invalid authorization, 3D000: unknown database
		if strings.HasPrefix(pgErr.Code, "28") || pgErr.Code == "3D000" {
			return fmt.Errorf("%w: %v", ErrConfiguration, err)
		}
	}
	return err
}

// NewPostgres creates a backend over an open store
func NewPostgres(store *storage.Store, slot, location string) *Postgres {
	return &Postgres{
		store:    store,
		repo:     storage.NewShareRecordRepository(store.DB(), slot),
		location: location,
	}
}

// PostgresLocation describes a DSN without credentials
func PostgresLocation(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil || u.Host == "" {
		return "postgres://unknown"
	}
	return fmt.Sprintf("postgres://%s%s", u.Host, u.Path)
}

// Save implements Backend
func (p *Postgres) Save(ctx context.Context, userID string, value []byte) (int64, error) {
	return p.repo.Upsert(ctx, userID, value)
}

// Get implements Backend
func (p *Postgres) Get(ctx context.Context, userID string) (*Record, error) {
	rec, err := p.repo.Get(ctx, userID)
	if err != nil {
		return nil, translatePostgresError(err)
	}
	return &Record{Value: rec.Value, Version: rec.Version}, nil
}

// Update implements Backend
func (p *Postgres) Update(ctx context.Context, userID string, value []byte, expectedVersion int64) (int64, error) {
	version, err := p.repo.UpdateIfVersion(ctx, userID, value, expectedVersion)
	if err != nil {
		return 0, translatePostgresError(err)
	}
	return version, nil
}

// Delete implements Backend
func (p *Postgres) Delete(ctx context.Context, userID string) error {
	return p.repo.Delete(ctx, userID)
}

// LocationURI implements Locator
func (p *Postgres) LocationURI() string {
	return p.location
}

// Close closes the connection pool
func (p *Postgres) Close() error {
	p.store.Close()
	return nil
}

func translatePostgresError(err error) error {
	switch {
	case errors.Is(err, storage.ErrRecordNotFound):
		return ErrNotFound
	case errors.Is(err, storage.ErrStaleVersion):
		return ErrVersionConflict
	default:
		return err
	}
}
