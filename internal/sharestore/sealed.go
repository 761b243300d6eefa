package sharestore

import (
	"context"
	"fmt"

	"github.com/better-wallet/share-custody/internal/kms"
)

// Sealed encrypts values with a KMS provider before they reach the wrapped backend
type Sealed struct {
	inner    Backend
	provider kms.Provider
}

// NewSealed wraps inner. A nil provider returns inner unchanged.
func NewSealed(inner Backend, provider kms.Provider) Backend {
	if provider == nil {
		return inner
	}
	return &Sealed{inner: inner, provider: provider}
}

// Save implements Backend
func (s *Sealed) Save(ctx context.Context, userID string, value []byte) (int64, error) {
	sealed, err := s.seal(ctx, value)
	if err != nil {
		return 0, err
	}
	return s.inner.Save(ctx, userID, sealed)
}

// Get implements Backend
func (s *Sealed) Get(ctx context.Context, userID string) (*Record, error) {
	rec, err := s.inner.Get(ctx, userID)
	if err != nil {
		return nil, err
	}

	value, err := s.provider.Decrypt(ctx, rec.Value)
	if err != nil {
		return nil, fmt.Errorf("failed to unseal share record with %s: %w", s.provider.Provider(), err)
	}
	return &Record{Value: value, Version: rec.Version}, nil
}

// Update implements Backend
func (s *Sealed) Update(ctx context.Context, userID string, value []byte, expectedVersion int64) (int64, error) {
	sealed, err := s.seal(ctx, value)
	if err != nil {
		return 0, err
	}
	return s.inner.Update(ctx, userID, sealed, expectedVersion)
}

// Delete implements Backend
func (s *Sealed) Delete(ctx context.Context, userID string) error {
	return s.inner.Delete(ctx, userID)
}

// LocationURI implements Locator
func (s *Sealed) LocationURI() string {
	if l, ok := s.inner.(Locator); ok {
		return l.LocationURI()
	}
	return ""
}

// Close closes the wrapped backend when it supports closing
func (s *Sealed) Close() error {
	if c, ok := s.inner.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}

func (s *Sealed) seal(ctx context.Context, value []byte) ([]byte, error) {
	sealed, err := s.provider.Encrypt(ctx, value)
	if err != nil {
		return nil, fmt.Errorf("failed to seal share record with %s: %w", s.provider.Provider(), err)
	}
	return sealed, nil
}
