// Package sharestore is the uniform get/save/update interface over the hot and
// cold share stores. It holds no custody logic: values are opaque bytes.
package sharestore

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned when no record exists for a user
	ErrNotFound = errors.New("share record not found")
	// ErrVersionConflict is returned when a conditional update loses to a concurrent writer
	ErrVersionConflict = errors.New("share record was modified concurrently")
	// ErrConfiguration is returned when a store cannot be initialised or authenticated
	ErrConfiguration = errors.New("share store configuration error")
)

// Record is a stored value and the version it was read at
type Record struct {
	Value   []byte
	Version int64
}

// Backend is one logical share store
type Backend interface {
	// Save writes value for userID, overwriting any existing record
	Save(ctx context.Context, userID string, value []byte) (int64, error)

	// Get returns the record for userID or ErrNotFound
	Get(ctx context.Context, userID string) (*Record, error)

	// Update overwrites the record only if it is still at expectedVersion.
	// Returns ErrVersionConflict or ErrNotFound otherwise.
	Update(ctx context.Context, userID string, value []byte, expectedVersion int64) (int64, error)

	// Delete removes the record for userID. Deleting a missing record succeeds.
	Delete(ctx context.Context, userID string) error
}

// Locator is implemented by backends that can describe where they keep data
type Locator interface {
	LocationURI() string
}

// Connector constructs and authenticates a backend
type Connector func(ctx context.Context) (Backend, error)
