package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestStore connects to TEST_POSTGRES_DSN and applies the repository migrations
func newTestStore(t *testing.T) *Store {
	t.Helper()

	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set, skipping PostgreSQL tests")
	}

	ctx := context.Background()
	store, err := New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(store.Close)

	migrator := NewMigrator(store)
	applied, err := migrator.Applied(ctx)
	require.NoError(t, err)

	ms, err := LoadMigrations(filepath.Join("..", "..", "migrations"), DirectionUp)
	require.NoError(t, err)
	for _, m := range PlanMigrations(ms, applied, DirectionUp, 0) {
		require.NoError(t, migrator.Apply(ctx, m, DirectionUp))
	}

	return store
}

func TestShareRecordRepository(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	hot := NewShareRecordRepository(store.DB(), "hot")
	cold := NewShareRecordRepository(store.DB(), "cold")
	userID := "user-" + uuid.NewString()
	t.Cleanup(func() {
		hot.Delete(ctx, userID)
		cold.Delete(ctx, userID)
	})

	t.Run("get missing", func(t *testing.T) {
		_, err := hot.Get(ctx, userID)
		assert.True(t, errors.Is(err, ErrRecordNotFound))
	})

	t.Run("upsert creates then overwrites", func(t *testing.T) {
		v1, err := hot.Upsert(ctx, userID, []byte("one"))
		require.NoError(t, err)
		assert.Equal(t, int64(1), v1)

		v2, err := hot.Upsert(ctx, userID, []byte("two"))
		require.NoError(t, err)
		assert.Equal(t, int64(2), v2)

		rec, err := hot.Get(ctx, userID)
		require.NoError(t, err)
		assert.Equal(t, []byte("two"), rec.Value)
		assert.Equal(t, "hot", rec.Slot)
	})

	t.Run("slots are independent", func(t *testing.T) {
		_, err := cold.Get(ctx, userID)
		assert.True(t, errors.Is(err, ErrRecordNotFound))
	})

	t.Run("conditional update", func(t *testing.T) {
		rec, err := hot.Get(ctx, userID)
		require.NoError(t, err)

		v, err := hot.UpdateIfVersion(ctx, userID, []byte("three"), rec.Version)
		require.NoError(t, err)
		assert.Equal(t, rec.Version+1, v)

		_, err = hot.UpdateIfVersion(ctx, userID, []byte("stale"), rec.Version)
		assert.True(t, errors.Is(err, ErrStaleVersion))

		_, err = cold.UpdateIfVersion(ctx, userID, []byte("x"), 1)
		assert.True(t, errors.Is(err, ErrRecordNotFound))
	})

	t.Run("delete is idempotent", func(t *testing.T) {
		require.NoError(t, hot.Delete(ctx, userID))
		require.NoError(t, hot.Delete(ctx, userID))
		_, err := hot.Get(ctx, userID)
		assert.True(t, errors.Is(err, ErrRecordNotFound))
	})
}
