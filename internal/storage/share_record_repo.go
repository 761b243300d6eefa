package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

var (
	// ErrRecordNotFound is returned when no row exists for a slot and user
	ErrRecordNotFound = errors.New("share record not found")
	// ErrStaleVersion is returned when a conditional update loses to a concurrent writer
	ErrStaleVersion = errors.New("share record version is stale")
)

// ShareRecord is one row of the share_records table.
// Value is opaque to this layer.
type ShareRecord struct {
	Slot      string
	UserID    string
	Value     []byte
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ShareRecordRepository handles share_records rows for one slot
type ShareRecordRepository struct {
	db   DBTX
	slot string
}

// NewShareRecordRepository creates a repository scoped to slot
func NewShareRecordRepository(db DBTX, slot string) *ShareRecordRepository {
	return &ShareRecordRepository{db: db, slot: slot}
}

// Upsert writes value for userID, creating the row or overwriting it, and returns the new version
func (r *ShareRecordRepository) Upsert(ctx context.Context, userID string, value []byte) (int64, error) {
	query := `
		INSERT INTO share_records (slot, user_id, value, version)
		VALUES ($1, $2, $3, 1)
		ON CONFLICT (slot, user_id) DO UPDATE
		SET value = EXCLUDED.value,
		    version = share_records.version + 1,
		    updated_at = NOW()
		RETURNING version
	`

	var version int64
	if err := r.db.QueryRow(ctx, query, r.slot, userID, value).Scan(&version); err != nil {
		return 0, fmt.Errorf("failed to upsert share record: %w", err)
	}

	return version, nil
}

// Get retrieves the row for userID
func (r *ShareRecordRepository) Get(ctx context.Context, userID string) (*ShareRecord, error) {
	query := `
		SELECT slot, user_id, value, version, created_at, updated_at
		FROM share_records
		WHERE slot = $1 AND user_id = $2
	`

	var rec ShareRecord
	err := r.db.QueryRow(ctx, query, r.slot, userID).Scan(
		&rec.Slot,
		&rec.UserID,
		&rec.Value,
		&rec.Version,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRecordNotFound
		}
		return nil, fmt.Errorf("failed to get share record: %w", err)
	}

	return &rec, nil
}

// UpdateIfVersion overwrites value only when the stored version equals expected
func (r *ShareRecordRepository) UpdateIfVersion(ctx context.Context, userID string, value []byte, expected int64) (int64, error) {
	query := `
		UPDATE share_records
		SET value = $3, version = version + 1, updated_at = NOW()
		WHERE slot = $1 AND user_id = $2 AND version = $4
		RETURNING version
	`

	var version int64
	err := r.db.QueryRow(ctx, query, r.slot, userID, value, expected).Scan(&version)
	if err == nil {
		return version, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("failed to update share record: %w", err)
	}

	// Distinguish a missing row from a lost race
	if _, getErr := r.Get(ctx, userID); getErr != nil {
		return 0, getErr
	}
	return 0, ErrStaleVersion
}

// Delete removes the row for userID. Deleting a missing row is not an error.
func (r *ShareRecordRepository) Delete(ctx context.Context, userID string) error {
	query := `DELETE FROM share_records WHERE slot = $1 AND user_id = $2`

	if _, err := r.db.Exec(ctx, query, r.slot, userID); err != nil {
		return fmt.Errorf("failed to delete share record: %w", err)
	}

	return nil
}
