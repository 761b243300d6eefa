package custody

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// storedShare is one share as persisted: an envelope when Encrypted, otherwise
// the base64 framed share.
type storedShare struct {
	Generation uuid.UUID `json:"generation"`
	Share      string    `json:"share"`
	Encrypted  bool      `json:"encrypted"`
}

// shareRecord is the value kept per user in the hot and cold stores.
//
// Pending is only ever set on the cold record, between the prepare and
// finalize steps of a rotation. It holds the next cold share so that a
// rotation interrupted after the hot store was committed can be completed
// on the next read.
type shareRecord struct {
	storedShare
	Identity  string       `json:"identity"`
	Pending   *storedShare `json:"pending,omitempty"`
	UpdatedAt time.Time    `json:"updated_at"`
}

func encodeRecord(rec *shareRecord) ([]byte, error) {
	b, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("failed to encode share record: %w", err)
	}
	return b, nil
}

func decodeRecord(b []byte) (*shareRecord, error) {
	var rec shareRecord
	if err := json.Unmarshal(b, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode share record: %w", err)
	}
	if rec.Generation == uuid.Nil || rec.Share == "" || rec.Identity == "" {
		return nil, fmt.Errorf("share record is incomplete")
	}
	return &rec, nil
}

// rolledForward returns the record with its pending share promoted to current
func (r *shareRecord) rolledForward(now time.Time) *shareRecord {
	next := *r
	next.storedShare = *r.Pending
	next.Pending = nil
	next.UpdatedAt = now
	return &next
}

// withPending returns a copy of the record carrying pending
func (r *shareRecord) withPending(pending storedShare, now time.Time) *shareRecord {
	next := *r
	next.Pending = &pending
	next.UpdatedAt = now
	return &next
}
