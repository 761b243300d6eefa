package sharestore

import (
	"context"
	"sync"
)

// Memory is an in-process backend for development and tests
type Memory struct {
	mu       sync.RWMutex
	records  map[string]Record
	location string
}

// NewMemory creates an empty in-memory backend
func NewMemory(name string) *Memory {
	return &Memory{
		records:  make(map[string]Record),
		location: "memory://" + name,
	}
}

// Save implements Backend
func (m *Memory) Save(ctx context.Context, userID string, value []byte) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	version := m.records[userID].Version + 1
	m.records[userID] = Record{Value: clone(value), Version: version}
	return version, nil
}

// Get implements Backend
func (m *Memory) Get(ctx context.Context, userID string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.records[userID]
	if !ok {
		return nil, ErrNotFound
	}
	return &Record{Value: clone(rec.Value), Version: rec.Version}, nil
}

// Update implements Backend
func (m *Memory) Update(ctx context.Context, userID string, value []byte, expectedVersion int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[userID]
	if !ok {
		return 0, ErrNotFound
	}
	if rec.Version != expectedVersion {
		return 0, ErrVersionConflict
	}

	version := rec.Version + 1
	m.records[userID] = Record{Value: clone(value), Version: version}
	return version, nil
}

// Delete implements Backend
func (m *Memory) Delete(ctx context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.records, userID)
	return nil
}

// LocationURI implements Locator
func (m *Memory) LocationURI() string {
	return m.location
}

// Len returns the number of stored records
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}
