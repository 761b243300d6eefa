package mocks

import (
	"context"
	"errors"
	"sync"

	"github.com/better-wallet/share-custody/internal/sharestore"
)

// ErrInjected is returned by FlakyBackend for injected failures
var ErrInjected = errors.New("injected store failure")

// Share store operations that can be made to fail
const (
	OpSave   = "save"
	OpGet    = "get"
	OpUpdate = "update"
	OpDelete = "delete"
)

// FlakyBackend wraps a backend and fails selected operations on demand.
// Failures are injected before the wrapped backend is called, so a failed
// write never changes state.
type FlakyBackend struct {
	inner sharestore.Backend

	mu       sync.Mutex
	failures map[string][]int
	calls    map[string]int
	before   map[string]func()
}

// NewFlakyBackend wraps inner, or a fresh memory backend when inner is nil
func NewFlakyBackend(inner sharestore.Backend) *FlakyBackend {
	if inner == nil {
		inner = sharestore.NewMemory("flaky")
	}
	return &FlakyBackend{
		inner:    inner,
		failures: make(map[string][]int),
		calls:    make(map[string]int),
		before:   make(map[string]func()),
	}
}

// FailAlways makes every future call of op fail
func (f *FlakyBackend) FailAlways(op string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[op] = []int{-1}
}

// FailOnCall makes the nth future call of op fail, counting from 1
func (f *FlakyBackend) FailOnCall(op string, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[op] = append(f.failures[op], f.calls[op]+n)
}

// BeforeCall runs fn at the start of every call of op
func (f *FlakyBackend) BeforeCall(op string, fn func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.before[op] = fn
}

// Heal clears all injected failures and hooks
func (f *FlakyBackend) Heal() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures = make(map[string][]int)
	f.before = make(map[string]func())
}

// Calls returns how many times op was called
func (f *FlakyBackend) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *FlakyBackend) enter(op string) error {
	f.mu.Lock()
	f.calls[op]++
	n := f.calls[op]
	hook := f.before[op]
	fail := false
	for _, at := range f.failures[op] {
		if at == -1 || at == n {
			fail = true
		}
	}
	f.mu.Unlock()

	if hook != nil {
		hook()
	}
	if fail {
		return ErrInjected
	}
	return nil
}

// Save implements sharestore.Backend
func (f *FlakyBackend) Save(ctx context.Context, userID string, value []byte) (int64, error) {
	if err := f.enter(OpSave); err != nil {
		return 0, err
	}
	return f.inner.Save(ctx, userID, value)
}

// Get implements sharestore.Backend
func (f *FlakyBackend) Get(ctx context.Context, userID string) (*sharestore.Record, error) {
	if err := f.enter(OpGet); err != nil {
		return nil, err
	}
	return f.inner.Get(ctx, userID)
}

// Update implements sharestore.Backend
func (f *FlakyBackend) Update(ctx context.Context, userID string, value []byte, expectedVersion int64) (int64, error) {
	if err := f.enter(OpUpdate); err != nil {
		return 0, err
	}
	return f.inner.Update(ctx, userID, value, expectedVersion)
}

// Delete implements sharestore.Backend
func (f *FlakyBackend) Delete(ctx context.Context, userID string) error {
	if err := f.enter(OpDelete); err != nil {
		return err
	}
	return f.inner.Delete(ctx, userID)
}

// Inner returns the wrapped backend for direct inspection
func (f *FlakyBackend) Inner() sharestore.Backend {
	return f.inner
}

var _ sharestore.Backend = (*FlakyBackend)(nil)
