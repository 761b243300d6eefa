package custody

import (
	"context"
	"sync"
)

// userLocker serialises operations per user id. Different users never contend.
type userLocker struct {
	mu    sync.Mutex
	locks map[string]*userLock
}

type userLock struct {
	sem  chan struct{}
	refs int
}

func newUserLocker() *userLocker {
	return &userLocker{locks: make(map[string]*userLock)}
}

// Lock blocks until userID is free or ctx is done. The returned func releases the lock.
func (l *userLocker) Lock(ctx context.Context, userID string) (func(), error) {
	l.mu.Lock()
	lock, ok := l.locks[userID]
	if !ok {
		lock = &userLock{sem: make(chan struct{}, 1)}
		l.locks[userID] = lock
	}
	lock.refs++
	l.mu.Unlock()

	select {
	case lock.sem <- struct{}{}:
		return func() {
			<-lock.sem
			l.release(userID, lock)
		}, nil
	case <-ctx.Done():
		l.release(userID, lock)
		return nil, ctx.Err()
	}
}

func (l *userLocker) release(userID string, lock *userLock) {
	l.mu.Lock()
	defer l.mu.Unlock()

	lock.refs--
	if lock.refs == 0 {
		delete(l.locks, userID)
	}
}

// held returns the number of users with a waiting or active holder
func (l *userLocker) held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
