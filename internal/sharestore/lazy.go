package sharestore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"
)

// ConnectTimeout bounds a single connection attempt
var ConnectTimeout = 15 * time.Second

// Lazy connects its backend on first use. A configuration or authentication
// failure (ErrConfiguration from the connector) is sticky: every later call
// returns it without reconnecting. Any other failure is returned as is and the
// next call tries again.
type Lazy struct {
	name     string
	location string
	connect  Connector
	log      *slog.Logger

	mu      sync.Mutex
	backend Backend
	err     error
}

// NewLazy wraps connect. location describes the target without connecting to it.
func NewLazy(name, location string, connect Connector, log *slog.Logger) *Lazy {
	if log == nil {
		log = slog.Default()
	}
	return &Lazy{name: name, location: location, connect: connect, log: log}
}

func (l *Lazy) get(ctx context.Context) (Backend, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.backend != nil {
		return l.backend, nil
	}
	if l.err != nil {
		return nil, l.err
	}

	// The first caller going away must not fail the connection for everyone
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ConnectTimeout)
	defer cancel()

	backend, err := l.connect(cctx)
	if err != nil {
		if errors.Is(err, ErrConfiguration) {
			l.err = fmt.Errorf("%s store: %w", l.name, err)
			l.log.Error("share store initialisation failed", "store", l.name, "location", l.location, "error", err)
			return nil, l.err
		}
		l.log.Warn("share store connection failed, will retry", "store", l.name, "location", l.location, "error", err)
		return nil, fmt.Errorf("%s store: connect: %w", l.name, err)
	}

	l.log.Info("share store initialised", "store", l.name, "location", l.location)
	l.backend = backend
	return backend, nil
}

// Save implements Backend
func (l *Lazy) Save(ctx context.Context, userID string, value []byte) (int64, error) {
	b, err := l.get(ctx)
	if err != nil {
		return 0, err
	}
	return b.Save(ctx, userID, value)
}

// Get implements Backend
func (l *Lazy) Get(ctx context.Context, userID string) (*Record, error) {
	b, err := l.get(ctx)
	if err != nil {
		return nil, err
	}
	return b.Get(ctx, userID)
}

// Update implements Backend
func (l *Lazy) Update(ctx context.Context, userID string, value []byte, expectedVersion int64) (int64, error) {
	b, err := l.get(ctx)
	if err != nil {
		return 0, err
	}
	return b.Update(ctx, userID, value, expectedVersion)
}

// Delete implements Backend
func (l *Lazy) Delete(ctx context.Context, userID string) error {
	b, err := l.get(ctx)
	if err != nil {
		return err
	}
	return b.Delete(ctx, userID)
}

// LocationURI implements Locator without connecting
func (l *Lazy) LocationURI() string {
	return l.location
}

// Close closes the backend if it was connected and supports closing
func (l *Lazy) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if c, ok := l.backend.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
