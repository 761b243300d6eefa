package sharestore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/better-wallet/share-custody/pkg/types"
)

// Metrics counts share store requests per slot, operation and outcome
type Metrics struct {
	requests *prometheus.CounterVec
}

// NewMetrics registers the share store metrics with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		requests: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "share_store_requests_total",
			Help: "Share store requests by slot, operation and outcome.",
		}, []string{"slot", "op", "outcome"}),
	}
}

// Gateway gives the custody engine one Backend per stored slot
type Gateway struct {
	stores  map[types.Slot]Backend
	metrics *Metrics
}

// NewGateway creates a gateway over the hot and cold stores.
// metrics may be nil.
func NewGateway(hot, cold Backend, metrics *Metrics) *Gateway {
	g := &Gateway{
		stores:  make(map[types.Slot]Backend, 2),
		metrics: metrics,
	}
	g.stores[types.SlotHot] = g.instrument(types.SlotHot, hot)
	g.stores[types.SlotCold] = g.instrument(types.SlotCold, cold)
	return g
}

// Store returns the backend for slot. It panics for the client slot, which is never stored.
func (g *Gateway) Store(slot types.Slot) Backend {
	b, ok := g.stores[slot]
	if !ok {
		panic(fmt.Sprintf("sharestore: no store for slot %q", slot))
	}
	return b
}

// Hot returns the hot store
func (g *Gateway) Hot() Backend { return g.Store(types.SlotHot) }

// Cold returns the cold store
func (g *Gateway) Cold() Backend { return g.Store(types.SlotCold) }

// CheckIndependence warns when hot and cold resolve to the same location.
// The two stores are expected to fail independently.
func (g *Gateway) CheckIndependence(log *slog.Logger) bool {
	hot, cold := location(g.Hot()), location(g.Cold())
	if hot != "" && hot == cold {
		log.Warn("hot and cold share stores use the same location", "location", hot)
		return false
	}
	return true
}

// Close closes every store that supports closing
func (g *Gateway) Close() error {
	var errs []error
	for _, slot := range types.StoredSlots {
		if c, ok := g.stores[slot].(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, fmt.Errorf("%s store: %w", slot, err))
			}
		}
	}
	return errors.Join(errs...)
}

func (g *Gateway) instrument(slot types.Slot, b Backend) Backend {
	if g.metrics == nil {
		return b
	}
	return &instrumented{slot: string(slot), inner: b, metrics: g.metrics}
}

func location(b Backend) string {
	if l, ok := b.(Locator); ok {
		return l.LocationURI()
	}
	return ""
}

type instrumented struct {
	slot    string
	inner   Backend
	metrics *Metrics
}

func (i *instrumented) observe(op string, err error) {
	i.metrics.requests.WithLabelValues(i.slot, op, outcome(err)).Inc()
}

func (i *instrumented) Save(ctx context.Context, userID string, value []byte) (int64, error) {
	v, err := i.inner.Save(ctx, userID, value)
	i.observe("save", err)
	return v, err
}

func (i *instrumented) Get(ctx context.Context, userID string) (*Record, error) {
	rec, err := i.inner.Get(ctx, userID)
	i.observe("get", err)
	return rec, err
}

func (i *instrumented) Update(ctx context.Context, userID string, value []byte, expectedVersion int64) (int64, error) {
	v, err := i.inner.Update(ctx, userID, value, expectedVersion)
	i.observe("update", err)
	return v, err
}

func (i *instrumented) Delete(ctx context.Context, userID string) error {
	err := i.inner.Delete(ctx, userID)
	i.observe("delete", err)
	return err
}

func (i *instrumented) LocationURI() string {
	return location(i.inner)
}

func (i *instrumented) Close() error {
	if c, ok := i.inner.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrVersionConflict):
		return "conflict"
	case errors.Is(err, ErrConfiguration):
		return "configuration"
	default:
		return "error"
	}
}
