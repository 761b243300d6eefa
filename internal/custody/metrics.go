package custody

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Operation names used in metrics and logs
const (
	OpCreate  = "create"
	OpSign    = "sign"
	OpRecover = "recover"
)

// Metrics instruments the custody engine
type Metrics struct {
	operations       *prometheus.CounterVec
	duration         *prometheus.HistogramVec
	deferredFinalize prometheus.Counter
	rolledForward    prometheus.Counter
	compensations    *prometheus.CounterVec
}

// NewMetrics registers the custody metrics with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		operations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "custody_operations_total",
			Help: "Custody operations by operation and outcome kind.",
		}, []string{"operation", "outcome"}),
		duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name: "custody_operation_duration_seconds",
			Help: "Custody operation latency, dominated by argon2id key derivation.",
			// argon2id at 64 MiB costs tens to hundreds of milliseconds per envelope
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		}, []string{"operation"}),
		deferredFinalize: f.NewCounter(prometheus.CounterOpts{
			Name: "custody_rotation_deferred_finalize_total",
			Help: "Rotations whose cold store finalize step failed and was left pending.",
		}),
		rolledForward: f.NewCounter(prometheus.CounterOpts{
			Name: "custody_rotation_rolled_forward_total",
			Help: "Pending cold shares promoted while reading a user's shares.",
		}),
		compensations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "custody_create_compensations_total",
			Help: "Share writes deleted after a partially failed create, by outcome.",
		}, []string{"outcome"}),
	}
}
