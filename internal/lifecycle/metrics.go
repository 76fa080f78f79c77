package lifecycle

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// Metrics holds Prometheus metrics for the lifecycle manager.
type Metrics struct {
	ExecutionsTotal    *prometheus.CounterVec
	PhaseDuration      *prometheus.HistogramVec
	ActiveExecutions   prometheus.Gauge
	RejectionsTotal    prometheus.Counter
	CancellationsTotal prometheus.Counter
	CleanupWarnings    prometheus.Counter
}

// NewMetrics creates and registers the lifecycle metrics. Registration
// happens once per process; later calls return the same instance.
//
// Metrics:
//   - execbridge_lifecycle_executions_total{agent,status}
//   - execbridge_lifecycle_phase_duration_seconds{phase}
//   - execbridge_lifecycle_active_executions
//   - execbridge_lifecycle_rejections_total
//   - execbridge_lifecycle_cancellations_total
//   - execbridge_lifecycle_cleanup_warnings_total
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = &Metrics{
			ExecutionsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: "execbridge",
					Subsystem: "lifecycle",
					Name:      "executions_total",
					Help:      "Total number of completed executions by final status",
				},
				[]string{"agent", "status"},
			),
			PhaseDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: "execbridge",
					Subsystem: "lifecycle",
					Name:      "phase_duration_seconds",
					Help:      "Duration of each lifecycle phase in seconds",
					Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10), // 1ms to ~4.5min
				},
				[]string{"phase"},
			),
			ActiveExecutions: promauto.NewGauge(
				prometheus.GaugeOpts{
					Namespace: "execbridge",
					Subsystem: "lifecycle",
					Name:      "active_executions",
					Help:      "Number of executions currently holding a slot",
				},
			),
			RejectionsTotal: promauto.NewCounter(
				prometheus.CounterOpts{
					Namespace: "execbridge",
					Subsystem: "lifecycle",
					Name:      "rejections_total",
					Help:      "Executions refused because the concurrency cap was reached",
				},
			),
			CancellationsTotal: promauto.NewCounter(
				prometheus.CounterOpts{
					Namespace: "execbridge",
					Subsystem: "lifecycle",
					Name:      "cancellations_total",
					Help:      "Executions cancelled while active",
				},
			),
			CleanupWarnings: promauto.NewCounter(
				prometheus.CounterOpts{
					Namespace: "execbridge",
					Subsystem: "lifecycle",
					Name:      "cleanup_warnings_total",
					Help:      "Archive or temp cleanup failures",
				},
			),
		}
	})
	return globalMetrics
}
