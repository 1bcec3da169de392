// Package observability implements the root driftcron.Metrics
// interface on top of Prometheus client metrics, following the
// promauto style the teacher uses throughout its own observability
// package.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/driftcron/driftcron"
)

var _ driftcron.Metrics = (*PrometheusMetrics)(nil)

// PrometheusMetrics implements driftcron.Metrics. Unlike the teacher's
// package-level promauto vars, these are built per-instance against a
// caller-supplied Registerer, so more than one Scheduler (as in tests,
// or multiple fleets in one process) can each get their own metrics
// without a duplicate-registration panic.
type PrometheusMetrics struct {
	revolutionsTotal   *prometheus.CounterVec
	lockAcquireFailed  prometheus.Counter
	tasksClaimed       prometheus.Counter
	tasksExecutedTotal *prometheus.CounterVec
	zombieReclaims     prometheus.Counter
	revolutionDuration prometheus.Histogram
	registrySize       prometheus.Gauge
}

// New registers and returns a PrometheusMetrics bound to reg. Passing
// prometheus.DefaultRegisterer matches the teacher's own default-
// registry usage; tests typically pass a fresh prometheus.NewRegistry().
func New(reg prometheus.Registerer) *PrometheusMetrics {
	factory := promauto.With(reg)
	return &PrometheusMetrics{
		revolutionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "driftcron_revolutions_total",
			Help: "Total number of revolution loop iterations, by outcome",
		}, []string{"outcome"}), // "attempted", "won"
		lockAcquireFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "driftcron_lock_acquire_failed_total",
			Help: "Total number of AcquireLock calls that returned a storage error",
		}),
		tasksClaimed: factory.NewCounter(prometheus.CounterOpts{
			Name: "driftcron_tasks_claimed_total",
			Help: "Total number of task records claimed by this instance's revolutions",
		}),
		tasksExecutedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "driftcron_tasks_executed_total",
			Help: "Total number of task executions, by outcome",
		}, []string{"outcome"}), // "success", "error", "missing", "over_specified"
		zombieReclaims: factory.NewCounter(prometheus.CounterOpts{
			Name: "driftcron_zombie_reclaims_total",
			Help: "Total number of tasks whose claim lapsed and were reclaimed by zombie recovery",
		}),
		revolutionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "driftcron_revolution_duration_seconds",
			Help:    "Duration of one revolution (acquire, iterate, release)",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~2s
		}),
		registrySize: factory.NewGauge(prometheus.GaugeOpts{
			Name: "driftcron_registry_size",
			Help: "Number of task bodies currently registered on this instance",
		}),
	}
}

func (m *PrometheusMetrics) RevolutionAttempted() {
	m.revolutionsTotal.WithLabelValues("attempted").Inc()
}
func (m *PrometheusMetrics) RevolutionWon()     { m.revolutionsTotal.WithLabelValues("won").Inc() }
func (m *PrometheusMetrics) LockAcquireFailed() { m.lockAcquireFailed.Inc() }
func (m *PrometheusMetrics) TaskClaimed()       { m.tasksClaimed.Inc() }

func (m *PrometheusMetrics) TaskExecuted(outcome string) {
	m.tasksExecutedTotal.WithLabelValues(outcome).Inc()
}

func (m *PrometheusMetrics) ZombieReclaim() { m.zombieReclaims.Inc() }

func (m *PrometheusMetrics) RevolutionDuration(d time.Duration) {
	m.revolutionDuration.Observe(d.Seconds())
}

func (m *PrometheusMetrics) RegistrySize(n int) { m.registrySize.Set(float64(n)) }
