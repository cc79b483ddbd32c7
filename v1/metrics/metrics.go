package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// AcquireCounter tracks successful lock acquisitions (new and extended).
	AcquireCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "vvlock_acquire_total",
		Help: "Total number of successful lock acquisitions",
	})
	// ConflictCounter tracks acquisitions rejected because another user
	// holds a valid lease.
	ConflictCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "vvlock_conflict_total",
		Help: "Total number of acquisitions rejected by a foreign lock",
	})
	// ReclaimCounter tracks expired foreign leases taken over.
	ReclaimCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "vvlock_reclaim_total",
		Help: "Total number of expired locks reclaimed",
	})
	// ReleaseCounter tracks explicit lock releases.
	ReleaseCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "vvlock_release_total",
		Help: "Total number of lock releases",
	})
	// DegradedCounter tracks calls answered in degraded mode because the
	// backend was unauthenticated or denied permission.
	DegradedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "vvlock_degraded_total",
		Help: "Total number of operations answered with locking disabled",
	})
	// HeartbeatCounter tracks successful lease renewals.
	HeartbeatCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "vvlock_heartbeat_total",
		Help: "Total number of successful heartbeat renewals",
	})
	// HeartbeatFailureCounter tracks renewal writes that failed and caused
	// the lease to be abandoned.
	HeartbeatFailureCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "vvlock_heartbeat_failure_total",
		Help: "Total number of failed heartbeat renewals",
	})
	// WatcherGauge reports the number of active lock watches.
	WatcherGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "vvlock_watchers",
		Help: "Current number of active lock watches",
	})
	// HeldGauge reports the number of leases this process believes it holds.
	HeldGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "vvlock_held_leases",
		Help: "Current number of held leases",
	})
)

// NewRegistry creates a new Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// RegisterCoreMetrics registers lock coordinator metrics on the provided registry.
func RegisterCoreMetrics(reg prometheus.Registerer) {
	reg.MustRegister(
		AcquireCounter, ConflictCounter, ReclaimCounter, ReleaseCounter,
		DegradedCounter, HeartbeatCounter, HeartbeatFailureCounter,
		WatcherGauge, HeldGauge,
	)
}
