package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// LockAcquireCounter tracks successful lock acquisitions.
	LockAcquireCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "colink_lock_acquire_total",
		Help: "Total number of acquired locks",
	})
	// LockRetryCounter tracks failed create-if-absent attempts while acquiring.
	LockRetryCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "colink_lock_retry_total",
		Help: "Total number of lock acquisition retries",
	})
	// LockReleaseCounter tracks releases by outcome ("ok", "invalid_token", "error").
	LockReleaseCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "colink_lock_release_total",
		Help: "Total number of lock releases",
	}, []string{"outcome"})
	// WaiterGauge reports the number of callers blocked on a key's change feed.
	WaiterGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "colink_waiters",
		Help: "Current number of callers waiting for a key",
	})
	// TaskCounter tracks tasks processed by protocol runners.
	TaskCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "colink_tasks_total",
		Help: "Total number of tasks processed by protocol operators",
	}, []string{"protocol", "role", "outcome"})
	// TransferCounter tracks variable transfers by direction and path.
	TransferCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "colink_variable_transfers_total",
		Help: "Total number of variable transfers",
	}, []string{"direction", "path"})
)

// NewRegistry creates a new Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// RegisterCoreMetrics registers the colink metrics on the provided registry.
func RegisterCoreMetrics(reg prometheus.Registerer) {
	reg.MustRegister(LockAcquireCounter, LockRetryCounter, LockReleaseCounter, WaiterGauge, TaskCounter, TransferCounter)
}
