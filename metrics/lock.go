package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricLockWait = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mailstate_lock_wait_seconds",
			Help:    "Time spent waiting for a mailbox lock, by mode.",
			Buckets: []float64{0.0001, 0.001, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
		[]string{
			"mode", // read, write
		},
	)
	metricLockBusy = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailstate_lock_busy_total",
			Help: "Mailbox lock acquisitions that gave up after the bounded wait, by mode.",
		},
		[]string{
			"mode", // read, write
		},
	)
)

// LockWaitObserve records how long acquiring a lock in mode took.
func LockWaitObserve(mode string, start time.Time) {
	metricLockWait.WithLabelValues(mode).Observe(float64(time.Since(start)) / float64(time.Second))
}

// LockBusyInc counts a lock acquisition that timed out.
func LockBusyInc(mode string) {
	metricLockBusy.WithLabelValues(mode).Inc()
}
