package store

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricDispatched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailstate_events_dispatched_total",
			Help: "Changes dispatched to mailbox listeners, by type.",
		},
		[]string{
			"type", // add, expunge, flags, rename, remove
		},
	)
	metricListenerFailure = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mailstate_listener_failures_total",
			Help: "Deliveries of changes to listeners that returned an error or panicked.",
		},
	)
	metricContentErased = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mailstate_content_erased_total",
			Help: "Contents of expunged messages removed after the last reference was released.",
		},
	)
)
