package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var metricPanic = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "mailstate_panic_total",
		Help: "Number of recovered panics, by package.",
	},
	[]string{
		"pkg",
	},
)

// PanicInc counts a recovered panic in pkg.
func PanicInc(pkg string) {
	metricPanic.WithLabelValues(pkg).Inc()
}
