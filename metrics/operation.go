// Package metrics has prometheus metric variables/functions.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mailstate/mailstate/mlog"
)

var pkglog = mlog.New("metrics", nil)

var (
	metricOperation = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mailstate_operation_duration_seconds",
			Help:    "Mailbox operations, by package, operation and result.",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.100, 0.5, 1, 5},
		},
		[]string{
			"pkg",
			"op",
			"result",
		},
	)
)

// ErrBusy is wrapped by errors of operations that gave up waiting for a lock,
// so they can be classified without importing the package that returned them.
var ErrBusy = errors.New("busy")

// OperationObserve tracks the result of an operation in a metric, and logs the
// result.
func OperationObserve(ctx context.Context, pkg, op string, err error, start time.Time) {
	log := pkglog.WithContext(ctx)
	var result string
	switch {
	case err == nil:
		result = "ok"
	case errors.Is(err, ErrBusy):
		result = "busy"
	case errors.Is(err, context.DeadlineExceeded):
		result = "timeout"
	case errors.Is(err, context.Canceled):
		result = "canceled"
	default:
		result = "error"
	}
	metricOperation.WithLabelValues(pkg, op, result).Observe(float64(time.Since(start)) / float64(time.Second))
	log.Debugx("operation result", err,
		slog.String("component", pkg),
		slog.String("op", op),
		slog.String("result", result),
		slog.Duration("duration", time.Since(start)))
}

// Handler returns the HTTP handler serving all registered metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
