package session

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricOverflow = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailstate_session_pending_overflow_total",
			Help: "Pending session events beyond the limit, by queue. Overflowing flag changes are replaced by a snapshot at the next poll, overflowing added messages are not reported individually.",
		},
		[]string{
			"queue", // flags, added
		},
	)
	metricSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mailstate_sessions_open",
			Help: "Open session mailboxes.",
		},
	)
)
