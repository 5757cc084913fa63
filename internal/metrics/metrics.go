// SPDX-License-Identifier: MIT

// Package metrics exposes Prometheus instrumentation for the connection manager.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Golden Signal: Admission
	CapacityRejectedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vodbridge_capacity_rejected_total",
			Help: "Requests rejected because the provider profile connection cap was reached.",
		},
		[]string{"profile"},
	)

	SessionsReusedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vodbridge_sessions_reused_total",
			Help: "Playback requests served by reusing an existing idle session.",
		},
	)

	SessionsCreatedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vodbridge_sessions_created_total",
			Help: "New session records created.",
		},
	)

	// Golden Signal: Delivery
	BytesSentTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vodbridge_bytes_sent_total",
			Help: "Bytes streamed to clients by content kind.",
		},
		[]string{"kind"},
	)

	StreamEndTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vodbridge_stream_end_total",
			Help: "Finished client streams by terminal reason.",
		},
		[]string{"reason"},
	)

	StreamDurationSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "vodbridge_stream_duration_seconds",
			Help:    "Wall-clock duration of client streams from open to close.",
			Buckets: prometheus.ExponentialBuckets(1, 4, 8),
		},
	)

	ActiveStreams = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "vodbridge_active_streams",
			Help: "Client streams currently served by this worker.",
		},
	)

	// Golden Signal: Upstream health
	UpstreamErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vodbridge_upstream_errors_total",
			Help: "Upstream fetches that failed or returned a non-success status.",
		},
	)

	// Coordination
	LockTimeoutsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vodbridge_lock_timeouts_total",
			Help: "Session lock acquisitions that exceeded the bounded wait.",
		},
	)

	SweptSessionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vodbridge_swept_sessions_total",
			Help: "Abandoned session records reclaimed by the stale sweeper.",
		},
	)
)
