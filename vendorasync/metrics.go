package vendorasync

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	remoteRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "catalog_sync_remote_requests_total",
			Help: "Vendora API calls by endpoint and outcome",
		},
		[]string{"endpoint", "status"},
	)

	reconcileDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "catalog_sync_reconcile_duration_seconds",
			Help:    "Duration of one reconciliation pass",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		},
		[]string{"policy"},
	)

	conflictsDetected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "catalog_sync_conflicts_total",
			Help: "Field conflicts detected during reconciliation",
		},
		[]string{"field", "policy"},
	)
)
