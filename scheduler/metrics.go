package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	jobsScheduled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "catalog_sync_jobs_scheduled_total",
		Help: "Jobs accepted by the scheduler, by kind and trigger.",
	}, []string{"kind", "triggered_by"})

	jobsCoalesced = promauto.NewCounter(prometheus.CounterOpts{
		Name: "catalog_sync_jobs_coalesced_total",
		Help: "Schedule requests merged into an existing active job.",
	})

	jobsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "catalog_sync_jobs_finished_total",
		Help: "Jobs reaching a terminal status, by kind and status.",
	}, []string{"kind", "status"})

	jobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "catalog_sync_job_duration_seconds",
		Help:    "Wall time of one job attempt.",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
	}, []string{"kind"})

	jobsRunning = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "catalog_sync_jobs_running",
		Help: "Jobs currently executing.",
	})
)
