package scheduler

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/catalog_backend/config"
	"bitbucket.org/mmdatafocus/catalog_backend/utils"
	"github.com/bsm/redislock"
	"github.com/sirupsen/logrus"
)

// RetentionConfig tunes the terminal-job purge and the stale-running
// watchdog.
type RetentionConfig struct {
	RetentionPeriod time.Duration
	SweepInterval   time.Duration
	StaleGrace      time.Duration
}

func RetentionConfigFromEnv() RetentionConfig {
	return RetentionConfig{
		RetentionPeriod: utils.DurationFromEnv("SYNC_JOB_RETENTION", 30*24*time.Hour),
		SweepInterval:   utils.DurationFromEnv("SYNC_RETENTION_SWEEP_INTERVAL", 6*time.Hour),
		StaleGrace:      utils.DurationFromEnv("SYNC_STALE_GRACE", 5*time.Minute),
	}
}

// Retention purges old terminal jobs and reclaims running jobs orphaned by a
// crashed process. A redis lock keeps replicas from sweeping concurrently.
type Retention struct {
	Store     JobStore
	Logger    *logrus.Logger
	Config    RetentionConfig
	Scheduler Config
}

func NewRetention(store JobStore, logger *logrus.Logger, cfg RetentionConfig, schedCfg Config) *Retention {
	return &Retention{Store: store, Logger: logger, Config: cfg, Scheduler: schedCfg}
}

func (r *Retention) Run(ctx context.Context) {
	ticker := time.NewTicker(r.Config.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.SweepOnce(ctx)
		}
	}
}

// SweepOnce runs one purge + reclaim pass. Safe to call from the one-shot
// cleanup binary.
func (r *Retention) SweepOnce(ctx context.Context) {
	locker := config.GetRedisLock()
	if locker != nil {
		lock, err := locker.Obtain(ctx, "sync:retention", time.Minute, nil)
		if err != nil {
			if !errors.Is(err, redislock.ErrNotObtained) {
				r.logError("SweepOnce", err)
			}
			return
		}
		defer lock.Release(ctx)
	}

	cutoff := time.Now().Add(-r.Config.RetentionPeriod)
	removed, err := r.Store.DeleteTerminalBefore(ctx, cutoff)
	if err != nil {
		r.logError("SweepOnce", err)
	} else if removed > 0 {
		r.Logger.WithFields(logrus.Fields{
			"module":   "scheduler",
			"funcName": "SweepOnce",
			"removed":  removed,
		}).Info("purged terminal jobs past retention")
	}

	staleBefore := time.Now().Add(-(r.Scheduler.JobTimeout + r.Config.StaleGrace))
	reclaimed, err := r.Store.ReclaimStaleRunning(ctx, staleBefore)
	if err != nil {
		r.logError("SweepOnce", err)
	} else if reclaimed > 0 {
		r.Logger.WithFields(logrus.Fields{
			"module":    "scheduler",
			"funcName":  "SweepOnce",
			"reclaimed": reclaimed,
		}).Warn("timed out stale running jobs")
	}
}

func (r *Retention) logError(funcName string, err error) {
	r.Logger.WithFields(logrus.Fields{
		"module":   "scheduler",
		"funcName": funcName,
	}).Error(err.Error())
}
