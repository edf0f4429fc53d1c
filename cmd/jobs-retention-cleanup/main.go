package main

import (
	"context"
	"time"

	"bitbucket.org/mmdatafocus/catalog_backend/config"
	"bitbucket.org/mmdatafocus/catalog_backend/scheduler"
)

// One-shot maintenance entrypoint: purge terminal jobs past retention and
// reclaim orphaned running jobs, then exit. Meant for Cloud Scheduler / cron.
func main() {
	logger := config.GetLogger()

	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	retention := scheduler.NewRetention(
		scheduler.NewLazyJobStore(),
		logger,
		scheduler.RetentionConfigFromEnv(),
		scheduler.ConfigFromEnv(),
	)
	retention.SweepOnce(ctx)
}
