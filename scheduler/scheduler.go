package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"bitbucket.org/mmdatafocus/catalog_backend/enrich"
	"bitbucket.org/mmdatafocus/catalog_backend/models"
	"bitbucket.org/mmdatafocus/catalog_backend/utils"
	"bitbucket.org/mmdatafocus/catalog_backend/vendorasync"
	"github.com/sirupsen/logrus"
)

// Config tunes the scheduler. Defaults come from the environment so deploys
// adjust without a rebuild.
type Config struct {
	MaxConcurrentJobs int
	TickInterval      time.Duration
	JobTimeout        time.Duration
	BackoffBase       time.Duration
	DefaultMaxRetries int
}

func ConfigFromEnv() Config {
	return Config{
		MaxConcurrentJobs: utils.IntFromEnv("SYNC_MAX_CONCURRENT_JOBS", 5),
		TickInterval:      utils.DurationFromEnv("SYNC_TICK_INTERVAL", 10*time.Second),
		JobTimeout:        utils.DurationFromEnv("SYNC_JOB_TIMEOUT", 30*time.Minute),
		BackoffBase:       utils.DurationFromEnv("SYNC_RETRY_BACKOFF_BASE", 2*time.Minute),
		DefaultMaxRetries: utils.IntFromEnv("SYNC_DEFAULT_MAX_RETRIES", 3),
	}
}

// Reconciler is the sync boundary the scheduler drives.
type Reconciler interface {
	Reconcile(ctx context.Context, conn *models.StorefrontConnection, opts vendorasync.Options) (*vendorasync.Result, error)
}

// Enricher is the enrichment boundary.
type Enricher interface {
	Run(ctx context.Context, businessId string, productIds []int) (*enrich.RunSummary, error)
}

// Quota gates job admission per business.
type Quota interface {
	CheckQuota(ctx context.Context, businessId, resource string) (bool, error)
	ConsumeQuota(ctx context.Context, businessId, resource string, amount int) error
	ReleaseQuota(ctx context.Context, businessId, resource string, amount int) error
}

// PublishEvent announces a terminal transition. Injected so tests run
// without Pub/Sub.
type PublishEvent func(ctx context.Context, job *models.SyncJob) error

// Scheduler owns the job lifecycle: admission, claiming, execution with a
// deadline, retry with backoff, and terminal bookkeeping. One dispatcher
// goroutine owns the running count; workers only execute and report back.
type Scheduler struct {
	Store   JobStore
	Quota   Quota
	Sync    Reconciler
	Enrich  Enricher
	Logger  *logrus.Logger
	Config  Config
	Publish PublishEvent

	// ConnFor resolves the storefront connection a job targets. Overridable
	// so tests run without a database.
	ConnFor func(ctx context.Context, job *models.SyncJob) (*models.StorefrontConnection, error)

	now func() time.Time
}

func New(store JobStore, quota Quota, sync Reconciler, enricher Enricher, logger *logrus.Logger, cfg Config) *Scheduler {
	return &Scheduler{
		Store:   store,
		Quota:   quota,
		Sync:    sync,
		Enrich:  enricher,
		Logger:  logger,
		Config:  cfg,
		Publish: vendorasync.PublishJobEvent,
		ConnFor: connectionForJob,
		now:     time.Now,
	}
}

// Schedule admits one job. Quota is checked before insert; a coalesced
// request does not consume quota since no new job was created.
func (s *Scheduler) Schedule(ctx context.Context, req vendorasync.ScheduleRequest) (*models.SyncJob, error) {
	if !req.Kind.Valid() {
		return nil, fmt.Errorf("%w: unknown job kind %q", models.ErrorInvalidArgument, req.Kind)
	}
	if req.BusinessId == "" || req.TargetType == "" || req.TargetId == "" {
		return nil, fmt.Errorf("%w: business, target type and target id are required", models.ErrorInvalidArgument)
	}

	if s.Quota != nil {
		ok, err := s.Quota.CheckQuota(ctx, req.BusinessId, models.QuotaResourceSyncJobs)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, models.ErrorQuotaExceeded
		}
	}

	scheduledFor := req.ScheduledFor
	if scheduledFor.IsZero() {
		scheduledFor = s.now()
	}
	maxRetries := req.MaxRetries
	if maxRetries <= 0 {
		maxRetries = s.Config.DefaultMaxRetries
	}
	metadata := req.Metadata
	if metadata == nil {
		metadata = map[string]string{}
	}
	if req.TriggeredBy != "" {
		metadata[vendorasync.MetaTriggeredBy] = req.TriggeredBy
	}

	job := &models.SyncJob{
		BusinessId:   req.BusinessId,
		Kind:         req.Kind,
		TargetType:   req.TargetType,
		TargetId:     req.TargetId,
		Priority:     req.Priority,
		ScheduledFor: scheduledFor,
		MaxRetries:   maxRetries,
		MetadataJSON: models.EncodeJobMetadata(metadata),
	}

	coalesced, err := s.Store.Insert(ctx, job)
	if err != nil {
		return nil, err
	}
	if coalesced {
		jobsCoalesced.Inc()
		return job, nil
	}

	jobsScheduled.WithLabelValues(string(req.Kind), req.TriggeredBy).Inc()
	if s.Quota != nil {
		if err := s.Quota.ConsumeQuota(ctx, req.BusinessId, models.QuotaResourceSyncJobs, 1); err != nil {
			s.Logger.WithFields(logrus.Fields{
				"module":      "scheduler",
				"funcName":    "Schedule",
				"business_id": req.BusinessId,
			}).Warn(err.Error())
		}
	}
	return job, nil
}

// Cancel cancels a still-pending job. Running jobs are left alone; their
// attempt finishes and the result is recorded normally. A caller who does not
// own the job is refused, which is distinct from the job not existing.
func (s *Scheduler) Cancel(ctx context.Context, jobId uint, businessId string) (bool, error) {
	// The ownership check needs the row whoever owns it.
	job, err := s.Store.Get(utils.SetSkipTenantScopeInContext(ctx), jobId)
	if err != nil {
		return false, err
	}
	if job.BusinessId != businessId {
		return false, models.ErrorUnauthorized
	}

	cancelled, err := s.Store.CancelPending(ctx, jobId, businessId)
	if err != nil {
		return false, err
	}
	if cancelled {
		if s.Quota != nil {
			// The slot was never used, give it back.
			if err := s.Quota.ReleaseQuota(ctx, businessId, models.QuotaResourceSyncJobs, 1); err != nil {
				s.Logger.WithFields(logrus.Fields{
					"module":   "scheduler",
					"funcName": "Cancel",
					"job_id":   jobId,
				}).Warn(err.Error())
			}
		}
		if job, err := s.Store.Get(ctx, jobId); err == nil {
			jobsFinished.WithLabelValues(string(job.Kind), string(models.JobStatusCancelled)).Inc()
			s.publishTerminal(job)
		}
	}
	return cancelled, nil
}

type jobResult struct {
	job    *models.SyncJob
	counts AttemptCounts
	err    error
}

// Run drives the scheduler until the context ends. The dispatcher alone
// mutates the running count, so admission never races completion.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.Config.TickInterval)
	defer ticker.Stop()

	results := make(chan jobResult)
	running := 0

	for {
		select {
		case <-ctx.Done():
			// Let in-flight workers report so their jobs are not orphaned.
			for running > 0 {
				res := <-results
				running--
				s.handleResult(context.Background(), res)
			}
			return
		case <-ticker.C:
			slots := s.Config.MaxConcurrentJobs - running
			if slots <= 0 {
				continue
			}
			jobs, err := s.Store.ClaimDue(ctx, s.now(), slots)
			if err != nil {
				s.Logger.WithFields(logrus.Fields{
					"module":   "scheduler",
					"funcName": "Run",
				}).Error(err.Error())
				continue
			}
			for i := range jobs {
				job := jobs[i]
				running++
				jobsRunning.Inc()
				go func() {
					counts, err := s.execute(ctx, &job)
					results <- jobResult{job: &job, counts: counts, err: err}
				}()
			}
		case res := <-results:
			running--
			jobsRunning.Dec()
			s.handleResult(ctx, res)
		}
	}
}

// RunOnce claims and executes due jobs synchronously. Used by the one-shot
// maintenance binary and by tests.
func (s *Scheduler) RunOnce(ctx context.Context) int {
	jobs, err := s.Store.ClaimDue(ctx, s.now(), s.Config.MaxConcurrentJobs)
	if err != nil {
		s.Logger.WithFields(logrus.Fields{
			"module":   "scheduler",
			"funcName": "RunOnce",
		}).Error(err.Error())
		return 0
	}
	for i := range jobs {
		job := jobs[i]
		counts, err := s.execute(ctx, &job)
		s.handleResult(ctx, jobResult{job: &job, counts: counts, err: err})
	}
	return len(jobs)
}

// execute runs one claimed job under the configured deadline.
func (s *Scheduler) execute(ctx context.Context, job *models.SyncJob) (AttemptCounts, error) {
	started := s.now()
	defer func() {
		jobDuration.WithLabelValues(string(job.Kind)).Observe(s.now().Sub(started).Seconds())
	}()

	jctx, cancel := context.WithTimeout(ctx, s.Config.JobTimeout)
	defer cancel()
	jctx = utils.SetBusinessIdInContext(jctx, job.BusinessId)

	meta := job.Metadata()

	var counts AttemptCounts
	var err error
	switch job.Kind {
	case models.JobKindFullSync, models.JobKindProductUpdate:
		counts, err = s.executeSync(jctx, job, meta)
	case models.JobKindEnrichment:
		counts, err = s.executeEnrichment(jctx, job, meta)
	default:
		err = fmt.Errorf("%w: unknown job kind %q", models.ErrorInvalidArgument, job.Kind)
	}

	// A failure after the deadline fired is a timeout no matter how the
	// remote error was wrapped on the way up.
	if err != nil && jctx.Err() == context.DeadlineExceeded {
		err = models.ErrorJobTimeout
	}
	return counts, err
}

func (s *Scheduler) executeSync(ctx context.Context, job *models.SyncJob, meta map[string]string) (AttemptCounts, error) {
	conn, err := s.ConnFor(ctx, job)
	if err != nil {
		return AttemptCounts{}, err
	}

	opts := vendorasync.Options{
		Policy: models.ConflictPolicy(meta[vendorasync.MetaPolicy]),
		JobId:  job.ID,
	}
	if opts.Policy == "" {
		opts.Policy = models.ConflictPolicyRemoteWins
	}
	switch meta[vendorasync.MetaDirection] {
	case vendorasync.DirectionExport:
		opts.Export = true
	case vendorasync.DirectionImport:
		opts.Import = true
	default:
		opts.Export = true
		opts.Import = true
	}
	if job.Kind == models.JobKindProductUpdate {
		if id, err := strconv.Atoi(job.TargetId); err == nil {
			opts.ProductIds = []int{id}
		}
	}
	if ids := vendorasync.DecodeProductIds(meta[vendorasync.MetaProductIds]); len(ids) > 0 {
		opts.ProductIds = ids
	}

	result, err := s.Sync.Reconcile(ctx, conn, opts)
	counts := AttemptCounts{}
	if result != nil {
		counts.Updated = result.Synced
		counts.Errored = result.Errored
	}
	return counts, err
}

func (s *Scheduler) executeEnrichment(ctx context.Context, job *models.SyncJob, meta map[string]string) (AttemptCounts, error) {
	if s.Enrich == nil {
		return AttemptCounts{}, fmt.Errorf("%w: enrichment is not configured", models.ErrorInvalidState)
	}
	ids := vendorasync.DecodeProductIds(meta[vendorasync.MetaProductIds])
	summary, err := s.Enrich.Run(ctx, job.BusinessId, ids)
	counts := AttemptCounts{}
	if summary != nil {
		counts.Updated = summary.Enriched
		counts.Errored = summary.Errors
	}
	return counts, err
}

func connectionForJob(ctx context.Context, job *models.SyncJob) (*models.StorefrontConnection, error) {
	if job.TargetType == models.TargetTypeStorefront {
		if id, err := strconv.ParseUint(job.TargetId, 10, 64); err == nil {
			return models.GetStorefrontConnectionById(ctx, uint(id))
		}
	}
	conn, err := models.GetStorefrontConnection(ctx, job.BusinessId)
	if err != nil {
		return nil, err
	}
	if conn == nil {
		return nil, fmt.Errorf("%w: no storefront connection", models.ErrorRecordNotFound)
	}
	return conn, nil
}

// handleResult applies the state machine to one finished attempt. A deadline
// hit goes terminal without consuming a retry; other failures retry with a
// linear backoff until retries run out.
func (s *Scheduler) handleResult(ctx context.Context, res jobResult) {
	job := res.job
	fields := logrus.Fields{
		"module":      "scheduler",
		"funcName":    "handleResult",
		"job_id":      job.ID,
		"business_id": job.BusinessId,
		"kind":        job.Kind,
	}

	switch {
	case res.err == nil:
		if err := s.Store.Finalize(ctx, job, models.JobStatusCompleted, "", res.counts); err != nil {
			s.Logger.WithFields(fields).Error(err.Error())
			return
		}
		jobsFinished.WithLabelValues(string(job.Kind), string(models.JobStatusCompleted)).Inc()
		s.publishTerminal(job)

	case errors.Is(res.err, context.DeadlineExceeded), errors.Is(res.err, models.ErrorJobTimeout):
		msg := models.ErrorJobTimeout.Error()
		if err := s.Store.Finalize(ctx, job, models.JobStatusTimeout, msg, res.counts); err != nil {
			s.Logger.WithFields(fields).Error(err.Error())
			return
		}
		jobsFinished.WithLabelValues(string(job.Kind), string(models.JobStatusTimeout)).Inc()
		s.Logger.WithFields(fields).Error(msg)
		s.publishTerminal(job)

	case job.RetryCount < job.MaxRetries:
		nextRun := s.now().Add(s.Config.BackoffBase * time.Duration(job.RetryCount+1))
		if err := s.Store.Requeue(ctx, job, nextRun, res.err.Error(), res.counts); err != nil {
			s.Logger.WithFields(fields).Error(err.Error())
			return
		}
		fields["retry_count"] = job.RetryCount
		fields["next_run"] = nextRun.UTC().Format(time.RFC3339)
		s.Logger.WithFields(fields).Warn("job attempt failed, retrying: " + res.err.Error())

	default:
		if err := s.Store.Finalize(ctx, job, models.JobStatusFailed, res.err.Error(), res.counts); err != nil {
			s.Logger.WithFields(fields).Error(err.Error())
			return
		}
		jobsFinished.WithLabelValues(string(job.Kind), string(models.JobStatusFailed)).Inc()
		s.Logger.WithFields(fields).Error("job failed after max retries: " + res.err.Error())
		s.publishTerminal(job)
	}
}

func (s *Scheduler) publishTerminal(job *models.SyncJob) {
	if s.Publish == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.Publish(ctx, job); err != nil {
			s.Logger.WithFields(logrus.Fields{
				"module":   "scheduler",
				"funcName": "publishTerminal",
				"job_id":   job.ID,
			}).Warn(err.Error())
		}
	}()
}

// WaitForJob polls until the job reaches a terminal status or the deadline
// passes. Used by the comprehensive trigger, which runs one business at a
// time.
func (s *Scheduler) WaitForJob(ctx context.Context, jobId uint, timeout time.Duration) (*models.SyncJob, error) {
	deadline := s.now().Add(timeout)
	for {
		job, err := s.Store.Get(ctx, jobId)
		if err != nil {
			return nil, err
		}
		if job.Status.IsTerminal() {
			return job, nil
		}
		if s.now().After(deadline) {
			return job, models.ErrorJobTimeout
		}
		select {
		case <-ctx.Done():
			return job, ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
}
