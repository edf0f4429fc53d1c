package vendorasync

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/catalog_backend/config"
	"bitbucket.org/mmdatafocus/catalog_backend/models"
	"github.com/sirupsen/logrus"
)

// Job metadata keys. The scheduler reads these back when executing.
const (
	MetaPolicy      = "policy"
	MetaDirection   = "direction"
	MetaProductIds  = "product_ids"
	MetaTriggeredBy = "triggered_by"
)

const (
	DirectionExport        = "export"
	DirectionImport        = "import"
	DirectionBidirectional = "bidirectional"
)

// ScheduleRequest carries everything needed to enqueue one job.
type ScheduleRequest struct {
	BusinessId   string
	Kind         models.JobKind
	TargetType   string
	TargetId     string
	Priority     int
	ScheduledFor time.Time
	MaxRetries   int
	Metadata     map[string]string
	TriggeredBy  string
}

// JobScheduler is the scheduling boundary the API layer talks to. The real
// implementation lives in the scheduler package.
type JobScheduler interface {
	Schedule(ctx context.Context, req ScheduleRequest) (*models.SyncJob, error)
	Cancel(ctx context.Context, jobId uint, businessId string) (bool, error)
}

// Service bundles the sync operations exposed over the API.
type Service struct {
	Scheduler JobScheduler
	Logger    *logrus.Logger

	statusCacheTTL time.Duration
	now            func() time.Time
}

func NewService(scheduler JobScheduler, logger *logrus.Logger) *Service {
	return &Service{
		Scheduler:      scheduler,
		Logger:         logger,
		statusCacheTTL: 30 * time.Second,
		now:            time.Now,
	}
}

// TriggerSync enqueues a manual full sync for the business's storefront.
// Manual requests jump the queue (priority 0) but still coalesce with any
// active job for the same storefront.
func (s *Service) TriggerSync(ctx context.Context, businessId, triggeredBy string) (*models.SyncJob, error) {
	conn, err := models.GetStorefrontConnection(ctx, businessId)
	if err != nil {
		return nil, err
	}
	if conn == nil || conn.Status != models.StorefrontStatusConnected {
		return nil, fmt.Errorf("%w: no connected storefront", models.ErrorInvalidState)
	}

	job, err := s.Scheduler.Schedule(ctx, ScheduleRequest{
		BusinessId:   businessId,
		Kind:         models.JobKindFullSync,
		TargetType:   models.TargetTypeStorefront,
		TargetId:     strconv.FormatUint(uint64(conn.ID), 10),
		Priority:     0,
		ScheduledFor: s.now(),
		Metadata: map[string]string{
			MetaPolicy:      string(models.ConflictPolicyRemoteWins),
			MetaDirection:   DirectionBidirectional,
			MetaTriggeredBy: triggeredBy,
		},
		TriggeredBy: triggeredBy,
	})
	if err != nil {
		return nil, err
	}
	s.invalidateStatusCache(businessId)
	return job, nil
}

// GetStatus assembles the sync status card. The result is cached briefly;
// dashboards poll this endpoint.
func (s *Service) GetStatus(ctx context.Context, businessId string) (*StatusResponse, error) {
	cacheKey := "SyncStatus:" + businessId
	var cached StatusResponse
	if found, err := config.GetRedisObject(cacheKey, &cached); err == nil && found {
		return &cached, nil
	}

	conn, err := models.GetStorefrontConnection(ctx, businessId)
	if err != nil {
		return nil, err
	}
	if conn == nil {
		return &StatusResponse{Connected: false}, nil
	}

	resp := &StatusResponse{
		Connected:         conn.Status == models.StorefrontStatusConnected,
		StoreId:           conn.StoreId,
		StoreName:         conn.StoreName,
		AutoSyncEnabled:   conn.AutoSyncEnabled != nil && *conn.AutoSyncEnabled,
		SyncIntervalHours: conn.SyncIntervalHours,
	}
	if conn.LastSuccessSyncAt != nil {
		v := conn.LastSuccessSyncAt.UTC().Format(time.RFC3339)
		resp.LastSync = &v
	}

	if next, err := s.nextScheduledSync(ctx, conn); err == nil && next != nil {
		v := next.UTC().Format(time.RFC3339)
		resp.NextScheduledSync = &v
	}

	if count, err := models.CountProductsNeedingSync(ctx, businessId, conn.LowStockThreshold); err == nil {
		resp.ProductsNeedingSync = count
	}
	if urgent, err := models.HasUrgentStock(ctx, businessId, conn.LowStockThreshold); err == nil {
		resp.UrgentSyncNeeded = urgent
	}

	if err := config.SetRedisObject(cacheKey, resp, s.statusCacheTTL); err != nil {
		s.Logger.WithFields(logrus.Fields{
			"module":      "vendorasync",
			"funcName":    "GetStatus",
			"business_id": businessId,
		}).Warn(err.Error())
	}
	return resp, nil
}

// nextScheduledSync prefers an enqueued job; absent one, it projects the next
// auto-sync slot from the last sync and the configured interval.
func (s *Service) nextScheduledSync(ctx context.Context, conn *models.StorefrontConnection) (*time.Time, error) {
	job, err := models.EarliestPendingJob(ctx, conn.BusinessId)
	if err != nil {
		return nil, err
	}
	if job != nil {
		t := job.ScheduledFor
		return &t, nil
	}
	if conn.AutoSyncEnabled == nil || !*conn.AutoSyncEnabled || conn.LastSyncAt == nil {
		return nil, nil
	}
	next := conn.LastSyncAt.Add(time.Duration(conn.SyncIntervalHours) * time.Hour)
	return &next, nil
}

func (s *Service) ToggleAutoSync(ctx context.Context, businessId string, enabled bool) error {
	if err := models.SetAutoSync(ctx, businessId, enabled); err != nil {
		return err
	}
	s.invalidateStatusCache(businessId)
	return nil
}

func (s *Service) SetSyncInterval(ctx context.Context, businessId string, hours int) error {
	if err := models.SetSyncInterval(ctx, businessId, hours); err != nil {
		return err
	}
	s.invalidateStatusCache(businessId)
	return nil
}

// CancelJob cancels a pending job. Running and terminal jobs refuse with
// ErrorInvalidState; the caller learns which state blocked it.
func (s *Service) CancelJob(ctx context.Context, businessId string, jobId uint) error {
	cancelled, err := s.Scheduler.Cancel(ctx, jobId, businessId)
	if err != nil {
		return err
	}
	if !cancelled {
		// The job exists and is ours but is past pending.
		job, err := models.GetSyncJobById(ctx, businessId, jobId)
		if err != nil {
			return err
		}
		return fmt.Errorf("%w: job is %s", models.ErrorInvalidState, job.Status)
	}
	s.invalidateStatusCache(businessId)
	return nil
}

func (s *Service) GetJob(ctx context.Context, businessId string, jobId uint) (*JobResponse, error) {
	job, err := models.GetSyncJobById(ctx, businessId, jobId)
	if err != nil {
		return nil, err
	}
	resp := jobToResponse(job)
	return &resp, nil
}

func (s *Service) GetHistory(ctx context.Context, businessId string, page, pageSize int) (*HistoryPageResponse, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 200 {
		pageSize = 50
	}
	entries, total, err := models.ListSyncHistory(ctx, businessId, page, pageSize)
	if err != nil {
		return nil, err
	}
	resp := &HistoryPageResponse{
		Items:      make([]HistoryEntryResponse, 0, len(entries)),
		Page:       page,
		PageSize:   pageSize,
		TotalCount: total,
	}
	for _, entry := range entries {
		resp.Items = append(resp.Items, historyToResponse(entry))
	}
	return resp, nil
}

func (s *Service) invalidateStatusCache(businessId string) {
	if err := config.RemoveRedisKey("SyncStatus:" + businessId); err != nil {
		s.Logger.WithFields(logrus.Fields{
			"module":      "vendorasync",
			"funcName":    "invalidateStatusCache",
			"business_id": businessId,
		}).Warn(err.Error())
	}
}

func jobToResponse(job *models.SyncJob) JobResponse {
	return JobResponse{
		ID:           job.ID,
		Kind:         string(job.Kind),
		Status:       string(job.Status),
		Priority:     job.Priority,
		ScheduledFor: job.ScheduledFor.UTC().Format(time.RFC3339),
		RetryCount:   job.RetryCount,
		LastError:    job.LastError,
	}
}

func historyToResponse(entry models.SyncHistory) HistoryEntryResponse {
	resp := HistoryEntryResponse{
		ID:             entry.ID,
		JobId:          entry.JobId,
		Attempt:        entry.Attempt,
		StartedAt:      entry.StartedAt.UTC().Format(time.RFC3339),
		DurationMs:     entry.DurationMs,
		RecordsAdded:   entry.RecordsAdded,
		RecordsUpdated: entry.RecordsUpdated,
		RecordsErrored: entry.RecordsErrored,
	}
	if entry.FinishedAt != nil {
		v := entry.FinishedAt.UTC().Format(time.RFC3339)
		resp.FinishedAt = &v
	}
	return resp
}

// EncodeProductIds / DecodeProductIds round a product-id list through the job
// metadata map.
func EncodeProductIds(ids []int) string {
	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		parts = append(parts, strconv.Itoa(id))
	}
	return strings.Join(parts, ",")
}

func DecodeProductIds(raw string) []int {
	if raw == "" {
		return nil
	}
	var ids []int
	for _, part := range strings.Split(raw, ",") {
		if id, err := strconv.Atoi(strings.TrimSpace(part)); err == nil {
			ids = append(ids, id)
		}
	}
	return ids
}
