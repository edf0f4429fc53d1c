package models

import (
	"context"
	"errors"

	"bitbucket.org/mmdatafocus/catalog_backend/config"
	"gorm.io/gorm"
)

func GetSyncJobById(ctx context.Context, businessId string, id uint) (*SyncJob, error) {
	db := config.GetDB()
	var job SyncJob
	err := db.WithContext(ctx).
		Where("id = ? AND business_id = ?", id, businessId).
		Take(&job).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrorRecordNotFound
		}
		return nil, err
	}
	return &job, nil
}

// EarliestPendingJob backs the status endpoint's next-scheduled-sync field.
// Returns nil, nil when the business has no pending job.
func EarliestPendingJob(ctx context.Context, businessId string) (*SyncJob, error) {
	db := config.GetDB()
	var job SyncJob
	err := db.WithContext(ctx).
		Where("business_id = ? AND status = ?", businessId, JobStatusPending).
		Order("scheduled_for ASC").
		Take(&job).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &job, nil
}

// ListSyncHistory returns one page of attempt records, newest first, plus the
// unpaged total for the caller's pagination header.
func ListSyncHistory(ctx context.Context, businessId string, page, pageSize int) ([]SyncHistory, int64, error) {
	db := config.GetDB()
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 200 {
		pageSize = 50
	}
	var total int64
	if err := db.WithContext(ctx).
		Model(&SyncHistory{}).
		Where("business_id = ?", businessId).
		Count(&total).Error; err != nil {
		return nil, 0, err
	}
	var entries []SyncHistory
	err := db.WithContext(ctx).
		Where("business_id = ?", businessId).
		Order("started_at DESC, id DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&entries).Error
	return entries, total, err
}

// ListJobConflicts returns the conflicts one run recorded, for reporting.
func ListJobConflicts(ctx context.Context, businessId string, jobId uint) ([]SyncConflict, error) {
	db := config.GetDB()
	var conflicts []SyncConflict
	err := db.WithContext(ctx).
		Where("business_id = ? AND job_id = ?", businessId, jobId).
		Order("id ASC").
		Find(&conflicts).Error
	return conflicts, err
}
