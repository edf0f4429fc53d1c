package models

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/catalog_backend/config"
	"gorm.io/gorm"
)

// BusinessQuota tracks per-owner resource usage inside the current window.
// Windows are calendar days in UTC; a row whose PeriodStart predates the
// current day counts as unused and is reset on the next consume. LimitCount 0
// means the business-wide default applies.
type BusinessQuota struct {
	ID          uint      `gorm:"primary_key" json:"id"`
	BusinessId  string    `gorm:"uniqueIndex:idx_business_quota,priority:1;not null" json:"business_id"`
	Resource    string    `gorm:"uniqueIndex:idx_business_quota,priority:2;size:50;not null" json:"resource"`
	UsedCount   int       `gorm:"not null;default:0" json:"used_count"`
	LimitCount  int       `gorm:"not null;default:0" json:"limit_count"`
	PeriodStart time.Time `gorm:"not null" json:"period_start"`
}

const DefaultSyncJobQuota = 100

// QuotaPeriodStart returns the start of the usage window containing now:
// midnight UTC of that day.
func QuotaPeriodStart(now time.Time) time.Time {
	now = now.UTC()
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
}

// WindowExpired reports whether the row's usage belongs to an earlier window.
func (q BusinessQuota) WindowExpired(now time.Time) bool {
	return q.PeriodStart.Before(QuotaPeriodStart(now))
}

// QuotaStore is the owner/quota collaborator consumed by the scheduler.
type QuotaStore struct{}

func (QuotaStore) CheckQuota(ctx context.Context, businessId string, resource string) (bool, error) {
	db := config.GetDB()
	var quota BusinessQuota
	err := db.WithContext(ctx).
		Where("business_id = ? AND resource = ?", businessId, resource).
		Take(&quota).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			// No row yet: within the default allowance.
			return true, nil
		}
		return false, err
	}
	if quota.WindowExpired(time.Now()) {
		return true, nil
	}
	limit := quota.LimitCount
	if limit <= 0 {
		limit = DefaultSyncJobQuota
	}
	return quota.UsedCount < limit, nil
}

func (QuotaStore) ConsumeQuota(ctx context.Context, businessId string, resource string, amount int) error {
	db := config.GetDB()
	period := QuotaPeriodStart(time.Now())

	// Roll a stale row into the current window before counting against it.
	res := db.WithContext(ctx).
		Model(&BusinessQuota{}).
		Where("business_id = ? AND resource = ? AND period_start < ?", businessId, resource, period).
		UpdateColumns(map[string]interface{}{"used_count": 0, "period_start": period})
	if res.Error != nil {
		return res.Error
	}

	res = db.WithContext(ctx).
		Model(&BusinessQuota{}).
		Where("business_id = ? AND resource = ?", businessId, resource).
		UpdateColumn("used_count", gorm.Expr("used_count + ?", amount))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		quota := BusinessQuota{
			BusinessId:  businessId,
			Resource:    resource,
			UsedCount:   amount,
			PeriodStart: period,
		}
		return db.WithContext(ctx).Create(&quota).Error
	}
	return nil
}

func (QuotaStore) ReleaseQuota(ctx context.Context, businessId string, resource string, amount int) error {
	db := config.GetDB()
	// Only usage from the current window can be given back.
	return db.WithContext(ctx).
		Model(&BusinessQuota{}).
		Where("business_id = ? AND resource = ? AND period_start = ? AND used_count >= ?",
			businessId, resource, QuotaPeriodStart(time.Now()), amount).
		UpdateColumn("used_count", gorm.Expr("used_count - ?", amount)).Error
}
