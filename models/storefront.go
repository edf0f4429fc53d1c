package models

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/catalog_backend/config"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// StorefrontConnection is the sync target: one business's link to its Vendora
// storefront. The sync core only reads the scheduling fields and writes back
// LastSyncAt / LastSuccessSyncAt.
type StorefrontConnection struct {
	ID                uint            `gorm:"primary_key" json:"id"`
	BusinessId        string          `gorm:"index;not null" json:"business_id"`
	Provider          string          `gorm:"index;size:50;not null" json:"provider"`
	Status            string          `gorm:"size:20;not null" json:"status"`
	AuthSecretRef     string          `gorm:"type:text" json:"auth_secret_ref"`
	StoreId           string          `gorm:"size:100" json:"store_id"`
	StoreName         string          `gorm:"size:255" json:"store_name"`
	AutoSyncEnabled   *bool           `gorm:"not null;default:true" json:"auto_sync_enabled"`
	SyncIntervalHours int             `gorm:"not null;default:24" json:"sync_interval_hours"`
	LowStockThreshold decimal.Decimal `gorm:"type:decimal(20,4);default:5" json:"low_stock_threshold"`
	SettingsJSON      []byte          `gorm:"type:json" json:"settings"`
	LastSyncAt        *time.Time      `json:"last_sync_at"`
	LastSuccessSyncAt *time.Time      `json:"last_success_sync_at"`
	CreatedAt         time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

const (
	MinSyncIntervalHours = 1
	MaxSyncIntervalHours = 168
)

func GetStorefrontConnection(ctx context.Context, businessId string) (*StorefrontConnection, error) {
	db := config.GetDB()
	var conn StorefrontConnection
	err := db.WithContext(ctx).
		Where("business_id = ? AND provider = ?", businessId, StorefrontProviderVendora).
		Take(&conn).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &conn, nil
}

func GetStorefrontConnectionById(ctx context.Context, id uint) (*StorefrontConnection, error) {
	db := config.GetDB()
	var conn StorefrontConnection
	err := db.WithContext(ctx).Where("id = ?", id).Take(&conn).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrorRecordNotFound
		}
		return nil, err
	}
	return &conn, nil
}

// SetSyncInterval updates the connection's sync interval. Hours outside
// [1, 168] fail with ErrorInvalidArgument.
func SetSyncInterval(ctx context.Context, businessId string, hours int) error {
	if hours < MinSyncIntervalHours || hours > MaxSyncIntervalHours {
		return ErrorInvalidArgument
	}
	db := config.GetDB()
	res := db.WithContext(ctx).
		Model(&StorefrontConnection{}).
		Where("business_id = ? AND provider = ?", businessId, StorefrontProviderVendora).
		Update("sync_interval_hours", hours)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrorRecordNotFound
	}
	return nil
}

func SetAutoSync(ctx context.Context, businessId string, enabled bool) error {
	db := config.GetDB()
	res := db.WithContext(ctx).
		Model(&StorefrontConnection{}).
		Where("business_id = ? AND provider = ?", businessId, StorefrontProviderVendora).
		Update("auto_sync_enabled", enabled)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrorRecordNotFound
	}
	return nil
}

// MarkSynced advances the last-sync timestamps after a reconciliation pass.
func (c *StorefrontConnection) MarkSynced(ctx context.Context, at time.Time, success bool) error {
	db := config.GetDB()
	updates := map[string]interface{}{"last_sync_at": at}
	if success {
		updates["last_success_sync_at"] = at
	}
	return db.WithContext(ctx).
		Model(&StorefrontConnection{}).
		Where("id = ? AND business_id = ?", c.ID, c.BusinessId).
		Updates(updates).Error
}

// ConnectionsDueForSync selects auto-sync-enabled connected storefronts whose
// last sync is older than their configured interval. Used by the regular
// trigger; capped to avoid scheduling bursts.
func ConnectionsDueForSync(ctx context.Context, now time.Time, limit int) ([]StorefrontConnection, error) {
	db := config.GetDB()
	var conns []StorefrontConnection
	err := db.WithContext(ctx).
		Where("provider = ? AND status = ? AND auto_sync_enabled = 1", StorefrontProviderVendora, StorefrontStatusConnected).
		Where("last_sync_at IS NULL OR last_sync_at <= DATE_SUB(?, INTERVAL sync_interval_hours HOUR)", now).
		Order("last_sync_at IS NULL DESC, last_sync_at ASC").
		Limit(limit).
		Find(&conns).Error
	return conns, err
}

// ConnectionsWithUrgentStock selects connected storefronts owning at least one
// product at/below the low-stock threshold whose last sync is older than the
// urgent cutoff.
func ConnectionsWithUrgentStock(ctx context.Context, cutoff time.Time, limit int) ([]StorefrontConnection, error) {
	db := config.GetDB()
	var conns []StorefrontConnection
	err := db.WithContext(ctx).
		Where("provider = ? AND status = ?", StorefrontProviderVendora, StorefrontStatusConnected).
		Where("last_sync_at IS NULL OR last_sync_at <= ?", cutoff).
		Where(`EXISTS (
			SELECT 1 FROM products p
			WHERE p.business_id = storefront_connections.business_id
			  AND p.remote_id <> ''
			  AND p.stock_qty <= storefront_connections.low_stock_threshold
		)`).
		Limit(limit).
		Find(&conns).Error
	return conns, err
}

// ActiveConnections selects every connected storefront, for the daily
// comprehensive pass.
func ActiveConnections(ctx context.Context, limit int) ([]StorefrontConnection, error) {
	db := config.GetDB()
	var conns []StorefrontConnection
	err := db.WithContext(ctx).
		Where("provider = ? AND status = ?", StorefrontProviderVendora, StorefrontStatusConnected).
		Order("id ASC").
		Limit(limit).
		Find(&conns).Error
	return conns, err
}
