package models

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/catalog_backend/config"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Product is one catalog entity. RemoteId is the Vendora-side identity; a
// product without one is never exported. The sync core owns StockQty,
// SalesPrice, DiscountPrice, IsAvailable and LastSyncedAt; everything else is
// catalog CRUD territory.
type Product struct {
	ID            int             `gorm:"primary_key" json:"id"`
	BusinessId    string          `gorm:"index;not null" json:"business_id" binding:"required"`
	Name          string          `gorm:"size:100;not null" json:"name" binding:"required"`
	Description   string          `gorm:"type:text" json:"description"`
	Sku           string          `gorm:"size:100;not null" json:"sku" binding:"required"`
	Barcode       string          `gorm:"index;size:100" json:"barcode"`
	SalesPrice    decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"sales_price"`
	DiscountPrice decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"discount_price"`
	StockQty      decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"stock_qty"`
	IsAvailable   *bool           `gorm:"not null;default:true" json:"is_available"`
	RemoteId      string          `gorm:"index;size:128" json:"remote_id"`
	LastSyncedAt  *time.Time      `json:"last_synced_at"`
	CreatedAt     time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func GetProductById(ctx context.Context, businessId string, id int) (*Product, error) {
	db := config.GetDB()
	var product Product
	err := db.WithContext(ctx).
		Where("id = ? AND business_id = ?", id, businessId).
		Take(&product).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrorRecordNotFound
		}
		return nil, err
	}
	return &product, nil
}

// ProductsEligibleForSync selects the products a reconciliation pass should
// touch: exported (remote identity present) and either never synced, modified
// since the last sync, or at/below the low-stock threshold.
func ProductsEligibleForSync(ctx context.Context, businessId string, lowStock decimal.Decimal, ids []int) ([]Product, error) {
	db := config.GetDB()
	q := db.WithContext(ctx).
		Where("business_id = ? AND remote_id <> ''", businessId).
		Where("last_synced_at IS NULL OR updated_at > last_synced_at OR stock_qty <= ?", lowStock)
	if len(ids) > 0 {
		q = q.Where("id IN ?", ids)
	}
	var products []Product
	err := q.Order("id ASC").Find(&products).Error
	return products, err
}

// CountProductsNeedingSync backs the status endpoint.
func CountProductsNeedingSync(ctx context.Context, businessId string, lowStock decimal.Decimal) (int64, error) {
	db := config.GetDB()
	var count int64
	err := db.WithContext(ctx).
		Model(&Product{}).
		Where("business_id = ? AND remote_id <> ''", businessId).
		Where("last_synced_at IS NULL OR updated_at > last_synced_at OR stock_qty <= ?", lowStock).
		Count(&count).Error
	return count, err
}

// HasUrgentStock reports whether any exported product sits at/below the
// low-stock threshold.
func HasUrgentStock(ctx context.Context, businessId string, lowStock decimal.Decimal) (bool, error) {
	db := config.GetDB()
	var count int64
	err := db.WithContext(ctx).
		Model(&Product{}).
		Where("business_id = ? AND remote_id <> '' AND stock_qty <= ?", businessId, lowStock).
		Count(&count).Error
	return count > 0, err
}

// ApplyRemoteValues persists the winning field values of one reconciliation
// pass and stamps the product synced. Only called when something changed.
func (p *Product) ApplyRemoteValues(ctx context.Context, updates map[string]interface{}, syncedAt time.Time) error {
	db := config.GetDB()
	updates["last_synced_at"] = syncedAt
	return db.WithContext(ctx).
		Model(&Product{}).
		Where("id = ? AND business_id = ?", p.ID, p.BusinessId).
		Updates(updates).Error
}

// TouchSynced stamps the product synced without changing any owned field.
func (p *Product) TouchSynced(ctx context.Context, syncedAt time.Time) error {
	db := config.GetDB()
	return db.WithContext(ctx).
		Model(&Product{}).
		Where("id = ? AND business_id = ?", p.ID, p.BusinessId).
		Update("last_synced_at", syncedAt).Error
}
