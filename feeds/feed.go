package feeds

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"bitbucket.org/mmdatafocus/catalog_backend/config"
	"bitbucket.org/mmdatafocus/catalog_backend/models"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

var validate = validator.New()

// CatalogRecord is one incoming feed row. Sku is the upsert key within a
// business; RemoteId links the product to its Vendora identity when known.
type CatalogRecord struct {
	Sku           string `json:"sku" validate:"required,max=100"`
	Name          string `json:"name" validate:"required,max=100"`
	Description   string `json:"description" validate:"max=5000"`
	Barcode       string `json:"barcode" validate:"max=100"`
	SalesPrice    string `json:"salesPrice" validate:"omitempty,numeric"`
	DiscountPrice string `json:"discountPrice" validate:"omitempty,numeric"`
	StockQty      string `json:"stockQty" validate:"omitempty,numeric"`
	RemoteId      string `json:"remoteId" validate:"max=128"`
	IsAvailable   *bool  `json:"isAvailable"`
}

// RecordError is one rejected feed row. Rejections are data; the rest of the
// feed still lands.
type RecordError struct {
	Sku     string `json:"sku"`
	Row     int    `json:"row"`
	Message string `json:"message"`
}

type Summary struct {
	Total   int           `json:"total"`
	Added   int           `json:"added"`
	Updated int           `json:"updated"`
	Errors  []RecordError `json:"errors"`
}

// ApplyRecords upserts feed rows by (business, sku). Each row validates and
// lands independently; one bad row never poisons the batch.
func ApplyRecords(ctx context.Context, businessId string, records []CatalogRecord) (*Summary, error) {
	if businessId == "" {
		return nil, models.ErrorInvalidArgument
	}

	db := config.GetDB()
	summary := &Summary{Total: len(records)}

	for i, record := range records {
		record.Sku = strings.TrimSpace(record.Sku)
		if err := validate.Struct(record); err != nil {
			summary.Errors = append(summary.Errors, RecordError{
				Sku:     record.Sku,
				Row:     i + 1,
				Message: validationMessage(err),
			})
			continue
		}

		values, err := recordToValues(record)
		if err != nil {
			summary.Errors = append(summary.Errors, RecordError{Sku: record.Sku, Row: i + 1, Message: err.Error()})
			continue
		}

		var existing models.Product
		err = db.WithContext(ctx).
			Where("business_id = ? AND sku = ?", businessId, record.Sku).
			Take(&existing).Error
		switch {
		case err == nil:
			if err := db.WithContext(ctx).
				Model(&models.Product{}).
				Where("id = ? AND business_id = ?", existing.ID, businessId).
				Updates(values).Error; err != nil {
				summary.Errors = append(summary.Errors, RecordError{Sku: record.Sku, Row: i + 1, Message: err.Error()})
				continue
			}
			summary.Updated++
		case errors.Is(err, gorm.ErrRecordNotFound):
			product := models.Product{
				BusinessId: businessId,
				Sku:        record.Sku,
			}
			applyValues(&product, values)
			if err := db.WithContext(ctx).Create(&product).Error; err != nil {
				summary.Errors = append(summary.Errors, RecordError{Sku: record.Sku, Row: i + 1, Message: err.Error()})
				continue
			}
			summary.Added++
		default:
			summary.Errors = append(summary.Errors, RecordError{Sku: record.Sku, Row: i + 1, Message: err.Error()})
		}
	}
	return summary, nil
}

func recordToValues(record CatalogRecord) (map[string]interface{}, error) {
	values := map[string]interface{}{
		"name": record.Name,
	}
	if record.Description != "" {
		values["description"] = record.Description
	}
	if record.Barcode != "" {
		values["barcode"] = record.Barcode
	}
	if record.RemoteId != "" {
		values["remote_id"] = record.RemoteId
	}
	if record.IsAvailable != nil {
		values["is_available"] = *record.IsAvailable
	}
	for field, raw := range map[string]string{
		"sales_price":    record.SalesPrice,
		"discount_price": record.DiscountPrice,
		"stock_qty":      record.StockQty,
	} {
		if raw == "" {
			continue
		}
		d, err := decimal.NewFromString(raw)
		if err != nil {
			return nil, fmt.Errorf("could not parse %s: %v", field, err)
		}
		if d.IsNegative() {
			return nil, fmt.Errorf("%s must not be negative", field)
		}
		values[field] = d
	}
	return values, nil
}

func applyValues(p *models.Product, values map[string]interface{}) {
	for field, v := range values {
		switch field {
		case "name":
			p.Name = v.(string)
		case "description":
			p.Description = v.(string)
		case "barcode":
			p.Barcode = v.(string)
		case "remote_id":
			p.RemoteId = v.(string)
		case "is_available":
			b := v.(bool)
			p.IsAvailable = &b
		case "sales_price":
			p.SalesPrice = v.(decimal.Decimal)
		case "discount_price":
			p.DiscountPrice = v.(decimal.Decimal)
		case "stock_qty":
			p.StockQty = v.(decimal.Decimal)
		}
	}
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fields := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			fields = append(fields, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
		}
		return strings.Join(fields, "; ")
	}
	return err.Error()
}
