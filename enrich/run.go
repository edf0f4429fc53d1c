package enrich

import (
	"context"

	"bitbucket.org/mmdatafocus/catalog_backend/config"
	"bitbucket.org/mmdatafocus/catalog_backend/models"
)

// RunSummary aggregates one enrichment pass.
type RunSummary struct {
	Total     int
	Enriched  int
	Fallbacks int
	Errors    int
}

// Run enriches the business's products that have no description yet, or the
// given ids when the job was scoped. Each product lands independently.
func (s *Service) Run(ctx context.Context, businessId string, productIds []int) (*RunSummary, error) {
	db := config.GetDB()

	q := db.WithContext(ctx).Where("business_id = ?", businessId)
	if len(productIds) > 0 {
		q = q.Where("id IN ?", productIds)
	} else {
		q = q.Where("description = ''")
	}

	var products []models.Product
	if err := q.Order("id ASC").Find(&products).Error; err != nil {
		return nil, err
	}

	summary := &RunSummary{Total: len(products)}
	for i := range products {
		if ctx.Err() != nil {
			return summary, ctx.Err()
		}
		p := &products[i]
		res := s.Describe(ctx, p)
		if res.Fallback {
			summary.Fallbacks++
		}
		err := db.WithContext(ctx).
			Model(&models.Product{}).
			Where("id = ? AND business_id = ?", p.ID, p.BusinessId).
			Update("description", res.Description).Error
		if err != nil {
			summary.Errors++
			continue
		}
		summary.Enriched++
	}
	return summary, nil
}
