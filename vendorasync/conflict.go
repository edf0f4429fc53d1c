package vendorasync

import (
	"time"

	"bitbucket.org/mmdatafocus/catalog_backend/models"
	"github.com/shopspring/decimal"
)

const (
	FieldStock = "stock"
	FieldPrice = "price"
)

// priceTolerance absorbs rounding differences between the two systems.
// Quantities are compared exactly.
var priceTolerance = decimal.NewFromFloat(0.01)

// FieldResolution is the outcome of resolving one field of one product.
type FieldResolution struct {
	NewValue decimal.Decimal
	Changed  bool
	Conflict *models.SyncConflict
}

// ResolveField decides the winning value for one field under a policy. Pure:
// identical inputs always produce identical output, and re-applying a
// resolution to already-equal values is a no-op.
//
// recentLocalChange marks a local edit inside the recent-change window; under
// DetectOnly it distinguishes "someone just touched this here" conflicts from
// long-standing drift on the conflict record.
func ResolveField(field string, local, remote decimal.Decimal, policy models.ConflictPolicy, recentLocalChange bool) FieldResolution {
	if fieldValuesEqual(field, local, remote) {
		return FieldResolution{NewValue: local}
	}

	switch policy {
	case models.ConflictPolicyDetectOnly:
		return FieldResolution{
			NewValue: local,
			Conflict: &models.SyncConflict{
				FieldName:         field,
				LocalValue:        local.String(),
				RemoteValue:       remote.String(),
				Resolution:        policy,
				RecentLocalChange: recentLocalChange,
				DetectedAt:        time.Now(),
			},
		}
	case models.ConflictPolicyRemoteWins:
		return FieldResolution{NewValue: remote, Changed: true}
	case models.ConflictPolicyHighestWins:
		if remote.GreaterThan(local) {
			return FieldResolution{NewValue: remote, Changed: true}
		}
		return FieldResolution{NewValue: local}
	case models.ConflictPolicyLowestWins:
		if remote.LessThan(local) {
			return FieldResolution{NewValue: remote, Changed: true}
		}
		return FieldResolution{NewValue: local}
	default:
		// LocalWins keeps the local value untouched.
		return FieldResolution{NewValue: local}
	}
}

func fieldValuesEqual(field string, local, remote decimal.Decimal) bool {
	if field == FieldPrice {
		return local.Sub(remote).Abs().LessThanOrEqual(priceTolerance)
	}
	return local.Equal(remote)
}
