package vendorasync

import (
	"encoding/json"

	"github.com/shopspring/decimal"
)

// RemoteEntity is one row of the Vendora stock/price snapshot.
type RemoteEntity struct {
	ID            string      `json:"id"`
	Sku           string      `json:"sku"`
	Presence      string      `json:"presence"`
	StockQty      json.Number `json:"stock_qty"`
	Price         json.Number `json:"price"`
	DiscountPrice json.Number `json:"discount_price"`
	UpdatedAt     string      `json:"updated_at"`
}

// Available derives the availability flag from the remote presence string.
// Vendora reports "in_stock", "low_stock", "out_of_stock" or "discontinued".
func (e RemoteEntity) Available() bool {
	switch e.Presence {
	case "out_of_stock", "discontinued":
		return false
	default:
		return true
	}
}

// RemoteUpdate is the minimal export payload for one product: the identifying
// key plus only the locally-owned fields.
type RemoteUpdate struct {
	RemoteId      string           `json:"id"`
	Sku           string           `json:"sku"`
	StockQty      *decimal.Decimal `json:"stock_qty,omitempty"`
	Price         *decimal.Decimal `json:"price,omitempty"`
	DiscountPrice *decimal.Decimal `json:"discount_price,omitempty"`
}

// RemoteUpdateOutcome is Vendora's per-item answer to a bulk update.
type RemoteUpdateOutcome struct {
	RemoteId string `json:"id"`
	Status   string `json:"status"`
	Message  string `json:"message"`
}

func (o RemoteUpdateOutcome) OK() bool { return o.Status == "ok" }

// SnapshotFilter narrows an export-snapshot call.
type SnapshotFilter struct {
	StoreId string
	Skus    []string
}

type TriggerSyncRequest struct {
	// Empty body is allowed; the manual trigger uses defaults.
}

type ConnectRequest struct {
	StoreId   string `json:"storeId" binding:"required"`
	StoreName string `json:"storeName"`
	APIKey    string `json:"apiKey" binding:"required"`
}

type ToggleAutoSyncRequest struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

type SetSyncIntervalRequest struct {
	Hours int `json:"hours"`
}

type StatusResponse struct {
	Connected           bool    `json:"connected"`
	StoreId             string  `json:"storeId,omitempty"`
	StoreName           string  `json:"storeName,omitempty"`
	LastSync            *string `json:"lastSync"`
	NextScheduledSync   *string `json:"nextScheduledSync"`
	AutoSyncEnabled     bool    `json:"autoSyncEnabled"`
	SyncIntervalHours   int     `json:"syncIntervalHours"`
	ProductsNeedingSync int64   `json:"productsNeedingSync"`
	UrgentSyncNeeded    bool    `json:"urgentSyncNeeded"`
}

type JobResponse struct {
	ID           uint   `json:"id"`
	Kind         string `json:"kind"`
	Status       string `json:"status"`
	Priority     int    `json:"priority"`
	ScheduledFor string `json:"scheduledFor"`
	RetryCount   int    `json:"retryCount"`
	LastError    string `json:"lastError,omitempty"`
}

type HistoryEntryResponse struct {
	ID             uint    `json:"id"`
	JobId          uint    `json:"jobId"`
	Attempt        int     `json:"attempt"`
	StartedAt      string  `json:"startedAt"`
	FinishedAt     *string `json:"finishedAt"`
	DurationMs     int64   `json:"durationMs"`
	RecordsAdded   int     `json:"recordsAdded"`
	RecordsUpdated int     `json:"recordsUpdated"`
	RecordsErrored int     `json:"recordsErrored"`
}

type HistoryPageResponse struct {
	Items      []HistoryEntryResponse `json:"items"`
	Page       int                    `json:"page"`
	PageSize   int                    `json:"pageSize"`
	TotalCount int64                  `json:"totalCount"`
}

// SyncPubSubPayload is the push-trigger envelope body.
type SyncPubSubPayload struct {
	BusinessId  string `json:"business_id"`
	TriggeredBy string `json:"triggered_by"`
}

type PubSubPushEnvelope struct {
	Message struct {
		Data []byte `json:"data"`
		ID   string `json:"messageId"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// JobEvent is published to the sync-events topic on every terminal transition.
type JobEvent struct {
	JobId      uint   `json:"job_id"`
	BusinessId string `json:"business_id"`
	Kind       string `json:"kind"`
	Status     string `json:"status"`
	Error      string `json:"error,omitempty"`
	FinishedAt string `json:"finished_at"`
}

func decimalFromNumber(num json.Number) decimal.Decimal {
	if num.String() == "" {
		return decimal.Zero
	}
	if d, err := decimal.NewFromString(num.String()); err == nil {
		return d
	}
	return decimal.Zero
}
