package models

// Job lifecycle. A job is terminal once it can never run again; failed jobs
// with retries left are re-armed to pending instead of going terminal.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
	JobStatusTimeout   JobStatus = "timeout"
)

func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled, JobStatusTimeout:
		return true
	}
	return false
}

// JobKind is a closed set; the scheduler dispatches on it exhaustively.
type JobKind string

const (
	JobKindFullSync      JobKind = "full_sync"
	JobKindProductUpdate JobKind = "product_update"
	JobKindEnrichment    JobKind = "enrichment_run"
)

func (k JobKind) Valid() bool {
	switch k {
	case JobKindFullSync, JobKindProductUpdate, JobKindEnrichment:
		return true
	}
	return false
}

const (
	TargetTypeStorefront = "storefront"
	TargetTypeProduct    = "product"
)

// ConflictPolicy decides the winner when local and remote field values diverge.
type ConflictPolicy string

const (
	ConflictPolicyLocalWins   ConflictPolicy = "local_wins"
	ConflictPolicyRemoteWins  ConflictPolicy = "remote_wins"
	ConflictPolicyHighestWins ConflictPolicy = "highest_wins"
	ConflictPolicyLowestWins  ConflictPolicy = "lowest_wins"
	ConflictPolicyDetectOnly  ConflictPolicy = "detect_only"
)

const (
	StorefrontProviderVendora = "vendora"
)

const (
	StorefrontStatusConnected    = "connected"
	StorefrontStatusDisconnected = "disconnected"
	StorefrontStatusError        = "error"
)

const (
	SyncTriggeredManual        = "manual"
	SyncTriggeredUrgent        = "urgent"
	SyncTriggeredRegular       = "regular"
	SyncTriggeredComprehensive = "comprehensive"
	SyncTriggeredPubSub        = "pubsub"
)

// Per-item outcomes inside a reconciliation pass. Expected failures are data,
// not errors.
const (
	ItemOutcomeSynced    = "synced"
	ItemOutcomeNoChanges = "no_changes"
	ItemOutcomeNotFound  = "not_found"
	ItemOutcomeError     = "error"
	ItemOutcomeSkipped   = "skipped"
)

const (
	UserRoleAdmin = "admin"
	UserRoleUser  = "user"
)

const (
	QuotaResourceSyncJobs = "sync_jobs"
)
