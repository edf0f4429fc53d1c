package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// SyncJob is one schedulable unit of synchronization or enrichment work.
//
// ActiveKey is "targetType:targetId" while the job is non-terminal and NULL
// once terminal. MySQL unique indexes ignore NULLs, so the database enforces
// at most one active job per target; a duplicate insert surfaces as error
// 1062 and is coalesced into an update of the existing row.
type SyncJob struct {
	ID           uint       `gorm:"primary_key" json:"id"`
	BusinessId   string     `gorm:"index;not null" json:"business_id"`
	Kind         JobKind    `gorm:"size:32;not null" json:"kind"`
	TargetType   string     `gorm:"size:32;not null" json:"target_type"`
	TargetId     string     `gorm:"size:128;not null" json:"target_id"`
	ActiveKey    *string    `gorm:"uniqueIndex:idx_sync_jobs_active;size:192" json:"-"`
	Status       JobStatus  `gorm:"index;size:20;not null" json:"status"`
	Priority     int        `gorm:"not null;default:5" json:"priority"`
	ScheduledFor time.Time  `gorm:"index;not null" json:"scheduled_for"`
	StartedAt    *time.Time `json:"started_at"`
	CompletedAt  *time.Time `json:"completed_at"`
	RetryCount   int        `gorm:"not null;default:0" json:"retry_count"`
	MaxRetries   int        `gorm:"not null;default:3" json:"max_retries"`
	LastError    string     `gorm:"type:text" json:"last_error"`
	MetadataJSON []byte     `gorm:"type:json" json:"metadata"`
	CreatedAt    time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func ActiveKeyFor(targetType, targetId string) string {
	return fmt.Sprintf("%s:%s", targetType, targetId)
}

func (j *SyncJob) Metadata() map[string]string {
	if len(j.MetadataJSON) == 0 {
		return map[string]string{}
	}
	var m map[string]string
	if err := json.Unmarshal(j.MetadataJSON, &m); err != nil || m == nil {
		return map[string]string{}
	}
	return m
}

func EncodeJobMetadata(m map[string]string) []byte {
	if len(m) == 0 {
		return nil
	}
	b, _ := json.Marshal(m)
	return b
}

// SyncHistory is the append-only audit record of one execution attempt.
// Created when the job goes running, finalized exactly once on a terminal
// transition, never mutated after.
type SyncHistory struct {
	ID             uint       `gorm:"primary_key" json:"id"`
	JobId          uint       `gorm:"index;not null" json:"job_id"`
	BusinessId     string     `gorm:"index;not null" json:"business_id"`
	Attempt        int        `gorm:"not null;default:0" json:"attempt"`
	StartedAt      time.Time  `json:"started_at"`
	FinishedAt     *time.Time `json:"finished_at"`
	DurationMs     int64      `json:"duration_ms"`
	RecordsAdded   int        `json:"records_added"`
	RecordsUpdated int        `json:"records_updated"`
	RecordsErrored int        `json:"records_errored"`
	MetadataJSON   []byte     `gorm:"type:json" json:"metadata"`
	CreatedAt      time.Time  `gorm:"autoCreateTime" json:"created_at"`
}

// SyncConflict records one field-level divergence surfaced during a run.
// Kept for reporting; it has no lifecycle of its own.
type SyncConflict struct {
	ID                uint           `gorm:"primary_key" json:"id"`
	JobId             uint           `gorm:"index" json:"job_id"`
	BusinessId        string         `gorm:"index;not null" json:"business_id"`
	ProductId         int            `gorm:"index;not null" json:"product_id"`
	FieldName         string         `gorm:"size:50;not null" json:"field_name"`
	LocalValue        string         `gorm:"size:100" json:"local_value"`
	RemoteValue       string         `gorm:"size:100" json:"remote_value"`
	Resolution        ConflictPolicy `gorm:"size:32" json:"resolution"`
	RecentLocalChange bool           `json:"recent_local_change"`
	Resolved          bool           `gorm:"default:false" json:"resolved"`
	DetectedAt        time.Time      `json:"detected_at"`
	CreatedAt         time.Time      `gorm:"autoCreateTime" json:"created_at"`
}
