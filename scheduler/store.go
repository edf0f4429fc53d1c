package scheduler

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/catalog_backend/config"
	"bitbucket.org/mmdatafocus/catalog_backend/models"
	mysqldrv "github.com/go-sql-driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// AttemptCounts closes one history record.
type AttemptCounts struct {
	Added   int
	Updated int
	Errored int
}

// JobStore is the scheduler's persistence boundary. The gorm implementation
// below is the production one; tests substitute an in-memory store.
type JobStore interface {
	// Insert creates the job, or coalesces it into the existing active job
	// for the same target. Coalescing keeps the sooner schedule and the more
	// urgent priority. The stored job is written back through the pointer.
	Insert(ctx context.Context, job *models.SyncJob) (coalesced bool, err error)

	// ClaimDue atomically claims up to limit due pending jobs, marks them
	// running and opens a history record per claim. Safe to call from
	// multiple processes.
	ClaimDue(ctx context.Context, now time.Time, limit int) ([]models.SyncJob, error)

	Get(ctx context.Context, jobId uint) (*models.SyncJob, error)

	// Requeue re-arms a failed attempt: back to pending with the retry count
	// bumped, and the open history record closed.
	Requeue(ctx context.Context, job *models.SyncJob, nextRun time.Time, lastError string, counts AttemptCounts) error

	// Finalize moves the job to a terminal status, clears the active key and
	// closes the open history record.
	Finalize(ctx context.Context, job *models.SyncJob, status models.JobStatus, lastError string, counts AttemptCounts) error

	// CancelPending cancels the job only if it is still pending. Reports
	// whether the transition happened.
	CancelPending(ctx context.Context, jobId uint, businessId string) (bool, error)

	// ReclaimStaleRunning times out running jobs whose start predates the
	// cutoff. Covers jobs orphaned by a crashed process.
	ReclaimStaleRunning(ctx context.Context, staleBefore time.Time) (int64, error)

	// DeleteTerminalBefore purges terminal jobs (and their history and
	// conflicts) older than the cutoff.
	DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

type gormJobStore struct {
	db *gorm.DB
}

func NewJobStore(db *gorm.DB) JobStore {
	return &gormJobStore{db: db}
}

// NewLazyJobStore resolves the global gorm handle per call, so the scheduler
// can be wired before the database connection is established.
func NewLazyJobStore() JobStore {
	return &gormJobStore{}
}

func (s *gormJobStore) conn() *gorm.DB {
	if s.db != nil {
		return s.db
	}
	return config.GetDB()
}

func (s *gormJobStore) Insert(ctx context.Context, job *models.SyncJob) (bool, error) {
	key := models.ActiveKeyFor(job.TargetType, job.TargetId)
	job.ActiveKey = &key
	job.Status = models.JobStatusPending

	err := s.conn().WithContext(ctx).Create(job).Error
	if err == nil {
		return false, nil
	}
	if !isDuplicateKey(err) {
		return false, err
	}

	// An active job for this target already exists; merge into it.
	var existing models.SyncJob
	if err := s.conn().WithContext(ctx).
		Where("active_key = ?", key).
		Take(&existing).Error; err != nil {
		return false, err
	}

	updates := map[string]interface{}{}
	if existing.Status == models.JobStatusPending {
		if job.Priority < existing.Priority {
			updates["priority"] = job.Priority
		}
		if job.ScheduledFor.Before(existing.ScheduledFor) {
			updates["scheduled_for"] = job.ScheduledFor
		}
	}
	if len(updates) > 0 {
		if err := s.conn().WithContext(ctx).
			Model(&models.SyncJob{}).
			Where("id = ? AND status = ?", existing.ID, models.JobStatusPending).
			Updates(updates).Error; err != nil {
			return false, err
		}
		if err := s.conn().WithContext(ctx).Where("id = ?", existing.ID).Take(&existing).Error; err != nil {
			return false, err
		}
	}
	*job = existing
	return true, nil
}

func (s *gormJobStore) ClaimDue(ctx context.Context, now time.Time, limit int) ([]models.SyncJob, error) {
	if limit <= 0 {
		return nil, nil
	}

	var claimed []models.SyncJob
	err := s.conn().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx.
			Where("status = ? AND scheduled_for <= ?", models.JobStatusPending, now).
			Order("priority ASC, scheduled_for ASC, id ASC").
			Limit(limit).
			Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		if err := q.Find(&claimed).Error; err != nil {
			return err
		}
		if len(claimed) == 0 {
			return nil
		}
		for i := range claimed {
			claimed[i].Status = models.JobStatusRunning
			startedAt := now
			claimed[i].StartedAt = &startedAt
			if err := tx.Model(&models.SyncJob{}).
				Where("id = ?", claimed[i].ID).
				Updates(map[string]interface{}{
					"status":     models.JobStatusRunning,
					"started_at": &startedAt,
				}).Error; err != nil {
				return err
			}
			history := models.SyncHistory{
				JobId:      claimed[i].ID,
				BusinessId: claimed[i].BusinessId,
				Attempt:    claimed[i].RetryCount,
				StartedAt:  now,
			}
			if err := tx.Create(&history).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (s *gormJobStore) Get(ctx context.Context, jobId uint) (*models.SyncJob, error) {
	var job models.SyncJob
	err := s.conn().WithContext(ctx).Where("id = ?", jobId).Take(&job).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, models.ErrorRecordNotFound
		}
		return nil, err
	}
	return &job, nil
}

func (s *gormJobStore) Requeue(ctx context.Context, job *models.SyncJob, nextRun time.Time, lastError string, counts AttemptCounts) error {
	return s.conn().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.closeHistory(tx, job, counts); err != nil {
			return err
		}
		if err := tx.Model(&models.SyncJob{}).
			Where("id = ? AND status = ?", job.ID, models.JobStatusRunning).
			Updates(map[string]interface{}{
				"status":        models.JobStatusPending,
				"retry_count":   gorm.Expr("retry_count + 1"),
				"scheduled_for": nextRun,
				"started_at":    nil,
				"last_error":    lastError,
			}).Error; err != nil {
			return err
		}
		job.Status = models.JobStatusPending
		job.RetryCount++
		job.ScheduledFor = nextRun
		job.StartedAt = nil
		job.LastError = lastError
		return nil
	})
}

func (s *gormJobStore) Finalize(ctx context.Context, job *models.SyncJob, status models.JobStatus, lastError string, counts AttemptCounts) error {
	if !status.IsTerminal() {
		return models.ErrorInvalidState
	}
	now := time.Now()
	return s.conn().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.closeHistory(tx, job, counts); err != nil {
			return err
		}
		if err := tx.Model(&models.SyncJob{}).
			Where("id = ?", job.ID).
			Updates(map[string]interface{}{
				"status":       status,
				"completed_at": &now,
				"active_key":   nil,
				"last_error":   lastError,
			}).Error; err != nil {
			return err
		}
		job.Status = status
		job.CompletedAt = &now
		job.ActiveKey = nil
		job.LastError = lastError
		return nil
	})
}

func (s *gormJobStore) CancelPending(ctx context.Context, jobId uint, businessId string) (bool, error) {
	now := time.Now()
	res := s.conn().WithContext(ctx).
		Model(&models.SyncJob{}).
		Where("id = ? AND business_id = ? AND status = ?", jobId, businessId, models.JobStatusPending).
		Updates(map[string]interface{}{
			"status":       models.JobStatusCancelled,
			"completed_at": &now,
			"active_key":   nil,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (s *gormJobStore) ReclaimStaleRunning(ctx context.Context, staleBefore time.Time) (int64, error) {
	now := time.Now()
	res := s.conn().WithContext(ctx).
		Model(&models.SyncJob{}).
		Where("status = ? AND started_at IS NOT NULL AND started_at <= ?", models.JobStatusRunning, staleBefore).
		Updates(map[string]interface{}{
			"status":       models.JobStatusTimeout,
			"completed_at": &now,
			"active_key":   nil,
			"last_error":   "job exceeded its execution deadline",
		})
	return res.RowsAffected, res.Error
}

func (s *gormJobStore) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	terminal := []models.JobStatus{
		models.JobStatusCompleted,
		models.JobStatusFailed,
		models.JobStatusCancelled,
		models.JobStatusTimeout,
	}

	var removed int64
	err := s.conn().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var ids []uint
		if err := tx.Model(&models.SyncJob{}).
			Where("status IN ? AND completed_at IS NOT NULL AND completed_at <= ?", terminal, cutoff).
			Pluck("id", &ids).Error; err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}
		if err := tx.Where("job_id IN ?", ids).Delete(&models.SyncHistory{}).Error; err != nil {
			return err
		}
		if err := tx.Where("job_id IN ?", ids).Delete(&models.SyncConflict{}).Error; err != nil {
			return err
		}
		res := tx.Where("id IN ?", ids).Delete(&models.SyncJob{})
		if res.Error != nil {
			return res.Error
		}
		removed = res.RowsAffected
		return nil
	})
	return removed, err
}

// closeHistory stamps the open attempt record for the job. At most one is
// open at a time; claims always open exactly one.
func (s *gormJobStore) closeHistory(tx *gorm.DB, job *models.SyncJob, counts AttemptCounts) error {
	var history models.SyncHistory
	err := tx.Where("job_id = ? AND finished_at IS NULL", job.ID).
		Order("id DESC").
		Take(&history).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		return err
	}
	now := time.Now()
	return tx.Model(&models.SyncHistory{}).
		Where("id = ?", history.ID).
		Updates(map[string]interface{}{
			"finished_at":     &now,
			"duration_ms":     now.Sub(history.StartedAt).Milliseconds(),
			"records_added":   counts.Added,
			"records_updated": counts.Updated,
			"records_errored": counts.Errored,
		}).Error
}

func isDuplicateKey(err error) bool {
	var mysqlErr *mysqldrv.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	return errors.Is(err, gorm.ErrDuplicatedKey)
}
