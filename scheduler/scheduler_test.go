package scheduler

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/catalog_backend/models"
	"bitbucket.org/mmdatafocus/catalog_backend/vendorasync"
	"github.com/sirupsen/logrus"
)

// memStore is a DB-free JobStore with the same coalescing and claiming
// semantics as the gorm implementation.
type memStore struct {
	mu   sync.Mutex
	seq  uint
	jobs map[uint]*models.SyncJob
}

func newMemStore() *memStore {
	return &memStore{jobs: map[uint]*models.SyncJob{}}
}

func (m *memStore) Insert(ctx context.Context, job *models.SyncJob) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := models.ActiveKeyFor(job.TargetType, job.TargetId)
	for _, existing := range m.jobs {
		if existing.ActiveKey != nil && *existing.ActiveKey == key {
			if existing.Status == models.JobStatusPending {
				if job.Priority < existing.Priority {
					existing.Priority = job.Priority
				}
				if job.ScheduledFor.Before(existing.ScheduledFor) {
					existing.ScheduledFor = job.ScheduledFor
				}
			}
			*job = *existing
			return true, nil
		}
	}

	m.seq++
	job.ID = m.seq
	job.ActiveKey = &key
	job.Status = models.JobStatusPending
	stored := *job
	m.jobs[job.ID] = &stored
	return false, nil
}

func (m *memStore) ClaimDue(ctx context.Context, now time.Time, limit int) ([]models.SyncJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var due []*models.SyncJob
	for _, job := range m.jobs {
		if job.Status == models.JobStatusPending && !job.ScheduledFor.After(now) {
			due = append(due, job)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].Priority != due[j].Priority {
			return due[i].Priority < due[j].Priority
		}
		if !due[i].ScheduledFor.Equal(due[j].ScheduledFor) {
			return due[i].ScheduledFor.Before(due[j].ScheduledFor)
		}
		return due[i].ID < due[j].ID
	})
	if len(due) > limit {
		due = due[:limit]
	}

	claimed := make([]models.SyncJob, 0, len(due))
	for _, job := range due {
		job.Status = models.JobStatusRunning
		startedAt := now
		job.StartedAt = &startedAt
		claimed = append(claimed, *job)
	}
	return claimed, nil
}

func (m *memStore) Get(ctx context.Context, jobId uint) (*models.SyncJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobId]
	if !ok {
		return nil, models.ErrorRecordNotFound
	}
	copied := *job
	return &copied, nil
}

func (m *memStore) Requeue(ctx context.Context, job *models.SyncJob, nextRun time.Time, lastError string, counts AttemptCounts) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.jobs[job.ID]
	if !ok {
		return models.ErrorRecordNotFound
	}
	stored.Status = models.JobStatusPending
	stored.RetryCount++
	stored.ScheduledFor = nextRun
	stored.StartedAt = nil
	stored.LastError = lastError
	*job = *stored
	return nil
}

func (m *memStore) Finalize(ctx context.Context, job *models.SyncJob, status models.JobStatus, lastError string, counts AttemptCounts) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.jobs[job.ID]
	if !ok {
		return models.ErrorRecordNotFound
	}
	now := time.Now()
	stored.Status = status
	stored.CompletedAt = &now
	stored.ActiveKey = nil
	stored.LastError = lastError
	*job = *stored
	return nil
}

func (m *memStore) CancelPending(ctx context.Context, jobId uint, businessId string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobId]
	if !ok || job.BusinessId != businessId || job.Status != models.JobStatusPending {
		return false, nil
	}
	now := time.Now()
	job.Status = models.JobStatusCancelled
	job.CompletedAt = &now
	job.ActiveKey = nil
	return true, nil
}

func (m *memStore) ReclaimStaleRunning(ctx context.Context, staleBefore time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, job := range m.jobs {
		if job.Status == models.JobStatusRunning && job.StartedAt != nil && !job.StartedAt.After(staleBefore) {
			now := time.Now()
			job.Status = models.JobStatusTimeout
			job.CompletedAt = &now
			job.ActiveKey = nil
			n++
		}
	}
	return n, nil
}

func (m *memStore) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, job := range m.jobs {
		if job.Status.IsTerminal() && job.CompletedAt != nil && !job.CompletedAt.After(cutoff) {
			delete(m.jobs, id)
			n++
		}
	}
	return n, nil
}

type fakeQuota struct {
	allow    bool
	consumed int
	released int
}

func (q *fakeQuota) CheckQuota(ctx context.Context, businessId, resource string) (bool, error) {
	return q.allow, nil
}

func (q *fakeQuota) ConsumeQuota(ctx context.Context, businessId, resource string, amount int) error {
	q.consumed += amount
	return nil
}

func (q *fakeQuota) ReleaseQuota(ctx context.Context, businessId, resource string, amount int) error {
	q.released += amount
	return nil
}

type fakeReconciler struct {
	mu      sync.Mutex
	calls   int
	err     error
	result  *vendorasync.Result
	blockOn bool
}

func (f *fakeReconciler) Reconcile(ctx context.Context, conn *models.StorefrontConnection, opts vendorasync.Options) (*vendorasync.Result, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.blockOn {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.result != nil {
		return f.result, f.err
	}
	return &vendorasync.Result{}, f.err
}

func testScheduler(t *testing.T, store JobStore, quota Quota, sync Reconciler) *Scheduler {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	s := New(store, quota, sync, nil, logger, Config{
		MaxConcurrentJobs: 5,
		TickInterval:      10 * time.Millisecond,
		JobTimeout:        time.Minute,
		BackoffBase:       2 * time.Minute,
		DefaultMaxRetries: 3,
	})
	s.Publish = nil
	s.ConnFor = func(ctx context.Context, job *models.SyncJob) (*models.StorefrontConnection, error) {
		return &models.StorefrontConnection{
			ID:         1,
			BusinessId: job.BusinessId,
			Status:     models.StorefrontStatusConnected,
		}, nil
	}
	return s
}

func scheduleOne(t *testing.T, s *Scheduler, priority int) *models.SyncJob {
	t.Helper()
	job, err := s.Schedule(context.Background(), vendorasync.ScheduleRequest{
		BusinessId:  "biz-1",
		Kind:        models.JobKindFullSync,
		TargetType:  models.TargetTypeStorefront,
		TargetId:    "1",
		Priority:    priority,
		TriggeredBy: models.SyncTriggeredManual,
	})
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	return job
}

func TestSchedule_CoalescesIntoActiveJob(t *testing.T) {
	store := newMemStore()
	quota := &fakeQuota{allow: true}
	s := testScheduler(t, store, quota, &fakeReconciler{})

	first := scheduleOne(t, s, 5)
	second := scheduleOne(t, s, 1)

	if first.ID != second.ID {
		t.Fatalf("expected coalescing into job %d, got a new job %d", first.ID, second.ID)
	}
	if second.Priority != 1 {
		t.Fatalf("coalescing should keep the more urgent priority, got %d", second.Priority)
	}
	if quota.consumed != 1 {
		t.Fatalf("a coalesced request must not consume quota, consumed=%d", quota.consumed)
	}
}

func TestSchedule_QuotaExceeded(t *testing.T) {
	s := testScheduler(t, newMemStore(), &fakeQuota{allow: false}, &fakeReconciler{})
	_, err := s.Schedule(context.Background(), vendorasync.ScheduleRequest{
		BusinessId: "biz-1",
		Kind:       models.JobKindFullSync,
		TargetType: models.TargetTypeStorefront,
		TargetId:   "1",
	})
	if !errors.Is(err, models.ErrorQuotaExceeded) {
		t.Fatalf("expected ErrorQuotaExceeded, got %v", err)
	}
}

func TestSchedule_RejectsUnknownKind(t *testing.T) {
	s := testScheduler(t, newMemStore(), &fakeQuota{allow: true}, &fakeReconciler{})
	_, err := s.Schedule(context.Background(), vendorasync.ScheduleRequest{
		BusinessId: "biz-1",
		Kind:       models.JobKind("mystery"),
		TargetType: models.TargetTypeStorefront,
		TargetId:   "1",
	})
	if !errors.Is(err, models.ErrorInvalidArgument) {
		t.Fatalf("expected ErrorInvalidArgument, got %v", err)
	}
}

func TestClaimDue_PriorityThenScheduleOrder(t *testing.T) {
	store := newMemStore()
	s := testScheduler(t, store, &fakeQuota{allow: true}, &fakeReconciler{})

	for i, prio := range []int{5, 1, 3} {
		_, err := s.Schedule(context.Background(), vendorasync.ScheduleRequest{
			BusinessId: "biz-1",
			Kind:       models.JobKindFullSync,
			TargetType: models.TargetTypeStorefront,
			TargetId:   string(rune('a' + i)),
			Priority:   prio,
		})
		if err != nil {
			t.Fatalf("Schedule: %v", err)
		}
	}

	claimed, err := store.ClaimDue(context.Background(), time.Now(), 2)
	if err != nil {
		t.Fatalf("ClaimDue: %v", err)
	}
	if len(claimed) != 2 {
		t.Fatalf("limit 2 should claim 2 jobs, got %d", len(claimed))
	}
	if claimed[0].Priority != 1 || claimed[1].Priority != 3 {
		t.Fatalf("expected priorities [1 3], got [%d %d]", claimed[0].Priority, claimed[1].Priority)
	}
}

func TestRunOnce_SuccessCompletesJob(t *testing.T) {
	store := newMemStore()
	rec := &fakeReconciler{result: &vendorasync.Result{Synced: 7, Total: 7}}
	s := testScheduler(t, store, &fakeQuota{allow: true}, rec)

	job := scheduleOne(t, s, 5)
	if n := s.RunOnce(context.Background()); n != 1 {
		t.Fatalf("expected 1 job executed, got %d", n)
	}

	got, _ := store.Get(context.Background(), job.ID)
	if got.Status != models.JobStatusCompleted {
		t.Fatalf("expected completed, got %s", got.Status)
	}
	if got.ActiveKey != nil {
		t.Fatal("terminal job must release its active key")
	}
}

func TestRunOnce_FailureRetriesWithBackoff(t *testing.T) {
	store := newMemStore()
	rec := &fakeReconciler{err: models.ErrorRemoteUnavailable}
	s := testScheduler(t, store, &fakeQuota{allow: true}, rec)

	job := scheduleOne(t, s, 5)
	before := time.Now()
	s.RunOnce(context.Background())

	got, _ := store.Get(context.Background(), job.ID)
	if got.Status != models.JobStatusPending {
		t.Fatalf("first failure should requeue, got %s", got.Status)
	}
	if got.RetryCount != 1 {
		t.Fatalf("expected retry count 1, got %d", got.RetryCount)
	}
	if got.ScheduledFor.Before(before.Add(s.Config.BackoffBase)) {
		t.Fatalf("retry must back off at least %s, scheduled for %s", s.Config.BackoffBase, got.ScheduledFor)
	}
}

func TestRunOnce_RetriesExhaustedGoesFailed(t *testing.T) {
	store := newMemStore()
	rec := &fakeReconciler{err: models.ErrorRemoteUnavailable}
	s := testScheduler(t, store, &fakeQuota{allow: true}, rec)
	s.Config.BackoffBase = 0

	job := scheduleOne(t, s, 5)
	for i := 0; i <= s.Config.DefaultMaxRetries; i++ {
		s.RunOnce(context.Background())
	}

	got, _ := store.Get(context.Background(), job.ID)
	if got.Status != models.JobStatusFailed {
		t.Fatalf("expected failed after retries ran out, got %s (retries=%d)", got.Status, got.RetryCount)
	}
	if got.RetryCount != s.Config.DefaultMaxRetries {
		t.Fatalf("expected %d retries consumed, got %d", s.Config.DefaultMaxRetries, got.RetryCount)
	}
	if rec.calls != s.Config.DefaultMaxRetries+1 {
		t.Fatalf("expected %d attempts, got %d", s.Config.DefaultMaxRetries+1, rec.calls)
	}
}

func TestRunOnce_DeadlineGoesTimeoutWithoutConsumingRetry(t *testing.T) {
	store := newMemStore()
	rec := &fakeReconciler{blockOn: true}
	s := testScheduler(t, store, &fakeQuota{allow: true}, rec)
	s.Config.JobTimeout = 20 * time.Millisecond

	job := scheduleOne(t, s, 5)
	s.RunOnce(context.Background())

	got, _ := store.Get(context.Background(), job.ID)
	if got.Status != models.JobStatusTimeout {
		t.Fatalf("expected timeout, got %s", got.Status)
	}
	if got.RetryCount != 0 {
		t.Fatalf("a timeout must not consume a retry, got %d", got.RetryCount)
	}
	if got.ActiveKey != nil {
		t.Fatal("timed-out job must release its active key")
	}
}

func TestCancel_PendingOnly(t *testing.T) {
	store := newMemStore()
	quota := &fakeQuota{allow: true}
	s := testScheduler(t, store, quota, &fakeReconciler{})

	job := scheduleOne(t, s, 5)
	cancelled, err := s.Cancel(context.Background(), job.ID, "biz-1")
	if err != nil || !cancelled {
		t.Fatalf("pending job should cancel, got cancelled=%v err=%v", cancelled, err)
	}
	if quota.released != 1 {
		t.Fatalf("cancelling must release the quota slot, released=%d", quota.released)
	}

	got, _ := store.Get(context.Background(), job.ID)
	if got.Status != models.JobStatusCancelled {
		t.Fatalf("expected cancelled, got %s", got.Status)
	}

	// Once cancelled the job is terminal; cancelling again is a no-op.
	cancelled, err = s.Cancel(context.Background(), job.ID, "biz-1")
	if err != nil || cancelled {
		t.Fatalf("terminal job must not cancel again, got cancelled=%v err=%v", cancelled, err)
	}
}

func TestCancel_WrongBusinessIsUnauthorized(t *testing.T) {
	store := newMemStore()
	s := testScheduler(t, store, &fakeQuota{allow: true}, &fakeReconciler{})

	job := scheduleOne(t, s, 5)
	cancelled, err := s.Cancel(context.Background(), job.ID, "someone-else")
	if !errors.Is(err, models.ErrorUnauthorized) {
		t.Fatalf("expected unauthorized for a non-owner, got cancelled=%v err=%v", cancelled, err)
	}

	got, _ := store.Get(context.Background(), job.ID)
	if got.Status != models.JobStatusPending {
		t.Fatalf("job must be untouched, got %s", got.Status)
	}
}

func TestCancel_MissingJobIsNotFound(t *testing.T) {
	store := newMemStore()
	s := testScheduler(t, store, &fakeQuota{allow: true}, &fakeReconciler{})

	_, err := s.Cancel(context.Background(), 12345, "biz-1")
	if !errors.Is(err, models.ErrorRecordNotFound) {
		t.Fatalf("expected not-found for a missing job, got %v", err)
	}
}

func TestCancel_NilQuotaDoesNotPanic(t *testing.T) {
	store := newMemStore()
	s := testScheduler(t, store, &fakeQuota{allow: true}, &fakeReconciler{})
	job := scheduleOne(t, s, 5)

	s.Quota = nil
	cancelled, err := s.Cancel(context.Background(), job.ID, "biz-1")
	if err != nil || !cancelled {
		t.Fatalf("quota-less cancel should succeed, got cancelled=%v err=%v", cancelled, err)
	}
}

func TestSchedule_NewJobAfterTerminal(t *testing.T) {
	store := newMemStore()
	rec := &fakeReconciler{result: &vendorasync.Result{Synced: 1, Total: 1}}
	s := testScheduler(t, store, &fakeQuota{allow: true}, rec)

	first := scheduleOne(t, s, 5)
	s.RunOnce(context.Background())

	second := scheduleOne(t, s, 5)
	if first.ID == second.ID {
		t.Fatal("a completed job must not absorb new schedule requests")
	}
}

func TestUntilNextHour(t *testing.T) {
	now := time.Date(2026, 3, 10, 1, 0, 0, 0, time.UTC)
	if got := untilNextHour(now, 2); got != time.Hour {
		t.Fatalf("expected 1h until 02:00, got %s", got)
	}
	now = time.Date(2026, 3, 10, 2, 0, 0, 0, time.UTC)
	if got := untilNextHour(now, 2); got != 24*time.Hour {
		t.Fatalf("exactly at the hour means tomorrow, got %s", got)
	}
	now = time.Date(2026, 3, 10, 23, 30, 0, 0, time.UTC)
	if got := untilNextHour(now, 2); got != 2*time.Hour+30*time.Minute {
		t.Fatalf("expected 2h30m, got %s", got)
	}
}
