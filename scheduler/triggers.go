package scheduler

import (
	"context"
	"strconv"
	"time"

	"bitbucket.org/mmdatafocus/catalog_backend/models"
	"bitbucket.org/mmdatafocus/catalog_backend/utils"
	"bitbucket.org/mmdatafocus/catalog_backend/vendorasync"
	"github.com/sirupsen/logrus"
)

// TriggerConfig tunes the three periodic trigger loops.
type TriggerConfig struct {
	UrgentInterval time.Duration
	UrgentCutoff   time.Duration
	UrgentPriority int

	RegularInterval time.Duration
	RegularPriority int

	ComprehensiveHourUTC  int
	ComprehensivePriority int
	ComprehensiveWait     time.Duration

	BatchLimit int
}

func TriggerConfigFromEnv() TriggerConfig {
	return TriggerConfig{
		UrgentInterval:        utils.DurationFromEnv("SYNC_URGENT_INTERVAL", 5*time.Minute),
		UrgentCutoff:          utils.DurationFromEnv("SYNC_URGENT_CUTOFF", 15*time.Minute),
		UrgentPriority:        utils.IntFromEnv("SYNC_URGENT_PRIORITY", 1),
		RegularInterval:       utils.DurationFromEnv("SYNC_REGULAR_INTERVAL", 30*time.Minute),
		RegularPriority:       utils.IntFromEnv("SYNC_REGULAR_PRIORITY", 5),
		ComprehensiveHourUTC:  utils.IntFromEnv("SYNC_COMPREHENSIVE_HOUR_UTC", 2),
		ComprehensivePriority: utils.IntFromEnv("SYNC_COMPREHENSIVE_PRIORITY", 9),
		ComprehensiveWait:     utils.DurationFromEnv("SYNC_COMPREHENSIVE_WAIT", time.Hour),
		BatchLimit:            utils.IntFromEnv("SYNC_TRIGGER_BATCH_LIMIT", 200),
	}
}

// Triggers schedules work on behalf of the three automatic sources. Duplicate
// requests across replicas are harmless: the active-key coalescing in the
// store merges them.
type Triggers struct {
	Scheduler *Scheduler
	Logger    *logrus.Logger
	Config    TriggerConfig
}

func NewTriggers(scheduler *Scheduler, logger *logrus.Logger, cfg TriggerConfig) *Triggers {
	return &Triggers{Scheduler: scheduler, Logger: logger, Config: cfg}
}

func (t *Triggers) Run(ctx context.Context) {
	go t.runUrgent(ctx)
	go t.runRegular(ctx)
	go t.runComprehensive(ctx)
}

// runUrgent watches for low stock. Urgent syncs export only, under LocalWins:
// the whole point is pushing the local stock level out before overselling.
func (t *Triggers) runUrgent(ctx context.Context) {
	ticker := time.NewTicker(t.Config.UrgentInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.urgentPass(ctx)
		}
	}
}

func (t *Triggers) urgentPass(ctx context.Context) {
	cutoff := time.Now().Add(-t.Config.UrgentCutoff)
	conns, err := models.ConnectionsWithUrgentStock(ctx, cutoff, t.Config.BatchLimit)
	if err != nil {
		t.logError("urgentPass", err)
		return
	}
	for _, conn := range conns {
		if _, err := t.Scheduler.Schedule(ctx, urgentRequest(conn, t.Config)); err != nil {
			t.logError("urgentPass", err)
		}
	}
}

func urgentRequest(conn models.StorefrontConnection, cfg TriggerConfig) vendorasync.ScheduleRequest {
	return vendorasync.ScheduleRequest{
		BusinessId: conn.BusinessId,
		Kind:       models.JobKindFullSync,
		TargetType: models.TargetTypeStorefront,
		TargetId:   strconv.FormatUint(uint64(conn.ID), 10),
		Priority:   cfg.UrgentPriority,
		Metadata: map[string]string{
			vendorasync.MetaPolicy:    string(models.ConflictPolicyLocalWins),
			vendorasync.MetaDirection: vendorasync.DirectionExport,
		},
		TriggeredBy: models.SyncTriggeredUrgent,
	}
}

// runRegular enqueues a bidirectional sync for every connection whose
// configured interval has elapsed.
func (t *Triggers) runRegular(ctx context.Context) {
	ticker := time.NewTicker(t.Config.RegularInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.regularPass(ctx)
		}
	}
}

func (t *Triggers) regularPass(ctx context.Context) {
	conns, err := models.ConnectionsDueForSync(ctx, time.Now(), t.Config.BatchLimit)
	if err != nil {
		t.logError("regularPass", err)
		return
	}
	for _, conn := range conns {
		if _, err := t.Scheduler.Schedule(ctx, regularRequest(conn, t.Config)); err != nil {
			t.logError("regularPass", err)
		}
	}
}

func regularRequest(conn models.StorefrontConnection, cfg TriggerConfig) vendorasync.ScheduleRequest {
	return vendorasync.ScheduleRequest{
		BusinessId: conn.BusinessId,
		Kind:       models.JobKindFullSync,
		TargetType: models.TargetTypeStorefront,
		TargetId:   strconv.FormatUint(uint64(conn.ID), 10),
		Priority:   cfg.RegularPriority,
		Metadata: map[string]string{
			vendorasync.MetaPolicy:    string(models.ConflictPolicyRemoteWins),
			vendorasync.MetaDirection: vendorasync.DirectionBidirectional,
		},
		TriggeredBy: models.SyncTriggeredRegular,
	}
}

// runComprehensive fires once a day at the configured UTC hour, walking all
// connections sequentially in detect-only mode. Sequential on purpose: this
// audit pass must not crowd out urgent and regular work.
func (t *Triggers) runComprehensive(ctx context.Context) {
	for {
		wait := untilNextHour(time.Now().UTC(), t.Config.ComprehensiveHourUTC)
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
			t.comprehensivePass(ctx)
		}
	}
}

func (t *Triggers) comprehensivePass(ctx context.Context) {
	conns, err := models.ActiveConnections(ctx, t.Config.BatchLimit)
	if err != nil {
		t.logError("comprehensivePass", err)
		return
	}
	for _, conn := range conns {
		if ctx.Err() != nil {
			return
		}
		job, err := t.Scheduler.Schedule(ctx, comprehensiveRequest(conn, t.Config))
		if err != nil {
			t.logError("comprehensivePass", err)
			continue
		}
		if _, err := t.Scheduler.WaitForJob(ctx, job.ID, t.Config.ComprehensiveWait); err != nil {
			t.logError("comprehensivePass", err)
		}
	}
}

// comprehensiveRequest builds the daily audit job: both directions run, but
// detect-only means the import side records divergence instead of resolving
// it.
func comprehensiveRequest(conn models.StorefrontConnection, cfg TriggerConfig) vendorasync.ScheduleRequest {
	return vendorasync.ScheduleRequest{
		BusinessId: conn.BusinessId,
		Kind:       models.JobKindFullSync,
		TargetType: models.TargetTypeStorefront,
		TargetId:   strconv.FormatUint(uint64(conn.ID), 10),
		Priority:   cfg.ComprehensivePriority,
		Metadata: map[string]string{
			vendorasync.MetaPolicy:    string(models.ConflictPolicyDetectOnly),
			vendorasync.MetaDirection: vendorasync.DirectionBidirectional,
		},
		TriggeredBy: models.SyncTriggeredComprehensive,
	}
}

func (t *Triggers) logError(funcName string, err error) {
	t.Logger.WithFields(logrus.Fields{
		"module":   "scheduler",
		"funcName": funcName,
	}).Error(err.Error())
}

// untilNextHour returns the wait until hour:00 UTC, tomorrow if already past.
func untilNextHour(now time.Time, hour int) time.Duration {
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, 0, 0, 0, time.UTC)
	if !next.After(now) {
		next = next.Add(24 * time.Hour)
	}
	return next.Sub(now)
}
