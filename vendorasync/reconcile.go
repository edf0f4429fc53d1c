package vendorasync

import (
	"context"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/catalog_backend/config"
	"bitbucket.org/mmdatafocus/catalog_backend/models"
	"bitbucket.org/mmdatafocus/catalog_backend/utils"
	"github.com/sirupsen/logrus"
)

// Options configures one reconciliation pass. The policy rides on the run,
// not on individual entities.
type Options struct {
	Policy     models.ConflictPolicy
	Export     bool
	Import     bool
	ProductIds []int
	JobId      uint
}

// Result is the aggregate the scheduler attaches to the job's history record.
type Result struct {
	Exported    BatchOutcome
	Imported    BatchOutcome
	Conflicts   []models.SyncConflict
	Total       int
	Synced      int
	Errored     int
	SuccessRate float64
}

// Engine runs reconciliation passes against one remote catalog. The remote
// boundary and clock are injected so tests can run deterministically.
type Engine struct {
	Logger *logrus.Logger

	// RemoteFor builds the remote boundary for a connection's credentials.
	RemoteFor func(conn *models.StorefrontConnection) (RemoteCatalog, error)

	BatchSize          int
	BatchDelay         time.Duration
	RecentChangeWindow time.Duration

	now func() time.Time
}

func NewEngine(logger *logrus.Logger) *Engine {
	return &Engine{
		Logger: logger,
		RemoteFor: func(conn *models.StorefrontConnection) (RemoteCatalog, error) {
			return NewVendoraClient(conn.AuthSecretRef)
		},
		BatchSize:          utils.IntFromEnv("VENDORA_SYNC_BATCH_SIZE", 50),
		BatchDelay:         utils.DurationFromEnv("VENDORA_SYNC_BATCH_DELAY", 2*time.Second),
		RecentChangeWindow: utils.DurationFromEnv("VENDORA_RECENT_CHANGE_WINDOW", time.Hour),
		now:                time.Now,
	}
}

// Reconcile runs up to three phases — export, import, finalize — for one
// storefront connection. Per-item and per-batch failures are captured as
// outcome records; the pass itself only fails when the remote was unreachable
// for everything it tried.
func (e *Engine) Reconcile(ctx context.Context, conn *models.StorefrontConnection, opts Options) (*Result, error) {
	if conn == nil || conn.Status != models.StorefrontStatusConnected {
		return nil, fmt.Errorf("%w: storefront is not connected", models.ErrorInvalidState)
	}

	started := e.now()
	defer func() {
		reconcileDuration.WithLabelValues(string(opts.Policy)).Observe(e.now().Sub(started).Seconds())
	}()

	remote, err := e.RemoteFor(conn)
	if err != nil {
		return nil, err
	}

	products, err := models.ProductsEligibleForSync(ctx, conn.BusinessId, conn.LowStockThreshold, opts.ProductIds)
	if err != nil {
		return nil, err
	}

	result := &Result{}
	syncedIds := map[int]bool{}

	if opts.Export {
		result.Exported = e.exportPhase(ctx, remote, products, syncedIds)
	}
	if opts.Import {
		result.Imported = e.importPhase(ctx, remote, conn, products, opts, result, syncedIds)
	}

	result.Total = len(products)
	result.Synced = len(syncedIds)
	result.Errored = result.Exported.Errored + result.Imported.Errored
	if result.Total > 0 {
		result.SuccessRate = float64(result.Synced) / float64(result.Total)
	}

	now := e.now()
	if err := conn.MarkSynced(ctx, now, result.Errored == 0); err != nil {
		e.Logger.WithFields(logrus.Fields{
			"module":      "vendorasync",
			"funcName":    "Reconcile",
			"business_id": conn.BusinessId,
		}).Error(err.Error())
	}

	// Nothing synced and something failed: the remote was effectively
	// unreachable, so let the job-level retry machinery take over.
	if result.Errored > 0 && result.Synced == 0 && result.Total > 0 {
		return result, fmt.Errorf("%w: %d of %d entities failed", models.ErrorRemoteUnavailable, result.Errored, result.Total)
	}
	return result, nil
}

// exportPhase pushes locally-owned fields (stock, price, discount price) to
// the remote catalog in rate-limited batches.
func (e *Engine) exportPhase(ctx context.Context, remote RemoteCatalog, products []models.Product, syncedIds map[int]bool) BatchOutcome {
	exportable := make([]models.Product, 0, len(products))
	for _, p := range products {
		if p.RemoteId != "" {
			exportable = append(exportable, p)
		}
	}

	byRemoteId := make(map[string]models.Product, len(exportable))
	for _, p := range exportable {
		byRemoteId[p.RemoteId] = p
	}

	outcome := RunBatches(ctx, exportable, e.BatchSize, e.BatchDelay,
		func(p models.Product) string { return p.RemoteId },
		func(ctx context.Context, batch []models.Product) ([]ItemResult, error) {
			updates := make([]RemoteUpdate, 0, len(batch))
			for _, p := range batch {
				stock := p.StockQty
				price := p.SalesPrice
				discount := p.DiscountPrice
				updates = append(updates, RemoteUpdate{
					RemoteId:      p.RemoteId,
					Sku:           p.Sku,
					StockQty:      &stock,
					Price:         &price,
					DiscountPrice: &discount,
				})
			}
			outcomes, err := remote.BulkUpdate(ctx, updates)
			if err != nil {
				return nil, err
			}
			results := make([]ItemResult, 0, len(batch))
			answered := map[string]RemoteUpdateOutcome{}
			for _, o := range outcomes {
				answered[o.RemoteId] = o
			}
			for _, p := range batch {
				o, ok := answered[p.RemoteId]
				switch {
				case !ok:
					results = append(results, ItemResult{Key: p.RemoteId, Outcome: models.ItemOutcomeError, Reason: "no outcome returned"})
				case o.OK():
					results = append(results, ItemResult{Key: p.RemoteId, Outcome: models.ItemOutcomeSynced})
				default:
					results = append(results, ItemResult{Key: p.RemoteId, Outcome: models.ItemOutcomeError, Reason: o.Message})
				}
			}
			return results, nil
		})

	now := e.now()
	for _, r := range outcome.Results {
		if r.Outcome != models.ItemOutcomeSynced {
			continue
		}
		p, ok := byRemoteId[r.Key]
		if !ok {
			continue
		}
		syncedIds[p.ID] = true
		if err := p.TouchSynced(ctx, now); err != nil {
			e.Logger.WithFields(logrus.Fields{
				"module":     "vendorasync",
				"funcName":   "exportPhase",
				"product_id": p.ID,
			}).Error(err.Error())
		}
	}
	return outcome
}

// importPhase pulls the remote snapshot once, then resolves stock and price
// per product under the run's policy. Absent-in-remote is data (NOT_FOUND),
// not an error.
func (e *Engine) importPhase(
	ctx context.Context,
	remote RemoteCatalog,
	conn *models.StorefrontConnection,
	products []models.Product,
	opts Options,
	result *Result,
	syncedIds map[int]bool,
) BatchOutcome {
	outcome := BatchOutcome{}

	snapshot, err := remote.ExportSnapshot(ctx, SnapshotFilter{StoreId: conn.StoreId})
	if err != nil {
		// One call, one failure scope: every selected entity is errored,
		// but the run still completes and reports what export achieved.
		for _, p := range products {
			outcome.add(ItemResult{Key: p.RemoteId, Outcome: models.ItemOutcomeError, Reason: err.Error()})
		}
		return outcome
	}

	byRemoteId := make(map[string]RemoteEntity, len(snapshot))
	for _, entity := range snapshot {
		byRemoteId[entity.ID] = entity
	}

	now := e.now()
	for _, p := range products {
		if p.RemoteId == "" {
			outcome.add(ItemResult{Key: p.Sku, Outcome: models.ItemOutcomeSkipped, Reason: "no remote identity"})
			continue
		}
		entity, ok := byRemoteId[p.RemoteId]
		if !ok {
			outcome.add(ItemResult{Key: p.RemoteId, Outcome: models.ItemOutcomeNotFound})
			continue
		}

		recentChange := now.Sub(p.UpdatedAt) <= e.RecentChangeWindow
		updates := map[string]interface{}{}

		stockRes := ResolveField(FieldStock, p.StockQty, decimalFromNumber(entity.StockQty), opts.Policy, recentChange)
		if stockRes.Changed {
			updates["stock_qty"] = stockRes.NewValue
		}
		e.recordConflict(ctx, stockRes.Conflict, conn, p, opts, result)

		priceRes := ResolveField(FieldPrice, p.SalesPrice, decimalFromNumber(entity.Price), opts.Policy, recentChange)
		if priceRes.Changed {
			updates["sales_price"] = priceRes.NewValue
		}
		e.recordConflict(ctx, priceRes.Conflict, conn, p, opts, result)

		// Availability tracks remote presence regardless of policy.
		if remoteAvailable := entity.Available(); p.IsAvailable == nil || *p.IsAvailable != remoteAvailable {
			updates["is_available"] = remoteAvailable
		}

		if len(updates) == 0 {
			outcome.add(ItemResult{Key: p.RemoteId, Outcome: models.ItemOutcomeNoChanges})
			continue
		}

		if err := p.ApplyRemoteValues(ctx, updates, now); err != nil {
			outcome.add(ItemResult{Key: p.RemoteId, Outcome: models.ItemOutcomeError, Reason: err.Error()})
			continue
		}
		syncedIds[p.ID] = true
		outcome.add(ItemResult{Key: p.RemoteId, Outcome: models.ItemOutcomeSynced})
	}
	return outcome
}

func (e *Engine) recordConflict(ctx context.Context, conflict *models.SyncConflict, conn *models.StorefrontConnection, p models.Product, opts Options, result *Result) {
	if conflict == nil {
		return
	}
	conflict.JobId = opts.JobId
	conflict.BusinessId = conn.BusinessId
	conflict.ProductId = p.ID
	conflictsDetected.WithLabelValues(conflict.FieldName, string(opts.Policy)).Inc()

	if db := config.GetDB(); db != nil {
		if err := db.WithContext(ctx).Create(conflict).Error; err != nil {
			e.Logger.WithFields(logrus.Fields{
				"module":     "vendorasync",
				"funcName":   "recordConflict",
				"product_id": p.ID,
			}).Error(err.Error())
		}
	}
	result.Conflicts = append(result.Conflicts, *conflict)
}
