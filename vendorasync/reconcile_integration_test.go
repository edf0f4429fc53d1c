package vendorasync_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/catalog_backend/config"
	"bitbucket.org/mmdatafocus/catalog_backend/models"
	"bitbucket.org/mmdatafocus/catalog_backend/vendorasync"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

type fakeRemote struct {
	snapshot    []vendorasync.RemoteEntity
	snapshotErr error
	bulkErr     error
}

func (f *fakeRemote) ExportSnapshot(ctx context.Context, filter vendorasync.SnapshotFilter) ([]vendorasync.RemoteEntity, error) {
	if f.snapshotErr != nil {
		return nil, f.snapshotErr
	}
	return f.snapshot, nil
}

func (f *fakeRemote) BulkUpdate(ctx context.Context, updates []vendorasync.RemoteUpdate) ([]vendorasync.RemoteUpdateOutcome, error) {
	if f.bulkErr != nil {
		return nil, f.bulkErr
	}
	outcomes := make([]vendorasync.RemoteUpdateOutcome, 0, len(updates))
	for _, u := range updates {
		outcomes = append(outcomes, vendorasync.RemoteUpdateOutcome{RemoteId: u.RemoteId, Status: "ok"})
	}
	return outcomes, nil
}

func (f *fakeRemote) TestConnection(ctx context.Context) bool { return true }

func TestReconcileAgainstDatabase(t *testing.T) {
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires docker)")
	}

	ctx := context.Background()

	redisName, redisPort := startRedisContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(redisName) })

	mysqlName, mysqlPort := startMySQLContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(mysqlName) })

	t.Setenv("REDIS_ADDRESS", fmt.Sprintf("127.0.0.1:%s", redisPort))
	t.Setenv("DB_USER", "root")
	t.Setenv("DB_PASSWORD", "testpw")
	t.Setenv("DB_HOST", "127.0.0.1")
	t.Setenv("DB_PORT", mysqlPort)
	t.Setenv("DB_NAME", "catalog_test")

	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()
	models.MigrateTable()

	db := config.GetDB()
	businessID := "biz-reconcile-1"

	autoSync := true
	conn := &models.StorefrontConnection{
		BusinessId:        businessID,
		Provider:          "vendora",
		Status:            models.StorefrontStatusConnected,
		StoreId:           "store-1",
		StoreName:         "Reconcile Test Store",
		AutoSyncEnabled:   &autoSync,
		SyncIntervalHours: 24,
		LowStockThreshold: decimal.NewFromInt(5),
	}
	if err := db.WithContext(ctx).Create(conn).Error; err != nil {
		t.Fatalf("create connection: %v", err)
	}

	available := true
	p1 := &models.Product{
		BusinessId:  businessID,
		Name:        "Widget",
		Sku:         "SKU-1",
		RemoteId:    "R1",
		SalesPrice:  decimal.NewFromInt(100),
		StockQty:    decimal.NewFromInt(10),
		IsAvailable: &available,
	}
	p2 := &models.Product{
		BusinessId:  businessID,
		Name:        "Gadget",
		Sku:         "SKU-2",
		RemoteId:    "R2",
		SalesPrice:  decimal.NewFromInt(40),
		StockQty:    decimal.NewFromInt(3),
		IsAvailable: &available,
	}
	for _, p := range []*models.Product{p1, p2} {
		if err := db.WithContext(ctx).Create(p).Error; err != nil {
			t.Fatalf("create product %s: %v", p.Sku, err)
		}
	}

	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	remote := &fakeRemote{
		snapshot: []vendorasync.RemoteEntity{
			{ID: "R1", Sku: "SKU-1", Presence: "in_stock", StockQty: "10", Price: "120"},
		},
	}
	engine := vendorasync.NewEngine(logger)
	engine.RemoteFor = func(conn *models.StorefrontConnection) (vendorasync.RemoteCatalog, error) {
		return remote, nil
	}
	engine.BatchDelay = 0

	// Full two-way pass: both products export, R1 imports the remote price,
	// R2 is absent from the remote snapshot.
	result, err := engine.Reconcile(ctx, conn, vendorasync.Options{
		Policy: models.ConflictPolicyRemoteWins,
		Export: true,
		Import: true,
		JobId:  7,
	})
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if result.Total != 2 || result.Synced != 2 || result.Errored != 0 {
		t.Fatalf("unexpected totals: total=%d synced=%d errored=%d", result.Total, result.Synced, result.Errored)
	}
	if result.Exported.Succeeded != 2 {
		t.Fatalf("expected 2 exported, got %d", result.Exported.Succeeded)
	}
	if result.Imported.NotFound != 1 {
		t.Fatalf("expected R2 to be not_found, got %+v", result.Imported)
	}

	var got1 models.Product
	if err := db.WithContext(ctx).Where("id = ?", p1.ID).Take(&got1).Error; err != nil {
		t.Fatalf("reload p1: %v", err)
	}
	if !got1.SalesPrice.Equal(decimal.NewFromInt(120)) {
		t.Fatalf("expected remote price 120 applied, got %s", got1.SalesPrice)
	}
	if got1.LastSyncedAt == nil {
		t.Fatalf("expected p1 last_synced_at to be set")
	}

	var gotConn models.StorefrontConnection
	if err := db.WithContext(ctx).Where("id = ?", conn.ID).Take(&gotConn).Error; err != nil {
		t.Fatalf("reload connection: %v", err)
	}
	if gotConn.LastSyncAt == nil || gotConn.LastSuccessSyncAt == nil {
		t.Fatalf("expected both sync timestamps set, got %+v / %+v", gotConn.LastSyncAt, gotConn.LastSuccessSyncAt)
	}

	// Local edit, then a detect-only import: the price divergence is recorded
	// as a conflict and the local value stays untouched.
	if err := db.WithContext(ctx).
		Model(&models.Product{}).
		Where("id = ?", p1.ID).
		Update("sales_price", decimal.NewFromInt(150)).Error; err != nil {
		t.Fatalf("edit p1 price: %v", err)
	}

	result, err = engine.Reconcile(ctx, &gotConn, vendorasync.Options{
		Policy:     models.ConflictPolicyDetectOnly,
		Import:     true,
		ProductIds: []int{p1.ID},
		JobId:      8,
	})
	if err != nil {
		t.Fatalf("detect-only reconcile: %v", err)
	}
	if len(result.Conflicts) != 1 || result.Conflicts[0].FieldName != "price" {
		t.Fatalf("expected one price conflict, got %+v", result.Conflicts)
	}
	if !result.Conflicts[0].RecentLocalChange {
		t.Fatalf("expected conflict flagged as a recent local change")
	}

	var conflictCount int64
	if err := db.WithContext(ctx).
		Model(&models.SyncConflict{}).
		Where("business_id = ? AND product_id = ? AND job_id = ?", businessID, p1.ID, 8).
		Count(&conflictCount).Error; err != nil {
		t.Fatalf("count conflicts: %v", err)
	}
	if conflictCount != 1 {
		t.Fatalf("expected 1 persisted conflict, got %d", conflictCount)
	}

	if err := db.WithContext(ctx).Where("id = ?", p1.ID).Take(&got1).Error; err != nil {
		t.Fatalf("reload p1 after detect-only: %v", err)
	}
	if !got1.SalesPrice.Equal(decimal.NewFromInt(150)) {
		t.Fatalf("detect-only must not change values, got %s", got1.SalesPrice)
	}

	// Remote fully down: everything errors, nothing syncs, and the run
	// surfaces the unreachable-remote error for the retry machinery.
	remote.bulkErr = errors.New("vendora: 503 service unavailable")
	result, err = engine.Reconcile(ctx, &gotConn, vendorasync.Options{
		Policy: models.ConflictPolicyRemoteWins,
		Export: true,
		JobId:  9,
	})
	if !errors.Is(err, models.ErrorRemoteUnavailable) {
		t.Fatalf("expected remote-unavailable error, got %v", err)
	}
	if result == nil || result.Synced != 0 || result.Errored == 0 {
		t.Fatalf("expected all-errored result, got %+v", result)
	}
}

func startRedisContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("catalog-test-redis-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-p", "127.0.0.1:0:6379",
		"redis:7-alpine",
	)
	if err != nil {
		t.Fatalf("start redis container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "6379/tcp")
	if err != nil {
		t.Fatalf("redis docker port: %v", err)
	}
	// wait until ready
	deadline := time.Now().Add(60 * time.Second)
	for time.Now().Before(deadline) {
		_, err := dockerRun("exec", name, "redis-cli", "ping")
		if err == nil {
			return name, port
		}
		time.Sleep(250 * time.Millisecond)
	}
	t.Fatalf("redis did not become ready")
	return "", ""
}

func startMySQLContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("catalog-test-mysql-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-e", "MYSQL_ROOT_PASSWORD=testpw",
		"-e", "MYSQL_DATABASE=catalog_test",
		"-p", "127.0.0.1:0:3306",
		"mysql:8.0",
		"--default-authentication-plugin=mysql_native_password",
	)
	if err != nil {
		t.Fatalf("start mysql container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "3306/tcp")
	if err != nil {
		t.Fatalf("mysql docker port: %v", err)
	}
	// wait until ready
	deadline := time.Now().Add(120 * time.Second)
	for time.Now().Before(deadline) {
		_, err := dockerRun("exec", name, "mysqladmin", "ping", "-h", "127.0.0.1", "-ptestpw", "--silent")
		if err == nil {
			return name, port
		}
		time.Sleep(500 * time.Millisecond)
	}
	t.Fatalf("mysql did not become ready")
	return "", ""
}

func dockerHostPort(container, portProto string) (string, error) {
	out, err := dockerRun("port", container, portProto)
	if err != nil {
		return "", fmt.Errorf("docker port: %w: %s", err, out)
	}
	// Example: "127.0.0.1:49154\n"
	re := regexp.MustCompile(`:(\d+)`)
	m := re.FindStringSubmatch(out)
	if len(m) != 2 {
		return "", fmt.Errorf("unexpected docker port output: %q", out)
	}
	return m[1], nil
}

func dockerRmForce(container string) error {
	if strings.TrimSpace(container) == "" {
		return nil
	}
	_, err := dockerRun("rm", "-f", container)
	return err
}

func dockerRun(args ...string) (string, error) {
	cmd := exec.Command("docker", args...)
	b, err := cmd.CombinedOutput()
	return string(b), err
}
