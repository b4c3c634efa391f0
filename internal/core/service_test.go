package core

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	checkmem "github.com/TeroTong/Revisit/internal/infra/checkpoint/memory"
	storemem "github.com/TeroTong/Revisit/internal/infra/persistence/memory"
	"github.com/TeroTong/Revisit/pkg/domain"
)

type engineFixture struct {
	engine      *Engine
	primary     *storemem.Store
	checkpoints *checkmem.Store
	graph       *fakeGraph
	vector      *fakeVector
	analytics   *fakeAnalytics
}

func newEngineFixture(t *testing.T, opts Options) *engineFixture {
	t.Helper()
	mem := storemem.NewStore()
	return newEngineFixtureOver(t, mem, mem, opts)
}

// newEngineFixtureOver builds the engine over primary while keeping mem (the
// backing document store) reachable for assertions; tests pass a wrapper as
// primary to inject failures.
func newEngineFixtureOver(t *testing.T, primary domain.PrimaryStore, mem *storemem.Store, opts Options) *engineFixture {
	t.Helper()
	f := &engineFixture{
		primary:     mem,
		checkpoints: checkmem.NewStore(),
		graph:       &fakeGraph{},
		vector:      &fakeVector{},
		analytics:   &fakeAnalytics{},
	}
	if opts.Dispatcher.Retries == 0 {
		opts.Dispatcher.Retries = 2
	}
	f.engine = NewEngine(primary, f.checkpoints, f.graph, f.vector, f.analytics,
		nil, nil, quietLogger(), opts)
	f.engine.sleep = func(context.Context, time.Duration) error { return nil }
	f.engine.dispatcher.sleep = func(context.Context, time.Duration) error { return nil }
	return f
}

// flakyPrimary fails transactions with an infrastructure error. failures > 0
// fails that many calls then recovers; failures < 0 fails forever. When org
// is set only that organization's transactions fail.
type flakyPrimary struct {
	*storemem.Store
	mu       sync.Mutex
	failures int
	org      string
}

func (p *flakyPrimary) RunInTransaction(ctx context.Context, org string, fn func(domain.Transaction) error) error {
	p.mu.Lock()
	fail := false
	if p.org == "" || p.org == org {
		if p.failures > 0 {
			p.failures--
			fail = true
		} else if p.failures < 0 {
			fail = true
		}
	}
	p.mu.Unlock()
	if fail {
		return errors.New("primary unavailable")
	}
	return p.Store.RunInTransaction(ctx, org, fn)
}

func writeInitialDump(t *testing.T, root string) {
	t.Helper()
	common := filepath.Join(root, CommonDir)
	if err := os.MkdirAll(common, 0o755); err != nil {
		t.Fatal(err)
	}
	writeBatchFile(t, common, "institutions.json",
		`[{"institution_code":"BJ-HA-001","name":"Haidian Clinic","type":"CLINIC"}]`)
	writeBatchFile(t, common, "doctors.json",
		`[{"doctor_code":"D001","name":"Dr. Chen","institution_code":"BJ-HA-001","title":"Chief"}]`)
	writeBatchFile(t, common, "projects.json",
		`[{"project_code":"PRJ-001","name":"Laser Treatment"}]`)
	writeBatchFile(t, common, "products.json",
		`[{"product_code":"PRD-001","name":"Repair Serum"}]`)
	writeBatchFile(t, common, "medical_relations.json",
		`[{"source_code":"PRJ-001","target_code":"PRD-001","relation":"REQUIRES","weight":0.9}]`)

	orgDir := filepath.Join(root, InstitutionsDir, "BJ-HA-001")
	if err := os.MkdirAll(orgDir, 0o755); err != nil {
		t.Fatal(err)
	}
	writeBatchFile(t, orgDir, "customers.json",
		`[{"customer_code":"BJ-HA-001-C0001","person":{"name":"Li Na"},"vip_level":"GOLD"}]`)
	writeBatchFile(t, orgDir, "consumption_records.json",
		`[{"order_number":"BJ-HA-001-ORD-20260115-0001","customer_code":"BJ-HA-001-C0001","order_date":"2026-01-15","total_amount":500,"actual_amount":450,"items":[{"item_code":"PRJ-001","quantity":1,"unit_price":500,"actual_price":450}]}]`)
}

func TestRunFullImport(t *testing.T) {
	root := t.TempDir()
	writeInitialDump(t, root)
	f := newEngineFixture(t, Options{Workers: 2})

	report, err := f.engine.RunFullImport(context.Background(), root)
	if err != nil {
		t.Fatalf("full import: %v", err)
	}
	for _, entity := range domain.ImportOrder {
		if report.Counts[entity].Applied != 1 {
			t.Fatalf("%s applied = %d, want 1", entity, report.Counts[entity].Applied)
		}
	}
	if f.primary.Count(domain.EntityCustomer, "BJ-HA-001") != 1 {
		t.Fatal("customer row missing")
	}
	if !f.primary.HasPartition("BJ-HA-001", domain.EntityTransaction) {
		t.Fatal("transaction partition not provisioned")
	}
	if len(f.graph.vertices) == 0 || len(f.graph.edges) == 0 {
		t.Fatal("graph not populated")
	}
	if len(f.analytics.rows) == 0 {
		t.Fatal("analytics not populated")
	}

	// Aggregates computed during the dump import.
	doc := getCustomer(t, f.primary, "BJ-HA-001-C0001")
	if doc["consumption_count"] != float64(1) || doc["total_consumption"] != float64(450) {
		t.Fatalf("aggregates = %v", doc)
	}
}

func TestRunFullImportSurfacesInstitutionsReadError(t *testing.T) {
	root := t.TempDir()
	writeInitialDump(t, root)
	// Replace the institutions directory with a plain file: reading it fails
	// with something other than not-exist, which must abort the run.
	if err := os.RemoveAll(filepath.Join(root, InstitutionsDir)); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, InstitutionsDir), []byte("not a directory"), 0o644); err != nil {
		t.Fatal(err)
	}

	f := newEngineFixture(t, Options{})
	if _, err := f.engine.RunFullImport(context.Background(), root); err == nil {
		t.Fatal("unreadable institutions directory must fail the run")
	}
}

func TestRunFullImportRerunConverges(t *testing.T) {
	root := t.TempDir()
	writeInitialDump(t, root)
	f := newEngineFixture(t, Options{})

	ctx := context.Background()
	if _, err := f.engine.RunFullImport(ctx, root); err != nil {
		t.Fatal(err)
	}
	if _, err := f.engine.RunFullImport(ctx, root); err != nil {
		t.Fatal(err)
	}
	if got := f.primary.Count(domain.EntityCustomer, "BJ-HA-001"); got != 1 {
		t.Fatalf("customer rows after re-run = %d", got)
	}
	doc := getCustomer(t, f.primary, "BJ-HA-001-C0001")
	if doc["consumption_count"] != float64(1) {
		t.Fatalf("re-run must not double-count aggregates: %v", doc)
	}
}

func writePendingFile(t *testing.T, dataRoot, date, name, content string) string {
	t.Helper()
	dir := filepath.Join(dataRoot, IncrementalDir, PendingDir, date)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	return writeBatchFile(t, dir, name, content)
}

func TestRunIncrementalImport(t *testing.T) {
	dataRoot := t.TempDir()
	date := "2026-01-16"
	writePendingFile(t, dataRoot, date, "customers_add.json",
		`[{"customer_code":"BJ-HA-001-C0002","person":{"name":"Wang"},"vip_level":"SILVER"}]`)
	writePendingFile(t, dataRoot, date, "customers_update.json",
		`{"operation":"UPDATE","timestamp":"2026-01-16T09:00:00Z","institution_code":"BJ-HA-001","data":[{"customer_code":"BJ-HA-001-C0002","updates":{"notes":"returning"}}]}`)

	f := newEngineFixture(t, Options{})
	report, err := f.engine.RunIncrementalImport(context.Background(), dataRoot, date)
	if err != nil {
		t.Fatalf("incremental import: %v", err)
	}
	if len(report.Batches) != 2 {
		t.Fatalf("batches = %d", len(report.Batches))
	}
	for id, state := range report.Batches {
		if state != domain.BatchProcessed {
			t.Fatalf("batch %s state = %s", id, state)
		}
	}
	doc := getCustomer(t, f.primary, "BJ-HA-001-C0002")
	if doc["notes"] != "returning" {
		t.Fatalf("update not applied: %v", doc)
	}
	// Files moved out of pending.
	left, _ := os.ReadDir(filepath.Join(dataRoot, IncrementalDir, PendingDir, date))
	if len(left) != 0 {
		t.Fatalf("pending files remain: %d", len(left))
	}
}

func TestRunIncrementalImportEmptyDateProcessesAllPending(t *testing.T) {
	dataRoot := t.TempDir()
	writePendingFile(t, dataRoot, "2026-01-16", "customers_add.json",
		`[{"customer_code":"BJ-HA-001-C0002","person":{"name":"Wang"}}]`)
	writePendingFile(t, dataRoot, "2026-01-17", "customers_update.json",
		`{"operation":"UPDATE","timestamp":"2026-01-17T09:00:00Z","institution_code":"BJ-HA-001","data":[{"customer_code":"BJ-HA-001-C0002","updates":{"notes":"returning"}}]}`)

	f := newEngineFixture(t, Options{})
	report, err := f.engine.RunIncrementalImport(context.Background(), dataRoot, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(report.Batches) != 2 {
		t.Fatalf("batches = %d, want 2", len(report.Batches))
	}
	doc := getCustomer(t, f.primary, "BJ-HA-001-C0002")
	if doc["notes"] != "returning" {
		t.Fatalf("older date must apply before newer: %v", doc)
	}
}

func TestIncrementalBatchSucceedsWhenVectorStoreIsDown(t *testing.T) {
	dataRoot := t.TempDir()
	date := "2026-01-16"
	writePendingFile(t, dataRoot, date, "customers_add.json",
		`[{"customer_code":"BJ-HA-001-C0003","person":{"name":"Zhao"}}]`)

	f := newEngineFixture(t, Options{})
	f.vector.err = errors.New("vector store down")

	report, err := f.engine.RunIncrementalImport(context.Background(), dataRoot, date)
	if err != nil {
		t.Fatalf("incremental import: %v", err)
	}
	for _, state := range report.Batches {
		if state != domain.BatchProcessed {
			t.Fatalf("batch must still process when a downstream store fails, got %s", state)
		}
	}
	if _, found, _ := f.primary.Get(context.Background(), domain.EntityCustomer, "BJ-HA-001", "BJ-HA-001-C0003"); !found {
		t.Fatal("primary write must survive propagation failure")
	}
	if report.Stores[domain.StoreVector].Failed == 0 {
		t.Fatal("vector failure must be reported")
	}
	seq, _ := f.checkpoints.Watermark(context.Background(), "BJ-HA-001", domain.EntityCustomer, domain.StoreVector)
	if seq != 0 {
		t.Fatalf("vector watermark must not advance, got %d", seq)
	}

	processed, _ := os.ReadDir(filepath.Join(dataRoot, IncrementalDir, "processed", date))
	if len(processed) != 1 {
		t.Fatalf("processed dir entries = %d", len(processed))
	}
}

func TestBatchRetriesTransientFailure(t *testing.T) {
	dataRoot := t.TempDir()
	date := "2026-01-16"
	writePendingFile(t, dataRoot, date, "customers_add.json",
		`[{"customer_code":"BJ-HA-001-C0001","person":{"name":"Li"}}]`)

	mem := storemem.NewStore()
	primary := &flakyPrimary{Store: mem, failures: 1, org: "BJ-HA-001"}
	f := newEngineFixtureOver(t, primary, mem, Options{BatchRetries: 3})

	report, err := f.engine.RunIncrementalImport(context.Background(), dataRoot, date)
	if err != nil {
		t.Fatal(err)
	}
	for _, state := range report.Batches {
		if state != domain.BatchProcessed {
			t.Fatalf("transient failure must recover on retry, got %s", state)
		}
	}
	if _, found, _ := mem.Get(context.Background(), domain.EntityCustomer, "BJ-HA-001", "BJ-HA-001-C0001"); !found {
		t.Fatal("record missing after retry")
	}
	batches, _ := f.checkpoints.ListBatches(context.Background())
	if len(batches) != 1 || batches[0].Attempts != 2 {
		t.Fatalf("attempts = %+v, want one record with 2 attempts", batches)
	}
	processed, _ := os.ReadDir(filepath.Join(dataRoot, IncrementalDir, "processed", date))
	if len(processed) != 1 {
		t.Fatalf("processed entries = %d", len(processed))
	}
}

func TestBatchRetryExhaustionFailsWithReport(t *testing.T) {
	dataRoot := t.TempDir()
	date := "2026-01-16"
	writePendingFile(t, dataRoot, date, "customers_add.json",
		`[{"customer_code":"BJ-HA-001-C0001","person":{"name":"Li"}}]`)

	mem := storemem.NewStore()
	primary := &flakyPrimary{Store: mem, failures: -1, org: "BJ-HA-001"}
	f := newEngineFixtureOver(t, primary, mem, Options{BatchRetries: 2})

	report, err := f.engine.RunIncrementalImport(context.Background(), dataRoot, date)
	if err != nil {
		t.Fatal(err)
	}
	for _, state := range report.Batches {
		if state != domain.BatchFailed {
			t.Fatalf("exhausted retries must fail the batch, got %s", state)
		}
	}
	if len(report.Errors) == 0 {
		t.Fatal("failure must carry the accumulated error report")
	}
	batches, _ := f.checkpoints.ListBatches(context.Background())
	if len(batches) != 1 || batches[0].Attempts != 2 || batches[0].State != domain.BatchFailed {
		t.Fatalf("record = %+v", batches)
	}
	failed, _ := os.ReadDir(filepath.Join(dataRoot, IncrementalDir, "failed", date))
	if len(failed) < 2 {
		t.Fatalf("failed dir must hold the batch and its error report, got %d entries", len(failed))
	}
}

func TestRetryResumesAtFirstUncommittedGroup(t *testing.T) {
	dataRoot := t.TempDir()
	date := "2026-01-16"
	writePendingFile(t, dataRoot, date, "customers_add.json",
		`[{"customer_code":"BJ-HA-001-C0001","person":{"name":"Li"}},{"customer_code":"SH-XU-002-C0001","person":{"name":"Zhou"}}]`)

	mem := storemem.NewStore()
	// The first organization's group commits; the second fails once, so the
	// retry must pick up after the committed group.
	primary := &flakyPrimary{Store: mem, failures: 1, org: "SH-XU-002"}
	f := newEngineFixtureOver(t, primary, mem, Options{BatchRetries: 3})

	report, err := f.engine.RunIncrementalImport(context.Background(), dataRoot, date)
	if err != nil {
		t.Fatal(err)
	}
	for _, state := range report.Batches {
		if state != domain.BatchProcessed {
			t.Fatalf("batch state = %s", state)
		}
	}
	counts := report.Counts[domain.EntityCustomer]
	if counts.Applied != 2 {
		t.Fatalf("applied = %d, want 2", counts.Applied)
	}
	if counts.Rejected != 0 {
		t.Fatalf("retry re-applied a committed group: rejected = %d", counts.Rejected)
	}
	for _, key := range []string{"BJ-HA-001-C0001", "SH-XU-002-C0001"} {
		org := key[:len(key)-6]
		if _, found, _ := mem.Get(context.Background(), domain.EntityCustomer, org, key); !found {
			t.Fatalf("customer %s missing", key)
		}
	}
}

func TestMalformedBatchMovesToFailed(t *testing.T) {
	dataRoot := t.TempDir()
	date := "2026-01-16"
	writePendingFile(t, dataRoot, date, "customers_add.json", `this is not json`)

	f := newEngineFixture(t, Options{})
	report, err := f.engine.RunIncrementalImport(context.Background(), dataRoot, date)
	if err != nil {
		t.Fatalf("incremental import: %v", err)
	}
	for _, state := range report.Batches {
		if state != domain.BatchFailed {
			t.Fatalf("malformed batch state = %s", state)
		}
	}
	failed, _ := os.ReadDir(filepath.Join(dataRoot, IncrementalDir, "failed", date))
	if len(failed) == 0 {
		t.Fatal("malformed file must land in failed/")
	}
}

func TestIncrementalConflictIsRecordLevel(t *testing.T) {
	dataRoot := t.TempDir()
	date := "2026-01-17"
	writePendingFile(t, dataRoot, date, "customers_add.json",
		`[{"customer_code":"BJ-HA-001-C0001","person":{"name":"Li"}},{"customer_code":"BJ-HA-001-C0001","person":{"name":"Duplicate"}}]`)

	f := newEngineFixture(t, Options{})
	report, err := f.engine.RunIncrementalImport(context.Background(), dataRoot, date)
	if err != nil {
		t.Fatal(err)
	}
	for _, state := range report.Batches {
		if state != domain.BatchProcessed {
			t.Fatalf("conflict must not fail the batch, got %s", state)
		}
	}
	if report.Counts[domain.EntityCustomer].Rejected != 1 {
		t.Fatalf("rejected = %d, want 1", report.Counts[domain.EntityCustomer].Rejected)
	}
	// The winning record is the first; its data stays intact.
	doc := getCustomer(t, f.primary, "BJ-HA-001-C0001")
	if doc["person"].(map[string]any)["name"] != "Li" {
		t.Fatalf("existing record mutated: %v", doc)
	}
}

func TestStatusListsWatermarksAndBatches(t *testing.T) {
	dataRoot := t.TempDir()
	date := "2026-01-16"
	writePendingFile(t, dataRoot, date, "customers_add.json",
		`[{"customer_code":"BJ-HA-001-C0001","person":{"name":"Li"}}]`)

	f := newEngineFixture(t, Options{})
	ctx := context.Background()
	if _, err := f.engine.RunIncrementalImport(ctx, dataRoot, date); err != nil {
		t.Fatal(err)
	}
	status, err := f.engine.Status(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(status.Watermarks) == 0 {
		t.Fatal("status must expose watermarks")
	}
	if len(status.Batches) != 1 || status.Batches[0].State != domain.BatchProcessed {
		t.Fatalf("batches = %+v", status.Batches)
	}
}
