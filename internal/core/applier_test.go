package core

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	checkmem "github.com/TeroTong/Revisit/internal/infra/checkpoint/memory"
	storemem "github.com/TeroTong/Revisit/internal/infra/persistence/memory"
	"github.com/TeroTong/Revisit/pkg/domain"
)

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func newTestApplier(primary *storemem.Store) *Applier {
	return NewApplier(primary, checkmem.NewStore(), NewPartitionManager(primary), quietLogger(), 0)
}

func mustApply(t *testing.T, a *Applier, group Group) ([]domain.ChangeSet, []domain.ErrorEntry) {
	t.Helper()
	sets, skipped, err := a.Apply(context.Background(), group)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	return sets, skipped
}

func customerGroup(op domain.OperationKind, docs ...string) Group {
	group := Group{
		Entity:       domain.EntityCustomer,
		Organization: "BJ-HA-001",
		Operation:    op,
		Mode:         domain.ModeIncremental,
	}
	if op == "" {
		group.Mode = domain.ModeFull
	}
	for _, doc := range docs {
		raw := json.RawMessage(doc)
		group.Records = append(group.Records, Record{
			Entity:       domain.EntityCustomer,
			Organization: "BJ-HA-001",
			Key:          domain.NaturalKey(domain.EntityCustomer, raw),
			Doc:          raw,
		})
	}
	return group
}

func getCustomer(t *testing.T, primary *storemem.Store, key string) map[string]any {
	t.Helper()
	doc, found, err := primary.Get(context.Background(), domain.EntityCustomer, "BJ-HA-001", key)
	if err != nil || !found {
		t.Fatalf("get customer %s: found=%v err=%v", key, found, err)
	}
	var out map[string]any
	if err := json.Unmarshal(doc, &out); err != nil {
		t.Fatalf("decode customer: %v", err)
	}
	return out
}

func TestFullModeUpsertIsIdempotent(t *testing.T) {
	primary := storemem.NewStore()
	applier := newTestApplier(primary)
	group := customerGroup("", `{"customer_code":"BJ-HA-001-C0001","person":{"name":"Li"},"x_custom":"kept"}`)

	sets, skipped := mustApply(t, applier, group)
	if len(skipped) != 0 {
		t.Fatalf("skipped: %v", skipped)
	}
	if len(sets) != 1 || sets[0].Changes[0].Kind != domain.ChangeCreated {
		t.Fatalf("first run must create: %+v", sets)
	}

	sets, _ = mustApply(t, applier, group)
	if sets[0].Changes[0].Kind != domain.ChangeUpdated {
		t.Fatalf("re-run must update, got %s", sets[0].Changes[0].Kind)
	}
	doc := getCustomer(t, primary, "BJ-HA-001-C0001")
	if doc["x_custom"] != "kept" {
		t.Fatalf("unknown field lost: %v", doc)
	}
	if primary.Count(domain.EntityCustomer, "BJ-HA-001") != 1 {
		t.Fatal("re-run must not duplicate rows")
	}
	if !primary.HasPartition("BJ-HA-001", domain.EntityCustomer) {
		t.Fatal("partition not provisioned")
	}
}

func TestIncrementalInsertConflictSkipsRecord(t *testing.T) {
	primary := storemem.NewStore()
	applier := newTestApplier(primary)

	mustApply(t, applier, customerGroup(domain.OpInsert,
		`{"customer_code":"BJ-HA-001-C0001","person":{"name":"Li"},"notes":"original"}`))

	sets, skipped := mustApply(t, applier, customerGroup(domain.OpInsert,
		`{"customer_code":"BJ-HA-001-C0001","person":{"name":"Other"}}`,
		`{"customer_code":"BJ-HA-001-C0002","person":{"name":"Wang"}}`))
	if len(skipped) != 1 {
		t.Fatalf("skipped = %d, want 1", len(skipped))
	}
	if len(sets) != 1 || len(sets[0].Changes) != 1 || sets[0].Changes[0].Key != "BJ-HA-001-C0002" {
		t.Fatalf("sibling record must still apply: %+v", sets)
	}
	doc := getCustomer(t, primary, "BJ-HA-001-C0001")
	if doc["notes"] != "original" {
		t.Fatalf("conflicting insert mutated existing row: %v", doc)
	}
}

func TestIncrementalUpdateMergesPatch(t *testing.T) {
	primary := storemem.NewStore()
	applier := newTestApplier(primary)

	mustApply(t, applier, customerGroup(domain.OpInsert,
		`{"customer_code":"BJ-HA-001-C0001","person":{"name":"Li","phone":"123"},"tags":["a"]}`))

	sets, skipped := mustApply(t, applier, customerGroup(domain.OpUpdate,
		`{"customer_code":"BJ-HA-001-C0001","updates":{"person":{"phone":"456"},"tags":["b"]}}`))
	if len(skipped) != 0 {
		t.Fatalf("skipped: %v", skipped)
	}
	if sets[0].Changes[0].Kind != domain.ChangeUpdated {
		t.Fatalf("kind = %s", sets[0].Changes[0].Kind)
	}
	doc := getCustomer(t, primary, "BJ-HA-001-C0001")
	person := doc["person"].(map[string]any)
	if person["name"] != "Li" || person["phone"] != "456" {
		t.Fatalf("patch merge wrong: %v", person)
	}
}

func TestIncrementalUpdateMissingTargetSkips(t *testing.T) {
	primary := storemem.NewStore()
	applier := newTestApplier(primary)

	sets, skipped := mustApply(t, applier, customerGroup(domain.OpUpdate,
		`{"customer_code":"BJ-HA-001-C9999","updates":{"notes":"x"}}`))
	if len(sets) != 0 || len(skipped) != 1 {
		t.Fatalf("missing target must skip: sets=%d skipped=%d", len(sets), len(skipped))
	}
}

func TestDeleteTombstonesCustomer(t *testing.T) {
	primary := storemem.NewStore()
	applier := newTestApplier(primary)

	mustApply(t, applier, customerGroup(domain.OpInsert,
		`{"customer_code":"BJ-HA-001-C0001","person":{"name":"Li"}}`))
	sets, _ := mustApply(t, applier, customerGroup(domain.OpDelete,
		`{"customer_code":"BJ-HA-001-C0001"}`))
	if sets[0].Changes[0].Kind != domain.ChangeTombstoned {
		t.Fatalf("kind = %s", sets[0].Changes[0].Kind)
	}
	doc := getCustomer(t, primary, "BJ-HA-001-C0001")
	if doc["deleted"] != true {
		t.Fatalf("tombstone flag missing: %v", doc)
	}
	if _, ok := doc["person"]; !ok {
		t.Fatal("tombstone must preserve the row")
	}
}

func TestTransactionLifecycleAndAggregates(t *testing.T) {
	primary := storemem.NewStore()
	applier := newTestApplier(primary)

	mustApply(t, applier, customerGroup(domain.OpInsert,
		`{"customer_code":"BJ-HA-001-C0001","person":{"name":"Li"}}`))

	txGroup := Group{
		Entity:       domain.EntityTransaction,
		Organization: "BJ-HA-001",
		Operation:    domain.OpInsert,
		Records: []Record{{
			Entity:       domain.EntityTransaction,
			Organization: "BJ-HA-001",
			Key:          "BJ-HA-001-ORD-20260115-0001",
			Doc:          json.RawMessage(`{"order_number":"BJ-HA-001-ORD-20260115-0001","customer_code":"BJ-HA-001-C0001","order_date":"2026-01-15","total_amount":500,"actual_amount":450}`),
		}},
	}
	sets, skipped := mustApply(t, applier, txGroup)
	if len(skipped) != 0 {
		t.Fatalf("skipped: %v", skipped)
	}
	if len(sets) != 2 {
		t.Fatalf("expected transaction set plus aggregate set, got %d", len(sets))
	}
	doc := getCustomer(t, primary, "BJ-HA-001-C0001")
	if doc["consumption_count"] != float64(1) || doc["total_consumption"] != float64(450) {
		t.Fatalf("aggregates wrong: %v", doc)
	}
	if doc["last_visit_date"] != "2026-01-15" {
		t.Fatalf("last visit not advanced: %v", doc)
	}

	// Voiding reverses the rollup and keeps the record.
	void := txGroup
	void.Operation = domain.OpDelete
	sets, _ = mustApply(t, applier, void)
	if sets[0].Changes[0].Kind != domain.ChangeVoided {
		t.Fatalf("kind = %s", sets[0].Changes[0].Kind)
	}
	doc = getCustomer(t, primary, "BJ-HA-001-C0001")
	if doc["consumption_count"] != float64(0) || doc["total_consumption"] != float64(0) {
		t.Fatalf("void must reverse aggregates: %v", doc)
	}

	// Voiding twice is a no-op.
	sets, skipped = mustApply(t, applier, void)
	if len(sets) != 0 || len(skipped) != 0 {
		t.Fatalf("double void must be a no-op: sets=%d skipped=%d", len(sets), len(skipped))
	}
}

func TestTransactionMissingCustomerIsReferenceError(t *testing.T) {
	primary := storemem.NewStore()
	applier := newTestApplier(primary)

	group := Group{
		Entity:       domain.EntityTransaction,
		Organization: "BJ-HA-001",
		Operation:    domain.OpInsert,
		Records: []Record{{
			Entity:       domain.EntityTransaction,
			Organization: "BJ-HA-001",
			Key:          "BJ-HA-001-ORD-20260115-0001",
			Doc:          json.RawMessage(`{"order_number":"BJ-HA-001-ORD-20260115-0001","customer_code":"BJ-HA-001-C0404","actual_amount":100}`),
		}},
	}
	sets, skipped := mustApply(t, applier, group)
	if len(sets) != 0 || len(skipped) != 1 {
		t.Fatalf("missing customer must skip: sets=%d skipped=%d", len(sets), len(skipped))
	}
}

func TestAutoRegisterOrganizationStub(t *testing.T) {
	primary := storemem.NewStore()
	applier := newTestApplier(primary)

	mustApply(t, applier, customerGroup(domain.OpInsert,
		`{"customer_code":"BJ-HA-001-C0001","person":{"name":"Li"}}`))
	doc, found, err := primary.Get(context.Background(), domain.EntityOrganization, "", "BJ-HA-001")
	if err != nil || !found {
		t.Fatalf("organization stub missing: found=%v err=%v", found, err)
	}
	var org map[string]any
	if err := json.Unmarshal(doc, &org); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if org["institution_code"] != "BJ-HA-001" {
		t.Fatalf("stub wrong: %v", org)
	}
}

func TestChangeSequencesAreMonotonic(t *testing.T) {
	primary := storemem.NewStore()
	applier := newTestApplier(primary)

	first, _ := mustApply(t, applier, customerGroup(domain.OpInsert,
		`{"customer_code":"BJ-HA-001-C0001","person":{"name":"Li"}}`))
	second, _ := mustApply(t, applier, customerGroup(domain.OpInsert,
		`{"customer_code":"BJ-HA-001-C0002","person":{"name":"Wang"}}`))
	if second[0].Seq <= first[0].Seq {
		t.Fatalf("sequences must increase: %d then %d", first[0].Seq, second[0].Seq)
	}
}

// stalledProvisionPrimary hangs partition provisioning until the call's
// context expires.
type stalledProvisionPrimary struct {
	*storemem.Store
	sawErr error
}

func (p *stalledProvisionPrimary) EnsurePartition(ctx context.Context, org string, entity domain.EntityType) error {
	<-ctx.Done()
	p.sawErr = ctx.Err()
	return ctx.Err()
}

// stalledTxPrimary hangs every transaction until the call's context expires.
type stalledTxPrimary struct {
	*storemem.Store
}

func (p *stalledTxPrimary) RunInTransaction(ctx context.Context, org string, fn func(domain.Transaction) error) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestPartitionProvisioningHonorsCallTimeout(t *testing.T) {
	primary := &stalledProvisionPrimary{Store: storemem.NewStore()}
	applier := NewApplier(primary, checkmem.NewStore(), NewPartitionManager(primary), quietLogger(), 20*time.Millisecond)

	_, _, err := applier.Apply(context.Background(), customerGroup(domain.OpInsert,
		`{"customer_code":"BJ-HA-001-C0001","person":{"name":"Li"}}`))
	if err == nil {
		t.Fatal("hung provisioning must fail the group")
	}
	if !errors.Is(err, domain.ErrPartition) {
		t.Fatalf("err = %v, want partition error", err)
	}
	if !errors.Is(primary.sawErr, context.DeadlineExceeded) {
		t.Fatalf("provisioning context must carry a deadline, saw %v", primary.sawErr)
	}
}

func TestTransactionHonorsCallTimeout(t *testing.T) {
	primary := &stalledTxPrimary{Store: storemem.NewStore()}
	applier := NewApplier(primary, checkmem.NewStore(), NewPartitionManager(primary), quietLogger(), 20*time.Millisecond)

	group := Group{
		Entity:    domain.EntityOrganization,
		Operation: domain.OpInsert,
		Mode:      domain.ModeIncremental,
		Records: []Record{{
			Entity: domain.EntityOrganization,
			Key:    "BJ-HA-001",
			Doc:    json.RawMessage(`{"institution_code":"BJ-HA-001","name":"Haidian Clinic"}`),
		}},
	}
	_, _, err := applier.Apply(context.Background(), group)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
}
