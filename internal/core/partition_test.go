package core

import (
	"context"
	"sync"
	"testing"
	"time"

	storemem "github.com/TeroTong/Revisit/internal/infra/persistence/memory"
	"github.com/TeroTong/Revisit/pkg/domain"
)

// countingPrimary records provisioning calls and whether any two overlapped.
type countingPrimary struct {
	*storemem.Store
	mu      sync.Mutex
	calls   int
	inCall  int
	overlap bool
}

func (p *countingPrimary) EnsurePartition(ctx context.Context, org string, entity domain.EntityType) error {
	p.mu.Lock()
	p.calls++
	p.inCall++
	if p.inCall > 1 {
		p.overlap = true
	}
	p.mu.Unlock()

	time.Sleep(2 * time.Millisecond)

	p.mu.Lock()
	p.inCall--
	p.mu.Unlock()
	return p.Store.EnsurePartition(ctx, org, entity)
}

func TestEnsureProvisionsOncePerPair(t *testing.T) {
	primary := &countingPrimary{Store: storemem.NewStore()}
	manager := NewPartitionManager(primary)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := manager.Ensure(ctx, "BJ-HA-001", domain.EntityCustomer); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	if primary.overlap {
		t.Fatal("provisioning calls for one pair must not overlap")
	}
	if primary.calls != 1 {
		t.Fatalf("provisioning ran %d times, want 1", primary.calls)
	}
	if !primary.HasPartition("BJ-HA-001", domain.EntityCustomer) {
		t.Fatal("partition missing")
	}
}

func TestEnsureSkipsUnpartitionedTypes(t *testing.T) {
	primary := &countingPrimary{Store: storemem.NewStore()}
	manager := NewPartitionManager(primary)

	if err := manager.Ensure(context.Background(), "BJ-HA-001", domain.EntityOrganization); err != nil {
		t.Fatal(err)
	}
	if err := manager.Ensure(context.Background(), "", domain.EntityCustomer); err != nil {
		t.Fatal(err)
	}
	if primary.calls != 0 {
		t.Fatalf("unpartitioned types must not provision, got %d calls", primary.calls)
	}
}
