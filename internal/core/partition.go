package core

import (
	"context"
	"sync"

	"github.com/TeroTong/Revisit/pkg/domain"
)

// PartitionManager fronts the primary store's partition provisioning with
// an in-process registry so the DDL path runs at most once per
// (organization, entity type) pair per process. Provisioning for one pair
// is exclusive: a keyed mutex is held across the store call, so concurrent
// callers never race the same DDL.
type PartitionManager struct {
	primary domain.PrimaryStore
	locks   *lockArena

	mu          sync.Mutex
	provisioned map[string]bool
}

// NewPartitionManager returns a manager over the given primary store.
func NewPartitionManager(primary domain.PrimaryStore) *PartitionManager {
	return &PartitionManager{primary: primary, locks: newLockArena(), provisioned: make(map[string]bool)}
}

// Ensure provisions the partition for an organization-scoped entity type.
// Failures surface as PartitionError and are fatal to the group that needed
// the partition; other groups are unaffected.
func (m *PartitionManager) Ensure(ctx context.Context, org string, entity domain.EntityType) error {
	if !entity.Partitioned() || org == "" {
		return nil
	}
	key := org + "|" + string(entity)

	lock := m.locks.acquire(key)
	defer lock.Unlock()

	m.mu.Lock()
	done := m.provisioned[key]
	m.mu.Unlock()
	if done {
		return nil
	}

	if err := m.primary.EnsurePartition(ctx, org, entity); err != nil {
		return domain.PartitionError{Organization: org, Entity: entity, Err: err}
	}

	m.mu.Lock()
	m.provisioned[key] = true
	m.mu.Unlock()
	return nil
}
