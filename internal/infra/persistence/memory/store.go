// Package memory provides an in-memory primary store with the same
// transactional semantics as the Postgres implementation. It backs tests
// and local development.
package memory

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/TeroTong/Revisit/pkg/domain"
)

// Compile-time contract assertion ensuring the store satisfies the domain interface.
var _ domain.PrimaryStore = (*Store)(nil)

type docKey struct {
	entity domain.EntityType
	org    string
	key    string
}

// Store keeps entity documents in process memory. Transactions stage their
// mutations on a copy and swap it in on success, so a failed transaction
// leaves no trace.
type Store struct {
	mu         sync.Mutex
	docs       map[docKey]json.RawMessage
	partitions map[string]bool
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{
		docs:       make(map[docKey]json.RawMessage),
		partitions: make(map[string]bool),
	}
}

// EnsurePartition records the partition as provisioned.
func (s *Store) EnsurePartition(_ context.Context, org string, entity domain.EntityType) error {
	if !entity.Partitioned() {
		return nil
	}
	s.mu.Lock()
	s.partitions[org+"|"+string(entity)] = true
	s.mu.Unlock()
	return nil
}

// HasPartition reports whether EnsurePartition ran for the pair. Test hook.
func (s *Store) HasPartition(org string, entity domain.EntityType) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.partitions[org+"|"+string(entity)]
}

// RunInTransaction applies fn against a staged copy of the state and
// commits it atomically when fn succeeds.
func (s *Store) RunInTransaction(ctx context.Context, _ string, fn func(domain.Transaction) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	staged := make(map[docKey]json.RawMessage, len(s.docs))
	for k, v := range s.docs {
		staged[k] = v
	}
	if err := fn(&memTx{docs: staged}); err != nil {
		return err
	}
	s.docs = staged
	return nil
}

// Get reads one document.
func (s *Store) Get(_ context.Context, entity domain.EntityType, org, key string) (json.RawMessage, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[docKey{entity: entity, org: org, key: key}]
	if !ok {
		return nil, false, nil
	}
	return cloneRaw(doc), true, nil
}

// Count reports how many documents of an entity type exist in a scope.
// Test hook.
func (s *Store) Count(entity domain.EntityType, org string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k := range s.docs {
		if k.entity == entity && k.org == org {
			n++
		}
	}
	return n
}

// Close is a no-op.
func (s *Store) Close() error { return nil }

type memTx struct {
	docs map[docKey]json.RawMessage
}

func (t *memTx) Get(entity domain.EntityType, org, key string) (json.RawMessage, bool, error) {
	doc, ok := t.docs[docKey{entity: entity, org: org, key: key}]
	if !ok {
		return nil, false, nil
	}
	return cloneRaw(doc), true, nil
}

func (t *memTx) Put(entity domain.EntityType, org, key string, doc json.RawMessage) error {
	t.docs[docKey{entity: entity, org: org, key: key}] = cloneRaw(doc)
	return nil
}

func (t *memTx) Delete(entity domain.EntityType, org, key string) error {
	delete(t.docs, docKey{entity: entity, org: org, key: key})
	return nil
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	out := make(json.RawMessage, len(raw))
	copy(out, raw)
	return out
}
