// Package memory provides an in-memory checkpoint store for tests and
// local development.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/TeroTong/Revisit/pkg/domain"
)

// Compile-time contract assertion ensuring the store satisfies the domain interface.
var _ domain.CheckpointStore = (*Store)(nil)

type markKey struct {
	org    string
	entity domain.EntityType
	store  domain.StoreName
}

// Store keeps checkpoints in process memory.
type Store struct {
	mu      sync.Mutex
	seq     uint64
	marks   map[markKey]uint64
	batches map[string]domain.BatchRecord
}

// NewStore returns an empty checkpoint store.
func NewStore() *Store {
	return &Store{
		marks:   make(map[markKey]uint64),
		batches: make(map[string]domain.BatchRecord),
	}
}

// NextChangeSeq atomically increments and returns the change sequence.
func (s *Store) NextChangeSeq(context.Context) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	return s.seq, nil
}

// Watermark reads one stored sequence; zero when never advanced.
func (s *Store) Watermark(_ context.Context, org string, entity domain.EntityType, store domain.StoreName) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.marks[markKey{org: org, entity: entity, store: store}], nil
}

// AdvanceWatermark moves a watermark forward; stale sequences are ignored.
func (s *Store) AdvanceWatermark(_ context.Context, mark domain.Watermark) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := markKey{org: mark.Organization, entity: mark.Entity, store: mark.Store}
	if mark.Seq > s.marks[key] {
		s.marks[key] = mark.Seq
	}
	return nil
}

// ListWatermarks returns every stored watermark in stable order.
func (s *Store) ListWatermarks(context.Context) ([]domain.Watermark, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	marks := make([]domain.Watermark, 0, len(s.marks))
	for key, seq := range s.marks {
		marks = append(marks, domain.Watermark{Organization: key.org, Entity: key.entity, Store: key.store, Seq: seq})
	}
	sort.Slice(marks, func(i, j int) bool {
		if marks[i].Organization != marks[j].Organization {
			return marks[i].Organization < marks[j].Organization
		}
		if marks[i].Entity != marks[j].Entity {
			return marks[i].Entity < marks[j].Entity
		}
		return marks[i].Store < marks[j].Store
	})
	return marks, nil
}

// SaveBatch upserts a batch lifecycle record.
func (s *Store) SaveBatch(_ context.Context, record domain.BatchRecord) error {
	s.mu.Lock()
	s.batches[record.ID] = record
	s.mu.Unlock()
	return nil
}

// GetBatch loads one batch record by id.
func (s *Store) GetBatch(_ context.Context, id string) (domain.BatchRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.batches[id]
	return record, ok, nil
}

// ListBatches returns all batch records ordered by creation time.
func (s *Store) ListBatches(context.Context) ([]domain.BatchRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	records := make([]domain.BatchRecord, 0, len(s.batches))
	for _, record := range s.batches {
		records = append(records, record)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].CreatedAt.Before(records[j].CreatedAt) })
	return records, nil
}

// Close is a no-op.
func (s *Store) Close() error { return nil }
