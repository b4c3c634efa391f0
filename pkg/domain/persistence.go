package domain

import (
	"context"
	"encoding/json"
)

// StoreName identifies one of the downstream derived stores.
type StoreName string

// Downstream stores fed by the propagation dispatcher.
const (
	StoreGraph     StoreName = "graph"
	StoreVector    StoreName = "vector"
	StoreAnalytics StoreName = "analytics"
)

// DownstreamStores lists the derived stores in a stable order.
var DownstreamStores = []StoreName{StoreGraph, StoreVector, StoreAnalytics}

// Transaction exposes the document operations a primary-store implementation
// must support within one atomic scope. Entities are stored as JSON
// documents keyed by (entity type, organization, natural key); globally
// scoped types use an empty organization.
type Transaction interface {
	Get(entity EntityType, org, key string) (json.RawMessage, bool, error)
	Put(entity EntityType, org, key string, doc json.RawMessage) error
	Delete(entity EntityType, org, key string) error
}

// PrimaryStore is the engine's contract with the primary relational store.
// RunInTransaction applies fn atomically: either every mutation staged by fn
// commits, or none do. EnsurePartition provisions per-organization storage
// for a partitioned entity type and is idempotent.
type PrimaryStore interface {
	RunInTransaction(ctx context.Context, org string, fn func(Transaction) error) error
	EnsurePartition(ctx context.Context, org string, entity EntityType) error
	Get(ctx context.Context, entity EntityType, org, key string) (json.RawMessage, bool, error)
	Close() error
}

// GraphVertex is an upsert target in the graph store.
type GraphVertex struct {
	Tag  string
	ID   string
	Prop map[string]any
}

// GraphEdge is a directed association between two vertices.
type GraphEdge struct {
	Type     string
	SourceID string
	TargetID string
	Prop     map[string]any
}

// GraphStore upserts vertices and edges derived from committed changes.
type GraphStore interface {
	UpsertVertices(ctx context.Context, vertices []GraphVertex) error
	UpsertEdges(ctx context.Context, edges []GraphEdge) error
}

// VectorPoint is an embedding upsert target in the vector store.
type VectorPoint struct {
	Collection string
	ID         string
	Text       string
	Payload    map[string]any
}

// VectorStore upserts embeddings by id and answers nearest-neighbor
// queries over a collection.
type VectorStore interface {
	UpsertPoints(ctx context.Context, points []VectorPoint) error
	DeletePoints(ctx context.Context, collection string, ids []string) error
	Search(ctx context.Context, collection, text string, limit int) ([]VectorPoint, error)
}

// AnalyticsRow is one append-only row for the analytics store: a dimension
// upsert or an immutable fact.
type AnalyticsRow struct {
	Table  string
	Values map[string]any
}

// AnalyticsStore appends fact and dimension rows derived from committed
// changes. Rows are never updated in place.
type AnalyticsStore interface {
	Append(ctx context.Context, rows []AnalyticsRow) error
}

// Watermark is the last change sequence successfully reflected in one
// downstream store for one (organization, entity type) pair.
type Watermark struct {
	Organization string
	Entity       EntityType
	Store        StoreName
	Seq          uint64
}

// CheckpointStore persists engine-owned bookkeeping: change sequences, sync
// watermarks and batch records. Watermarks only move forward; Advance with a
// sequence at or below the stored one is a no-op.
type CheckpointStore interface {
	NextChangeSeq(ctx context.Context) (uint64, error)
	Watermark(ctx context.Context, org string, entity EntityType, store StoreName) (uint64, error)
	AdvanceWatermark(ctx context.Context, mark Watermark) error
	ListWatermarks(ctx context.Context) ([]Watermark, error)
	SaveBatch(ctx context.Context, record BatchRecord) error
	GetBatch(ctx context.Context, id string) (BatchRecord, bool, error)
	ListBatches(ctx context.Context) ([]BatchRecord, error)
	Close() error
}
