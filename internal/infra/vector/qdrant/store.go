// Package qdrant provides the vector store adapter: customer profiles and
// catalog knowledge become embedded points, searchable by similarity.
package qdrant

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	qdrant "github.com/qdrant/go-client/qdrant"

	"github.com/TeroTong/Revisit/pkg/domain"
)

// Compile-time contract assertion ensuring the store satisfies the domain interface.
var _ domain.VectorStore = (*Store)(nil)

// pointsClient is the slice of the Qdrant client the store uses; tests
// supply a fake.
type pointsClient interface {
	CollectionExists(ctx context.Context, collection string) (bool, error)
	CreateCollection(ctx context.Context, req *qdrant.CreateCollection) error
	Upsert(ctx context.Context, req *qdrant.UpsertPoints) (*qdrant.UpdateResult, error)
	Delete(ctx context.Context, req *qdrant.DeletePoints) (*qdrant.UpdateResult, error)
	Query(ctx context.Context, req *qdrant.QueryPoints) ([]*qdrant.ScoredPoint, error)
}

// Config locates the Qdrant service.
type Config struct {
	Host   string
	Port   int
	APIKey string
}

// Store upserts and queries embedded points.
type Store struct {
	client   pointsClient
	embedder Embedder
}

// NewStore connects to Qdrant. embedder must not be nil.
func NewStore(cfg Config, embedder Embedder) (*Store, error) {
	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
	})
	if err != nil {
		return nil, fmt.Errorf("qdrant client: %w", err)
	}
	return &Store{client: client, embedder: embedder}, nil
}

// EnsureCollection creates a cosine-distance collection sized to the
// embedder when it does not exist yet.
func (s *Store) EnsureCollection(ctx context.Context, collection string) error {
	exists, err := s.client.CollectionExists(ctx, collection)
	if err != nil {
		return fmt.Errorf("check collection %s: %w", collection, err)
	}
	if exists {
		return nil
	}
	err = s.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(s.embedder.Dimensions()),
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return fmt.Errorf("create collection %s: %w", collection, err)
	}
	return nil
}

// UpsertPoints embeds every point's text and writes the vectors, grouped by
// collection.
func (s *Store) UpsertPoints(ctx context.Context, points []domain.VectorPoint) error {
	byCollection := make(map[string][]domain.VectorPoint)
	for _, p := range points {
		byCollection[p.Collection] = append(byCollection[p.Collection], p)
	}
	for collection, group := range byCollection {
		if err := s.EnsureCollection(ctx, collection); err != nil {
			return err
		}
		texts := make([]string, len(group))
		for i, p := range group {
			texts[i] = p.Text
		}
		vectors, err := s.embedder.Embed(ctx, texts)
		if err != nil {
			return err
		}
		structs := make([]*qdrant.PointStruct, len(group))
		for i, p := range group {
			structs[i] = &qdrant.PointStruct{
				Id:      qdrant.NewIDUUID(pointID(collection, p.ID)),
				Vectors: qdrant.NewVectors(vectors[i]...),
				Payload: qdrant.NewValueMap(p.Payload),
			}
		}
		_, err = s.client.Upsert(ctx, &qdrant.UpsertPoints{
			CollectionName: collection,
			Points:         structs,
			Wait:           qdrant.PtrOf(true),
		})
		if err != nil {
			return fmt.Errorf("upsert into %s: %w", collection, err)
		}
	}
	return nil
}

// DeletePoints removes points by natural id.
func (s *Store) DeletePoints(ctx context.Context, collection string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	pointIDs := make([]*qdrant.PointId, len(ids))
	for i, id := range ids {
		pointIDs[i] = qdrant.NewIDUUID(pointID(collection, id))
	}
	_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: collection,
		Points:         qdrant.NewPointsSelector(pointIDs...),
		Wait:           qdrant.PtrOf(true),
	})
	if err != nil {
		return fmt.Errorf("delete from %s: %w", collection, err)
	}
	return nil
}

// Search embeds the query text and returns the nearest points with their
// payloads.
func (s *Store) Search(ctx context.Context, collection, text string, limit int) ([]domain.VectorPoint, error) {
	vectors, err := s.embedder.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	scored, err := s.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: collection,
		Query:          qdrant.NewQuery(vectors[0]...),
		Limit:          qdrant.PtrOf(uint64(limit)),
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", collection, err)
	}
	out := make([]domain.VectorPoint, 0, len(scored))
	for _, point := range scored {
		payload := make(map[string]any, len(point.Payload))
		for k, v := range point.Payload {
			payload[k] = valueToAny(v)
		}
		out = append(out, domain.VectorPoint{
			Collection: collection,
			ID:         point.GetId().GetUuid(),
			Payload:    payload,
		})
	}
	return out, nil
}

// pointID derives a stable UUID from the collection and natural key, since
// Qdrant point ids must be UUIDs or integers.
func pointID(collection, key string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(collection+"/"+key)).String()
}

func valueToAny(v *qdrant.Value) any {
	switch kind := v.GetKind().(type) {
	case *qdrant.Value_StringValue:
		return kind.StringValue
	case *qdrant.Value_IntegerValue:
		return kind.IntegerValue
	case *qdrant.Value_DoubleValue:
		return kind.DoubleValue
	case *qdrant.Value_BoolValue:
		return kind.BoolValue
	default:
		return v.String()
	}
}
