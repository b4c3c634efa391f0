// Package nebula provides the NebulaGraph adapter. Committed changes become
// vertex and edge upserts expressed as nGQL statements over a session pool.
package nebula

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	nebula "github.com/vesoft-inc/nebula-go/v3"

	"github.com/TeroTong/Revisit/pkg/domain"
)

// Compile-time contract assertion ensuring the store satisfies the domain interface.
var _ domain.GraphStore = (*Store)(nil)

// executor is the slice of the session pool the store needs; tests supply a
// fake.
type executor interface {
	Execute(stmt string) (*nebula.ResultSet, error)
	Close()
}

// Config locates the graph service and its target space.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Space    string
}

// Store issues nGQL against one Nebula space.
type Store struct {
	pool executor
}

// NewStore connects a session pool to the configured space.
func NewStore(cfg Config) (*Store, error) {
	conf, err := nebula.NewSessionPoolConf(
		cfg.User,
		cfg.Password,
		[]nebula.HostAddress{{Host: cfg.Host, Port: cfg.Port}},
		cfg.Space,
	)
	if err != nil {
		return nil, fmt.Errorf("nebula session pool config: %w", err)
	}
	pool, err := nebula.NewSessionPool(*conf, nebula.DefaultLogger{})
	if err != nil {
		return nil, fmt.Errorf("nebula session pool: %w", err)
	}
	return &Store{pool: pool}, nil
}

// knownEdges are the static edge types the schema carries; relation edges
// derived from batch data are created on first use.
var knownEdges = []string{"works_at", "belongs_to"}

// vertexTags fixes the property order per tag so statements are stable.
var vertexTags = map[string][]string{
	"institution":  {"name", "type", "status"},
	"doctor":       {"name", "title"},
	"catalog_item": {"name", "kind", "category"},
	"customer":     {"name", "vip_level", "status"},
}

// EnsureSchema creates the tags and static edge types. Nebula applies
// schema changes asynchronously; run this ahead of the first import.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for tag, props := range vertexTags {
		cols := make([]string, len(props))
		for i, p := range props {
			cols[i] = p + " string"
		}
		stmt := fmt.Sprintf("CREATE TAG IF NOT EXISTS %s(%s)", tag, strings.Join(cols, ", "))
		if err := s.run(ctx, stmt); err != nil {
			return err
		}
	}
	for _, edge := range knownEdges {
		if err := s.run(ctx, fmt.Sprintf("CREATE EDGE IF NOT EXISTS %s()", edge)); err != nil {
			return err
		}
	}
	return nil
}

// UpsertVertices inserts or replaces one vertex per input.
func (s *Store) UpsertVertices(ctx context.Context, vertices []domain.GraphVertex) error {
	for _, vertex := range vertices {
		props := vertexTags[vertex.Tag]
		if props == nil {
			props = sortedKeys(vertex.Prop)
		}
		values := make([]string, len(props))
		for i, prop := range props {
			values[i] = literal(vertex.Prop[prop])
		}
		stmt := fmt.Sprintf("INSERT VERTEX %s(%s) VALUES %s:(%s)",
			vertex.Tag, strings.Join(props, ", "), literal(vertex.ID), strings.Join(values, ", "))
		if err := s.run(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// UpsertEdges inserts or replaces one edge per input, creating dynamic
// relation edge types on first sight.
func (s *Store) UpsertEdges(ctx context.Context, edges []domain.GraphEdge) error {
	for _, edge := range edges {
		if !staticEdge(edge.Type) {
			def := "CREATE EDGE IF NOT EXISTS " + edge.Type + "(weight double DEFAULT 0)"
			if err := s.run(ctx, def); err != nil {
				return err
			}
		}
		props := sortedKeys(edge.Prop)
		values := make([]string, len(props))
		for i, prop := range props {
			values[i] = literal(edge.Prop[prop])
		}
		stmt := fmt.Sprintf("INSERT EDGE %s(%s) VALUES %s->%s:(%s)",
			edge.Type, strings.Join(props, ", "),
			literal(edge.SourceID), literal(edge.TargetID), strings.Join(values, ", "))
		if err := s.run(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close releases the session pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) run(ctx context.Context, stmt string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	rs, err := s.pool.Execute(stmt)
	if err != nil {
		return fmt.Errorf("execute ngql: %w", err)
	}
	if !rs.IsSucceed() {
		return fmt.Errorf("ngql failed: %s", rs.GetErrorMsg())
	}
	return nil
}

func staticEdge(edgeType string) bool {
	for _, e := range knownEdges {
		if e == edgeType {
			return true
		}
	}
	return false
}

// literal renders a Go value as an nGQL literal, escaping strings.
func literal(v any) string {
	switch val := v.(type) {
	case nil:
		return `""`
	case string:
		escaped := strings.ReplaceAll(val, `\`, `\\`)
		escaped = strings.ReplaceAll(escaped, `"`, `\"`)
		return `"` + escaped + `"`
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case int:
		return strconv.Itoa(val)
	case bool:
		return strconv.FormatBool(val)
	default:
		return literal(fmt.Sprintf("%v", val))
	}
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
