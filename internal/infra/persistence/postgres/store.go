// Package postgres provides the Postgres-backed primary store. Entities are
// stored as JSONB documents in per-type tables; organization-scoped types
// live in per-organization partition tables created on demand.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sync"

	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver

	"github.com/TeroTong/Revisit/pkg/domain"
)

// Compile-time contract assertion ensuring the store satisfies the domain interface.
var _ domain.PrimaryStore = (*Store)(nil)

const (
	defaultDriver = "pgx"
	defaultDSN    = "postgres://localhost/revisit?sslmode=disable"
)

var (
	sqlOpen = sql.Open
	openMu  sync.Mutex
)

// suffixPattern is the only shape a partition suffix may take; it is the
// sole dynamic fragment ever interpolated into DDL or DML.
var suffixPattern = regexp.MustCompile(`^[a-z0-9_]+$`)

// Store persists entity documents to Postgres.
type Store struct {
	db *sql.DB
}

// NewStore opens a Postgres-backed store using the provided DSN (falls back
// to defaultDSN) and provisions the shared tables.
func NewStore(dsn string) (*Store, error) {
	if dsn == "" {
		dsn = defaultDSN
	}
	openMu.Lock()
	db, err := sqlOpen(defaultDriver, dsn)
	openMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if err := ensureSharedTables(ctx, db); err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

// sharedTables maps globally scoped entity types to their table names.
var sharedTables = map[domain.EntityType]string{
	domain.EntityOrganization: "institution",
	domain.EntityPractitioner: "doctor",
	domain.EntityCatalogItem:  "catalog_item",
	domain.EntityRelation:     "medical_relation",
}

// partitionPrefixes maps partitioned entity types to their table prefixes;
// the organization's partition suffix completes the name.
var partitionPrefixes = map[domain.EntityType]string{
	domain.EntityCustomer:    "institution_customer_",
	domain.EntityTransaction: "institution_consumption_",
}

func ensureSharedTables(ctx context.Context, db *sql.DB) error {
	for _, table := range sharedTables {
		if _, err := db.ExecContext(ctx, documentDDL(table)); err != nil {
			return fmt.Errorf("ensure table %s: %w", table, err)
		}
	}
	return nil
}

func documentDDL(table string) string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		key TEXT PRIMARY KEY,
		doc JSONB NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`, table)
}

// tableFor resolves the table holding rows of an entity type within an
// organization scope.
func tableFor(entity domain.EntityType, org string) (string, error) {
	if table, ok := sharedTables[entity]; ok {
		return table, nil
	}
	prefix, ok := partitionPrefixes[entity]
	if !ok {
		return "", fmt.Errorf("unknown entity type %q", entity)
	}
	suffix := domain.PartitionSuffix(org)
	if !suffixPattern.MatchString(suffix) {
		return "", fmt.Errorf("invalid partition suffix %q", suffix)
	}
	return prefix + suffix, nil
}

// EnsurePartition creates the partition table for an organization-scoped
// entity type. Safe to call repeatedly.
func (s *Store) EnsurePartition(ctx context.Context, org string, entity domain.EntityType) error {
	if !entity.Partitioned() {
		return nil
	}
	table, err := tableFor(entity, org)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, documentDDL(table)); err != nil {
		return fmt.Errorf("ensure partition %s: %w", table, err)
	}
	return nil
}

// RunInTransaction applies fn atomically: fn's mutations commit together or
// not at all.
func (s *Store) RunInTransaction(ctx context.Context, org string, fn func(domain.Transaction) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	if err := fn(&pgTx{ctx: ctx, tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	committed = true
	return nil
}

// Get reads one document outside any transaction.
func (s *Store) Get(ctx context.Context, entity domain.EntityType, org, key string) (json.RawMessage, bool, error) {
	table, err := tableFor(entity, org)
	if err != nil {
		return nil, false, err
	}
	return getDocument(ctx, s.db, table, key)
}

// Close releases the connection pool.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the underlying sql.DB for integration testing hooks.
func (s *Store) DB() *sql.DB { return s.db }

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getDocument(ctx context.Context, q querier, table, key string) (json.RawMessage, bool, error) {
	var doc []byte
	err := q.QueryRowContext(ctx, fmt.Sprintf(`SELECT doc FROM %s WHERE key = $1`, table), key).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("select from %s: %w", table, err)
	}
	return doc, true, nil
}

// pgTx adapts one sql.Tx to the domain transaction contract. The context
// from RunInTransaction scopes every statement.
type pgTx struct {
	ctx context.Context
	tx  *sql.Tx
}

func (t *pgTx) Get(entity domain.EntityType, org, key string) (json.RawMessage, bool, error) {
	table, err := tableFor(entity, org)
	if err != nil {
		return nil, false, err
	}
	return getDocument(t.ctx, t.tx, table, key)
}

func (t *pgTx) Put(entity domain.EntityType, org, key string, doc json.RawMessage) error {
	table, err := tableFor(entity, org)
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(t.ctx, fmt.Sprintf(
		`INSERT INTO %s(key, doc, updated_at) VALUES($1, $2, now())
		 ON CONFLICT(key) DO UPDATE SET doc = EXCLUDED.doc, updated_at = now()`, table), key, []byte(doc))
	if err != nil {
		return fmt.Errorf("upsert into %s: %w", table, err)
	}
	return nil
}

func (t *pgTx) Delete(entity domain.EntityType, org, key string) error {
	table, err := tableFor(entity, org)
	if err != nil {
		return err
	}
	if _, err := t.tx.ExecContext(t.ctx, fmt.Sprintf(`DELETE FROM %s WHERE key = $1`, table), key); err != nil {
		return fmt.Errorf("delete from %s: %w", table, err)
	}
	return nil
}

// OverrideSQLOpen swaps the sqlOpen function for tests and returns a restore function.
func OverrideSQLOpen(fn func(driverName, dataSourceName string) (*sql.DB, error)) func() {
	openMu.Lock()
	defer openMu.Unlock()
	prev := sqlOpen
	sqlOpen = fn
	return func() {
		openMu.Lock()
		defer openMu.Unlock()
		sqlOpen = prev
	}
}
