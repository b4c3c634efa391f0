// Package sqlite provides the SQLite-backed checkpoint store holding change
// sequences, per-store watermarks and batch lifecycle records. It is the
// engine's local bookkeeping; losing it forces re-propagation, never data
// loss in the primary store.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite" // register the pure-Go sqlite driver

	"github.com/TeroTong/Revisit/pkg/domain"
)

// Compile-time contract assertion ensuring the store satisfies the domain interface.
var _ domain.CheckpointStore = (*Store)(nil)

const driverName = "sqlite"

var (
	sqlOpen = sql.Open
	openMu  sync.Mutex
)

// Store persists checkpoints to a local SQLite file.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// NewStore opens (or creates) the checkpoint database at path.
func NewStore(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create checkpoint directory: %w", err)
		}
	}
	openMu.Lock()
	db, err := sqlOpen(driverName, path)
	openMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("open checkpoint db: %w", err)
	}
	// The sqlite driver serializes writes; one connection avoids
	// SQLITE_BUSY under concurrent watermark advances.
	db.SetMaxOpenConns(1)
	if err := ensureSchema(context.Background(), db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func ensureSchema(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS change_seq (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			seq INTEGER NOT NULL
		)`,
		`INSERT OR IGNORE INTO change_seq(id, seq) VALUES(1, 0)`,
		`CREATE TABLE IF NOT EXISTS watermarks (
			org TEXT NOT NULL,
			entity TEXT NOT NULL,
			store TEXT NOT NULL,
			seq INTEGER NOT NULL,
			PRIMARY KEY (org, entity, store)
		)`,
		`CREATE TABLE IF NOT EXISTS batches (
			id TEXT PRIMARY KEY,
			record TEXT NOT NULL,
			created_at TEXT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure checkpoint schema: %w", err)
		}
	}
	return nil
}

// NextChangeSeq atomically increments and returns the global change
// sequence.
func (s *Store) NextChangeSeq(ctx context.Context) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var seq uint64
	err := s.db.QueryRowContext(ctx,
		`UPDATE change_seq SET seq = seq + 1 WHERE id = 1 RETURNING seq`).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("advance change sequence: %w", err)
	}
	return seq, nil
}

// Watermark reads the stored sequence for one (org, entity, store) triple;
// zero when never advanced.
func (s *Store) Watermark(ctx context.Context, org string, entity domain.EntityType, store domain.StoreName) (uint64, error) {
	var seq uint64
	err := s.db.QueryRowContext(ctx,
		`SELECT seq FROM watermarks WHERE org = ? AND entity = ? AND store = ?`,
		org, string(entity), string(store)).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("select watermark: %w", err)
	}
	return seq, nil
}

// AdvanceWatermark moves a watermark forward. Sequences at or below the
// stored value are ignored, keeping watermarks monotonic.
func (s *Store) AdvanceWatermark(ctx context.Context, mark domain.Watermark) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO watermarks(org, entity, store, seq) VALUES(?, ?, ?, ?)
		 ON CONFLICT(org, entity, store) DO UPDATE SET seq = excluded.seq WHERE excluded.seq > watermarks.seq`,
		mark.Organization, string(mark.Entity), string(mark.Store), mark.Seq)
	if err != nil {
		return fmt.Errorf("advance watermark: %w", err)
	}
	return nil
}

// ListWatermarks returns every stored watermark.
func (s *Store) ListWatermarks(ctx context.Context) ([]domain.Watermark, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT org, entity, store, seq FROM watermarks ORDER BY org, entity, store`)
	if err != nil {
		return nil, fmt.Errorf("select watermarks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var marks []domain.Watermark
	for rows.Next() {
		var mark domain.Watermark
		var entity, store string
		if err := rows.Scan(&mark.Organization, &entity, &store, &mark.Seq); err != nil {
			return nil, fmt.Errorf("scan watermark: %w", err)
		}
		mark.Entity = domain.EntityType(entity)
		mark.Store = domain.StoreName(store)
		marks = append(marks, mark)
	}
	return marks, rows.Err()
}

// SaveBatch upserts a batch lifecycle record as a JSON document.
func (s *Store) SaveBatch(ctx context.Context, record domain.BatchRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode batch record: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO batches(id, record, created_at) VALUES(?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET record = excluded.record`,
		record.ID, string(data), record.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("save batch record: %w", err)
	}
	return nil
}

// GetBatch loads one batch record by id.
func (s *Store) GetBatch(ctx context.Context, id string) (domain.BatchRecord, bool, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT record FROM batches WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.BatchRecord{}, false, nil
	}
	if err != nil {
		return domain.BatchRecord{}, false, fmt.Errorf("select batch record: %w", err)
	}
	var record domain.BatchRecord
	if err := json.Unmarshal([]byte(data), &record); err != nil {
		return domain.BatchRecord{}, false, fmt.Errorf("decode batch record: %w", err)
	}
	return record, true, nil
}

// ListBatches returns all batch records ordered by creation time.
func (s *Store) ListBatches(ctx context.Context) ([]domain.BatchRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT record FROM batches ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("select batch records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []domain.BatchRecord
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan batch record: %w", err)
		}
		var record domain.BatchRecord
		if err := json.Unmarshal([]byte(data), &record); err != nil {
			return nil, fmt.Errorf("decode batch record: %w", err)
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

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
