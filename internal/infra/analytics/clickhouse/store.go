// Package clickhouse provides the analytics store adapter: dimension rows
// land in ReplacingMergeTree tables, consumption facts in an append-only
// MergeTree.
package clickhouse

import (
	"context"
	"fmt"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/TeroTong/Revisit/pkg/domain"
)

// Compile-time contract assertion ensuring the store satisfies the domain interface.
var _ domain.AnalyticsStore = (*Store)(nil)

// Config locates the ClickHouse service.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
}

// tableColumns fixes the insert column order per table. Rows carry values
// keyed by these names; absent values insert as zero values.
var tableColumns = map[string][]string{
	"dim_institution": {"institution_code", "name", "type"},
	"dim_doctor":      {"doctor_code", "name", "institution_code", "title"},
	"dim_item":        {"item_code", "name", "kind", "category", "price"},
	"dim_customer":    {"customer_code", "institution_code", "name", "vip_level", "deleted"},
	"fact_consumption": {
		"order_number", "institution_code", "customer_code", "doctor_code",
		"order_date", "item_code", "quantity", "amount", "voided",
	},
}

var tableDDL = []string{
	`CREATE TABLE IF NOT EXISTS dim_institution (
		institution_code String,
		name String,
		type String,
		updated_at DateTime DEFAULT now()
	) ENGINE = ReplacingMergeTree(updated_at) ORDER BY institution_code`,
	`CREATE TABLE IF NOT EXISTS dim_doctor (
		doctor_code String,
		name String,
		institution_code String,
		title String,
		updated_at DateTime DEFAULT now()
	) ENGINE = ReplacingMergeTree(updated_at) ORDER BY doctor_code`,
	`CREATE TABLE IF NOT EXISTS dim_item (
		item_code String,
		name String,
		kind String,
		category String,
		price Float64,
		updated_at DateTime DEFAULT now()
	) ENGINE = ReplacingMergeTree(updated_at) ORDER BY item_code`,
	`CREATE TABLE IF NOT EXISTS dim_customer (
		customer_code String,
		institution_code String,
		name String,
		vip_level String,
		deleted UInt8,
		updated_at DateTime DEFAULT now()
	) ENGINE = ReplacingMergeTree(updated_at) ORDER BY customer_code`,
	`CREATE TABLE IF NOT EXISTS fact_consumption (
		order_number String,
		institution_code String,
		customer_code String,
		doctor_code String,
		order_date String,
		item_code String,
		quantity Int32,
		amount Float64,
		voided UInt8,
		ingested_at DateTime DEFAULT now()
	) ENGINE = MergeTree ORDER BY (institution_code, order_date, order_number)`,
}

// Store appends analytics rows over the native protocol.
type Store struct {
	conn driver.Conn
}

// NewStore connects to ClickHouse and provisions the tables.
func NewStore(ctx context.Context, cfg Config) (*Store, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.User,
			Password: cfg.Password,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("open clickhouse: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		return nil, fmt.Errorf("ping clickhouse: %w", err)
	}
	store := &Store{conn: conn}
	if err := store.ensureTables(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *Store) ensureTables(ctx context.Context) error {
	for _, ddl := range tableDDL {
		if err := s.conn.Exec(ctx, ddl); err != nil {
			return fmt.Errorf("ensure analytics table: %w", err)
		}
	}
	return nil
}

// Append writes rows grouped per table as native insert batches. Rows are
// never updated in place; dimension dedup happens at merge time.
func (s *Store) Append(ctx context.Context, rows []domain.AnalyticsRow) error {
	byTable := make(map[string][]domain.AnalyticsRow)
	for _, row := range rows {
		byTable[row.Table] = append(byTable[row.Table], row)
	}
	for table, group := range byTable {
		columns, ok := tableColumns[table]
		if !ok {
			return fmt.Errorf("unknown analytics table %q", table)
		}
		batch, err := s.conn.PrepareBatch(ctx, insertStatement(table, columns))
		if err != nil {
			return fmt.Errorf("prepare batch for %s: %w", table, err)
		}
		for _, row := range group {
			args := make([]any, len(columns))
			for i, column := range columns {
				args[i] = columnValue(column, row.Values[column])
			}
			if err := batch.Append(args...); err != nil {
				return fmt.Errorf("append to %s: %w", table, err)
			}
		}
		if err := batch.Send(); err != nil {
			return fmt.Errorf("send batch to %s: %w", table, err)
		}
	}
	return nil
}

// Close releases the connection.
func (s *Store) Close() error { return s.conn.Close() }

func insertStatement(table string, columns []string) string {
	cols := columns[0]
	for _, c := range columns[1:] {
		cols += ", " + c
	}
	return fmt.Sprintf("INSERT INTO %s (%s)", table, cols)
}

// columnValue coerces loosely typed row values onto the column types.
func columnValue(column string, v any) any {
	switch column {
	case "price", "amount":
		f, _ := v.(float64)
		return f
	case "quantity":
		switch n := v.(type) {
		case int:
			return int32(n)
		case float64:
			return int32(n)
		default:
			return int32(0)
		}
	case "deleted", "voided":
		if b, _ := v.(bool); b {
			return uint8(1)
		}
		return uint8(0)
	default:
		s, _ := v.(string)
		return s
	}
}
