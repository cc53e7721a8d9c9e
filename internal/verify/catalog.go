package verify

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/johndauphine/pg-pg-migrate/internal/config"
	"github.com/johndauphine/pg-pg-migrate/internal/ident"
)

// ColumnInfo is the subset of information_schema.columns that verification
// compares.
type ColumnInfo struct {
	Name      string
	DataType  string
	MaxLength sql.NullInt64
	Nullable  string
	Default   sql.NullString
	Precision sql.NullInt64
	Scale     sql.NullInt64
	UDTName   string
	ArrayType string
}

// Index is a named index definition from pg_indexes.
type Index struct {
	Name       string
	Definition string
}

// Catalog reads the structure and size of one schema.
type Catalog interface {
	Schema() string
	Tables(ctx context.Context) ([]string, error)
	Columns(ctx context.Context, table string) ([]ColumnInfo, error)
	PrimaryKey(ctx context.Context, table string) ([]string, error)
	Indexes(ctx context.Context, table string) ([]Index, error)
	RowCount(ctx context.Context, table string) (int64, error)
}

const verifyTablesQuery = `
	SELECT table_name::text
	FROM information_schema.tables
	WHERE table_schema = $1 AND table_type = 'BASE TABLE'
	ORDER BY table_name
`

const verifyColumnsQuery = `
	SELECT
		c.column_name::text,
		c.data_type::text,
		c.character_maximum_length::bigint,
		c.is_nullable::text,
		c.column_default::text,
		c.numeric_precision::bigint,
		c.numeric_scale::bigint,
		c.udt_name::text,
		CASE WHEN c.data_type = 'ARRAY' THEN
			CASE WHEN e.data_type = 'USER-DEFINED' THEN e.udt_name::text || '[]'
			     ELSE e.data_type::text || '[]' END
		ELSE '' END
	FROM information_schema.columns c
	LEFT JOIN information_schema.element_types e
		ON e.object_catalog = c.table_catalog
		AND e.object_schema = c.table_schema
		AND e.object_name = c.table_name
		AND e.object_type = 'TABLE'
		AND e.collection_type_identifier = c.dtd_identifier
	WHERE c.table_schema = $1 AND c.table_name = $2
	ORDER BY c.ordinal_position
`

const verifyPrimaryKeyQuery = `
	SELECT a.attname::text
	FROM pg_index i
	JOIN pg_attribute a ON a.attrelid = i.indrelid AND a.attnum = ANY(i.indkey)
	JOIN pg_class c ON c.oid = i.indrelid
	JOIN pg_namespace n ON n.oid = c.relnamespace
	WHERE i.indisprimary AND n.nspname = $1 AND c.relname = $2
	ORDER BY array_position(i.indkey, a.attnum)
`

const verifyIndexesQuery = `
	SELECT indexname::text, indexdef::text
	FROM pg_indexes
	WHERE schemaname = $1 AND tablename = $2
	ORDER BY indexname
`

// SQLCatalog implements Catalog over database/sql with lib/pq.
type SQLCatalog struct {
	db     *sql.DB
	schema string
}

// NewSQLCatalog wraps an open database handle.
func NewSQLCatalog(db *sql.DB, schema string) *SQLCatalog {
	return &SQLCatalog{db: db, schema: schema}
}

// Open connects to ep and verifies the connection.
func Open(ctx context.Context, ep config.EndpointConfig) (*SQLCatalog, error) {
	db, err := sql.Open("postgres", pqDSN(ep))
	if err != nil {
		return nil, fmt.Errorf("opening connection: %w", err)
	}

	db.SetMaxOpenConns(2)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database %s: %w", ep.Address(), err)
	}
	return NewSQLCatalog(db, ep.Schema), nil
}

// pqDSN renders ep for lib/pq, which knows fewer sslmode values than libpq.
func pqDSN(ep config.EndpointConfig) string {
	switch ep.SSLMode {
	case "allow":
		ep.SSLMode = "disable"
	case "prefer":
		ep.SSLMode = "require"
	}
	if ep.ApplicationName == "" {
		ep.ApplicationName = "pg-pg-migrate-verify"
	}
	return ep.DSN()
}

// Close closes the underlying handle.
func (c *SQLCatalog) Close() error {
	return c.db.Close()
}

// Schema returns the schema this catalog reads.
func (c *SQLCatalog) Schema() string {
	return c.schema
}

// Tables lists base tables in the schema.
func (c *SQLCatalog) Tables(ctx context.Context) ([]string, error) {
	return c.strings(ctx, verifyTablesQuery, c.schema)
}

// Columns returns the column attributes of table in ordinal order.
func (c *SQLCatalog) Columns(ctx context.Context, table string) ([]ColumnInfo, error) {
	rows, err := c.db.QueryContext(ctx, verifyColumnsQuery, c.schema, table)
	if err != nil {
		return nil, fmt.Errorf("querying columns of %s: %w", table, err)
	}
	defer rows.Close()

	var cols []ColumnInfo
	for rows.Next() {
		var col ColumnInfo
		if err := rows.Scan(&col.Name, &col.DataType, &col.MaxLength, &col.Nullable, &col.Default,
			&col.Precision, &col.Scale, &col.UDTName, &col.ArrayType); err != nil {
			return nil, fmt.Errorf("scanning column of %s: %w", table, err)
		}
		cols = append(cols, col)
	}
	return cols, rows.Err()
}

// PrimaryKey returns the key columns of table in key order.
func (c *SQLCatalog) PrimaryKey(ctx context.Context, table string) ([]string, error) {
	return c.strings(ctx, verifyPrimaryKeyQuery, c.schema, table)
}

// Indexes returns all index definitions of table ordered by name.
func (c *SQLCatalog) Indexes(ctx context.Context, table string) ([]Index, error) {
	rows, err := c.db.QueryContext(ctx, verifyIndexesQuery, c.schema, table)
	if err != nil {
		return nil, fmt.Errorf("querying indexes of %s: %w", table, err)
	}
	defer rows.Close()

	var idx []Index
	for rows.Next() {
		var i Index
		if err := rows.Scan(&i.Name, &i.Definition); err != nil {
			return nil, err
		}
		idx = append(idx, i)
	}
	return idx, rows.Err()
}

// RowCount runs an exact COUNT(*).
func (c *SQLCatalog) RowCount(ctx context.Context, table string) (int64, error) {
	var n int64
	q := "SELECT COUNT(*) FROM " + ident.Qualify(c.schema, table)
	if err := c.db.QueryRowContext(ctx, q).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting rows of %s: %w", table, err)
	}
	return n, nil
}

func (c *SQLCatalog) strings(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
