// Package source reads schema metadata and sequence state from the source
// database.
package source

import (
	"context"
	"fmt"

	"github.com/johndauphine/pg-pg-migrate/internal/ident"
	"github.com/johndauphine/pg-pg-migrate/internal/logging"
)

// Introspector reads catalog metadata for one schema.
type Introspector struct {
	db     Querier
	schema string
	logger *logging.Logger
}

// NewIntrospector creates an introspector for schema.
func NewIntrospector(db Querier, schema string, logger *logging.Logger) *Introspector {
	if logger == nil {
		logger = logging.Default()
	}
	return &Introspector{db: db, schema: schema, logger: logger}
}

// Schema returns the schema being inspected.
func (in *Introspector) Schema() string {
	return in.schema
}

// ListTables returns base tables in the schema ordered by name.
func (in *Introspector) ListTables(ctx context.Context) ([]string, error) {
	rows, err := in.db.Query(ctx, listTablesQuery, in.schema)
	if err != nil {
		return nil, fmt.Errorf("listing tables in %s: %w", in.schema, err)
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scanning table name: %w", err)
		}
		tables = append(tables, name)
	}
	return tables, rows.Err()
}

// Columns returns the columns of table in ordinal order, with Type
// normalized. Unresolvable types become text.
func (in *Introspector) Columns(ctx context.Context, table string) ([]Column, error) {
	rows, err := in.db.Query(ctx, columnsQuery, in.schema, table)
	if err != nil {
		return nil, fmt.Errorf("introspecting columns of %s.%s: %w", in.schema, table, err)
	}
	defer rows.Close()

	var cols []Column
	for rows.Next() {
		var c Column
		if err := rows.Scan(&c.Name, &c.Ordinal, &c.DataType, &c.UDTName,
			&c.ElementType, &c.ElementUDTName, &c.MaxLength, &c.Precision, &c.Scale,
			&c.Nullable, &c.Default, &c.IsIdentity, &c.IdentityGeneration); err != nil {
			return nil, fmt.Errorf("scanning column of %s.%s: %w", in.schema, table, err)
		}
		t, ok := NormalizeType(c.DataType, c.UDTName, c.ElementType, c.ElementUDTName)
		if !ok {
			in.logger.Warn("Column %s.%s.%s has no resolvable type (data_type=%q udt_name=%q), treating as %s",
				in.schema, table, c.Name, c.DataType, c.UDTName, FallbackType)
			t = FallbackType
		}
		c.Type = t
		cols = append(cols, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("introspecting columns of %s.%s: %w", in.schema, table, err)
	}
	return cols, nil
}

// ColumnTypes returns ordered (column, normalized type) pairs.
func (in *Introspector) ColumnTypes(ctx context.Context, table string) ([]ColumnType, error) {
	cols, err := in.Columns(ctx, table)
	if err != nil {
		return nil, err
	}
	out := make([]ColumnType, len(cols))
	for i, c := range cols {
		out[i] = ColumnType{Name: c.Name, Type: c.Type}
	}
	return out, nil
}

// PrimaryKey returns the primary key columns of table in key order.
func (in *Introspector) PrimaryKey(ctx context.Context, table string) ([]string, error) {
	rows, err := in.db.Query(ctx, primaryKeyQuery, in.schema, table)
	if err != nil {
		return nil, fmt.Errorf("reading primary key of %s.%s: %w", in.schema, table, err)
	}
	defer rows.Close()

	var pk []string
	for rows.Next() {
		var col string
		if err := rows.Scan(&col); err != nil {
			return nil, err
		}
		pk = append(pk, col)
	}
	return pk, rows.Err()
}

// RowCount returns the exact row count of table.
func (in *Introspector) RowCount(ctx context.Context, table string) (int64, error) {
	var n int64
	query := "SELECT COUNT(*) FROM " + ident.Qualify(in.schema, table)
	if err := in.db.QueryRow(ctx, query).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting rows of %s.%s: %w", in.schema, table, err)
	}
	return n, nil
}

// DescribeTable loads columns, primary key and an exact row count.
func (in *Introspector) DescribeTable(ctx context.Context, table string) (*Table, error) {
	cols, err := in.Columns(ctx, table)
	if err != nil {
		return nil, err
	}
	if len(cols) == 0 {
		return nil, fmt.Errorf("table %s.%s not found or has no columns", in.schema, table)
	}
	pk, err := in.PrimaryKey(ctx, table)
	if err != nil {
		return nil, err
	}
	count, err := in.RowCount(ctx, table)
	if err != nil {
		return nil, err
	}
	return &Table{
		Schema:     in.schema,
		Name:       table,
		Columns:    cols,
		PrimaryKey: pk,
		RowCount:   count,
	}, nil
}

// Sequences lists standalone sequences with their parameters and owning
// column. If the information_schema query fails, names come from pg_class
// and parameters take their defaults.
func (in *Introspector) Sequences(ctx context.Context) ([]Sequence, error) {
	seqs, err := in.sequencesFromInfoSchema(ctx)
	if err != nil {
		in.logger.Warn("Reading information_schema.sequences failed, falling back to pg_class: %v", err)
		seqs, err = in.sequencesFromCatalog(ctx)
		if err != nil {
			return nil, fmt.Errorf("listing sequences in %s: %w", in.schema, err)
		}
	}
	if len(seqs) == 0 {
		return nil, nil
	}

	owners, err := in.sequenceOwners(ctx)
	if err != nil {
		in.logger.Warn("Could not determine sequence owners in %s: %v", in.schema, err)
		return seqs, nil
	}
	for i := range seqs {
		if o, ok := owners[seqs[i].Name]; ok {
			seqs[i].OwnerTable = o.table
			seqs[i].OwnerColumn = o.column
		}
	}
	return seqs, nil
}

func (in *Introspector) sequencesFromInfoSchema(ctx context.Context) ([]Sequence, error) {
	rows, err := in.db.Query(ctx, sequencesQuery, in.schema)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var seqs []Sequence
	for rows.Next() {
		var s Sequence
		if err := rows.Scan(&s.Name, &s.DataType, &s.Start, &s.Min, &s.Max, &s.Increment, &s.Cycle); err != nil {
			return nil, err
		}
		seqs = append(seqs, s.withDefaults())
	}
	return seqs, rows.Err()
}

func (in *Introspector) sequencesFromCatalog(ctx context.Context) ([]Sequence, error) {
	rows, err := in.db.Query(ctx, sequencesFallbackQuery, in.schema)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var seqs []Sequence
	for rows.Next() {
		var s Sequence
		if err := rows.Scan(&s.Name); err != nil {
			return nil, err
		}
		seqs = append(seqs, s.withDefaults())
	}
	return seqs, rows.Err()
}

type columnRef struct {
	table, column string
}

// sequenceOwners maps sequence name to the first column whose default calls
// nextval() on it. References to sequences in other schemas are ignored.
func (in *Introspector) sequenceOwners(ctx context.Context) (map[string]columnRef, error) {
	rows, err := in.db.Query(ctx, sequenceDefaultsQuery, in.schema)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	owners := make(map[string]columnRef)
	for rows.Next() {
		var table, column, def string
		if err := rows.Scan(&table, &column, &def); err != nil {
			return nil, err
		}
		for _, ref := range ident.SequenceRefs(def) {
			if ref.Schema != "" && ref.Schema != in.schema {
				continue
			}
			if _, seen := owners[ref.Name]; !seen {
				owners[ref.Name] = columnRef{table: table, column: column}
			}
		}
	}
	return owners, rows.Err()
}

// LastValue returns last_value and is_called of a source sequence.
func (in *Introspector) LastValue(ctx context.Context, sequence string) (int64, bool, error) {
	var value int64
	var isCalled bool
	query := "SELECT last_value, is_called FROM " + ident.Qualify(in.schema, sequence)
	if err := in.db.QueryRow(ctx, query).Scan(&value, &isCalled); err != nil {
		return 0, false, fmt.Errorf("reading last value of %s.%s: %w", in.schema, sequence, err)
	}
	return value, isCalled, nil
}
