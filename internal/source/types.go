package source

import "strings"

// Column describes one source column as reported by information_schema.
type Column struct {
	Name               string
	Ordinal            int
	DataType           string // information_schema data_type, e.g. "ARRAY" or "USER-DEFINED"
	UDTName            string
	ElementType        string // element data_type of an ARRAY column
	ElementUDTName     string
	Type               string // normalized type used for conversion and DDL
	MaxLength          *int
	Precision          *int
	Scale              *int
	Nullable           bool
	Default            *string
	IsIdentity         bool
	IdentityGeneration string // "ALWAYS" or "BY DEFAULT"
}

// IdentityAlways reports whether inserts into the column need
// OVERRIDING SYSTEM VALUE.
func (c *Column) IdentityAlways() bool {
	return c.IsIdentity && strings.EqualFold(c.IdentityGeneration, "ALWAYS")
}

// IsArray reports whether the column holds an array.
func (c *Column) IsArray() bool {
	return c.DataType == "ARRAY" || strings.HasSuffix(c.Type, "[]")
}

// ColumnType pairs a column with its normalized type.
type ColumnType struct {
	Name string
	Type string
}

// Table is the descriptor of one source table.
type Table struct {
	Schema     string
	Name       string
	Columns    []Column
	PrimaryKey []string // in key order
	RowCount   int64    // exact count taken when the table was described
}

// FullName returns schema.table for log lines.
func (t *Table) FullName() string {
	return t.Schema + "." + t.Name
}

// HasPK reports whether the table has a primary key.
func (t *Table) HasPK() bool {
	return len(t.PrimaryKey) > 0
}

// Column returns the named column.
func (t *Table) Column(name string) (*Column, bool) {
	for i := range t.Columns {
		if t.Columns[i].Name == name {
			return &t.Columns[i], true
		}
	}
	return nil, false
}

// ColumnNames returns column names in ordinal order.
func (t *Table) ColumnNames() []string {
	names := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		names[i] = c.Name
	}
	return names
}

// ColumnTypes returns the normalized type of each column in ordinal order.
func (t *Table) ColumnTypes() []ColumnType {
	out := make([]ColumnType, len(t.Columns))
	for i, c := range t.Columns {
		out[i] = ColumnType{Name: c.Name, Type: c.Type}
	}
	return out
}

// IdentityAlwaysColumns lists columns declared GENERATED ALWAYS AS IDENTITY.
func (t *Table) IdentityAlwaysColumns() []string {
	var out []string
	for i := range t.Columns {
		if t.Columns[i].IdentityAlways() {
			out = append(out, t.Columns[i].Name)
		}
	}
	return out
}

// IdentityColumns lists every identity column regardless of generation.
func (t *Table) IdentityColumns() []string {
	var out []string
	for _, c := range t.Columns {
		if c.IsIdentity {
			out = append(out, c.Name)
		}
	}
	return out
}

// KeysetColumn returns the column to paginate on by key. It requires a
// single-column primary key whose type sorts the same way after a round
// trip through its text form.
func (t *Table) KeysetColumn() (*Column, bool) {
	if len(t.PrimaryKey) != 1 {
		return nil, false
	}
	col, ok := t.Column(t.PrimaryKey[0])
	if !ok || !OrderableKeyType(col.Type) {
		return nil, false
	}
	return col, true
}

// Sequence describes a standalone source sequence.
type Sequence struct {
	Name      string
	DataType  string
	Start     string
	Min       string
	Max       string
	Increment string
	Cycle     bool

	// Owner is the column whose default draws from the sequence, if any.
	OwnerTable  string
	OwnerColumn string
}

// HasOwner reports whether an owning column was found.
func (s *Sequence) HasOwner() bool {
	return s.OwnerTable != "" && s.OwnerColumn != ""
}

// Sequence defaults applied when the catalog leaves a field empty.
const (
	DefaultSequenceType      = "bigint"
	DefaultSequenceStart     = "1"
	DefaultSequenceMin       = "1"
	DefaultSequenceMax       = "9223372036854775807"
	DefaultSequenceIncrement = "1"
)

// withDefaults fills empty fields.
func (s Sequence) withDefaults() Sequence {
	if s.DataType == "" {
		s.DataType = DefaultSequenceType
	}
	if s.Start == "" {
		s.Start = DefaultSequenceStart
	}
	if s.Min == "" {
		s.Min = DefaultSequenceMin
	}
	if s.Max == "" {
		s.Max = DefaultSequenceMax
	}
	if s.Increment == "" {
		s.Increment = DefaultSequenceIncrement
	}
	return s
}
