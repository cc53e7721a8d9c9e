package target

import (
	"fmt"
	"strings"

	"github.com/johndauphine/pg-pg-migrate/internal/ident"
	"github.com/johndauphine/pg-pg-migrate/internal/source"
)

// columnType renders the declared type of c, re-applying length for
// character types and precision/scale for numeric types. Array types are
// rendered bare.
func columnType(c source.Column) string {
	t := c.Type
	if t == "" {
		t = source.FallbackType
	}
	if c.IsArray() {
		return t
	}

	switch strings.ToLower(t) {
	case "character varying", "varchar", "character", "char":
		if c.MaxLength != nil && *c.MaxLength > 0 {
			return fmt.Sprintf("%s(%d)", t, *c.MaxLength)
		}
	case "numeric", "decimal":
		if c.Precision != nil && *c.Precision > 0 {
			if c.Scale != nil {
				return fmt.Sprintf("%s(%d,%d)", t, *c.Precision, *c.Scale)
			}
			return fmt.Sprintf("%s(%d)", t, *c.Precision)
		}
	}
	return t
}

// ColumnDefinition renders one column of a CREATE TABLE statement. Defaults
// that draw from a sequence in sourceSchema are moved to targetSchema.
func ColumnDefinition(c source.Column, sourceSchema, targetSchema string) string {
	var b strings.Builder
	b.WriteString(ident.Quote(c.Name))
	b.WriteString(" ")
	b.WriteString(columnType(c))

	if c.IsIdentity {
		gen := "BY DEFAULT"
		if c.IdentityAlways() {
			gen = "ALWAYS"
		}
		fmt.Fprintf(&b, " GENERATED %s AS IDENTITY", gen)
	} else if c.Default != nil && strings.TrimSpace(*c.Default) != "" {
		def, _ := ident.RewriteSequenceSchema(*c.Default, sourceSchema, targetSchema)
		b.WriteString(" DEFAULT ")
		b.WriteString(def)
	}

	if !c.Nullable {
		b.WriteString(" NOT NULL")
	}
	return b.String()
}

// CreateTableSQL builds the CREATE TABLE statement for t in targetSchema.
func CreateTableSQL(t *source.Table, targetSchema string) (string, error) {
	if len(t.Columns) == 0 {
		return "", fmt.Errorf("table %s has no columns", t.FullName())
	}

	defs := make([]string, 0, len(t.Columns)+1)
	for _, c := range t.Columns {
		defs = append(defs, ColumnDefinition(c, t.Schema, targetSchema))
	}
	if t.HasPK() {
		defs = append(defs, fmt.Sprintf("PRIMARY KEY (%s)", ident.QuoteList(t.PrimaryKey)))
	}

	return fmt.Sprintf("CREATE TABLE %s (\n    %s\n)",
		ident.Qualify(targetSchema, t.Name), strings.Join(defs, ",\n    ")), nil
}

// CreateSequenceSQL copies the definition of seq into schema.
func CreateSequenceSQL(schema string, seq source.Sequence) string {
	cycle := "NO CYCLE"
	if seq.Cycle {
		cycle = "CYCLE"
	}
	return fmt.Sprintf("CREATE SEQUENCE %s AS %s START WITH %s INCREMENT BY %s MINVALUE %s MAXVALUE %s %s",
		ident.Qualify(schema, seq.Name), seq.DataType, seq.Start, seq.Increment, seq.Min, seq.Max, cycle)
}

// CreateExtensionSQL installs an extension. "schema.name" installs into
// that schema.
func CreateExtensionSQL(name string) string {
	if schema, ext, ok := strings.Cut(name, "."); ok && schema != "" && ext != "" {
		return fmt.Sprintf("CREATE EXTENSION IF NOT EXISTS %s WITH SCHEMA %s", ident.Quote(ext), ident.Quote(schema))
	}
	return fmt.Sprintf("CREATE EXTENSION IF NOT EXISTS %s", ident.Quote(name))
}

// OwnedBySQL links seq to its owning column in schema.
func OwnedBySQL(schema string, seq source.Sequence) string {
	return fmt.Sprintf("ALTER SEQUENCE %s OWNED BY %s.%s",
		ident.Qualify(schema, seq.Name), ident.Qualify(schema, seq.OwnerTable), ident.Quote(seq.OwnerColumn))
}

// setvalSQL takes the sequence as a regclass literal, the value and is_called.
const setvalSQL = "SELECT setval($1::regclass, $2, $3)"

const tableExistsSQL = `SELECT EXISTS (
	SELECT 1 FROM information_schema.tables
	WHERE table_schema = $1 AND table_name = $2
)`

const sequenceExistsSQL = `SELECT EXISTS (
	SELECT 1 FROM information_schema.sequences
	WHERE sequence_schema = $1 AND sequence_name = $2
)`
