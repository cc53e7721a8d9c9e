package source

import (
	"bytes"
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/johndauphine/pg-pg-migrate/internal/logging"
)

// col builds a columnsQuery row.
func col(name string, ord int, dataType, udt, elemType, elemUDT string, nullable bool, def any, identity bool, gen string) []any {
	return []any{name, ord, dataType, udt, elemType, elemUDT, nil, nil, nil, nullable, def, identity, gen}
}

func TestNormalizeType(t *testing.T) {
	tests := []struct {
		name                    string
		dataType, udt, et, eudt string
		want                    string
		wantOK                  bool
	}{
		{"plain", "integer", "int4", "", "", "integer", true},
		{"varchar", "character varying", "varchar", "", "", "character varying", true},
		{"array of builtin", "ARRAY", "_int4", "integer", "int4", "integer[]", true},
		{"array of enum", "ARRAY", "_mood", "USER-DEFINED", "mood", "mood[]", true},
		{"array without element row", "ARRAY", "_text", "", "", "text[]", true},
		{"user defined", "USER-DEFINED", "vector", "", "", "vector", true},
		{"user defined without udt", "USER-DEFINED", "", "", "", "", false},
		{"missing", "", "", "", "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := NormalizeType(tt.dataType, tt.udt, tt.et, tt.eudt)
			if got != tt.want || ok != tt.wantOK {
				t.Errorf("NormalizeType = %q, %v; want %q, %v", got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestDescribeTable(t *testing.T) {
	def := "nextval('users_id_seq'::regclass)"
	db := newFakeDB().
		on("element_types",
			col("id", 1, "integer", "int4", "", "", false, def, false, ""),
			col("tags", 2, "ARRAY", "_text", "text", "text", true, nil, false, ""),
			col("embedding", 3, "USER-DEFINED", "vector", "", "", true, nil, false, ""),
			col("code", 4, "bigint", "int8", "", "", false, nil, true, "ALWAYS"),
		).
		on("pg_index", []any{"id"}).
		on("SELECT COUNT(*)", []any{int64(2500)})

	in := NewIntrospector(db, "public", logging.Discard())
	tbl, err := in.DescribeTable(context.Background(), "users")
	if err != nil {
		t.Fatalf("DescribeTable: %v", err)
	}
	if tbl.RowCount != 2500 {
		t.Errorf("RowCount = %d", tbl.RowCount)
	}
	if !reflect.DeepEqual(tbl.PrimaryKey, []string{"id"}) {
		t.Errorf("PrimaryKey = %v", tbl.PrimaryKey)
	}
	wantTypes := []ColumnType{{"id", "integer"}, {"tags", "text[]"}, {"embedding", "vector"}, {"code", "bigint"}}
	if got := tbl.ColumnTypes(); !reflect.DeepEqual(got, wantTypes) {
		t.Errorf("ColumnTypes = %v, want %v", got, wantTypes)
	}
	if got := tbl.IdentityAlwaysColumns(); !reflect.DeepEqual(got, []string{"code"}) {
		t.Errorf("IdentityAlwaysColumns = %v", got)
	}
	if c, _ := tbl.Column("id"); c.Default == nil || *c.Default != def || c.Nullable {
		t.Errorf("id column = %+v", c)
	}
	if key, ok := tbl.KeysetColumn(); !ok || key.Name != "id" {
		t.Errorf("KeysetColumn = %v, %v", key, ok)
	}

	var countQuery string
	for _, q := range db.queries {
		if strings.HasPrefix(q, "SELECT COUNT(*)") {
			countQuery = q
		}
	}
	if countQuery != `SELECT COUNT(*) FROM "public"."users"` {
		t.Errorf("count query = %q", countQuery)
	}
}

func TestColumnsFallBackToText(t *testing.T) {
	db := newFakeDB().on("element_types",
		col("mystery", 1, "", "", "", "", true, nil, false, ""))

	var logs bytes.Buffer
	in := NewIntrospector(db, "public", logging.New(&logs, logging.LevelWarn, logging.FormatText))
	types, err := in.ColumnTypes(context.Background(), "t")
	if err != nil {
		t.Fatalf("ColumnTypes: %v", err)
	}
	if len(types) != 1 || types[0].Type != FallbackType {
		t.Errorf("types = %v", types)
	}
	if !strings.Contains(logs.String(), "mystery") {
		t.Errorf("expected warning naming the column, got %q", logs.String())
	}
}

func TestDescribeTableWithoutColumns(t *testing.T) {
	in := NewIntrospector(newFakeDB(), "public", logging.Discard())
	if _, err := in.DescribeTable(context.Background(), "ghost"); err == nil {
		t.Fatal("expected error for table without columns")
	}
}

func TestListTables(t *testing.T) {
	db := newFakeDB().on("information_schema.tables", []any{"a"}, []any{"b"})
	in := NewIntrospector(db, "public", logging.Discard())
	got, err := in.ListTables(context.Background())
	if err != nil {
		t.Fatalf("ListTables: %v", err)
	}
	if !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Errorf("ListTables = %v", got)
	}
}

func TestSequencesWithOwners(t *testing.T) {
	db := newFakeDB().
		on("information_schema.sequences",
			[]any{"users_id_seq", "integer", "1", "1", "2147483647", "1", false},
			[]any{"invoice_seq", "", "", "", "", "", true},
		).
		on("LIKE '%nextval(%'",
			[]any{"users", "id", "nextval('users_id_seq'::regclass)"},
			[]any{"archive", "id", "nextval('users_id_seq'::regclass)"},
			[]any{"invoices", "no", "('INV-'::text || nextval('public.invoice_seq'::regclass))"},
		)

	in := NewIntrospector(db, "public", logging.Discard())
	seqs, err := in.Sequences(context.Background())
	if err != nil {
		t.Fatalf("Sequences: %v", err)
	}
	if len(seqs) != 2 {
		t.Fatalf("got %d sequences", len(seqs))
	}

	users := seqs[0]
	if users.DataType != "integer" || users.Max != "2147483647" || users.Cycle {
		t.Errorf("users_id_seq = %+v", users)
	}
	if users.OwnerTable != "users" || users.OwnerColumn != "id" {
		t.Errorf("users_id_seq owner = %s.%s, want first referencing column users.id", users.OwnerTable, users.OwnerColumn)
	}

	inv := seqs[1]
	if inv.DataType != DefaultSequenceType || inv.Start != "1" || inv.Max != DefaultSequenceMax || !inv.Cycle {
		t.Errorf("invoice_seq defaults not applied: %+v", inv)
	}
	if inv.OwnerTable != "invoices" || inv.OwnerColumn != "no" {
		t.Errorf("invoice_seq owner = %s.%s", inv.OwnerTable, inv.OwnerColumn)
	}
}

func TestSequencesFallbackToCatalog(t *testing.T) {
	db := newFakeDB().
		fail("information_schema.sequences", errors.New("permission denied")).
		on("relkind = 'S'", []any{"legacy_seq"})

	var logs bytes.Buffer
	in := NewIntrospector(db, "public", logging.New(&logs, logging.LevelWarn, logging.FormatText))
	seqs, err := in.Sequences(context.Background())
	if err != nil {
		t.Fatalf("Sequences: %v", err)
	}
	want := Sequence{Name: "legacy_seq", DataType: "bigint", Start: "1", Min: "1", Max: "9223372036854775807", Increment: "1"}
	if len(seqs) != 1 || seqs[0] != want {
		t.Errorf("seqs = %+v, want %+v", seqs, want)
	}
	if !strings.Contains(logs.String(), "falling back") {
		t.Errorf("expected fallback warning, got %q", logs.String())
	}
}

func TestLastValue(t *testing.T) {
	db := newFakeDB().on("SELECT last_value", []any{int64(42), true})
	in := NewIntrospector(db, "public", logging.Discard())
	v, called, err := in.LastValue(context.Background(), "users_id_seq")
	if err != nil || v != 42 || !called {
		t.Errorf("LastValue = %d, %v, %v", v, called, err)
	}
}

func TestKeysetColumn(t *testing.T) {
	tests := []struct {
		name string
		tbl  Table
		want string
	}{
		{"integer pk", Table{PrimaryKey: []string{"id"}, Columns: []Column{{Name: "id", Type: "bigint"}}}, "id"},
		{"uuid pk", Table{PrimaryKey: []string{"id"}, Columns: []Column{{Name: "id", Type: "uuid"}}}, "id"},
		{"composite pk", Table{PrimaryKey: []string{"a", "b"}, Columns: []Column{{Name: "a", Type: "integer"}, {Name: "b", Type: "integer"}}}, ""},
		{"jsonb pk", Table{PrimaryKey: []string{"doc"}, Columns: []Column{{Name: "doc", Type: "jsonb"}}}, ""},
		{"no pk", Table{Columns: []Column{{Name: "id", Type: "integer"}}}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, ok := tt.tbl.KeysetColumn()
			got := ""
			if ok {
				got = c.Name
			}
			if got != tt.want {
				t.Errorf("KeysetColumn = %q, want %q", got, tt.want)
			}
		})
	}
}
