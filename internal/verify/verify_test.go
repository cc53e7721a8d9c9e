package verify

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/johndauphine/pg-pg-migrate/internal/config"
	"github.com/johndauphine/pg-pg-migrate/internal/logging"
)

type fakeTable struct {
	cols    []ColumnInfo
	pk      []string
	indexes []Index
	rows    int64
}

type fakeCatalog struct {
	schema   string
	tables   map[string]*fakeTable
	countErr error
}

func (f *fakeCatalog) Schema() string { return f.schema }

func (f *fakeCatalog) Tables(context.Context) ([]string, error) {
	var out []string
	for name := range f.tables {
		out = append(out, name)
	}
	return out, nil
}

func (f *fakeCatalog) Columns(_ context.Context, t string) ([]ColumnInfo, error) {
	return f.tables[t].cols, nil
}

func (f *fakeCatalog) PrimaryKey(_ context.Context, t string) ([]string, error) {
	return f.tables[t].pk, nil
}

func (f *fakeCatalog) Indexes(_ context.Context, t string) ([]Index, error) {
	return f.tables[t].indexes, nil
}

func (f *fakeCatalog) RowCount(_ context.Context, t string) (int64, error) {
	if f.countErr != nil {
		return 0, f.countErr
	}
	return f.tables[t].rows, nil
}

func col(name, dataType string) ColumnInfo {
	return ColumnInfo{Name: name, DataType: dataType, Nullable: "YES", UDTName: dataType}
}

func withDefault(c ColumnInfo, def string) ColumnInfo {
	c.Default = sql.NullString{String: def, Valid: true}
	return c
}

func ordersTable(schema string, rows int64) *fakeTable {
	return &fakeTable{
		cols: []ColumnInfo{
			withDefault(ColumnInfo{Name: "id", DataType: "integer", Nullable: "NO", UDTName: "int4",
				Precision: sql.NullInt64{Int64: 32, Valid: true}, Scale: sql.NullInt64{Int64: 0, Valid: true}},
				"nextval('"+schema+".orders_id_seq'::regclass)"),
			col("note", "text"),
		},
		pk:      []string{"id"},
		indexes: []Index{{Name: "orders_pkey", Definition: "CREATE UNIQUE INDEX orders_pkey ON " + schema + ".orders USING btree (id)"}},
		rows:    rows,
	}
}

func TestVerifyStatuses(t *testing.T) {
	src := &fakeCatalog{schema: "app", tables: map[string]*fakeTable{
		"orders":    ordersTable("app", 10),
		"customers": {cols: []ColumnInfo{col("id", "bigint")}, pk: []string{"id"}, rows: 5},
		"invoices":  {cols: []ColumnInfo{col("id", "bigint")}, rows: 3},
	}}
	dst := &fakeCatalog{schema: "stage", tables: map[string]*fakeTable{
		"orders":    ordersTable("stage", 10),
		"customers": {cols: []ColumnInfo{col("id", "bigint")}, pk: []string{"id"}, rows: 4},
		"leftover":  {cols: []ColumnInfo{col("id", "bigint")}},
	}}

	report, err := New(src, dst, logging.Discard()).Verify(context.Background(), nil)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}

	got := map[string]TableResult{}
	for _, r := range report.Tables {
		got[r.Name] = r
	}
	want := map[string]string{
		"orders":    StatusPass,
		"customers": StatusFail,
		"invoices":  StatusPending,
		"leftover":  StatusFail,
	}
	for name, status := range want {
		if got[name].Status != status {
			t.Errorf("%s status = %s, want %s (errors %v)", name, got[name].Status, status, got[name].Errors)
		}
	}
	if !strings.Contains(got["customers"].Errors[0], "Row count mismatch: source=5, target=4") {
		t.Errorf("customers errors = %v", got["customers"].Errors)
	}
	if got["invoices"].SourceRows != 3 {
		t.Errorf("pending table source rows = %d, want 3", got["invoices"].SourceRows)
	}

	s := report.Summary()
	if s.Total != 4 || s.Passed != 1 || s.Failed != 2 || s.Pending != 1 {
		t.Errorf("summary = %+v", s)
	}
	if !report.Failed() {
		t.Error("Failed() = false")
	}
	if names := report.FailedTables(); len(names) != 2 || names[0] != "customers" || names[1] != "leftover" {
		t.Errorf("FailedTables() = %v", names)
	}
}

func TestVerifySubsetAndCountError(t *testing.T) {
	src := &fakeCatalog{schema: "app", tables: map[string]*fakeTable{"orders": ordersTable("app", 1)}}
	dst := &fakeCatalog{schema: "app", tables: map[string]*fakeTable{"orders": ordersTable("app", 1)},
		countErr: errors.New("permission denied")}

	report, err := New(src, dst, logging.Discard()).Verify(context.Background(), []string{"orders"})
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	r := report.Tables[0]
	if r.Status != StatusFail || !strings.Contains(r.Errors[0], "permission denied") {
		t.Errorf("result = %+v", r)
	}
}

func TestCompareColumns(t *testing.T) {
	base := []ColumnInfo{col("id", "bigint"), col("name", "text")}

	tests := []struct {
		name string
		dst  []ColumnInfo
		want []string
	}{
		{"identical", base, nil},
		{"missing", base[:1], []string{"Columns missing in target: name"}},
		{"extra", append(append([]ColumnInfo{}, base...), col("extra", "int")), []string{"Extra columns in target: extra"}},
		{
			"type and nullability",
			[]ColumnInfo{col("id", "integer"), {Name: "name", DataType: "text", Nullable: "NO", UDTName: "text"}},
			[]string{
				"Column 'id' differences: data_type: 'bigint' vs 'integer'; udt_name: 'bigint' vs 'integer'",
				"Column 'name' differences: nullable: YES vs NO",
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := compareColumns(base, tt.dst, "app", "app")
			if strings.Join(got, "|") != strings.Join(tt.want, "|") {
				t.Errorf("compareColumns() =\n%v\nwant\n%v", got, tt.want)
			}
		})
	}
}

func TestSameDefault(t *testing.T) {
	str := func(s string) sql.NullString { return sql.NullString{String: s, Valid: s != ""} }

	tests := []struct {
		name     string
		src, dst string
		want     bool
	}{
		{"both empty", "", "", true},
		{"literal", "0", "0", true},
		{"literal differs", "0", "1", false},
		{"sequence moved", "nextval('app.seq'::regclass)", "nextval('stage.seq'::regclass)", true},
		{"sequence unqualified", "nextval('seq'::regclass)", "nextval('stage.seq'::regclass)", true},
		{"sequence renamed", "nextval('app.seq'::regclass)", "nextval('stage.other'::regclass)", false},
		{"default dropped", "nextval('app.seq'::regclass)", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := sameDefault(str(tt.src), str(tt.dst), "app", "stage"); got != tt.want {
				t.Errorf("sameDefault(%q, %q) = %v, want %v", tt.src, tt.dst, got, tt.want)
			}
		})
	}
}

func TestCompareIndexesAreWarnings(t *testing.T) {
	src := &fakeCatalog{schema: "app", tables: map[string]*fakeTable{"orders": ordersTable("app", 2)}}
	dstTable := ordersTable("stage", 2)
	dstTable.indexes = append(dstTable.indexes, Index{Name: "orders_note_idx", Definition: "CREATE INDEX orders_note_idx ON stage.orders USING btree (note)"})
	dst := &fakeCatalog{schema: "stage", tables: map[string]*fakeTable{"orders": dstTable}}

	report, err := New(src, dst, logging.Discard()).Verify(context.Background(), nil)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	r := report.Tables[0]
	if r.Status != StatusPass {
		t.Fatalf("status = %s, want PASS (errors %v)", r.Status, r.Errors)
	}
	if len(r.Warnings) != 1 || r.Warnings[0] != "Index difference: Extra indexes in target: orders_note_idx" {
		t.Errorf("warnings = %v", r.Warnings)
	}
}

func TestReportText(t *testing.T) {
	report := &Report{Tables: []TableResult{
		{Name: "orders", Status: StatusPass, StructureMatch: true, RowCountMatch: true, SourceRows: 1234567, TargetRows: 1234567},
		{Name: "items", Status: StatusFail, Errors: []string{"Row count mismatch: source=2, target=1"}, SourceRows: 2, TargetRows: 1},
	}}

	var buf bytes.Buffer
	if err := report.WriteText(&buf); err != nil {
		t.Fatalf("WriteText() error = %v", err)
	}
	out := buf.String()
	for _, want := range []string{
		"MIGRATION VERIFICATION REPORT",
		"- Passed: 1",
		"- Failed: 1",
		"- Total source rows: 1,234,569",
		"Table: orders [PASS]",
		"Rows: 1,234,567 -> 1,234,567",
		"Table: items [FAIL]",
		"    - Row count mismatch: source=2, target=1",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("report missing %q:\n%s", want, out)
		}
	}

	path := filepath.Join(t.TempDir(), "report.txt")
	if err := report.SaveText(path); err != nil {
		t.Fatalf("SaveText() error = %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil || string(data) != out {
		t.Errorf("saved report differs from rendered report (err %v)", err)
	}
}

func TestPqDSN(t *testing.T) {
	ep := config.EndpointConfig{Host: "h", Port: 5432, Database: "d", User: "u", Password: "p", SSLMode: "prefer"}
	dsn := pqDSN(ep)
	if !strings.Contains(dsn, "sslmode=require") {
		t.Errorf("pqDSN() = %s, want sslmode=require", dsn)
	}
	if !strings.Contains(dsn, "application_name=pg-pg-migrate-verify") {
		t.Errorf("pqDSN() = %s, want default application name", dsn)
	}
}

func TestCommas(t *testing.T) {
	tests := map[int64]string{0: "0", 999: "999", 1000: "1,000", -1234567: "-1,234,567"}
	for in, want := range tests {
		if got := commas(in); got != want {
			t.Errorf("commas(%d) = %q, want %q", in, got, want)
		}
	}
}
