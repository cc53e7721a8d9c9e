// Package verify compares a migrated target schema against its source:
// column structure, primary keys, indexes and row counts.
package verify

import (
	"context"
	"database/sql"
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/johndauphine/pg-pg-migrate/internal/ident"
	"github.com/johndauphine/pg-pg-migrate/internal/logging"
)

// Table verification outcomes.
const (
	StatusPass    = "PASS"
	StatusFail    = "FAIL"
	StatusPending = "PENDING"
)

// TableResult is the verification outcome of one table.
type TableResult struct {
	Name           string   `json:"name"`
	Status         string   `json:"status"`
	StructureMatch bool     `json:"structure_match"`
	RowCountMatch  bool     `json:"row_count_match"`
	SourceRows     int64    `json:"source_rows"`
	TargetRows     int64    `json:"target_rows"`
	Errors         []string `json:"errors,omitempty"`
	Warnings       []string `json:"warnings,omitempty"`
}

func (r *TableResult) finish() {
	switch {
	case len(r.Errors) > 0:
		r.Status = StatusFail
	case r.Status == "":
		r.Status = StatusPass
	}
}

// Verifier compares two catalogs.
type Verifier struct {
	source Catalog
	target Catalog
	logger *logging.Logger
}

// New creates a verifier.
func New(source, target Catalog, logger *logging.Logger) *Verifier {
	if logger == nil {
		logger = logging.Default()
	}
	return &Verifier{source: source, target: target, logger: logger}
}

// Verify checks tables, or the union of both schemas' tables when the list
// is empty. Per-table problems land in the report; the error is reserved for
// failures to list tables at all.
func (v *Verifier) Verify(ctx context.Context, tables []string) (*Report, error) {
	v.logger.Info("Starting migration verification")

	srcTables, err := v.source.Tables(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing source tables: %w", err)
	}
	dstTables, err := v.target.Tables(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing target tables: %w", err)
	}

	if len(tables) == 0 {
		tables = union(srcTables, dstTables)
	}
	v.logger.Info("Verifying %d tables", len(tables))

	report := &Report{GeneratedAt: time.Now()}
	for _, name := range tables {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		res := v.verifyTable(ctx, name, slices.Contains(srcTables, name), slices.Contains(dstTables, name))
		if res.Status == StatusFail {
			v.logger.Error("Table %s verification failed: %s", name, strings.Join(res.Errors, "; "))
		} else {
			v.logger.Info("Table %s verification %s", name, strings.ToLower(res.Status))
		}
		report.Tables = append(report.Tables, res)
	}
	return report, nil
}

func (v *Verifier) verifyTable(ctx context.Context, name string, inSource, inTarget bool) TableResult {
	res := TableResult{Name: name}
	if err := v.checkTable(ctx, &res, inSource, inTarget); err != nil {
		res.Errors = append(res.Errors, fmt.Sprintf("Verification failed with error: %v", err))
	}
	res.finish()
	return res
}

func (v *Verifier) checkTable(ctx context.Context, res *TableResult, inSource, inTarget bool) error {
	name := res.Name
	if !inSource {
		res.Errors = append(res.Errors, fmt.Sprintf("Table %s not found in source database", name))
		return nil
	}
	if !inTarget {
		res.Status = StatusPending
		res.Warnings = append(res.Warnings, fmt.Sprintf("Table %s not found in target database - not migrated yet", name))
		if n, err := v.source.RowCount(ctx, name); err == nil {
			res.SourceRows = n
		}
		return nil
	}

	if err := v.compareStructure(ctx, name, res); err != nil {
		return err
	}

	var err error
	if res.SourceRows, err = v.source.RowCount(ctx, name); err != nil {
		return err
	}
	if res.TargetRows, err = v.target.RowCount(ctx, name); err != nil {
		return err
	}
	res.RowCountMatch = res.SourceRows == res.TargetRows
	if !res.RowCountMatch {
		res.Errors = append(res.Errors, fmt.Sprintf("Row count mismatch: source=%d, target=%d", res.SourceRows, res.TargetRows))
	}
	return nil
}

func (v *Verifier) compareStructure(ctx context.Context, name string, res *TableResult) error {
	srcCols, err := v.source.Columns(ctx, name)
	if err != nil {
		return err
	}
	dstCols, err := v.target.Columns(ctx, name)
	if err != nil {
		return err
	}
	colErrs := compareColumns(srcCols, dstCols, v.source.Schema(), v.target.Schema())
	res.Errors = append(res.Errors, colErrs...)

	srcPK, err := v.source.PrimaryKey(ctx, name)
	if err != nil {
		return err
	}
	dstPK, err := v.target.PrimaryKey(ctx, name)
	if err != nil {
		return err
	}
	pkMatch := slices.Equal(srcPK, dstPK)
	if !pkMatch {
		res.Errors = append(res.Errors, fmt.Sprintf("Primary keys differ - Source: [%s], Target: [%s]",
			joinOrNone(srcPK), joinOrNone(dstPK)))
	}
	res.StructureMatch = len(colErrs) == 0 && pkMatch

	srcIdx, err := v.source.Indexes(ctx, name)
	if err != nil {
		return err
	}
	dstIdx, err := v.target.Indexes(ctx, name)
	if err != nil {
		return err
	}
	for _, w := range compareIndexes(srcIdx, dstIdx, v.source.Schema(), v.target.Schema()) {
		res.Warnings = append(res.Warnings, "Index difference: "+w)
	}
	return nil
}

// compareColumns reports missing, extra and differing columns.
func compareColumns(src, dst []ColumnInfo, srcSchema, dstSchema string) []string {
	srcByName := make(map[string]ColumnInfo, len(src))
	for _, c := range src {
		srcByName[c.Name] = c
	}
	dstByName := make(map[string]ColumnInfo, len(dst))
	for _, c := range dst {
		dstByName[c.Name] = c
	}

	var errs []string
	if missing := difference(srcByName, dstByName); len(missing) > 0 {
		errs = append(errs, "Columns missing in target: "+strings.Join(missing, ", "))
	}
	if extra := difference(dstByName, srcByName); len(extra) > 0 {
		errs = append(errs, "Extra columns in target: "+strings.Join(extra, ", "))
	}

	names := make([]string, 0, len(srcByName))
	for name := range srcByName {
		if _, ok := dstByName[name]; ok {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	for _, name := range names {
		s, d := srcByName[name], dstByName[name]
		var diffs []string
		if s.DataType != d.DataType {
			diffs = append(diffs, fmt.Sprintf("data_type: '%s' vs '%s'", s.DataType, d.DataType))
		}
		if s.MaxLength != d.MaxLength {
			diffs = append(diffs, fmt.Sprintf("max_length: %s vs %s", nullInt(s.MaxLength), nullInt(d.MaxLength)))
		}
		if s.Nullable != d.Nullable {
			diffs = append(diffs, fmt.Sprintf("nullable: %s vs %s", s.Nullable, d.Nullable))
		}
		if !sameDefault(s.Default, d.Default, srcSchema, dstSchema) {
			diffs = append(diffs, fmt.Sprintf("default: '%s' vs '%s'", s.Default.String, d.Default.String))
		}
		if s.Precision != d.Precision {
			diffs = append(diffs, fmt.Sprintf("precision: %s vs %s", nullInt(s.Precision), nullInt(d.Precision)))
		}
		if s.Scale != d.Scale {
			diffs = append(diffs, fmt.Sprintf("scale: %s vs %s", nullInt(s.Scale), nullInt(d.Scale)))
		}
		if s.UDTName != d.UDTName {
			diffs = append(diffs, fmt.Sprintf("udt_name: '%s' vs '%s'", s.UDTName, d.UDTName))
		}
		if s.ArrayType != d.ArrayType {
			diffs = append(diffs, fmt.Sprintf("array_type: '%s' vs '%s'", s.ArrayType, d.ArrayType))
		}
		if len(diffs) > 0 {
			errs = append(errs, fmt.Sprintf("Column '%s' differences: %s", name, strings.Join(diffs, "; ")))
		}
	}
	return errs
}

// sameDefault compares defaults. Sequence defaults match when they name the
// same sequences, wherever those live.
func sameDefault(src, dst sql.NullString, srcSchema, dstSchema string) bool {
	if src.String == dst.String {
		return true
	}
	srcRefs, dstRefs := ident.SequenceRefs(src.String), ident.SequenceRefs(dst.String)
	if len(srcRefs) == 0 || len(dstRefs) == 0 {
		moved, _ := ident.RewriteSequenceSchema(src.String, srcSchema, dstSchema)
		return moved == dst.String
	}
	if len(srcRefs) != len(dstRefs) {
		return false
	}
	for i := range srcRefs {
		if srcRefs[i].Name != dstRefs[i].Name {
			return false
		}
	}
	return true
}

// compareIndexes reports index differences. Definitions are compared with
// the schema qualifier normalized.
func compareIndexes(src, dst []Index, srcSchema, dstSchema string) []string {
	srcDefs := make(map[string]string, len(src))
	for _, i := range src {
		srcDefs[i.Name] = normalizeIndexDef(i.Definition, srcSchema)
	}
	dstDefs := make(map[string]string, len(dst))
	for _, i := range dst {
		dstDefs[i.Name] = normalizeIndexDef(i.Definition, dstSchema)
	}

	var diffs []string
	if missing := difference(srcDefs, dstDefs); len(missing) > 0 {
		diffs = append(diffs, "Missing indexes in target: "+strings.Join(missing, ", "))
	}
	if extra := difference(dstDefs, srcDefs); len(extra) > 0 {
		diffs = append(diffs, "Extra indexes in target: "+strings.Join(extra, ", "))
	}

	names := make([]string, 0, len(srcDefs))
	for name := range srcDefs {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if d, ok := dstDefs[name]; ok && d != srcDefs[name] {
			diffs = append(diffs, fmt.Sprintf("Index '%s' definition differs", name))
		}
	}
	return diffs
}

func normalizeIndexDef(def, schema string) string {
	for _, prefix := range []string{" ON " + ident.Quote(schema) + ".", " ON " + schema + "."} {
		def = strings.Replace(def, prefix, " ON ", 1)
	}
	return def
}

// difference returns the keys of a that are not in b, sorted.
func difference[V any](a, b map[string]V) []string {
	var out []string
	for k := range a {
		if _, ok := b[k]; !ok {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

func union(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	var out []string
	for _, s := range append(append([]string{}, a...), b...) {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func joinOrNone(cols []string) string {
	if len(cols) == 0 {
		return "None"
	}
	return strings.Join(cols, ", ")
}

func nullInt(n sql.NullInt64) string {
	if !n.Valid {
		return "None"
	}
	return fmt.Sprintf("%d", n.Int64)
}
