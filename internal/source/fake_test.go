package source

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
)

// fakeDB answers catalog queries from canned rows keyed by a query fragment.
type fakeDB struct {
	results map[string][][]any
	errs    map[string]error
	queries []string
}

func newFakeDB() *fakeDB {
	return &fakeDB{results: map[string][][]any{}, errs: map[string]error{}}
}

func (f *fakeDB) on(fragment string, rows ...[]any) *fakeDB {
	f.results[fragment] = rows
	return f
}

func (f *fakeDB) fail(fragment string, err error) *fakeDB {
	f.errs[fragment] = err
	return f
}

func (f *fakeDB) match(sql string) ([][]any, error) {
	f.queries = append(f.queries, sql)
	for frag, err := range f.errs {
		if strings.Contains(sql, frag) {
			return nil, err
		}
	}
	for frag, rows := range f.results {
		if strings.Contains(sql, frag) {
			return rows, nil
		}
	}
	return nil, nil
}

func (f *fakeDB) Query(_ context.Context, sql string, _ ...any) (Rows, error) {
	rows, err := f.match(sql)
	if err != nil {
		return nil, err
	}
	return &fakeRows{rows: rows, pos: -1}, nil
}

func (f *fakeDB) QueryRow(_ context.Context, sql string, _ ...any) Row {
	rows, err := f.match(sql)
	if err != nil {
		return errRow{err}
	}
	if len(rows) == 0 {
		return errRow{errors.New("no rows in result set")}
	}
	return &fakeRows{rows: rows, pos: 0}
}

type errRow struct{ err error }

func (r errRow) Scan(...any) error { return r.err }

type fakeRows struct {
	rows [][]any
	pos  int
}

func (r *fakeRows) Next() bool {
	r.pos++
	return r.pos < len(r.rows)
}

func (r *fakeRows) Scan(dest ...any) error {
	row := r.rows[r.pos]
	if len(dest) != len(row) {
		return fmt.Errorf("scan: %d destinations for %d columns", len(dest), len(row))
	}
	for i, d := range dest {
		if err := assign(d, row[i]); err != nil {
			return fmt.Errorf("column %d: %w", i, err)
		}
	}
	return nil
}

func (r *fakeRows) Close()     {}
func (r *fakeRows) Err() error { return nil }

// assign stores v into the pointer d, allocating for pointer-to-pointer
// destinations. nil leaves the destination at its zero value.
func assign(d, v any) error {
	dv := reflect.ValueOf(d)
	if dv.Kind() != reflect.Ptr {
		return fmt.Errorf("destination %T is not a pointer", d)
	}
	target := dv.Elem()
	if v == nil {
		target.Set(reflect.Zero(target.Type()))
		return nil
	}
	val := reflect.ValueOf(v)
	if target.Kind() == reflect.Ptr {
		p := reflect.New(target.Type().Elem())
		p.Elem().Set(val.Convert(target.Type().Elem()))
		target.Set(p)
		return nil
	}
	target.Set(val.Convert(target.Type()))
	return nil
}
