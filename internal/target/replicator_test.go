package target

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/johndauphine/pg-pg-migrate/internal/logging"
	"github.com/johndauphine/pg-pg-migrate/internal/source"
)

// fakeDB records statements and fails those containing a configured
// fragment. Existence checks answer from the exists set, keyed by the
// object name argument.
type fakeDB struct {
	execs      []string
	committed  []string
	rolledBack int
	failOn     []string
	exists     map[string]bool
	maxValues  map[string]int64
}

func newFakeDB() *fakeDB {
	return &fakeDB{exists: map[string]bool{}, maxValues: map[string]int64{}}
}

func (f *fakeDB) failure(sql string) error {
	for _, frag := range f.failOn {
		if strings.Contains(sql, frag) {
			return fmt.Errorf("boom: %s", frag)
		}
	}
	return nil
}

func (f *fakeDB) Exec(_ context.Context, sql string, _ ...any) error {
	f.execs = append(f.execs, sql)
	return f.failure(sql)
}

func (f *fakeDB) QueryRow(_ context.Context, sql string, args ...any) source.Row {
	f.execs = append(f.execs, sql)
	if err := f.failure(sql); err != nil {
		return scanRow{err: err}
	}
	switch {
	case strings.Contains(sql, "SELECT EXISTS"):
		return scanRow{value: f.exists[fmt.Sprint(args[1])]}
	case strings.Contains(sql, "MAX("):
		for col, v := range f.maxValues {
			if strings.Contains(sql, `MAX("`+col+`")`) {
				return scanRow{value: v}
			}
		}
		return scanRow{value: int64(0)}
	default:
		return scanRow{value: int64(1)}
	}
}

func (f *fakeDB) InTx(ctx context.Context, fn func(tx Execer) error) error {
	start := len(f.execs)
	if err := fn(f); err != nil {
		f.rolledBack++
		return err
	}
	f.committed = append(f.committed, f.execs[start:]...)
	return nil
}

type scanRow struct {
	value any
	err   error
}

func (r scanRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	switch d := dest[0].(type) {
	case *bool:
		*d = r.value.(bool)
	case *int64:
		*d = r.value.(int64)
	default:
		return fmt.Errorf("unsupported scan target %T", dest[0])
	}
	return nil
}

type fakeValues map[string]struct {
	value    int64
	isCalled bool
}

func (v fakeValues) LastValue(_ context.Context, seq string) (int64, bool, error) {
	got, ok := v[seq]
	if !ok {
		return 0, false, errors.New("no such sequence")
	}
	return got.value, got.isCalled, nil
}

func TestEnsureExtensionsContinuesPastFailure(t *testing.T) {
	db := newFakeDB()
	db.failOn = []string{`"vector"`}
	r := NewReplicator(db, "src", "tgt", logging.Discard())

	res := r.EnsureExtensions(context.Background(), []string{"vector", "uuid-ossp", "pg_trgm"})
	if res.Applied != 2 || len(res.Failed) != 1 || res.Failed[0] != "vector" {
		t.Errorf("EnsureExtensions() = %+v", res)
	}
	if len(db.execs) != 3 {
		t.Errorf("expected 3 statements, got %d", len(db.execs))
	}
}

func TestCreateSequencesSkipsExisting(t *testing.T) {
	db := newFakeDB()
	db.exists["a_seq"] = true
	db.failOn = []string{`"tgt"."bad_seq"`}
	r := NewReplicator(db, "src", "tgt", logging.Discard())

	seqs := []source.Sequence{
		{Name: "a_seq", DataType: "bigint", Start: "1", Min: "1", Max: "10", Increment: "1"},
		{Name: "b_seq", DataType: "bigint", Start: "1", Min: "1", Max: "10", Increment: "1"},
		{Name: "bad_seq", DataType: "bigint", Start: "1", Min: "1", Max: "10", Increment: "1"},
	}
	res := r.CreateSequences(context.Background(), seqs)
	if res.Applied != 1 || res.Skipped != 1 || len(res.Failed) != 1 {
		t.Errorf("CreateSequences() = %+v", res)
	}

	created := 0
	for _, sql := range db.execs {
		if strings.HasPrefix(sql, "CREATE SEQUENCE") {
			created++
			if strings.Contains(sql, "a_seq") {
				t.Errorf("existing sequence recreated: %s", sql)
			}
		}
	}
	if created != 2 {
		t.Errorf("expected 2 CREATE SEQUENCE attempts, got %d", created)
	}
}

func TestCreateTableIfNotExists(t *testing.T) {
	table := &source.Table{
		Schema:  "src",
		Name:    "orders",
		Columns: []source.Column{{Name: "id", Type: "integer"}},
	}

	t.Run("creates missing table", func(t *testing.T) {
		db := newFakeDB()
		r := NewReplicator(db, "src", "tgt", logging.Discard())
		created, err := r.CreateTableIfNotExists(context.Background(), table)
		if err != nil || !created {
			t.Fatalf("CreateTableIfNotExists() = %v, %v", created, err)
		}
		last := db.execs[len(db.execs)-1]
		if !strings.HasPrefix(last, `CREATE TABLE "tgt"."orders"`) {
			t.Errorf("unexpected statement %q", last)
		}
	})

	t.Run("skips existing table", func(t *testing.T) {
		db := newFakeDB()
		db.exists["orders"] = true
		r := NewReplicator(db, "src", "tgt", logging.Discard())
		created, err := r.CreateTableIfNotExists(context.Background(), table)
		if err != nil || created {
			t.Fatalf("CreateTableIfNotExists() = %v, %v", created, err)
		}
		for _, sql := range db.execs {
			if strings.HasPrefix(sql, "CREATE TABLE") {
				t.Errorf("existing table recreated")
			}
		}
	})

	t.Run("reports ddl failure", func(t *testing.T) {
		db := newFakeDB()
		db.failOn = []string{"CREATE TABLE"}
		r := NewReplicator(db, "src", "tgt", logging.Discard())
		if _, err := r.CreateTableIfNotExists(context.Background(), table); err == nil {
			t.Fatal("expected error")
		}
	})
}

func TestSetSequenceOwnership(t *testing.T) {
	db := newFakeDB()
	db.failOn = []string{`"broken_seq"`}
	r := NewReplicator(db, "src", "tgt", logging.Discard())

	seqs := []source.Sequence{
		{Name: "orders_id_seq", OwnerTable: "orders", OwnerColumn: "id"},
		{Name: "free_seq"},
		{Name: "broken_seq", OwnerTable: "t", OwnerColumn: "c"},
	}
	res := r.SetSequenceOwnership(context.Background(), seqs)
	if res.Applied != 1 || res.Skipped != 1 || len(res.Failed) != 1 {
		t.Errorf("SetSequenceOwnership() = %+v", res)
	}
	if db.rolledBack != 1 {
		t.Errorf("expected one rolled back transaction, got %d", db.rolledBack)
	}
	if len(db.committed) != 1 || !strings.Contains(db.committed[0], "OWNED BY") {
		t.Errorf("committed = %v", db.committed)
	}
}

func TestUpdateSequenceValues(t *testing.T) {
	db := newFakeDB()
	r := NewReplicator(db, "src", "tgt", logging.Discard())
	values := fakeValues{
		"a_seq": {value: 42, isCalled: true},
	}

	res := r.UpdateSequenceValues(context.Background(), []source.Sequence{{Name: "a_seq"}, {Name: "missing"}}, values)
	if res.Applied != 1 || len(res.Failed) != 1 || res.Failed[0] != "missing" {
		t.Errorf("UpdateSequenceValues() = %+v", res)
	}
	if len(db.committed) != 1 || !strings.Contains(db.committed[0], "setval") {
		t.Errorf("committed = %v", db.committed)
	}
}

func TestSyncIdentityColumns(t *testing.T) {
	db := newFakeDB()
	db.maxValues["id"] = 250
	r := NewReplicator(db, "src", "tgt", logging.Discard())

	table := &source.Table{
		Name: "orders",
		Columns: []source.Column{
			{Name: "id", Type: "bigint", IsIdentity: true, IdentityGeneration: "ALWAYS"},
			{Name: "seq_no", Type: "integer", IsIdentity: true, IdentityGeneration: "BY DEFAULT"},
			{Name: "note", Type: "text"},
		},
	}
	if err := r.SyncIdentityColumns(context.Background(), table); err != nil {
		t.Fatalf("SyncIdentityColumns() error = %v", err)
	}

	setvals := 0
	for _, sql := range db.execs {
		if strings.Contains(sql, "pg_get_serial_sequence") {
			setvals++
		}
	}
	// seq_no is empty and left alone
	if setvals != 1 {
		t.Errorf("expected 1 setval, got %d", setvals)
	}
}
