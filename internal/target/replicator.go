// Package target recreates source schema objects on the target database.
package target

import (
	"context"
	"fmt"

	"github.com/johndauphine/pg-pg-migrate/internal/ident"
	"github.com/johndauphine/pg-pg-migrate/internal/logging"
	"github.com/johndauphine/pg-pg-migrate/internal/source"
)

// SequenceValues reads the current state of a source sequence.
// *source.Introspector implements it.
type SequenceValues interface {
	LastValue(ctx context.Context, sequence string) (int64, bool, error)
}

// Result counts the outcome of a batch step. Failed entries have already
// been logged.
type Result struct {
	Applied int
	Skipped int
	Failed  []string
}

func (r Result) String() string {
	return fmt.Sprintf("%d applied, %d skipped, %d failed", r.Applied, r.Skipped, len(r.Failed))
}

// Replicator makes the target schema ready to receive rows.
type Replicator struct {
	db           DB
	sourceSchema string
	targetSchema string
	logger       *logging.Logger
}

// NewReplicator creates a replicator writing into targetSchema. sourceSchema
// is used to recognise sequence references that must be moved.
func NewReplicator(db DB, sourceSchema, targetSchema string, logger *logging.Logger) *Replicator {
	if logger == nil {
		logger = logging.Default()
	}
	return &Replicator{db: db, sourceSchema: sourceSchema, targetSchema: targetSchema, logger: logger}
}

// TargetSchema returns the schema objects are created in.
func (r *Replicator) TargetSchema() string {
	return r.targetSchema
}

// EnsureSchema creates the target schema if it does not exist.
func (r *Replicator) EnsureSchema(ctx context.Context) error {
	if err := r.db.Exec(ctx, "CREATE SCHEMA IF NOT EXISTS "+ident.Quote(r.targetSchema)); err != nil {
		return fmt.Errorf("creating schema %s: %w", r.targetSchema, err)
	}
	return nil
}

// EnsureExtensions installs each extension if missing. Failures are logged
// and skipped.
func (r *Replicator) EnsureExtensions(ctx context.Context, names []string) Result {
	var res Result
	for _, name := range names {
		if err := r.db.Exec(ctx, CreateExtensionSQL(name)); err != nil {
			r.logger.Warn("Could not create extension %s: %v", name, err)
			res.Failed = append(res.Failed, name)
			continue
		}
		r.logger.Debug("Extension %s ready", name)
		res.Applied++
	}
	return res
}

// CreateSequences creates every sequence missing from the target. A failure
// on one sequence does not stop the rest.
func (r *Replicator) CreateSequences(ctx context.Context, seqs []source.Sequence) Result {
	var res Result
	for _, seq := range seqs {
		exists, err := r.exists(ctx, sequenceExistsSQL, seq.Name)
		if err != nil {
			r.logger.Warn("Could not check sequence %s.%s: %v", r.targetSchema, seq.Name, err)
			res.Failed = append(res.Failed, seq.Name)
			continue
		}
		if exists {
			r.logger.Debug("Sequence %s.%s already exists", r.targetSchema, seq.Name)
			res.Skipped++
			continue
		}
		if err := r.db.Exec(ctx, CreateSequenceSQL(r.targetSchema, seq)); err != nil {
			r.logger.Warn("Could not create sequence %s.%s: %v", r.targetSchema, seq.Name, err)
			res.Failed = append(res.Failed, seq.Name)
			continue
		}
		r.logger.Info("Created sequence %s.%s", r.targetSchema, seq.Name)
		res.Applied++
	}
	return res
}

// CreateTableIfNotExists creates t in the target schema. An existing table
// of the same name is left alone even if its structure differs.
func (r *Replicator) CreateTableIfNotExists(ctx context.Context, t *source.Table) (bool, error) {
	exists, err := r.exists(ctx, tableExistsSQL, t.Name)
	if err != nil {
		return false, fmt.Errorf("checking table %s.%s: %w", r.targetSchema, t.Name, err)
	}
	if exists {
		r.logger.Info("Table %s.%s already exists, skipping creation", r.targetSchema, t.Name)
		return false, nil
	}

	ddl, err := CreateTableSQL(t, r.targetSchema)
	if err != nil {
		return false, err
	}
	r.logger.Debug("Creating table: %s", ddl)
	if err := r.db.Exec(ctx, ddl); err != nil {
		return false, fmt.Errorf("create table %s.%s: %w", r.targetSchema, t.Name, err)
	}
	r.logger.Info("Created table %s.%s", r.targetSchema, t.Name)
	return true, nil
}

// SetSequenceOwnership links each owned sequence to its column. Each
// sequence runs in its own transaction.
func (r *Replicator) SetSequenceOwnership(ctx context.Context, seqs []source.Sequence) Result {
	var res Result
	for _, seq := range seqs {
		if !seq.HasOwner() {
			res.Skipped++
			continue
		}
		err := r.db.InTx(ctx, func(tx Execer) error {
			return tx.Exec(ctx, OwnedBySQL(r.targetSchema, seq))
		})
		if err != nil {
			r.logger.Warn("Could not set ownership of sequence %s to %s.%s: %v", seq.Name, seq.OwnerTable, seq.OwnerColumn, err)
			res.Failed = append(res.Failed, seq.Name)
			continue
		}
		r.logger.Debug("Sequence %s owned by %s.%s", seq.Name, seq.OwnerTable, seq.OwnerColumn)
		res.Applied++
	}
	return res
}

// UpdateSequenceValues copies last_value and is_called from the source for
// each sequence. Each sequence runs in its own transaction.
func (r *Replicator) UpdateSequenceValues(ctx context.Context, seqs []source.Sequence, src SequenceValues) Result {
	var res Result
	for _, seq := range seqs {
		value, isCalled, err := src.LastValue(ctx, seq.Name)
		if err != nil {
			r.logger.Warn("Could not read source value of sequence %s: %v", seq.Name, err)
			res.Failed = append(res.Failed, seq.Name)
			continue
		}
		regclass := ident.Qualify(r.targetSchema, seq.Name)
		err = r.db.InTx(ctx, func(tx Execer) error {
			var set int64
			return tx.QueryRow(ctx, setvalSQL, regclass, value, isCalled).Scan(&set)
		})
		if err != nil {
			r.logger.Warn("Could not update sequence %s: %v", seq.Name, err)
			res.Failed = append(res.Failed, seq.Name)
			continue
		}
		r.logger.Info("Sequence %s set to %d", seq.Name, value)
		res.Applied++
	}
	return res
}

// SyncIdentityColumns moves the sequence behind each identity column of t
// past the largest migrated value. Empty columns are left alone.
func (r *Replicator) SyncIdentityColumns(ctx context.Context, t *source.Table) error {
	table := ident.Qualify(r.targetSchema, t.Name)
	for _, col := range t.IdentityColumns() {
		var maxVal int64
		query := fmt.Sprintf("SELECT COALESCE(MAX(%s), 0)::bigint FROM %s", ident.Quote(col), table)
		if err := r.db.QueryRow(ctx, query).Scan(&maxVal); err != nil {
			return fmt.Errorf("getting max value for %s.%s: %w", t.Name, col, err)
		}
		if maxVal == 0 {
			continue
		}
		// pg_get_serial_sequence parses the table name but takes the column literally.
		var set int64
		err := r.db.QueryRow(ctx, "SELECT setval(pg_get_serial_sequence($1, $2), $3)", table, col, maxVal).Scan(&set)
		if err != nil {
			return fmt.Errorf("resetting identity %s.%s: %w", t.Name, col, err)
		}
		r.logger.Debug("Identity %s.%s restarted after %d", t.Name, col, maxVal)
	}
	return nil
}

func (r *Replicator) exists(ctx context.Context, query, name string) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx, query, r.targetSchema, name).Scan(&exists)
	return exists, err
}
