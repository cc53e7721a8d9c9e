package target

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/johndauphine/pg-pg-migrate/internal/source"
)

// Execer runs a statement or a single-row query.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) error
	QueryRow(ctx context.Context, sql string, args ...any) source.Row
}

// DB is the target connection used by the replicator. InTx runs fn in its
// own transaction, committing on nil and rolling back otherwise.
type DB interface {
	Execer
	InTx(ctx context.Context, fn func(tx Execer) error) error
}

// PgxDB is satisfied by *pgxpool.Pool and *pgx.Conn.
type PgxDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

type pgxDB struct {
	db PgxDB
}

// FromPgx adapts a pgx pool or connection.
func FromPgx(db PgxDB) DB {
	return pgxDB{db: db}
}

func (p pgxDB) Exec(ctx context.Context, sql string, args ...any) error {
	_, err := p.db.Exec(ctx, sql, args...)
	return err
}

func (p pgxDB) QueryRow(ctx context.Context, sql string, args ...any) source.Row {
	return p.db.QueryRow(ctx, sql, args...)
}

func (p pgxDB) InTx(ctx context.Context, fn func(tx Execer) error) error {
	return pgx.BeginFunc(ctx, p.db, func(tx pgx.Tx) error {
		return fn(pgxTx{tx: tx})
	})
}

type pgxTx struct {
	tx pgx.Tx
}

func (t pgxTx) Exec(ctx context.Context, sql string, args ...any) error {
	_, err := t.tx.Exec(ctx, sql, args...)
	return err
}

func (t pgxTx) QueryRow(ctx context.Context, sql string, args ...any) source.Row {
	return t.tx.QueryRow(ctx, sql, args...)
}
