package transfer

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/johndauphine/pg-pg-migrate/internal/source"
)

// PgxSource reads pages through a pgx pool or connection.
type PgxSource struct {
	db source.PgxQueryer
}

// NewPgxSource wraps db.
func NewPgxSource(db source.PgxQueryer) *PgxSource {
	return &PgxSource{db: db}
}

// Fetch runs query and returns every row as positional values.
func (s *PgxSource) Fetch(ctx context.Context, query string, args ...any) ([][]any, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out [][]any
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return nil, err
		}
		out = append(out, vals)
	}
	return out, rows.Err()
}

// Beginner is satisfied by *pgxpool.Pool and *pgx.Conn.
type Beginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// PgxSink writes chunks through a pgx pool or connection.
type PgxSink struct {
	db Beginner
}

// NewPgxSink wraps db.
func NewPgxSink(db Beginner) *PgxSink {
	return &PgxSink{db: db}
}

// Insert queues one statement per row in a single batch and commits the
// batch as one transaction. Any failure rolls the whole chunk back.
func (s *PgxSink) Insert(ctx context.Context, query string, rows [][]any) error {
	return pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, row := range rows {
			batch.Queue(query, row...)
		}
		return tx.SendBatch(ctx, batch).Close()
	})
}
