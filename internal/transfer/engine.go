// Package transfer moves table rows from source to target in checkpointed
// chunks.
package transfer

import (
	"context"
	"fmt"
	"time"

	"github.com/johndauphine/pg-pg-migrate/internal/checkpoint"
	"github.com/johndauphine/pg-pg-migrate/internal/convert"
	"github.com/johndauphine/pg-pg-migrate/internal/logging"
	"github.com/johndauphine/pg-pg-migrate/internal/source"
)

// RowSource runs a page query against the source.
type RowSource interface {
	Fetch(ctx context.Context, query string, args ...any) ([][]any, error)
}

// RowSink writes one chunk to the target atomically.
type RowSink interface {
	Insert(ctx context.Context, query string, rows [][]any) error
}

// TypeResolver returns the normalized type of each column of a table.
// *source.Introspector implements it.
type TypeResolver interface {
	ColumnTypes(ctx context.Context, table string) ([]source.ColumnType, error)
}

// ProgressFunc is called after each committed chunk with the persisted
// checkpoint.
type ProgressFunc func(cp checkpoint.Checkpoint)

// Pagination modes.
const (
	ModeKeyset = "keyset"
	ModeOffset = "offset"
)

// Options tune the chunk loop.
type Options struct {
	TargetSchema string
	ChunkSize    int
	PacingDelay  time.Duration
	// RetryBackoff is the wait before retrying a failed chunk. With
	// MaxAttempts > 0 it doubles per attempt up to MaxRetryBackoff.
	RetryBackoff    time.Duration
	MaxRetryBackoff time.Duration
	// MaxAttempts of 0 retries a failed chunk forever.
	MaxAttempts int
}

// Default option values.
const (
	DefaultChunkSize    = 1000
	DefaultPacingDelay  = 100 * time.Millisecond
	DefaultRetryBackoff = 5 * time.Second
)

// Result summarizes one table transfer.
type Result struct {
	Table       string
	Mode        string
	Rows        int64 // rows moved by this run
	Chunks      int
	Retries     int
	AlreadyDone bool
	Drift       bool // source ran out before total_rows
	Checkpoint  checkpoint.Checkpoint
	Stats       TransferStats
}

// Engine runs the chunk loop for one table at a time. An Engine may be
// shared by several goroutines working on different tables.
type Engine struct {
	src      RowSource
	dst      RowSink
	types    TypeResolver
	store    checkpoint.Store
	conv     *convert.Converter
	logger   *logging.Logger
	opts     Options
	progress ProgressFunc
	sleep    func(ctx context.Context, d time.Duration) error
}

// New creates an engine. A nil types resolver uses the descriptor's types.
func New(src RowSource, dst RowSink, types TypeResolver, store checkpoint.Store, conv *convert.Converter, logger *logging.Logger, opts Options) *Engine {
	if logger == nil {
		logger = logging.Default()
	}
	if conv == nil {
		conv = convert.New(logger)
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = DefaultRetryBackoff
	}
	if opts.MaxRetryBackoff < opts.RetryBackoff {
		opts.MaxRetryBackoff = opts.RetryBackoff
	}
	return &Engine{
		src:    src,
		dst:    dst,
		types:  types,
		store:  store,
		conv:   conv,
		logger: logger,
		opts:   opts,
		sleep:  sleepCtx,
	}
}

// OnProgress registers fn to be called after each committed chunk.
func (e *Engine) OnProgress(fn ProgressFunc) {
	e.progress = fn
}

// tablePlan holds everything derived from the descriptor once per table.
type tablePlan struct {
	table   *source.Table
	columns []string
	types   []string
	keyCol  *source.Column
	keyIdx  int
	keyset  string
	offset  string
	insert  string
}

func (e *Engine) plan(ctx context.Context, t *source.Table) *tablePlan {
	p := &tablePlan{table: t, columns: t.ColumnNames(), keyIdx: -1}
	p.types = e.columnTypes(ctx, t)

	if col, ok := t.KeysetColumn(); ok {
		p.keyCol = col
		for i, name := range p.columns {
			if name == col.Name {
				p.keyIdx = i
			}
		}
		p.keyset = buildKeysetQuery(t.Schema, t.Name, p.columns, p.types, col.Name, col.Type)
	} else if t.HasPK() {
		e.logger.Debug("Table %s: primary key is not usable for keyset pagination, using offset", t.Name)
	}
	p.offset = buildOffsetQuery(t.Schema, t.Name, p.columns, p.types, t.PrimaryKey)
	p.insert = buildInsertQuery(e.opts.TargetSchema, t.Name, p.columns, len(t.IdentityAlwaysColumns()) > 0)
	return p
}

// columnTypes returns one type per column position. If the types cannot be
// resolved, every column is treated as text.
func (e *Engine) columnTypes(ctx context.Context, t *source.Table) []string {
	out := make([]string, len(t.Columns))
	if e.types == nil {
		for i, c := range t.Columns {
			out[i] = c.Type
		}
		return out
	}

	resolved, err := e.types.ColumnTypes(ctx, t.Name)
	if err != nil {
		e.logger.Warn("Could not resolve column types for %s, converting as %s: %v", t.Name, source.FallbackType, err)
		for i := range out {
			out[i] = source.FallbackType
		}
		return out
	}
	byName := make(map[string]string, len(resolved))
	for _, ct := range resolved {
		byName[ct.Name] = ct.Type
	}
	for i, c := range t.Columns {
		if typ, ok := byName[c.Name]; ok && typ != "" {
			out[i] = typ
		} else {
			out[i] = source.FallbackType
		}
	}
	return out
}

// load returns the table's checkpoint, creating it on first sight. A failed
// checkpoint is re-armed.
func (e *Engine) load(t *source.Table) (*checkpoint.Checkpoint, error) {
	cp, err := e.store.Get(t.Name)
	if err != nil {
		return nil, fmt.Errorf("loading checkpoint for %s: %w", t.Name, err)
	}
	if cp == nil {
		cp = &checkpoint.Checkpoint{TableName: t.Name, TotalRows: t.RowCount}
		if err := e.store.Put(cp); err != nil {
			return nil, fmt.Errorf("saving checkpoint for %s: %w", t.Name, err)
		}
		return cp, nil
	}
	if cp.Failed {
		e.logger.Info("Table %s failed in a previous run (%s), retrying", t.Name, cp.Error)
		cp.Failed = false
		cp.Error = ""
	}
	return cp, nil
}

// Transfer copies t into the target schema, resuming from its checkpoint.
func (e *Engine) Transfer(ctx context.Context, t *source.Table) (*Result, error) {
	res := &Result{Table: t.Name, Mode: ModeOffset}

	cp, err := e.load(t)
	if err != nil {
		return res, err
	}
	if cp.Completed {
		e.logger.Info("Table %s already completed, skipping", t.Name)
		res.AlreadyDone = true
		res.Checkpoint = *cp
		return res, nil
	}

	p := e.plan(ctx, t)
	useKeyset := p.keyCol != nil
	if useKeyset {
		res.Mode = ModeKeyset
	}
	if cp.MigratedRows > 0 {
		e.logger.Info("Resuming %s at %d/%d rows", t.Name, cp.MigratedRows, cp.TotalRows)
	}

	attempt := 0
	for cp.MigratedRows < cp.TotalRows {
		if err := ctx.Err(); err != nil {
			res.Checkpoint = *cp
			return res, err
		}

		limit := int64(e.opts.ChunkSize)
		if remaining := cp.TotalRows - cp.MigratedRows; remaining < limit {
			limit = remaining
		}

		rows, stats, err := e.chunk(ctx, p, cp, useKeyset, limit)
		if err == nil && len(rows) == 0 {
			e.logger.Info("Table %s: source returned no rows at %d/%d, marking complete", t.Name, cp.MigratedRows, cp.TotalRows)
			res.Drift = true
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				res.Checkpoint = *cp
				return res, ctx.Err()
			}
			attempt++
			res.Retries++
			if e.opts.MaxAttempts > 0 && attempt >= e.opts.MaxAttempts {
				cp.Failed = true
				cp.Error = err.Error()
				if perr := e.store.Put(cp); perr != nil {
					e.logger.Error("Could not save failed checkpoint for %s: %v", t.Name, perr)
				}
				res.Checkpoint = *cp
				return res, fmt.Errorf("transfer %s: chunk at row %d failed after %d attempts: %w", t.Name, cp.MigratedRows, attempt, err)
			}
			delay := e.backoff(attempt)
			e.logger.Warn("Chunk of %s at row %d failed (attempt %d), retrying in %s: %v", t.Name, cp.MigratedRows, attempt, delay, err)
			if err := e.sleep(ctx, delay); err != nil {
				res.Checkpoint = *cp
				return res, err
			}
			continue
		}
		attempt = 0

		next := *cp
		next.MigratedRows += int64(len(rows))
		if useKeyset {
			key, kerr := encodeKey(rows[len(rows)-1][p.keyIdx])
			if kerr != nil {
				e.logger.Warn("Table %s: %v, switching to offset pagination", t.Name, kerr)
				useKeyset = false
				res.Mode = ModeOffset
				next.LastPrimaryKey = nil
			} else {
				next.LastPrimaryKey = &key
			}
		}
		if err := e.store.Put(&next); err != nil {
			res.Checkpoint = *cp
			return res, fmt.Errorf("saving checkpoint for %s: %w", t.Name, err)
		}
		cp = &next

		res.Rows += int64(len(rows))
		res.Chunks++
		res.Stats.Add(stats)
		e.logger.Debug("Table %s: %d/%d rows (%.1f%%)", t.Name, cp.MigratedRows, cp.TotalRows, cp.Percent())
		if e.progress != nil {
			e.progress(*cp)
		}

		if e.opts.PacingDelay > 0 && cp.MigratedRows < cp.TotalRows {
			if err := e.sleep(ctx, e.opts.PacingDelay); err != nil {
				res.Checkpoint = *cp
				return res, err
			}
		}
	}

	cp.Completed = true
	if err := e.store.Put(cp); err != nil {
		res.Checkpoint = *cp
		return res, fmt.Errorf("saving checkpoint for %s: %w", t.Name, err)
	}
	res.Checkpoint = *cp
	e.logger.Info("Table %s complete: %d rows migrated (%s)", t.Name, cp.MigratedRows, res.Stats.String())
	return res, nil
}

// chunk fetches, converts and writes one page. The returned rows are the
// raw source values so the caller can read the key of the last row.
func (e *Engine) chunk(ctx context.Context, p *tablePlan, cp *checkpoint.Checkpoint, useKeyset bool, limit int64) ([][]any, TransferStats, error) {
	var stats TransferStats

	start := time.Now()
	var rows [][]any
	var err error
	if useKeyset && cp.LastPrimaryKey != nil {
		rows, err = e.src.Fetch(ctx, p.keyset, *cp.LastPrimaryKey, limit)
	} else {
		rows, err = e.src.Fetch(ctx, p.offset, limit, cp.MigratedRows)
	}
	stats.QueryTime = time.Since(start)
	if err != nil {
		return nil, stats, fmt.Errorf("reading %s: %w", p.table.Name, err)
	}
	if len(rows) == 0 {
		return nil, stats, nil
	}

	start = time.Now()
	converted := make([][]any, len(rows))
	for i, row := range rows {
		out := make([]any, len(row))
		copy(out, row)
		e.conv.ConvertRow(p.table.Name, p.columns, p.types, out)
		converted[i] = out
	}
	stats.ConvertTime = time.Since(start)

	start = time.Now()
	if err := e.dst.Insert(ctx, p.insert, converted); err != nil {
		return nil, stats, fmt.Errorf("insert into %s.%s: %w", e.opts.TargetSchema, p.table.Name, err)
	}
	stats.WriteTime = time.Since(start)
	stats.Rows = int64(len(rows))
	return rows, stats, nil
}

// backoff returns the wait before retry number attempt.
func (e *Engine) backoff(attempt int) time.Duration {
	if e.opts.MaxAttempts <= 0 {
		return e.opts.RetryBackoff
	}
	d := e.opts.RetryBackoff
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= e.opts.MaxRetryBackoff {
			return e.opts.MaxRetryBackoff
		}
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
