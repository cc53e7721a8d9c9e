// Package orchestrator drives a migration run: schema preparation, the
// per-table transfer loop and sequence finalization.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/johndauphine/pg-pg-migrate/internal/checkpoint"
	"github.com/johndauphine/pg-pg-migrate/internal/config"
	"github.com/johndauphine/pg-pg-migrate/internal/convert"
	"github.com/johndauphine/pg-pg-migrate/internal/exitcodes"
	"github.com/johndauphine/pg-pg-migrate/internal/logging"
	"github.com/johndauphine/pg-pg-migrate/internal/notify"
	"github.com/johndauphine/pg-pg-migrate/internal/pool"
	"github.com/johndauphine/pg-pg-migrate/internal/progress"
	"github.com/johndauphine/pg-pg-migrate/internal/source"
	"github.com/johndauphine/pg-pg-migrate/internal/target"
	"github.com/johndauphine/pg-pg-migrate/internal/transfer"
)

// SourceCatalog is the read side of the source schema.
type SourceCatalog interface {
	ListTables(ctx context.Context) ([]string, error)
	DescribeTable(ctx context.Context, table string) (*source.Table, error)
	Sequences(ctx context.Context) ([]source.Sequence, error)
	LastValue(ctx context.Context, sequence string) (int64, bool, error)
}

// SchemaTarget recreates schema objects on the target.
type SchemaTarget interface {
	EnsureSchema(ctx context.Context) error
	EnsureExtensions(ctx context.Context, names []string) target.Result
	CreateSequences(ctx context.Context, seqs []source.Sequence) target.Result
	CreateTableIfNotExists(ctx context.Context, t *source.Table) (bool, error)
	SetSequenceOwnership(ctx context.Context, seqs []source.Sequence) target.Result
	UpdateSequenceValues(ctx context.Context, seqs []source.Sequence, src target.SequenceValues) target.Result
	SyncIdentityColumns(ctx context.Context, t *source.Table) error
}

// Transferer copies one table's rows.
type Transferer interface {
	Transfer(ctx context.Context, t *source.Table) (*transfer.Result, error)
}

// Pinger checks a database connection.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the collaborators of an Orchestrator.
type Deps struct {
	Source   SourceCatalog
	Target   SchemaTarget
	Transfer Transferer
	Store    checkpoint.Store
	Notifier notify.Provider

	SourceDB Pinger
	TargetDB Pinger

	// Close releases connections when the orchestrator is closed.
	Close func()
}

// Orchestrator coordinates the migration process
type Orchestrator struct {
	config   *config.Config
	opts     Options
	logger   *logging.Logger
	source   SourceCatalog
	target   SchemaTarget
	transfer Transferer
	state    checkpoint.Store
	notifier notify.Provider
	progress *progress.Tracker
	reporter progress.Reporter
	sourceDB Pinger
	targetDB Pinger
	closeFn  func()

	mu    sync.Mutex
	runID string
	tally tally
	seen  map[string]int64 // rows already counted per table
}

type tally struct {
	total, complete, failed int
}

// New assembles an orchestrator from explicit dependencies.
func New(cfg *config.Config, logger *logging.Logger, opts Options, deps Deps) *Orchestrator {
	if logger == nil {
		logger = logging.Default()
	}
	if opts.Tracker == nil {
		opts.Tracker = progress.New(nil, logger)
	}
	if opts.Reporter == nil {
		opts.Reporter = &progress.NullReporter{}
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.New(nil)
	}
	o := &Orchestrator{
		config:   cfg,
		opts:     opts,
		logger:   logger,
		source:   deps.Source,
		target:   deps.Target,
		transfer: deps.Transfer,
		state:    deps.Store,
		notifier: deps.Notifier,
		progress: opts.Tracker,
		reporter: opts.Reporter,
		sourceDB: deps.SourceDB,
		targetDB: deps.TargetDB,
		closeFn:  deps.Close,
		seen:     make(map[string]int64),
	}
	if p, ok := deps.Transfer.(interface{ OnProgress(transfer.ProgressFunc) }); ok {
		p.OnProgress(o.onProgress)
	}
	return o
}

// Connect opens both pools and the checkpoint store and wires the pgx-backed
// components. The state directory must already exist.
func Connect(ctx context.Context, cfg *config.Config, logger *logging.Logger, opts Options) (*Orchestrator, error) {
	if logger == nil {
		logger = logging.Default()
	}
	m := cfg.Migration
	mgr := pool.NewManager(m.ConnectRetries, m.ConnectRetryDelay, logger)

	srcPool, err := mgr.Connect(ctx, "source", cfg.Source)
	if err != nil {
		return nil, exitcodes.NewExitError(err, exitcodes.ConnectionError)
	}
	tgtPool, err := mgr.Connect(ctx, "target", cfg.Target)
	if err != nil {
		srcPool.Close()
		return nil, exitcodes.NewExitError(err, exitcodes.ConnectionError)
	}

	stateFile := m.StateFile
	if opts.StateFile != "" {
		stateFile = opts.StateFile
	}
	store, err := checkpoint.Open(m.StateBackend, stateFile, logger)
	if err != nil {
		srcPool.Close()
		tgtPool.Close()
		return nil, exitcodes.NewExitError(fmt.Errorf("opening checkpoint store: %w", err), exitcodes.StateError)
	}

	introspector := source.NewIntrospector(source.FromPgx(srcPool), cfg.Source.Schema, logger)
	replicator := target.NewReplicator(target.FromPgx(tgtPool), cfg.Source.Schema, cfg.Target.Schema, logger)
	engine := transfer.New(
		transfer.NewPgxSource(srcPool),
		transfer.NewPgxSink(tgtPool),
		introspector,
		store,
		convert.New(logger),
		logger,
		transfer.Options{
			TargetSchema:    cfg.Target.Schema,
			ChunkSize:       m.ChunkSize,
			PacingDelay:     m.PacingDelay,
			RetryBackoff:    m.RetryBackoff,
			MaxRetryBackoff: m.MaxRetryBackoff,
			MaxAttempts:     m.MaxChunkAttempts,
		},
	)

	return New(cfg, logger, opts, Deps{
		Source:   introspector,
		Target:   replicator,
		Transfer: engine,
		Store:    store,
		Notifier: notify.New(&cfg.Slack),
		SourceDB: srcPool,
		TargetDB: tgtPool,
		Close: func() {
			logger.Debug("%s", pool.Stats("source", srcPool))
			logger.Debug("%s", pool.Stats("target", tgtPool))
			srcPool.Close()
			tgtPool.Close()
		},
	}), nil
}

// Close releases all resources
func (o *Orchestrator) Close() {
	if o.closeFn != nil {
		o.closeFn()
	}
	if o.state != nil {
		if err := o.state.Close(); err != nil {
			o.logger.Warn("Closing checkpoint store: %v", err)
		}
	}
	o.reporter.Close()
}

// Run executes a migration. Tables with completed checkpoints are skipped and
// partially copied tables continue where they stopped.
func (o *Orchestrator) Run(ctx context.Context) (*MigrationResult, error) {
	return o.run(ctx)
}

// Resume continues an interrupted migration. It fails when the store holds
// no checkpoints unless ForceResume is set.
func (o *Orchestrator) Resume(ctx context.Context) (*MigrationResult, error) {
	cps, err := o.state.List()
	if err != nil {
		return nil, exitcodes.NewExitError(fmt.Errorf("reading checkpoints: %w", err), exitcodes.StateError)
	}
	if len(cps) == 0 && !o.opts.ForceResume {
		return nil, exitcodes.NewExitError(errors.New("nothing to resume: no checkpoints found"), exitcodes.StateError)
	}
	incomplete := 0
	for _, cp := range cps {
		if !cp.Completed {
			incomplete++
		}
	}
	o.logger.Info("Resuming: %d of %d checkpointed tables incomplete", incomplete, len(cps))
	return o.run(ctx)
}

func (o *Orchestrator) run(ctx context.Context) (*MigrationResult, error) {
	runID := o.opts.RunID
	if runID == "" {
		runID = uuid.New().String()[:8]
	}
	o.mu.Lock()
	o.runID = runID
	o.tally = tally{}
	o.mu.Unlock()

	result := &MigrationResult{RunID: runID, StartedAt: time.Now(), FailedTables: []string{}}
	o.logger.Info("Starting migration run: %s", runID)
	o.logger.Info("Source: %s (schema %s) -> Target: %s (schema %s)",
		o.config.Source.Address(), o.config.Source.Schema, o.config.Target.Address(), o.config.Target.Schema)

	history, _ := o.state.(checkpoint.HistoryStore)
	if history != nil {
		if err := history.CreateRun(runID, o.config.Source.Schema, o.config.Target.Schema, o.config.Sanitized()); err != nil {
			o.logger.Warn("Recording run %s in history: %v", runID, err)
		}
	}

	o.phase(progress.PhaseSchema, "preparing target schema")
	if err := o.target.EnsureSchema(ctx); err != nil {
		return o.fail(ctx, result, history, exitcodes.NewExitError(fmt.Errorf("creating schema: %w", err), exitcodes.TransferError))
	}
	if len(o.config.Migration.Extensions) > 0 {
		res := o.target.EnsureExtensions(ctx, o.config.Migration.Extensions)
		o.logger.Info("Extensions: %s", res)
	}

	seqs, err := o.source.Sequences(ctx)
	if err != nil {
		o.logger.Warn("Reading source sequences failed, continuing without them: %v", err)
		seqs = nil
	}
	if len(seqs) > 0 {
		o.logger.Info("Sequences: %s", o.target.CreateSequences(ctx, seqs))
	}

	names, err := o.tableNames(ctx)
	if err != nil {
		return o.fail(ctx, result, history, exitcodes.NewExitError(fmt.Errorf("listing tables: %w", err), exitcodes.TransferError))
	}
	if len(names) == 0 {
		return o.fail(ctx, result, history, exitcodes.NewExitError(errors.New("no tables to migrate after applying filters"), exitcodes.ConfigError))
	}
	o.logger.Info("Found %d tables", len(names))
	if err := o.notifier.MigrationStarted(runID, o.config.Source.Address(), o.config.Target.Address(), len(names)); err != nil {
		o.logger.Warn("Slack notification failed: %v", err)
	}

	results := make([]TableResult, len(names))
	tables, total := o.describe(ctx, names, results)
	if ctx.Err() != nil {
		return o.cancelled(ctx, result, history, results)
	}
	o.progress.SetTotal(total)

	pending := 0
	for _, t := range tables {
		if t != nil {
			pending++
		}
	}
	o.mu.Lock()
	o.tally.total = pending
	o.mu.Unlock()
	o.phase(progress.PhaseTransfer, "")

	workers := max(o.config.Migration.Workers, 1)
	var g errgroup.Group
	g.SetLimit(workers)
	for i, t := range tables {
		if t == nil {
			continue
		}
		g.Go(func() error {
			results[i] = o.migrateTable(ctx, t)
			return nil
		})
	}
	_ = g.Wait()
	o.progress.Finish()

	if ctx.Err() != nil {
		return o.cancelled(ctx, result, history, results)
	}

	o.phase(progress.PhaseFinalize, "")
	o.finalize(ctx, seqs, tables, results)

	o.summarize(result, results)
	if result.TablesFailed > 0 {
		result.Status = StatusCompletedWithErrors
		result.Error = fmt.Sprintf("%d of %d tables failed: %s", result.TablesFailed, result.TablesTotal,
			strings.Join(result.FailedTables, ", "))
	} else {
		result.Status = StatusSuccess
	}
	o.completeRun(history, result)

	if err := o.notifier.MigrationCompleted(notify.RunSummary{
		RunID:           runID,
		StartTime:       result.StartedAt,
		Duration:        result.CompletedAt.Sub(result.StartedAt),
		TablesSucceeded: result.TablesSuccess,
		TablesFailed:    result.TablesFailed,
		TablesSkipped:   result.TablesSkipped,
		Rows:            result.RowsTransferred,
		Failures:        result.FailedTables,
	}); err != nil {
		o.logger.Warn("Slack notification failed: %v", err)
	}

	if result.TablesFailed > 0 {
		o.phase(progress.PhaseComplete, result.Error)
		o.logger.Warn("Migration completed with errors: %s", result.Error)
		return result, exitcodes.NewExitError(errors.New(result.Error), exitcodes.TransferError)
	}
	o.phase(progress.PhaseComplete, "")
	o.logger.Info("Migration complete: %d tables, %d rows in %s",
		result.TablesSuccess, result.RowsTransferred, time.Duration(result.DurationSeconds*float64(time.Second)).Round(time.Second))
	return result, nil
}

// tableNames returns the allow-list, or the discovered tables, filtered by
// include/exclude patterns.
func (o *Orchestrator) tableNames(ctx context.Context) ([]string, error) {
	names := o.config.Migration.Tables
	if len(names) == 0 {
		var err error
		names, err = o.source.ListTables(ctx)
		if err != nil {
			return nil, err
		}
	}
	return o.filterTables(names), nil
}

// filterTables filters tables based on include/exclude patterns
func (o *Orchestrator) filterTables(tables []string) []string {
	include := o.config.Migration.IncludeTables
	exclude := o.config.Migration.ExcludeTables

	if len(include) == 0 && len(exclude) == 0 {
		return tables
	}

	var filtered []string
	var skipped []string

	for _, name := range tables {
		tableName := strings.ToLower(name)

		// Check include patterns (if specified, table must match at least one)
		if len(include) > 0 && !matchesAny(include, tableName) {
			skipped = append(skipped, name)
			continue
		}
		if matchesAny(exclude, tableName) {
			skipped = append(skipped, name)
			continue
		}
		filtered = append(filtered, name)
	}

	if len(skipped) > 0 {
		o.logger.Info("Skipped %d tables by filter: %v", len(skipped), skipped)
	}
	return filtered
}

func matchesAny(patterns []string, name string) bool {
	for _, pattern := range patterns {
		if match, _ := filepath.Match(strings.ToLower(pattern), name); match {
			return true
		}
	}
	return false
}

// describe loads every table. Empty and undescribable tables get their final
// result here and a nil slot in the returned slice. total is the expected
// row count across the remaining tables, counting rows already moved.
func (o *Orchestrator) describe(ctx context.Context, names []string, results []TableResult) ([]*source.Table, int64) {
	tables := make([]*source.Table, len(names))
	var total int64
	for i, name := range names {
		if ctx.Err() != nil {
			break
		}
		results[i] = TableResult{Name: name}
		t, err := o.source.DescribeTable(ctx, name)
		if err != nil {
			o.logger.Error("Describing table %s failed: %v", name, err)
			results[i].Status = StatusFailed
			results[i].Error = err.Error()
			continue
		}
		results[i].TotalRows = t.RowCount
		if t.RowCount == 0 {
			o.logger.Info("Table %s is empty, skipping", name)
			results[i].Status = StatusSkipped
			continue
		}
		tables[i] = t

		bound := t.RowCount
		if cp, err := o.state.Get(name); err == nil && cp != nil {
			bound = cp.TotalRows
			o.seed(name, cp.MigratedRows)
		}
		total += bound
	}
	return tables, total
}

func (o *Orchestrator) seed(table string, migrated int64) {
	o.mu.Lock()
	o.seen[table] = migrated
	o.mu.Unlock()
	o.progress.Resume(migrated)
}

func (o *Orchestrator) migrateTable(ctx context.Context, t *source.Table) TableResult {
	tr := TableResult{Name: t.Name, TotalRows: t.RowCount}
	o.progress.StartTable(t.Name)
	defer o.progress.EndTable(t.Name)

	created, err := o.target.CreateTableIfNotExists(ctx, t)
	if err != nil {
		return o.tableFailed(ctx, tr, err)
	}
	tr.Created = created

	res, err := o.transfer.Transfer(ctx, t)
	if res != nil {
		tr.Rows = res.Rows
		tr.Mode = res.Mode
		tr.Chunks = res.Chunks
		tr.Retries = res.Retries
		tr.Drift = res.Drift
		if res.Checkpoint.TotalRows > 0 {
			tr.TotalRows = res.Checkpoint.TotalRows
		}
	}
	if err != nil {
		return o.tableFailed(ctx, tr, err)
	}

	tr.Status = StatusSuccess
	if res != nil && res.AlreadyDone {
		tr.Status = StatusAlreadyComplete
	}
	o.mu.Lock()
	o.tally.complete++
	o.mu.Unlock()
	o.reporter.ReportImmediate(o.update(progress.PhaseTransfer, &progress.TableProgress{
		Name: t.Name, State: checkpoint.StateCompleted, TotalRows: tr.TotalRows, MigratedRows: tr.TotalRows, Percent: 100,
	}))
	return tr
}

func (o *Orchestrator) tableFailed(ctx context.Context, tr TableResult, err error) TableResult {
	tr.Status = StatusFailed
	tr.Error = err.Error()
	if ctx.Err() != nil {
		tr.Status = StatusCancelled
		return tr
	}
	o.logger.Error("Table %s failed: %v", tr.Name, err)
	o.mu.Lock()
	o.tally.failed++
	runID := o.runID
	o.mu.Unlock()
	if nerr := o.notifier.TableTransferFailed(runID, tr.Name, err); nerr != nil {
		o.logger.Warn("Slack notification failed: %v", nerr)
	}
	o.reporter.ReportImmediate(o.update(progress.PhaseTransfer, &progress.TableProgress{
		Name: tr.Name, State: checkpoint.StateFailed, TotalRows: tr.TotalRows, MigratedRows: tr.Rows, Error: tr.Error,
	}))
	return tr
}

// finalize runs after all tables: sequence ownership, sequence values and
// identity counters. Failures are logged and do not fail the run.
func (o *Orchestrator) finalize(ctx context.Context, seqs []source.Sequence, tables []*source.Table, results []TableResult) {
	if len(seqs) > 0 {
		o.logger.Info("Sequence ownership: %s", o.target.SetSequenceOwnership(ctx, seqs))
		o.logger.Info("Sequence values: %s", o.target.UpdateSequenceValues(ctx, seqs, o.source))
	}
	if o.config.Migration.SkipIdentitySync {
		return
	}
	for i, t := range tables {
		if t == nil || len(t.IdentityColumns()) == 0 {
			continue
		}
		if s := results[i].Status; s != StatusSuccess && s != StatusAlreadyComplete {
			continue
		}
		if err := o.target.SyncIdentityColumns(ctx, t); err != nil {
			o.logger.Warn("Syncing identity columns of %s: %v", t.Name, err)
		}
	}
}

// onProgress receives committed checkpoints from the transfer engine.
func (o *Orchestrator) onProgress(cp checkpoint.Checkpoint) {
	o.mu.Lock()
	delta := cp.MigratedRows - o.seen[cp.TableName]
	o.seen[cp.TableName] = cp.MigratedRows
	o.mu.Unlock()

	o.progress.Add(delta)
	o.reporter.Report(o.update(progress.PhaseTransfer, &progress.TableProgress{
		Name:         cp.TableName,
		State:        cp.State(),
		TotalRows:    cp.TotalRows,
		MigratedRows: cp.MigratedRows,
		Percent:      cp.Percent(),
	}))
}

func (o *Orchestrator) update(phase string, table *progress.TableProgress) progress.ProgressUpdate {
	o.mu.Lock()
	t := o.tally
	runID := o.runID
	o.mu.Unlock()
	return progress.ProgressUpdate{
		RunID:           runID,
		Phase:           phase,
		TablesComplete:  t.complete,
		TablesTotal:     t.total,
		TablesFailed:    t.failed,
		RowsTransferred: o.progress.Current(),
		RowsTotal:       o.progress.Total(),
		ProgressPct:     o.progress.Percent(),
		RowsPerSecond:   o.progress.RowsPerSecond(),
		Table:           table,
	}
}

func (o *Orchestrator) phase(phase, message string) {
	u := o.update(phase, nil)
	u.Message = message
	o.reporter.ReportImmediate(u)
}

func (o *Orchestrator) summarize(result *MigrationResult, results []TableResult) {
	result.CompletedAt = time.Now()
	result.DurationSeconds = result.CompletedAt.Sub(result.StartedAt).Seconds()
	result.TableStats = results
	result.TablesTotal = len(results)
	for _, r := range results {
		result.RowsTransferred += r.Rows
		switch r.Status {
		case StatusSuccess, StatusAlreadyComplete:
			result.TablesSuccess++
		case StatusSkipped:
			result.TablesSkipped++
		case StatusFailed:
			result.TablesFailed++
			result.FailedTables = append(result.FailedTables, r.Name)
		}
	}
	if result.DurationSeconds > 0 {
		result.RowsPerSecond = int64(float64(result.RowsTransferred) / result.DurationSeconds)
	}
}

func (o *Orchestrator) completeRun(history checkpoint.HistoryStore, result *MigrationResult) {
	if history == nil {
		return
	}
	if err := history.CompleteRun(result.RunID, result.Status, result.Error); err != nil {
		o.logger.Warn("Recording completion of run %s: %v", result.RunID, err)
	}
}

// fail ends a run that could not proceed past schema preparation.
func (o *Orchestrator) fail(ctx context.Context, result *MigrationResult, history checkpoint.HistoryStore, err error) (*MigrationResult, error) {
	if ctx.Err() != nil {
		return o.cancelled(ctx, result, history, nil)
	}
	o.summarize(result, nil)
	result.Status = StatusFailed
	result.Error = err.Error()
	o.completeRun(history, result)
	if nerr := o.notifier.MigrationFailed(result.RunID, err, result.CompletedAt.Sub(result.StartedAt)); nerr != nil {
		o.logger.Warn("Slack notification failed: %v", nerr)
	}
	o.phase(progress.PhaseFailed, result.Error)
	return result, err
}

func (o *Orchestrator) cancelled(ctx context.Context, result *MigrationResult, history checkpoint.HistoryStore, results []TableResult) (*MigrationResult, error) {
	o.summarize(result, slices.DeleteFunc(results, func(r TableResult) bool { return r.Name == "" }))
	result.Status = StatusCancelled
	result.Error = ctx.Err().Error()
	o.completeRun(history, result)
	o.phase(progress.PhaseCancelled, "")
	return result, ctx.Err()
}
