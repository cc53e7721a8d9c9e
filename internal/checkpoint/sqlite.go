package checkpoint

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/johndauphine/pg-pg-migrate/internal/logging"
)

const sqliteTimeFormat = "2006-01-02 15:04:05"

// SQLiteStore keeps checkpoints and run history in a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database file at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating schema: %w", err)
	}

	return s, nil
}

// OpenSQLiteRecovering opens path like OpenSQLite. A file SQLite rejects as
// corrupt is moved aside to path.corrupt-<timestamp> and an empty store is
// created in its place.
func OpenSQLiteRecovering(path string, logger *logging.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = logging.Default()
	}
	s, err := OpenSQLite(path)
	if err == nil || !isCorrupt(err) {
		return s, err
	}

	aside := fmt.Sprintf("%s.corrupt-%s", path, time.Now().UTC().Format("20060102T150405Z"))
	logger.Warn("State database %s is corrupt (%v), moving it to %s and starting fresh", path, err, aside)
	if rerr := os.Rename(path, aside); rerr != nil {
		return nil, fmt.Errorf("moving corrupt state database aside: %w", rerr)
	}
	for _, suffix := range []string{"-wal", "-shm"} {
		if rerr := os.Rename(path+suffix, aside+suffix); rerr != nil && !errors.Is(rerr, os.ErrNotExist) {
			logger.Warn("Could not move %s aside: %v", path+suffix, rerr)
		}
	}
	return OpenSQLite(path)
}

// isCorrupt reports whether err means the file is not a usable database.
func isCorrupt(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() & 0xff {
		case sqlite3.SQLITE_NOTADB, sqlite3.SQLITE_CORRUPT:
			return true
		}
	}
	msg := err.Error()
	return strings.Contains(msg, "not a database") || strings.Contains(msg, "malformed")
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		started_at TEXT NOT NULL,
		completed_at TEXT,
		status TEXT NOT NULL DEFAULT 'running',
		source_schema TEXT NOT NULL,
		target_schema TEXT NOT NULL,
		config TEXT,
		error TEXT
	);

	CREATE TABLE IF NOT EXISTS checkpoints (
		table_name TEXT PRIMARY KEY,
		total_rows INTEGER NOT NULL DEFAULT 0,
		migrated_rows INTEGER NOT NULL DEFAULT 0,
		last_primary_key TEXT,
		completed INTEGER NOT NULL DEFAULT 0,
		failed INTEGER NOT NULL DEFAULT 0,
		error TEXT,
		updated_at TEXT
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Get returns the checkpoint for table, or nil.
func (s *SQLiteStore) Get(table string) (*Checkpoint, error) {
	row := s.db.QueryRow(`
		SELECT table_name, total_rows, migrated_rows, last_primary_key, completed, failed, error, updated_at
		FROM checkpoints WHERE table_name = ?
	`, table)
	cp, err := scanCheckpoint(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading checkpoint %s: %w", table, err)
	}
	return cp, nil
}

// Put upserts cp. The statement commits before Put returns.
func (s *SQLiteStore) Put(cp *Checkpoint) error {
	if cp == nil || cp.TableName == "" {
		return fmt.Errorf("checkpoint without table name")
	}
	_, err := s.db.Exec(`
		INSERT INTO checkpoints (table_name, total_rows, migrated_rows, last_primary_key, completed, failed, error, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, datetime('now'))
		ON CONFLICT(table_name) DO UPDATE SET
			total_rows = excluded.total_rows,
			migrated_rows = excluded.migrated_rows,
			last_primary_key = excluded.last_primary_key,
			completed = excluded.completed,
			failed = excluded.failed,
			error = excluded.error,
			updated_at = excluded.updated_at
	`, cp.TableName, cp.TotalRows, cp.MigratedRows, nullString(cp.LastPrimaryKey), cp.Completed, cp.Failed, cp.Error)
	if err != nil {
		return fmt.Errorf("saving checkpoint %s: %w", cp.TableName, err)
	}
	return nil
}

// List returns all checkpoints ordered by table name.
func (s *SQLiteStore) List() ([]Checkpoint, error) {
	rows, err := s.db.Query(`
		SELECT table_name, total_rows, migrated_rows, last_primary_key, completed, failed, error, updated_at
		FROM checkpoints ORDER BY table_name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *cp)
	}
	return out, rows.Err()
}

// Delete removes the checkpoint for table.
func (s *SQLiteStore) Delete(table string) error {
	_, err := s.db.Exec(`DELETE FROM checkpoints WHERE table_name = ?`, table)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCheckpoint(r rowScanner) (*Checkpoint, error) {
	var cp Checkpoint
	var lastPK, errMsg, updatedAt sql.NullString
	if err := r.Scan(&cp.TableName, &cp.TotalRows, &cp.MigratedRows, &lastPK,
		&cp.Completed, &cp.Failed, &errMsg, &updatedAt); err != nil {
		return nil, err
	}
	if lastPK.Valid {
		pk := lastPK.String
		cp.LastPrimaryKey = &pk
	}
	cp.Error = errMsg.String
	if updatedAt.Valid {
		cp.UpdatedAt, _ = time.Parse(sqliteTimeFormat, updatedAt.String)
	}
	return &cp, nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

// CreateRun creates a new migration run
func (s *SQLiteStore) CreateRun(id, sourceSchema, targetSchema string, config any) error {
	configJSON, _ := json.Marshal(config)
	_, err := s.db.Exec(`
		INSERT INTO runs (id, started_at, status, source_schema, target_schema, config)
		VALUES (?, datetime('now'), 'running', ?, ?, ?)
	`, id, sourceSchema, targetSchema, string(configJSON))
	return err
}

// CompleteRun marks a run as finished with status and an optional error.
func (s *SQLiteStore) CompleteRun(id, status, errorMsg string) error {
	_, err := s.db.Exec(`
		UPDATE runs SET status = ?, completed_at = datetime('now'), error = ?
		WHERE id = ?
	`, status, errorMsg, id)
	return err
}

// GetAllRuns returns the 20 most recent runs for history
func (s *SQLiteStore) GetAllRuns() ([]Run, error) {
	rows, err := s.db.Query(`
		SELECT id, started_at, completed_at, status, source_schema, target_schema, config, error
		FROM runs ORDER BY started_at DESC, rowid DESC LIMIT 20
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

// GetRunByID returns a run, or nil if it does not exist.
func (s *SQLiteStore) GetRunByID(id string) (*Run, error) {
	row := s.db.QueryRow(`
		SELECT id, started_at, completed_at, status, source_schema, target_schema, config, error
		FROM runs WHERE id = ?
	`, id)
	r, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return r, err
}

func scanRun(r rowScanner) (*Run, error) {
	var run Run
	var startedAt string
	var completedAt, config, errMsg sql.NullString
	if err := r.Scan(&run.ID, &startedAt, &completedAt, &run.Status,
		&run.SourceSchema, &run.TargetSchema, &config, &errMsg); err != nil {
		return nil, err
	}
	run.StartedAt, _ = time.Parse(sqliteTimeFormat, startedAt)
	if completedAt.Valid {
		t, _ := time.Parse(sqliteTimeFormat, completedAt.String)
		run.CompletedAt = &t
	}
	run.Config = config.String
	run.Error = errMsg.String
	return &run, nil
}

var _ HistoryStore = (*SQLiteStore)(nil)
