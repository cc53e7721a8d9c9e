// Package checkpoint persists per-table migration progress so an interrupted
// run can resume where it stopped.
package checkpoint

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/johndauphine/pg-pg-migrate/internal/logging"
)

// Checkpoint is the durable progress record of one table.
type Checkpoint struct {
	TableName      string    `json:"table_name" yaml:"table_name"`
	TotalRows      int64     `json:"total_rows" yaml:"total_rows"`
	MigratedRows   int64     `json:"migrated_rows" yaml:"migrated_rows"`
	LastPrimaryKey *string   `json:"last_primary_key" yaml:"last_primary_key"`
	Completed      bool      `json:"completed" yaml:"completed"`
	Failed         bool      `json:"failed,omitempty" yaml:"failed,omitempty"`
	Error          string    `json:"error,omitempty" yaml:"error,omitempty"`
	UpdatedAt      time.Time `json:"updated_at,omitempty" yaml:"updated_at,omitempty"`
}

// Checkpoint states as reported by State.
const (
	StatePending    = "pending"
	StateInProgress = "in_progress"
	StateCompleted  = "completed"
	StateFailed     = "failed"
)

// State summarizes the checkpoint for status output.
func (c *Checkpoint) State() string {
	switch {
	case c.Completed:
		return StateCompleted
	case c.Failed:
		return StateFailed
	case c.MigratedRows > 0:
		return StateInProgress
	default:
		return StatePending
	}
}

// Percent returns migrated/total as a percentage. Empty tables report 100.
func (c *Checkpoint) Percent() float64 {
	if c.TotalRows <= 0 {
		return 100
	}
	return float64(c.MigratedRows) / float64(c.TotalRows) * 100
}

func (c *Checkpoint) clone() *Checkpoint {
	cp := *c
	if c.LastPrimaryKey != nil {
		pk := *c.LastPrimaryKey
		cp.LastPrimaryKey = &pk
	}
	return &cp
}

// Store is a keyed collection of checkpoints, one per table.
// Put is write-through: the record is durable when Put returns.
type Store interface {
	// Get returns the checkpoint for table, or nil if none exists.
	Get(table string) (*Checkpoint, error)
	Put(cp *Checkpoint) error
	// List returns all checkpoints ordered by table name.
	List() ([]Checkpoint, error)
	Delete(table string) error
	Close() error
}

// HistoryStore is a Store that also records runs. Only the SQLite backend
// implements it.
type HistoryStore interface {
	Store
	CreateRun(id, sourceSchema, targetSchema string, config any) error
	CompleteRun(id, status, errorMsg string) error
	GetAllRuns() ([]Run, error)
	GetRunByID(id string) (*Run, error)
}

// Run represents a migration run
type Run struct {
	ID           string
	StartedAt    time.Time
	CompletedAt  *time.Time
	Status       string
	SourceSchema string
	TargetSchema string
	Config       string
	Error        string
}

// Open opens the store at path using backend "file" or "sqlite".
// The parent directory must already exist.
func Open(backend, path string, logger *logging.Logger) (Store, error) {
	switch strings.ToLower(backend) {
	case "", "file":
		return OpenFile(path, logger)
	case "sqlite":
		return OpenSQLiteRecovering(path, logger)
	default:
		return nil, fmt.Errorf("unknown checkpoint backend %q (valid: file, sqlite)", backend)
	}
}

// codecFor picks the file encoding from the extension.
func codecFor(path string) codec {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yamlCodec{}
	default:
		return jsonCodec{}
	}
}
