package orchestrator

import (
	"time"

	"github.com/johndauphine/pg-pg-migrate/internal/progress"
)

// Run and table statuses.
const (
	StatusSuccess             = "success"
	StatusFailed              = "failed"
	StatusCompletedWithErrors = "completed_with_errors"
	StatusCancelled           = "cancelled"
	StatusSkipped             = "skipped"
	StatusAlreadyComplete     = "already_complete"
)

// Options tune a single orchestrator invocation.
type Options struct {
	// StateFile overrides migration.state_file.
	StateFile string
	// RunID overrides the generated run identifier.
	RunID string
	// ForceResume lets resume start from scratch when no checkpoints exist.
	ForceResume bool

	Tracker  *progress.Tracker
	Reporter progress.Reporter
}

// MigrationResult summarizes a run for output-json and notifications.
type MigrationResult struct {
	RunID           string        `json:"run_id"`
	Status          string        `json:"status"`
	StartedAt       time.Time     `json:"started_at"`
	CompletedAt     time.Time     `json:"completed_at"`
	DurationSeconds float64       `json:"duration_seconds"`
	TablesTotal     int           `json:"tables_total"`
	TablesSuccess   int           `json:"tables_success"`
	TablesFailed    int           `json:"tables_failed"`
	TablesSkipped   int           `json:"tables_skipped"`
	RowsTransferred int64         `json:"rows_transferred"`
	RowsPerSecond   int64         `json:"rows_per_second"`
	FailedTables    []string      `json:"failed_tables"`
	TableStats      []TableResult `json:"tables"`
	Error           string        `json:"error,omitempty"`
}

// TableResult is the outcome of one table within a run.
type TableResult struct {
	Name      string `json:"name"`
	Status    string `json:"status"`
	Rows      int64  `json:"rows"`
	TotalRows int64  `json:"total_rows,omitempty"`
	Mode      string `json:"mode,omitempty"`
	Chunks    int    `json:"chunks,omitempty"`
	Retries   int    `json:"retries,omitempty"`
	Drift     bool   `json:"drift,omitempty"`
	Created   bool   `json:"created,omitempty"`
	Error     string `json:"error,omitempty"`
}

// StatusResult describes the checkpoint store for the status command.
type StatusResult struct {
	RunID           string        `json:"run_id,omitempty"`
	Status          string        `json:"status"`
	Phase           string        `json:"phase"`
	StartedAt       time.Time     `json:"started_at,omitempty"`
	TablesTotal     int           `json:"tables_total"`
	TablesComplete  int           `json:"tables_complete"`
	TablesRunning   int           `json:"tables_running"`
	TablesPending   int           `json:"tables_pending"`
	TablesFailed    int           `json:"tables_failed"`
	RowsTransferred int64         `json:"rows_transferred"`
	RowsTotal       int64         `json:"rows_total"`
	ProgressPercent float64       `json:"progress_percent"`
	Tables          []TableStatus `json:"table_status,omitempty"`
}

// TableStatus is one checkpoint as shown by status.
type TableStatus struct {
	Name           string    `json:"name"`
	State          string    `json:"state"`
	MigratedRows   int64     `json:"migrated_rows"`
	TotalRows      int64     `json:"total_rows"`
	Percent        float64   `json:"percent"`
	LastPrimaryKey string    `json:"last_primary_key,omitempty"`
	Error          string    `json:"error,omitempty"`
	UpdatedAt      time.Time `json:"updated_at,omitempty"`
}

// HealthCheckResult reports connectivity to both databases.
type HealthCheckResult struct {
	Timestamp        string `json:"timestamp"`
	Healthy          bool   `json:"healthy"`
	SourceConnected  bool   `json:"source_connected"`
	SourceLatencyMs  int64  `json:"source_latency_ms"`
	SourceTableCount int    `json:"source_table_count"`
	SourceError      string `json:"source_error,omitempty"`
	TargetConnected  bool   `json:"target_connected"`
	TargetLatencyMs  int64  `json:"target_latency_ms"`
	TargetError      string `json:"target_error,omitempty"`
}
