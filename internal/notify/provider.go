// Package notify posts migration lifecycle events to Slack.
package notify

import "time"

// Provider defines the notification contract for migration events.
type Provider interface {
	// MigrationStarted sends notification when migration starts.
	MigrationStarted(runID, sourceDB, targetDB string, tableCount int) error

	// MigrationCompleted reports the end of a run. Runs with failed tables
	// are reported as completed with errors.
	MigrationCompleted(summary RunSummary) error

	// MigrationFailed sends notification when migration aborts.
	MigrationFailed(runID string, err error, duration time.Duration) error

	// TableTransferFailed sends notification for individual table failures.
	TableTransferFailed(runID, tableName string, err error) error
}

// RunSummary describes a finished run.
type RunSummary struct {
	RunID           string
	StartTime       time.Time
	Duration        time.Duration
	TablesSucceeded int
	TablesFailed    int
	TablesSkipped   int
	Rows            int64
	Failures        []string
}

// Throughput is rows per second over the whole run.
func (s RunSummary) Throughput() float64 {
	if s.Duration <= 0 {
		return 0
	}
	return float64(s.Rows) / s.Duration.Seconds()
}

var _ Provider = (*Notifier)(nil)
