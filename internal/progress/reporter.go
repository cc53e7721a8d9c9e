package progress

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/johndauphine/pg-pg-migrate/internal/logging"
)

// Migration phases reported in ProgressUpdate.Phase.
const (
	PhaseSchema    = "schema"
	PhaseTransfer  = "transferring"
	PhaseFinalize  = "finalizing"
	PhaseComplete  = "complete"
	PhaseFailed    = "failed"
	PhaseCancelled = "cancelled"
)

// TableProgress is the per-table part of a progress update.
type TableProgress struct {
	Name         string  `json:"name"`
	State        string  `json:"state"`
	TotalRows    int64   `json:"total_rows"`
	MigratedRows int64   `json:"migrated_rows"`
	Percent      float64 `json:"percent"`
	Error        string  `json:"error,omitempty"`
}

// ProgressUpdate is one progress event for automation and the live feed.
type ProgressUpdate struct {
	Timestamp       string         `json:"timestamp"`
	RunID           string         `json:"run_id,omitempty"`
	Phase           string         `json:"phase"`
	TablesComplete  int            `json:"tables_complete"`
	TablesTotal     int            `json:"tables_total"`
	TablesFailed    int            `json:"tables_failed,omitempty"`
	RowsTransferred int64          `json:"rows_transferred"`
	RowsTotal       int64          `json:"rows_total,omitempty"`
	ProgressPct     float64        `json:"progress_pct"`
	RowsPerSecond   int64          `json:"rows_per_second,omitempty"`
	Table           *TableProgress `json:"table,omitempty"`
	Message         string         `json:"message,omitempty"`
}

// Reporter defines the interface for progress reporting.
type Reporter interface {
	// Report emits a progress update (may be throttled)
	Report(update ProgressUpdate)
	// ReportImmediate emits a progress update immediately, bypassing throttling
	ReportImmediate(update ProgressUpdate)
	// Close cleans up any resources
	Close()
}

// JSONReporter writes one JSON object per line to a writer (typically stderr).
type JSONReporter struct {
	writer     io.Writer
	mu         sync.Mutex
	interval   time.Duration
	lastReport time.Time
	closed     bool
}

// NewJSONReporter creates a new JSON progress reporter.
// interval specifies the minimum time between throttled updates.
func NewJSONReporter(writer io.Writer, interval time.Duration) *JSONReporter {
	if writer == nil {
		writer = os.Stderr
	}
	return &JSONReporter{
		writer:   writer,
		interval: interval,
	}
}

// Report emits update unless the previous one was less than interval ago.
func (r *JSONReporter) Report(update ProgressUpdate) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}
	now := time.Now()
	if r.interval > 0 && now.Sub(r.lastReport) < r.interval {
		return
	}
	r.write(update, now)
}

// ReportImmediate emits a progress update immediately, bypassing throttling.
// Use for phase transitions and table completions.
func (r *JSONReporter) ReportImmediate(update ProgressUpdate) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}
	r.write(update, time.Now())
}

func (r *JSONReporter) write(update ProgressUpdate, now time.Time) {
	stamp(&update, now)
	data, err := json.Marshal(update)
	if err != nil {
		logging.Warn("Failed to marshal progress update: %v", err)
		return
	}
	fmt.Fprintln(r.writer, string(data))
	r.lastReport = now
}

// Close marks the reporter as closed.
func (r *JSONReporter) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
}

// NullReporter is a no-op reporter for when progress reporting is disabled.
type NullReporter struct{}

// Report does nothing.
func (r *NullReporter) Report(update ProgressUpdate) {}

// ReportImmediate does nothing.
func (r *NullReporter) ReportImmediate(update ProgressUpdate) {}

// Close does nothing.
func (r *NullReporter) Close() {}

// multiReporter fans updates out to several reporters.
type multiReporter []Reporter

// Multi combines reporters; nil entries are dropped.
func Multi(reporters ...Reporter) Reporter {
	var m multiReporter
	for _, r := range reporters {
		if r != nil {
			m = append(m, r)
		}
	}
	switch len(m) {
	case 0:
		return &NullReporter{}
	case 1:
		return m[0]
	}
	return m
}

func (m multiReporter) Report(update ProgressUpdate) {
	for _, r := range m {
		r.Report(update)
	}
}

func (m multiReporter) ReportImmediate(update ProgressUpdate) {
	for _, r := range m {
		r.ReportImmediate(update)
	}
}

func (m multiReporter) Close() {
	for _, r := range m {
		r.Close()
	}
}

func stamp(update *ProgressUpdate, now time.Time) {
	if update.Timestamp == "" {
		update.Timestamp = now.Format(time.RFC3339)
	}
}
