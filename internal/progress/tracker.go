// Package progress renders row progress as a terminal bar, line-delimited
// JSON and a websocket feed.
package progress

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/schollz/progressbar/v3"

	"github.com/johndauphine/pg-pg-migrate/internal/logging"
)

// Tracker counts transferred rows and drives an optional progress bar.
type Tracker struct {
	out       io.Writer
	bar       *progressbar.ProgressBar
	total     atomic.Int64
	current   atomic.Int64
	startTime time.Time
	logger    *logging.Logger

	// Track active tables for accurate display
	mu           sync.Mutex
	activeTables map[string]int
}

// New creates a tracker. With a nil writer no bar is drawn and the tracker
// only counts.
func New(out io.Writer, logger *logging.Logger) *Tracker {
	if logger == nil {
		logger = logging.Default()
	}
	return &Tracker{
		out:          out,
		startTime:    time.Now(),
		logger:       logger,
		activeTables: make(map[string]int),
	}
}

// SetTotal sets the total number of rows to transfer
func (t *Tracker) SetTotal(total int64) {
	t.total.Store(total)
	if t.out == nil {
		return
	}
	t.bar = progressbar.NewOptions64(
		total,
		progressbar.OptionSetWriter(t.out),
		progressbar.OptionSetDescription("Transferring"),
		progressbar.OptionShowBytes(false),
		progressbar.OptionShowCount(),
		progressbar.OptionSetWidth(40),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("rows"),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionFullWidth(),
		progressbar.OptionSetRenderBlankState(true),
	)
	if done := t.current.Load(); done > 0 {
		_ = t.bar.Set64(done)
	}
}

// Add increments the progress counter
func (t *Tracker) Add(n int64) {
	if n <= 0 {
		return
	}
	t.current.Add(n)
	if t.bar != nil {
		_ = t.bar.Add64(n)
	}
}

// Resume seeds the counter with rows moved by an earlier run.
func (t *Tracker) Resume(n int64) {
	t.Add(n)
}

// StartTable marks a table as actively transferring
func (t *Tracker) StartTable(tableName string) {
	t.mu.Lock()
	t.activeTables[tableName]++
	t.describe()
	t.mu.Unlock()
}

// EndTable marks a table as done transferring
func (t *Tracker) EndTable(tableName string) {
	t.mu.Lock()
	t.activeTables[tableName]--
	if t.activeTables[tableName] <= 0 {
		delete(t.activeTables, tableName)
	}
	t.describe()
	t.mu.Unlock()
}

// ActiveTables returns the number of tables in flight.
func (t *Tracker) ActiveTables() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.activeTables)
}

// describe must be called with mu held.
func (t *Tracker) describe() {
	if t.bar == nil {
		return
	}
	switch len(t.activeTables) {
	case 0:
		t.bar.Describe("Transferring")
	case 1:
		for name := range t.activeTables {
			t.bar.Describe(fmt.Sprintf("Transferring %s", name))
		}
	default:
		t.bar.Describe(fmt.Sprintf("Transferring (%d tables)", len(t.activeTables)))
	}
}

// Current returns the current count
func (t *Tracker) Current() int64 {
	return t.current.Load()
}

// Total returns the expected row count.
func (t *Tracker) Total() int64 {
	return t.total.Load()
}

// Percent returns current/total, or 0 before SetTotal.
func (t *Tracker) Percent() float64 {
	total := t.total.Load()
	if total <= 0 {
		return 0
	}
	return float64(t.current.Load()) / float64(total) * 100
}

// RowsPerSecond is the average rate since the tracker was created.
func (t *Tracker) RowsPerSecond() int64 {
	elapsed := time.Since(t.startTime).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return int64(float64(t.current.Load()) / elapsed)
}

// Finish marks the progress as complete
func (t *Tracker) Finish() {
	if t.bar != nil {
		_ = t.bar.Finish()
		fmt.Fprintln(t.out)
	}

	elapsed := time.Since(t.startTime)
	t.logger.Info("Transfer complete: %d rows in %s (%d rows/sec)",
		t.current.Load(), elapsed.Round(time.Second), t.RowsPerSecond())
}
