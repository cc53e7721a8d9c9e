package orchestrator

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/johndauphine/pg-pg-migrate/internal/checkpoint"
	"github.com/johndauphine/pg-pg-migrate/internal/config"
	"github.com/johndauphine/pg-pg-migrate/internal/exitcodes"
	"github.com/johndauphine/pg-pg-migrate/internal/logging"
)

// ErrNoHistory is returned by history commands on the file backend.
var ErrNoHistory = errors.New("run history requires the sqlite state backend")

// OpenState opens only the checkpoint store, for commands that do not talk
// to either database.
func OpenState(cfg *config.Config, logger *logging.Logger, opts Options) (*Orchestrator, error) {
	stateFile := cfg.Migration.StateFile
	if opts.StateFile != "" {
		stateFile = opts.StateFile
	}
	store, err := checkpoint.Open(cfg.Migration.StateBackend, stateFile, logger)
	if err != nil {
		return nil, exitcodes.NewExitError(fmt.Errorf("opening checkpoint store: %w", err), exitcodes.StateError)
	}
	return New(cfg, logger, opts, Deps{Store: store}), nil
}

// GetStatusResult summarizes every checkpoint in the store.
func (o *Orchestrator) GetStatusResult() (*StatusResult, error) {
	cps, err := o.state.List()
	if err != nil {
		return nil, exitcodes.NewExitError(fmt.Errorf("reading checkpoints: %w", err), exitcodes.StateError)
	}
	if len(cps) == 0 {
		return nil, exitcodes.NewExitError(errors.New("no migration state found"), exitcodes.StateError)
	}

	result := &StatusResult{TablesTotal: len(cps)}
	for _, cp := range cps {
		switch cp.State() {
		case checkpoint.StateCompleted:
			result.TablesComplete++
		case checkpoint.StateFailed:
			result.TablesFailed++
		case checkpoint.StateInProgress:
			result.TablesRunning++
		default:
			result.TablesPending++
		}
		result.RowsTransferred += cp.MigratedRows
		result.RowsTotal += cp.TotalRows

		ts := TableStatus{
			Name:         cp.TableName,
			State:        cp.State(),
			MigratedRows: cp.MigratedRows,
			TotalRows:    cp.TotalRows,
			Percent:      cp.Percent(),
			Error:        cp.Error,
			UpdatedAt:    cp.UpdatedAt,
		}
		if cp.LastPrimaryKey != nil {
			ts.LastPrimaryKey = *cp.LastPrimaryKey
		}
		result.Tables = append(result.Tables, ts)
	}
	if result.RowsTotal > 0 {
		result.ProgressPercent = float64(result.RowsTransferred) / float64(result.RowsTotal) * 100
	}

	switch {
	case result.TablesComplete == result.TablesTotal:
		result.Status, result.Phase = StatusSuccess, "complete"
	case result.TablesFailed > 0:
		result.Status, result.Phase = StatusFailed, "interrupted"
	default:
		result.Status, result.Phase = "incomplete", "transferring"
	}

	if history, ok := o.state.(checkpoint.HistoryStore); ok {
		if runs, err := history.GetAllRuns(); err == nil && len(runs) > 0 {
			result.RunID = runs[0].ID
			result.StartedAt = runs[0].StartedAt
			if runs[0].Status != "running" {
				result.Status = runs[0].Status
			}
		}
	}
	return result, nil
}

// ShowStatus prints the checkpoint table.
func (o *Orchestrator) ShowStatus(w io.Writer) error {
	st, err := o.GetStatusResult()
	if err != nil {
		return err
	}

	if st.RunID != "" {
		fmt.Fprintf(w, "Run: %s (started %s)\n", st.RunID, st.StartedAt.Format(time.RFC3339))
	}
	fmt.Fprintf(w, "Status: %s (%s)\n", st.Status, st.Phase)
	fmt.Fprintf(w, "Tables: %d total, %d complete, %d in progress, %d pending, %d failed\n",
		st.TablesTotal, st.TablesComplete, st.TablesRunning, st.TablesPending, st.TablesFailed)
	fmt.Fprintf(w, "Rows: %d/%d (%.1f%%)\n\n", st.RowsTransferred, st.RowsTotal, st.ProgressPercent)

	fmt.Fprintf(w, "%-30s %-12s %-8s %-22s %s\n", "Table", "State", "Progress", "Rows", "Error")
	fmt.Fprintln(w, strings.Repeat("-", 100))
	for _, t := range st.Tables {
		name := t.Name
		if len(name) > 28 {
			name = name[:25] + "..."
		}
		errMsg := t.Error
		if len(errMsg) > 30 {
			errMsg = errMsg[:27] + "..."
		}
		fmt.Fprintf(w, "%-30s %-12s %-8s %-22s %s\n",
			name, t.State, fmt.Sprintf("%.1f%%", t.Percent), fmt.Sprintf("%d/%d", t.MigratedRows, t.TotalRows), errMsg)
	}
	if st.TablesComplete < st.TablesTotal {
		fmt.Fprintln(w, "\nRun 'resume' to continue.")
	}
	return nil
}

// Reset deletes the checkpoint of table, or of every table when table is
// empty. It returns the number of checkpoints removed.
func (o *Orchestrator) Reset(table string) (int, error) {
	if table != "" {
		cp, err := o.state.Get(table)
		if err != nil {
			return 0, exitcodes.NewExitError(err, exitcodes.StateError)
		}
		if cp == nil {
			return 0, exitcodes.NewExitError(fmt.Errorf("no checkpoint for table %s", table), exitcodes.StateError)
		}
		if err := o.state.Delete(table); err != nil {
			return 0, exitcodes.NewExitError(err, exitcodes.StateError)
		}
		o.logger.Info("Reset checkpoint for %s", table)
		return 1, nil
	}

	cps, err := o.state.List()
	if err != nil {
		return 0, exitcodes.NewExitError(err, exitcodes.StateError)
	}
	for _, cp := range cps {
		if err := o.state.Delete(cp.TableName); err != nil {
			return 0, exitcodes.NewExitError(err, exitcodes.StateError)
		}
	}
	o.logger.Info("Reset %d checkpoints", len(cps))
	return len(cps), nil
}

func (o *Orchestrator) history() (checkpoint.HistoryStore, error) {
	h, ok := o.state.(checkpoint.HistoryStore)
	if !ok {
		return nil, exitcodes.NewExitError(ErrNoHistory, exitcodes.StateError)
	}
	return h, nil
}

// ShowHistory displays all migration runs
func (o *Orchestrator) ShowHistory(w io.Writer) error {
	h, err := o.history()
	if err != nil {
		return err
	}
	runs, err := h.GetAllRuns()
	if err != nil {
		return err
	}

	if len(runs) == 0 {
		fmt.Fprintln(w, "No migration history")
		return nil
	}

	fmt.Fprintf(w, "%-10s %-20s %-20s %-22s %s\n", "ID", "Started", "Completed", "Status", "Schemas")
	fmt.Fprintln(w, strings.Repeat("-", 90))
	for _, r := range runs {
		completed := "-"
		if r.CompletedAt != nil {
			completed = r.CompletedAt.Format("2006-01-02 15:04:05")
		}
		fmt.Fprintf(w, "%-10s %-20s %-20s %-22s %s -> %s\n",
			r.ID, r.StartedAt.Format("2006-01-02 15:04:05"), completed, r.Status, r.SourceSchema, r.TargetSchema)
		if r.Error != "" {
			fmt.Fprintf(w, "           Error: %s\n", r.Error)
		}
	}

	fmt.Fprintln(w, "\nUse 'history --run <ID>' to view run configuration")
	return nil
}

// ShowRunDetails displays detailed information for a specific run
func (o *Orchestrator) ShowRunDetails(w io.Writer, runID string) error {
	h, err := o.history()
	if err != nil {
		return err
	}
	run, err := h.GetRunByID(runID)
	if err != nil {
		return fmt.Errorf("getting run: %w", err)
	}
	if run == nil {
		return exitcodes.NewExitError(fmt.Errorf("run not found: %s", runID), exitcodes.StateError)
	}

	fmt.Fprintf(w, "Run ID:        %s\n", run.ID)
	fmt.Fprintf(w, "Status:        %s\n", run.Status)
	if run.Error != "" {
		fmt.Fprintf(w, "Error:         %s\n", run.Error)
	}
	fmt.Fprintf(w, "Started:       %s\n", run.StartedAt.Format("2006-01-02 15:04:05"))
	if run.CompletedAt != nil {
		fmt.Fprintf(w, "Completed:     %s\n", run.CompletedAt.Format("2006-01-02 15:04:05"))
		fmt.Fprintf(w, "Duration:      %s\n", run.CompletedAt.Sub(run.StartedAt).Round(time.Second))
	}
	fmt.Fprintf(w, "Source Schema: %s\n", run.SourceSchema)
	fmt.Fprintf(w, "Target Schema: %s\n", run.TargetSchema)

	if run.Config != "" {
		fmt.Fprintln(w, "\nConfiguration:")
		fmt.Fprintln(w, "--------------")
		var cfg config.Config
		if err := json.Unmarshal([]byte(run.Config), &cfg); err == nil {
			pretty, _ := json.MarshalIndent(cfg, "", "  ")
			fmt.Fprintln(w, string(pretty))
		} else {
			fmt.Fprintln(w, run.Config)
		}
	}
	return nil
}
