package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/goccy/go-json"
	"github.com/urfave/cli/v2"
	"golang.org/x/term"

	"github.com/johndauphine/pg-pg-migrate/internal/config"
	"github.com/johndauphine/pg-pg-migrate/internal/exitcodes"
	"github.com/johndauphine/pg-pg-migrate/internal/logging"
	"github.com/johndauphine/pg-pg-migrate/internal/orchestrator"
	"github.com/johndauphine/pg-pg-migrate/internal/progress"
	"github.com/johndauphine/pg-pg-migrate/internal/verify"
)

var version = "dev"

func main() {
	app := &cli.App{
		Name:    "pg-pg-migrate",
		Usage:   "Resumable PostgreSQL to PostgreSQL schema and data migration",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   "config.yaml",
				Usage:   "Path to configuration file (YAML or TOML)",
			},
			&cli.StringFlag{
				Name:  "source-config",
				Usage: "DatabaseConfig_* env file for the source endpoint",
			},
			&cli.StringFlag{
				Name:  "target-config",
				Usage: "DatabaseConfig_* env file for the target endpoint",
			},
			&cli.StringFlag{
				Name:  "state-file",
				Usage: "Checkpoint file (.json, .yaml, or .db for SQLite)",
			},
			&cli.StringFlag{
				Name:  "run-id",
				Usage: "Explicit run ID (default: auto-generated)",
			},
			&cli.BoolFlag{
				Name:  "output-json",
				Usage: "Output JSON result to stdout on completion (logs go to stderr)",
			},
			&cli.StringFlag{
				Name:  "output-file",
				Usage: "Write JSON result to file on completion",
			},
			&cli.StringFlag{
				Name:  "log-format",
				Value: "text",
				Usage: "Log format: text or json",
			},
			&cli.StringFlag{
				Name:  "verbosity",
				Value: "info",
				Usage: "Log verbosity level (debug, info, warn, error)",
			},
		},
		Before: func(c *cli.Context) error {
			level, err := logging.ParseLevel(c.String("verbosity"))
			if err != nil {
				return exitcodes.NewExitError(err, exitcodes.ConfigError)
			}
			logging.SetLevel(level)

			if _, err := logging.ParseFormat(c.String("log-format")); err != nil {
				return exitcodes.NewExitError(err, exitcodes.ConfigError)
			}
			logging.SetFormat(c.String("log-format"))

			// Redirect logs to stderr when JSON output is enabled
			if jsonOutput(c) {
				logging.SetOutput(os.Stderr)
			}
			return nil
		},
		Commands: []*cli.Command{
			{
				Name:   "run",
				Usage:  "Start a migration, continuing any existing checkpoints",
				Action: runMigration,
				Flags:  transferFlags(),
			},
			{
				Name:   "resume",
				Usage:  "Resume an interrupted migration",
				Action: resumeMigration,
				Flags: append(transferFlags(), &cli.BoolFlag{
					Name:  "force",
					Usage: "Start from scratch when no checkpoints exist",
				}),
			},
			{
				Name:   "status",
				Usage:  "Show checkpoint state of every table",
				Action: showStatus,
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "json",
						Usage: "Output status as JSON",
					},
				},
			},
			{
				Name:   "verify",
				Usage:  "Compare structure and row counts between source and target",
				Action: verifyMigration,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "tables",
						Usage: "Comma-separated tables to verify (default: all)",
					},
					&cli.StringFlag{
						Name:  "report",
						Usage: "Also write the text report to this file",
					},
				},
			},
			{
				Name:   "history",
				Usage:  "List migration runs, or view details of a specific run (SQLite state only)",
				Action: showHistory,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "run",
						Usage: "Show details for a specific run ID",
					},
				},
			},
			{
				Name:   "health",
				Usage:  "Check connectivity to source and target",
				Action: healthCheck,
			},
			{
				Name:   "reset",
				Usage:  "Delete checkpoints so tables are copied again",
				Action: resetCheckpoints,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "table",
						Usage: "Reset only this table (default: all)",
					},
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitcodes.FromError(err))
	}
}

func transferFlags() []cli.Flag {
	return []cli.Flag{
		&cli.IntFlag{
			Name:  "chunk-size",
			Usage: "Rows per chunk",
		},
		&cli.StringFlag{
			Name:  "tables",
			Usage: "Comma-separated tables to migrate (default: all in the source schema)",
		},
		&cli.IntFlag{
			Name:  "workers",
			Usage: "Number of tables transferred in parallel",
		},
		&cli.StringFlag{
			Name:  "progress-addr",
			Usage: "Serve live progress over websocket at this address (e.g. :8089)",
		},
		&cli.BoolFlag{
			Name:  "progress-json",
			Usage: "Emit JSON progress lines to stderr",
		},
	}
}

func jsonOutput(c *cli.Context) bool {
	return c.Bool("output-json") || c.String("output-file") != ""
}

// loadConfig reads the configuration and creates the state directory.
func loadConfig(c *cli.Context) (*config.Config, error) {
	configPath := c.String("config")
	if _, err := os.Stat(configPath); os.IsNotExist(err) && !c.IsSet("config") {
		if c.String("source-config") == "" || c.String("target-config") == "" {
			return nil, exitcodes.NewExitError(fmt.Errorf("configuration file not found: %s", configPath), exitcodes.ConfigError)
		}
		configPath = ""
	}
	cfg, err := config.LoadWithOptions(configPath, config.LoadOptions{
		SuppressWarnings: c.Bool("output-json"),
		SourceFile:       c.String("source-config"),
		TargetFile:       c.String("target-config"),
	})
	if err != nil {
		return nil, exitcodes.NewExitError(fmt.Errorf("failed to load config: %w", err), exitcodes.ConfigError)
	}

	stateFile := cfg.Migration.StateFile
	if sf := c.String("state-file"); sf != "" {
		stateFile = sf
		if ext := strings.ToLower(filepath.Ext(sf)); ext == ".db" || ext == ".sqlite" {
			cfg.Migration.StateBackend = "sqlite"
		} else {
			cfg.Migration.StateBackend = "file"
		}
	}
	for _, dir := range []string{cfg.Migration.DataDir, filepath.Dir(stateFile)} {
		if err := config.EnsureDir(dir); err != nil {
			return nil, exitcodes.NewExitError(fmt.Errorf("creating state directory: %w", err), exitcodes.IOError)
		}
	}
	return cfg, nil
}

func applyOverrides(c *cli.Context, cfg *config.Config) {
	m := &cfg.Migration
	if c.IsSet("chunk-size") {
		m.ChunkSize = c.Int("chunk-size")
	}
	if c.IsSet("tables") {
		m.Tables = splitList(c.String("tables"))
	}
	if c.IsSet("workers") {
		m.Workers = max(c.Int("workers"), 1)
		cfg.Source.MaxConns = max(cfg.Source.MaxConns, m.Workers+1)
		cfg.Target.MaxConns = max(cfg.Target.MaxConns, m.Workers+1)
	}
	if c.IsSet("progress-addr") {
		m.ProgressAddr = c.String("progress-addr")
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// signalContext cancels on SIGINT/SIGTERM so the current chunk can finish
// and its checkpoint is kept.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case <-sigCh:
			fmt.Fprintln(os.Stderr, "\nInterrupted. Saving checkpoint...")
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()
	return ctx, cancel
}

func stateOptions(c *cli.Context) orchestrator.Options {
	return orchestrator.Options{
		StateFile: c.String("state-file"),
		RunID:     c.String("run-id"),
	}
}

// progressOptions sets up the bar, JSON progress lines and the websocket feed.
func progressOptions(ctx context.Context, c *cli.Context, cfg *config.Config, opts *orchestrator.Options) error {
	logger := logging.Default()
	var bar *os.File
	if !jsonOutput(c) && term.IsTerminal(int(os.Stderr.Fd())) {
		bar = os.Stderr
	}
	if bar != nil {
		opts.Tracker = progress.New(bar, logger)
	} else {
		opts.Tracker = progress.New(nil, logger)
	}

	var reporters []progress.Reporter
	if c.Bool("progress-json") {
		reporters = append(reporters, progress.NewJSONReporter(os.Stderr, 2*time.Second))
	}
	if addr := cfg.Migration.ProgressAddr; addr != "" {
		hub := progress.NewHub(logger)
		if _, err := hub.Serve(ctx, addr); err != nil {
			return exitcodes.NewExitError(fmt.Errorf("starting progress feed: %w", err), exitcodes.IOError)
		}
		reporters = append(reporters, hub)
	}
	opts.Reporter = progress.Multi(reporters...)
	return nil
}

func runMigration(c *cli.Context) error {
	return migrate(c, false)
}

func resumeMigration(c *cli.Context) error {
	return migrate(c, true)
}

func migrate(c *cli.Context, resume bool) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	applyOverrides(c, cfg)

	ctx, cancel := signalContext()
	defer cancel()

	opts := stateOptions(c)
	opts.ForceResume = c.Bool("force")
	if err := progressOptions(ctx, c, cfg, &opts); err != nil {
		return err
	}

	orch, err := orchestrator.Connect(ctx, cfg, logging.Default(), opts)
	if err != nil {
		return err
	}
	defer orch.Close()

	var result *orchestrator.MigrationResult
	var runErr error
	if resume {
		result, runErr = orch.Resume(ctx)
	} else {
		result, runErr = orch.Run(ctx)
	}

	if jsonOutput(c) && result != nil {
		if runErr != nil && result.Error == "" {
			result.Error = runErr.Error()
		}
		if err := outputJSON(c, result); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to output JSON: %v\n", err)
		}
	}
	return runErr
}

func showStatus(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	orch, err := orchestrator.OpenState(cfg, logging.Default(), stateOptions(c))
	if err != nil {
		return err
	}
	defer orch.Close()

	if c.Bool("json") {
		result, err := orch.GetStatusResult()
		if err != nil {
			// Return empty status for no active migration
			result = &orchestrator.StatusResult{Status: "no_active_migration"}
		}
		data, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal status: %w", err)
		}
		fmt.Println(string(data))
		return nil
	}

	return orch.ShowStatus(os.Stdout)
}

func verifyMigration(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()

	src, err := verify.Open(ctx, cfg.Source)
	if err != nil {
		return exitcodes.NewExitError(fmt.Errorf("connecting to source: %w", err), exitcodes.ConnectionError)
	}
	defer src.Close()
	dst, err := verify.Open(ctx, cfg.Target)
	if err != nil {
		return exitcodes.NewExitError(fmt.Errorf("connecting to target: %w", err), exitcodes.ConnectionError)
	}
	defer dst.Close()

	tables := cfg.Migration.Tables
	if c.IsSet("tables") {
		tables = splitList(c.String("tables"))
	}
	report, err := verify.New(src, dst, logging.Default()).Verify(ctx, tables)
	if err != nil {
		return err
	}

	if jsonOutput(c) {
		if err := outputJSON(c, report); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to output JSON: %v\n", err)
		}
	} else if err := report.WriteText(os.Stdout); err != nil {
		return exitcodes.NewExitError(err, exitcodes.IOError)
	}
	if path := c.String("report"); path != "" {
		if err := report.SaveText(path); err != nil {
			return exitcodes.NewExitError(fmt.Errorf("writing report: %w", err), exitcodes.IOError)
		}
		logging.Info("Report written to %s", path)
	}

	if report.Failed() {
		return exitcodes.NewExitError(fmt.Errorf("verification failed for %d tables: %s",
			len(report.FailedTables()), strings.Join(report.FailedTables(), ", ")), exitcodes.ValidationError)
	}
	return nil
}

func showHistory(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	orch, err := orchestrator.OpenState(cfg, logging.Default(), stateOptions(c))
	if err != nil {
		return err
	}
	defer orch.Close()

	// If --run flag is provided, show details for that specific run
	if runID := c.String("run"); runID != "" {
		return orch.ShowRunDetails(os.Stdout, runID)
	}
	return orch.ShowHistory(os.Stdout)
}

func healthCheck(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()

	orch, err := orchestrator.Connect(ctx, cfg, logging.Default(), stateOptions(c))
	if err != nil {
		return err
	}
	defer orch.Close()

	result, err := orch.HealthCheck(ctx)
	if err != nil {
		return err
	}
	if jsonOutput(c) {
		if err := outputJSON(c, result); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to output JSON: %v\n", err)
		}
	} else {
		printHealth(result)
	}
	if !result.Healthy {
		return exitcodes.NewExitError(errors.New("health check failed"), exitcodes.ConnectionError)
	}
	return nil
}

func printHealth(r *orchestrator.HealthCheckResult) {
	side := func(name string, ok bool, latency int64, errMsg string) {
		if ok {
			fmt.Printf("%-7s OK   (%d ms)\n", name, latency)
			return
		}
		fmt.Printf("%-7s FAIL (%d ms): %s\n", name, latency, errMsg)
	}
	side("Source", r.SourceConnected, r.SourceLatencyMs, r.SourceError)
	side("Target", r.TargetConnected, r.TargetLatencyMs, r.TargetError)
	if r.SourceConnected {
		fmt.Printf("Source tables: %d\n", r.SourceTableCount)
	}
}

func resetCheckpoints(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	orch, err := orchestrator.OpenState(cfg, logging.Default(), stateOptions(c))
	if err != nil {
		return err
	}
	defer orch.Close()

	n, err := orch.Reset(c.String("table"))
	if err != nil {
		return err
	}
	fmt.Printf("Reset %d checkpoint(s)\n", n)
	return nil
}

// outputJSON writes v as JSON to stdout and/or a file
func outputJSON(c *cli.Context, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	if c.Bool("output-json") {
		fmt.Println(string(data))
	}

	if outputFile := c.String("output-file"); outputFile != "" {
		if err := os.WriteFile(outputFile, data, 0600); err != nil {
			return fmt.Errorf("failed to write output file: %w", err)
		}
	}
	return nil
}
