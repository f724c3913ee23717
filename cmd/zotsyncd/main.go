package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/schaermu/zotsyncd/internal/config"
	"github.com/schaermu/zotsyncd/internal/device"
	"github.com/schaermu/zotsyncd/internal/journal"
	"github.com/schaermu/zotsyncd/internal/sync"
	"github.com/schaermu/zotsyncd/internal/watch"
	"github.com/schaermu/zotsyncd/internal/zotero"
)

var (
	// Set by goreleaser
	version = "dev"
	commit  = "none"
	date    = "unknown"

	// Global flags
	cfgFile   string
	envFile   string
	logLevel  string
	logFormat string
	logFile   string

	dryRun       bool
	historyLimit int
)

const defaultEnvFile = ".env"

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "zotsyncd",
	Short: "Keep a Zotero collection in sync with a reMarkable folder",
	Long: `zotsyncd mirrors the PDF attachments of one Zotero collection into a folder
on a reMarkable tablet, using the rmapi command-line tool.

Every run pulls annotated copies back over the local PDFs, uploads papers that
are missing on the tablet and removes papers that left the collection.

It can run once (e.g. from a systemd timer) or stay in watch mode and re-sync
periodically, on local library changes or on an authenticated HTTP request.`,
	SilenceUsage: true,
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one reconciliation between the collection and the device folder",
	Long: `Sync lists the configured Zotero collection and the reMarkable folder, then
retrieves annotated copies, uploads missing papers and deletes papers that are
no longer in the collection, in that order.

Failures of individual papers are logged and do not fail the run.`,
	RunE: runSync,
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Sync continuously",
	Long: `Watch performs an initial sync and then re-syncs on a fixed interval, when
files under the storage root change, and on authenticated POST /sync requests
when a listen address or a systemd socket is configured.`,
	RunE: runWatch,
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recent runs from the journal",
	RunE:  runHistory,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		_, _ = fmt.Fprintf(out, "zotsyncd %s\n", version)
		_, _ = fmt.Fprintf(out, "  commit: %s\n", commit)
		_, _ = fmt.Fprintf(out, "  built:  %s\n", date)
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/zotsyncd/config.yaml, falls back to environment variables)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "dotenv file to load before reading the config (default .env if present)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "also write logs to this file, rotated")

	syncCmd.Flags().BoolVar(&dryRun, "dry-run", false, "show what would be done without making changes")
	historyCmd.Flags().IntVar(&historyLimit, "limit", 10, "number of runs to show")

	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(versionCmd)
}

func runSync(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	rec, closeJournal, err := openJournal(cfg, logger)
	if err != nil {
		return err
	}
	defer closeJournal()

	library, dev := newClients(cfg)
	engine := sync.NewEngine(cfg, library, dev, logger, dryRun)

	report, runErr := engine.Run(ctx)
	if rec != nil {
		if _, err := rec.Record(context.WithoutCancel(ctx), report, runErr); err != nil {
			logger.Warn("failed to record run", "error", err)
		}
	}
	if runErr != nil {
		logger.Error("sync failed", "error", runErr)
		return runErr
	}

	for _, f := range report.Failures() {
		logger.Warn("item failed", "action", string(f.Action), "name", f.Name, "error", f.Err)
	}
	return nil
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	rec, closeJournal, err := openJournal(cfg, logger)
	if err != nil {
		return err
	}
	defer closeJournal()

	library, dev := newClients(cfg)

	var recorder journal.Recorder
	if rec != nil {
		recorder = rec
	}

	server, err := watch.NewServer(cfg, library, dev, recorder, logger)
	if err != nil {
		return err
	}
	return server.Start(ctx)
}

func runHistory(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if !cfg.JournalEnabled() {
		return errors.New("journal.path is not configured")
	}

	j, err := journal.Open(cfg.Journal.Path)
	if err != nil {
		return err
	}
	defer func() {
		_ = j.Close()
	}()

	runs, err := j.Recent(ctx, historyLimit)
	if err != nil {
		return err
	}

	return printHistory(cmd.OutOrStdout(), runs)
}

func printHistory(out io.Writer, runs []journal.Run) error {
	if len(runs) == 0 {
		_, err := fmt.Fprintln(out, "no runs recorded")
		return err
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "STARTED\tDURATION\tMODE\tFOUND\tRETRIEVED\tPAGES\tUPLOADED\tDELETED\tFAILED\tERROR")
	for _, r := range runs {
		mode := "sync"
		if r.DryRun {
			mode = "dry-run"
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\t%d\t%d\t%d\t%s\n",
			r.StartedAt.Format(time.DateTime),
			r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond),
			mode,
			r.Found,
			r.Retrieved,
			r.Pages,
			r.Uploaded,
			r.Deleted,
			len(r.Failures),
			r.Error)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	for _, r := range runs {
		for _, f := range r.Failures {
			_, _ = fmt.Fprintf(out, "%s  %s %q: %s\n", r.StartedAt.Format(time.DateTime), f.Action, f.Name, f.Error)
		}
	}
	return nil
}

func newClients(cfg *config.Config) (zotero.Client, device.Device) {
	library := zotero.NewHTTPClient(cfg.Zotero.BaseURL, string(cfg.Zotero.LibraryType), cfg.Zotero.LibraryID, cfg.Zotero.APIKey)
	dev := device.NewShellClient(cfg.Device.Binary, cfg.Device.Folder, cfg.Device.WorkDir, cfg.Device.Timeout)
	return library, dev
}

// openJournal returns a nil journal when none is configured
func openJournal(cfg *config.Config, logger *slog.Logger) (*journal.Journal, func(), error) {
	if !cfg.JournalEnabled() {
		return nil, func() {}, nil
	}

	j, err := journal.Open(cfg.Journal.Path)
	if err != nil {
		return nil, nil, err
	}
	logger.Debug("journal opened", "path", cfg.Journal.Path)

	return j, func() {
		if err := j.Close(); err != nil {
			logger.Warn("failed to close journal", "error", err)
		}
	}, nil
}

func setupLogger() *slog.Logger {
	var level slog.Level
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var out io.Writer = os.Stdout
	if logFile != "" {
		out = io.MultiWriter(os.Stdout, &lumberjack.Logger{
			Filename:   logFile,
			MaxSize:    10, // megabytes
			MaxBackups: 3,
			MaxAge:     28, // days
			Compress:   true,
		})
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	if logFormat == "json" {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}

	return slog.New(handler)
}

// loadConfig loads the dotenv file, then the config file. Without an explicit
// --config and no file at the default path, the legacy environment variables
// are used instead.
func loadConfig(logger *slog.Logger) (*config.Config, error) {
	if err := loadEnvFile(logger); err != nil {
		return nil, err
	}

	configPath := cfgFile
	if configPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		configPath = filepath.Join(home, ".config", "zotsyncd", "config.yaml")

		if _, err := os.Stat(configPath); errors.Is(err, os.ErrNotExist) {
			logger.Info("no config file, reading configuration from environment", "default_path", configPath)
			return config.FromEnv()
		}
	}

	logger.Info("loading configuration", "path", configPath)

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logger.Debug("configuration loaded",
		"collection", cfg.Zotero.Collection,
		"library", string(cfg.Zotero.LibraryType)+"/"+cfg.Zotero.LibraryID,
		"folder", cfg.FolderPath(),
		"storage_root", cfg.Paths.StorageRoot)

	return cfg, nil
}

func loadEnvFile(logger *slog.Logger) error {
	path := envFile
	if path == "" {
		if _, err := os.Stat(defaultEnvFile); err != nil {
			return nil
		}
		path = defaultEnvFile
	}

	logger.Debug("loading env file", "path", path)
	return config.LoadEnvFile(path)
}

func setupSignalHandler() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		cancel()
	}()

	return ctx, cancel
}
