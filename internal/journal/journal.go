// Package journal keeps a history of sync runs in an SQLite database.
//
// The journal is an audit trail only. Nothing in the sync path reads it back,
// so every run still reconciles from the live collection and device listing.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	zotsync "github.com/schaermu/zotsyncd/internal/sync"
)

const busyTimeoutMS = 10_000

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id          TEXT PRIMARY KEY,
	started_at  INTEGER NOT NULL,
	finished_at INTEGER NOT NULL,
	dry_run     INTEGER NOT NULL,
	collection  TEXT NOT NULL,
	folder      TEXT NOT NULL,
	found       INTEGER NOT NULL,
	on_device   INTEGER NOT NULL,
	retrieved   INTEGER NOT NULL,
	uploaded    INTEGER NOT NULL,
	deleted     INTEGER NOT NULL,
	failures    INTEGER NOT NULL,
	error       TEXT NOT NULL DEFAULT '',
	pages       INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at);
CREATE TABLE IF NOT EXISTS failures (
	run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
	seq    INTEGER NOT NULL,
	action TEXT NOT NULL,
	name   TEXT NOT NULL,
	error  TEXT NOT NULL,
	PRIMARY KEY (run_id, seq)
);
`

// Recorder stores the outcome of a run
type Recorder interface {
	Record(ctx context.Context, report *zotsync.Report, runErr error) (string, error)
}

// Run is one stored sync run
type Run struct {
	ID         string
	StartedAt  time.Time
	FinishedAt time.Time
	DryRun     bool
	Collection string
	Folder     string
	Found      int
	OnDevice   int
	Retrieved  int
	Uploaded   int
	Deleted    int
	Pages      int // pages of the annotated copies retrieved
	Failures   []Failure
	Error      string // fatal error, empty when the run completed
}

// Failure is one per-item failure of a run
type Failure struct {
	Action string
	Name   string
	Error  string
}

// Journal is an SQLite-backed run history
type Journal struct {
	db *sql.DB
}

// Open opens or creates the journal database at path
func Open(path string) (*Journal, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("journal: mkdir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("journal: open: %w", err)
	}
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		fmt.Sprintf("PRAGMA busy_timeout = %d", busyTimeoutMS),
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("journal: %s: %w", p, err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("journal: schema: %w", err)
	}
	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Journal{db: db}, nil
}

// migrate adds columns introduced after the first schema to older databases
func migrate(db *sql.DB) error {
	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM pragma_table_info('runs') WHERE name = 'pages'`).Scan(&n); err != nil {
		return fmt.Errorf("journal: inspect schema: %w", err)
	}
	if n > 0 {
		return nil
	}
	if _, err := db.Exec(`ALTER TABLE runs ADD COLUMN pages INTEGER NOT NULL DEFAULT 0`); err != nil {
		return fmt.Errorf("journal: add pages column: %w", err)
	}
	return nil
}

// Close closes the underlying database
func (j *Journal) Close() error {
	return j.db.Close()
}

// Record stores a run and its per-item failures under a new time-ordered id.
// runErr is the fatal error returned by the engine, if any.
func (j *Journal) Record(ctx context.Context, report *zotsync.Report, runErr error) (string, error) {
	if report == nil {
		return "", errors.New("journal: nil report")
	}

	id := uuid.Must(uuid.NewV7()).String()

	errText := ""
	if runErr != nil {
		errText = runErr.Error()
	}

	finished := report.FinishedAt
	if finished.IsZero() {
		finished = time.Now()
	}

	failures := report.Failures()

	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("journal: begin: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	_, err = tx.ExecContext(ctx, `INSERT INTO runs
		(id, started_at, finished_at, dry_run, collection, folder, found, on_device,
		 retrieved, uploaded, deleted, failures, error, pages)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id,
		report.StartedAt.UnixMilli(),
		finished.UnixMilli(),
		boolToInt(report.DryRun),
		report.Collection,
		report.Folder,
		report.Found,
		report.OnDevice,
		report.Succeeded(zotsync.ActionRetrieve),
		report.Succeeded(zotsync.ActionUpload),
		report.Succeeded(zotsync.ActionDelete),
		len(failures),
		errText,
		report.RetrievedPages(),
	)
	if err != nil {
		return "", fmt.Errorf("journal: insert run: %w", err)
	}

	for i, f := range failures {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO failures (run_id, seq, action, name, error) VALUES (?, ?, ?, ?, ?)`,
			id, i, string(f.Action), f.Name, f.Err.Error())
		if err != nil {
			return "", fmt.Errorf("journal: insert failure: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("journal: commit: %w", err)
	}
	return id, nil
}

// Recent returns up to limit runs, newest first
func (j *Journal) Recent(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		return nil, nil
	}

	rows, err := j.db.QueryContext(ctx, `SELECT
		id, started_at, finished_at, dry_run, collection, folder, found, on_device,
		retrieved, uploaded, deleted, pages, error
		FROM runs ORDER BY started_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("journal: query runs: %w", err)
	}

	var runs []Run
	for rows.Next() {
		var (
			r                 Run
			started, finished int64
			dryRun            int
		)
		if err := rows.Scan(&r.ID, &started, &finished, &dryRun, &r.Collection, &r.Folder,
			&r.Found, &r.OnDevice, &r.Retrieved, &r.Uploaded, &r.Deleted, &r.Pages, &r.Error); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("journal: scan run: %w", err)
		}
		r.StartedAt = time.UnixMilli(started)
		r.FinishedAt = time.UnixMilli(finished)
		r.DryRun = dryRun != 0
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("journal: iterate runs: %w", err)
	}
	_ = rows.Close()

	for i := range runs {
		failures, err := j.failures(ctx, runs[i].ID)
		if err != nil {
			return nil, err
		}
		runs[i].Failures = failures
	}

	return runs, nil
}

func (j *Journal) failures(ctx context.Context, runID string) ([]Failure, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT action, name, error FROM failures WHERE run_id = ? ORDER BY seq`, runID)
	if err != nil {
		return nil, fmt.Errorf("journal: query failures: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var out []Failure
	for rows.Next() {
		var f Failure
		if err := rows.Scan(&f.Action, &f.Name, &f.Error); err != nil {
			return nil, fmt.Errorf("journal: scan failure: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
