package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/biostar-central/planetjob/internal/retry"
	_ "modernc.org/sqlite"
)

// DB wraps the SQLite run history
type DB struct {
	conn   *sql.DB
	logger *slog.Logger
	retry  retry.Config
}

// New opens the history database and initializes its schema
func New(dbPath string, logger *slog.Logger) (*DB, error) {
	conn, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Enable WAL mode so `history` and `serve` can read during a run
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := conn.Exec("PRAGMA busy_timeout=1000"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	db := &DB{
		conn:   conn,
		logger: logger,
		retry:  retry.DefaultConfig(),
	}

	if err := db.initSchema(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	if err := db.RunMigrations(context.Background()); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return db, nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.conn.Close()
}

// initSchema creates the base tables; later columns come from migrations
func (db *DB) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		update_count INTEGER NOT NULL,
		command TEXT NOT NULL,
		exit_code INTEGER NOT NULL,
		error TEXT NOT NULL DEFAULT '',
		duration_ms INTEGER NOT NULL,
		started_at INTEGER NOT NULL,
		finished_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at);
	`

	_, err := db.conn.Exec(schema)
	return err
}

// Run is one recorded invocation of the update command.
// Times are stored as unix milliseconds.
type Run struct {
	ID          string
	UpdateCount int
	Command     string
	ExitCode    int
	Error       string
	DurationMs  int64
	OutputLog   string
	StartedAt   time.Time
	FinishedAt  time.Time
}

// Succeeded reports whether the update command exited 0.
func (r Run) Succeeded() bool {
	return r.ExitCode == 0
}

// RunStats aggregates the whole history
type RunStats struct {
	TotalRuns   int64
	FailedRuns  int64
	LastSuccess time.Time
	LastFailure time.Time
}

// SaveRun records a finished run, retrying while another run holds the lock
func (db *DB) SaveRun(ctx context.Context, run Run) error {
	query := `
		INSERT INTO runs (
			id, update_count, command, exit_code, error,
			duration_ms, output_log, started_at, finished_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	err := retry.Do(ctx, db.retry, func() error {
		_, err := db.conn.ExecContext(ctx, query,
			run.ID, run.UpdateCount, run.Command, run.ExitCode, run.Error,
			run.DurationMs, run.OutputLog, run.StartedAt.UnixMilli(), run.FinishedAt.UnixMilli(),
		)
		if err != nil && retry.IsRetryable(err) {
			db.logger.Warn("history database busy, retrying", slog.Any("error", err))
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}

	db.logger.Debug("saved run to database",
		slog.String("run_id", run.ID),
		slog.Int("exit_code", run.ExitCode),
		slog.Int64("duration_ms", run.DurationMs))

	return nil
}

const runColumns = `id, update_count, command, exit_code, error,
		       duration_ms, COALESCE(output_log, ''), started_at, finished_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(s scanner) (Run, error) {
	var r Run
	var started, finished int64
	if err := s.Scan(
		&r.ID, &r.UpdateCount, &r.Command, &r.ExitCode, &r.Error,
		&r.DurationMs, &r.OutputLog, &started, &finished,
	); err != nil {
		return Run{}, err
	}
	r.StartedAt = time.UnixMilli(started)
	r.FinishedAt = time.UnixMilli(finished)
	return r, nil
}

// GetRecentRuns retrieves the most recent N runs, newest first
func (db *DB) GetRecentRuns(ctx context.Context, limit int) ([]Run, error) {
	query := `
		SELECT ` + runColumns + `
		FROM runs
		ORDER BY started_at DESC, rowid DESC
		LIMIT ?
	`

	rows, err := db.conn.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, r)
	}

	return runs, rows.Err()
}

// GetLastRun returns the newest run, or nil when the history is empty
func (db *DB) GetLastRun(ctx context.Context) (*Run, error) {
	query := `
		SELECT ` + runColumns + `
		FROM runs
		ORDER BY started_at DESC, rowid DESC
		LIMIT 1
	`

	r, err := scanRun(db.conn.QueryRowContext(ctx, query))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get last run: %w", err)
	}
	return &r, nil
}

// GetRunStats aggregates counts and the last success and failure times
func (db *DB) GetRunStats(ctx context.Context) (RunStats, error) {
	query := `
		SELECT COUNT(*),
		       COALESCE(SUM(CASE WHEN exit_code != 0 THEN 1 ELSE 0 END), 0),
		       COALESCE(MAX(CASE WHEN exit_code = 0 THEN finished_at END), 0),
		       COALESCE(MAX(CASE WHEN exit_code != 0 THEN finished_at END), 0)
		FROM runs
	`

	var stats RunStats
	var lastSuccess, lastFailure int64
	err := db.conn.QueryRowContext(ctx, query).Scan(
		&stats.TotalRuns, &stats.FailedRuns, &lastSuccess, &lastFailure,
	)
	if err != nil {
		return RunStats{}, fmt.Errorf("failed to get run stats: %w", err)
	}

	if lastSuccess > 0 {
		stats.LastSuccess = time.UnixMilli(lastSuccess)
	}
	if lastFailure > 0 {
		stats.LastFailure = time.UnixMilli(lastFailure)
	}
	return stats, nil
}

// PruneRuns deletes runs started before cutoff and returns how many went
func (db *DB) PruneRuns(ctx context.Context, cutoff time.Time) (int64, error) {
	var deleted int64
	err := retry.Do(ctx, db.retry, func() error {
		res, err := db.conn.ExecContext(ctx, "DELETE FROM runs WHERE started_at < ?", cutoff.UnixMilli())
		if err != nil {
			return err
		}
		deleted, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to prune runs: %w", err)
	}

	if deleted > 0 {
		db.logger.Info("pruned run history",
			slog.Int64("deleted", deleted),
			slog.Time("cutoff", cutoff))
	}
	return deleted, nil
}
