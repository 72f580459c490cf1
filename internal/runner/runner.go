package runner

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/biostar-central/planetjob/internal/activate"
	"github.com/biostar-central/planetjob/internal/archiver"
	"github.com/biostar-central/planetjob/internal/config"
	"github.com/biostar-central/planetjob/internal/db"
	"github.com/biostar-central/planetjob/internal/invoke"
	"github.com/biostar-central/planetjob/internal/metrics"
	"github.com/biostar-central/planetjob/internal/outputlog"
	"github.com/google/uuid"
)

// History stores finished runs. *db.DB satisfies it.
type History interface {
	SaveRun(ctx context.Context, run db.Run) error
}

// Runner coordinates a single planet update
type Runner struct {
	logger  *slog.Logger
	config  config.Config
	history History
	stdout  io.Writer
	stderr  io.Writer
}

// Result describes a finished run
type Result struct {
	RunID     string
	Command   string
	ExitCode  int
	OutputLog string
	Metrics   *metrics.RunMetrics
}

// New creates a Runner. history may be nil to skip recording.
func New(logger *slog.Logger, cfg config.Config, history History, stdout, stderr io.Writer) *Runner {
	if stdout == nil {
		stdout = io.Discard
	}
	if stderr == nil {
		stderr = io.Discard
	}
	return &Runner{
		logger:  logger,
		config:  cfg,
		history: history,
		stdout:  stdout,
		stderr:  stderr,
	}
}

// Plan prepares the environment and builds the command without running it.
func (r *Runner) Plan() (invoke.Command, error) {
	env, err := activate.Prepare(r.config)
	if err != nil {
		return invoke.Command{}, fmt.Errorf("environment setup failed: %w", err)
	}
	return invoke.Build(r.config, env), nil
}

// Run executes the update once. The returned error carries the exit status
// of the update command (see invoke.ExitCode); recording failures are
// logged and never change it.
func (r *Runner) Run(ctx context.Context) (Result, error) {
	runID := uuid.New().String()
	logger := r.logger.With("run_id", runID)
	started := time.Now()

	rm := metrics.NewRunMetrics(runID, r.config.UpdateCount)
	result := Result{RunID: runID, Metrics: rm}

	var cmd invoke.Command
	err := rm.Track(metrics.PhaseActivate, func() error {
		var err error
		cmd, err = r.Plan()
		return err
	})
	if err != nil {
		logger.Error("environment setup failed", slog.Any("error", err))
		result.ExitCode = invoke.ExitCode(err)
		result.Command = strings.Join(invoke.Argv(r.config), " ")
		r.finish(ctx, logger, &result, started, err)
		return result, err
	}
	result.Command = cmd.String()

	if r.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.config.Timeout)
		defer cancel()
	}

	stdout, stderr := r.stdout, r.stderr
	var capture *outputlog.File
	if r.config.LogDir != "" {
		capture, err = outputlog.Create(r.config.LogDir, runID, cmd.String(), started)
		if err != nil {
			logger.Warn("output capture disabled", slog.Any("error", err))
		} else {
			stdout, stderr = capture.Tee(stdout), capture.Tee(stderr)
			result.OutputLog = capture.Path
		}
	}

	logger.Info("running planet update",
		slog.String("command", cmd.String()),
		slog.String("workdir", cmd.Dir),
		slog.Bool("conda", cmd.Program != cmd.Argv[0]),
		slog.Int("update_count", r.config.UpdateCount))

	err = rm.Track(metrics.PhaseCommand, func() error {
		return cmd.Run(ctx, stdout, stderr)
	})
	result.ExitCode = invoke.ExitCode(err)

	if capture != nil {
		if cerr := capture.Finish(result.ExitCode, time.Now()); cerr != nil {
			logger.Warn("failed to close output log", slog.Any("error", cerr))
		}
	}

	if err != nil {
		logger.Error("planet update failed",
			slog.Int("exit_code", result.ExitCode),
			slog.Any("error", err))
	}

	r.finish(ctx, logger, &result, started, err)
	return result, err
}

// finish completes metrics, records history and ages output logs
func (r *Runner) finish(ctx context.Context, logger *slog.Logger, result *Result, started time.Time, runErr error) {
	result.Metrics.Complete(result.ExitCode)
	logger.Info("planet update finished", slog.Any("metrics", result.Metrics.Summary()))

	if r.history != nil {
		run := db.Run{
			ID:          result.RunID,
			UpdateCount: r.config.UpdateCount,
			Command:     result.Command,
			ExitCode:    result.ExitCode,
			DurationMs:  result.Metrics.Duration().Milliseconds(),
			OutputLog:   result.OutputLog,
			StartedAt:   started,
			FinishedAt:  time.Now(),
		}
		if runErr != nil {
			run.Error = runErr.Error()
		}
		// The run context may already be cancelled; the record still matters.
		saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := r.history.SaveRun(saveCtx, run); err != nil {
			logger.Warn("failed to record run", slog.Any("error", err))
		}
	}

	if r.config.LogDir != "" {
		if err := archiver.ArchiveOldLogs(r.config.LogDir, logger); err != nil {
			logger.Warn("failed to archive output logs", slog.Any("error", err))
		}
	}
}
