package commands

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/biostar-central/planetjob/internal/config"
	"github.com/biostar-central/planetjob/internal/invoke"
)

var (
	cfg    config.Config
	logger *slog.Logger

	envFile    string
	workDir    string
	condaHook  string
	condaEnv   string
	dbPath     string
	logDir     string
	logLevel   string
	logFormat  string
	updateN    int
	dryRun     bool
	runTimeout time.Duration
)

// Execute runs the CLI and returns the process exit status.
func Execute() int {
	return execute(os.Args[1:], os.Stdout, os.Stderr)
}

func execute(args []string, stdout, stderr io.Writer) int {
	root := newRootCmd()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.Execute()
	if err == nil {
		return 0
	}

	// The update command's own failure is already logged; its status is the answer.
	var exitErr *invoke.ExitError
	if !errors.As(err, &exitErr) {
		fmt.Fprintf(stderr, "planetjob: %v\n", err)
	}
	return invoke.ExitCode(err)
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "planetjob",
		Short:         "Refresh Biostar planet feed entries",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// A missing default .env is fine; a missing explicit one is not.
			if err := godotenv.Load(envFile); err != nil {
				if !errors.Is(err, fs.ErrNotExist) || cmd.Flags().Changed("env-file") {
					return fmt.Errorf("failed to load %s: %w", envFile, err)
				}
			}

			loaded, err := config.Load()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			applyFlags(cmd, &loaded)
			if err := loaded.Validate(); err != nil {
				return err
			}
			cfg = loaded

			logger, err = config.NewLogger(cfg.LogLevel, cfg.LogFormat)
			if err != nil {
				return fmt.Errorf("failed to create logger: %w", err)
			}
			return nil
		},
		RunE: runE,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&envFile, "env-file", ".env", "dotenv file with PLANET_* settings")
	pf.StringVar(&workDir, "workdir", "", "site directory containing manage.py (PLANET_WORKDIR)")
	pf.StringVar(&condaHook, "hook", "", "conda shell hook to source, empty disables activation (PLANET_CONDA_HOOK)")
	pf.StringVar(&condaEnv, "conda-env", "", "conda environment to activate (PLANET_CONDA_ENV)")
	pf.StringVar(&dbPath, "db", "", "run history database, empty disables history (PLANET_DB)")
	pf.StringVar(&logDir, "log-dir", "", "directory for captured command output (PLANET_LOG_DIR)")
	pf.StringVar(&logLevel, "log-level", "", "debug, info, warn or error (PLANET_LOG_LEVEL)")
	pf.StringVar(&logFormat, "log-format", "", "auto, json or text (PLANET_LOG_FORMAT)")

	addRunFlags(root)
	root.AddCommand(runCmd(), historyCmd(), pruneCmd(), serveCmd(), versionCmd())
	return root
}

// applyFlags overrides loaded settings with flags given on the command line
func applyFlags(cmd *cobra.Command, c *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("workdir") {
		c.WorkDir = workDir
	}
	if flags.Changed("hook") {
		c.CondaHook = condaHook
	}
	if flags.Changed("conda-env") {
		c.CondaEnv = condaEnv
	}
	if flags.Changed("db") {
		c.DBPath = dbPath
	}
	if flags.Changed("log-dir") {
		c.LogDir = logDir
	}
	if flags.Changed("log-level") {
		c.LogLevel = logLevel
	}
	if flags.Changed("log-format") {
		c.LogFormat = logFormat
	}
	if flags.Changed("update") {
		c.UpdateCount = updateN
	}
	if flags.Changed("timeout") {
		c.Timeout = runTimeout
	}
}
