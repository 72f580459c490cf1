package commands

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/kballard/go-shellquote"
	"github.com/spf13/cobra"

	"github.com/biostar-central/planetjob/internal/constants"
	"github.com/biostar-central/planetjob/internal/db"
	"github.com/biostar-central/planetjob/internal/runner"
)

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run manage.py planet --update N inside the engine environment",
		Args:  cobra.NoArgs,
		RunE:  runE,
	}
	addRunFlags(cmd)
	return cmd
}

func addRunFlags(cmd *cobra.Command) {
	cmd.Flags().IntVarP(&updateN, "update", "n", constants.DefaultUpdateCount, "number of recent entries per feed to refresh (PLANET_UPDATE_COUNT)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "check the environment and print the command without running it")
	cmd.Flags().DurationVar(&runTimeout, "timeout", 0, "stop the update after this long, 0 for no limit (PLANET_TIMEOUT)")
}

func runE(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if dryRun {
		planned, err := runner.New(logger, cfg, nil, nil, nil).Plan()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "cd %s\n", shellquote.Join(planned.Dir))
		fmt.Fprintln(out, shellquote.Join(append([]string{planned.Program}, planned.Args...)...))
		return nil
	}

	var history runner.History
	if cfg.DBPath != "" {
		database, err := db.New(cfg.DBPath, logger)
		if err != nil {
			// History is bookkeeping; the update still runs.
			logger.Warn("run history unavailable", slog.String("path", cfg.DBPath), slog.Any("error", err))
		} else {
			defer database.Close()
			history = database
		}
	}

	_, err := runner.New(logger, cfg, history, cmd.OutOrStdout(), cmd.ErrOrStderr()).Run(ctx)
	return err
}
