package commands

import (
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/biostar-central/planetjob/internal/constants"
	"github.com/biostar-central/planetjob/internal/db"
)

var errHistoryDisabled = errors.New("run history is disabled (set PLANET_DB or --db)")

func openHistory() (*db.DB, error) {
	if cfg.DBPath == "" {
		return nil, errHistoryDisabled
	}
	return db.New(cfg.DBPath, logger)
}

func historyCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent planet update runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if limit < 1 {
				return fmt.Errorf("limit must be positive, got %d", limit)
			}
			database, err := openHistory()
			if err != nil {
				return err
			}
			defer database.Close()

			ctx := cmd.Context()
			runs, err := database.GetRecentRuns(ctx, limit)
			if err != nil {
				return err
			}
			stats, err := database.GetRunStats(ctx)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			ok := color.New(color.FgGreen).SprintFunc()
			fail := color.New(color.FgRed, color.Bold).SprintFunc()

			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "STARTED\tSTATUS\tCOUNT\tDURATION\tRUN")
			for _, r := range runs {
				status := ok("ok")
				if !r.Succeeded() {
					status = fail(fmt.Sprintf("exit %d", r.ExitCode))
				}
				fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n",
					r.StartedAt.Local().Format(time.DateTime),
					status,
					r.UpdateCount,
					(time.Duration(r.DurationMs) * time.Millisecond).String(),
					r.ID)
			}
			if err := tw.Flush(); err != nil {
				return err
			}

			fmt.Fprintf(out, "\n%d runs, %d failed", stats.TotalRuns, stats.FailedRuns)
			if !stats.LastSuccess.IsZero() {
				fmt.Fprintf(out, ", last success %s", stats.LastSuccess.Local().Format(time.DateTime))
			}
			fmt.Fprintln(out)
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "l", constants.RecentRunsLimit, "number of runs to show")
	return cmd
}

func pruneCmd() *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete run history older than --older-than",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if olderThan <= 0 {
				return fmt.Errorf("--older-than must be positive, got %v", olderThan)
			}
			database, err := openHistory()
			if err != nil {
				return err
			}
			defer database.Close()

			deleted, err := database.PruneRuns(cmd.Context(), time.Now().Add(-olderThan))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %d runs\n", deleted)
			return nil
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 90*24*time.Hour, "age of the oldest run to keep")
	return cmd
}
