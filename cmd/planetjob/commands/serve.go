package commands

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/biostar-central/planetjob/internal/server"
)

func serveCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve run health and history over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("addr") {
				cfg.StatusAddr = addr
			}
			database, err := openHistory()
			if err != nil {
				return err
			}
			defer database.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return server.New(logger, database, cfg.StatusAddr).Run(ctx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (PLANET_STATUS_ADDR)")
	return cmd
}
