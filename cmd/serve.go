package cmd

import (
	"github.com/spf13/cobra"
)

// newServeCmd creates and configures the 'serve' subcommand, which runs the
// long-lived HTTP service.
func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Starts the menagerie HTTP service",
		Long: `Starts the HTTP API and blocks until interrupted. The service exposes
scrape, download, workflow, cache, and gallery endpoints together with
health probes and Prometheus metrics.`,

		RunE: runServeCommand,
	}
	return cmd
}

func runServeCommand(cmd *cobra.Command, _ []string) error {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	return appInstance.Run(cmd.Context())
}
