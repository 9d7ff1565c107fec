package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	runSource   string
	runCategory string
)

// newRunCmd creates and configures the 'run' subcommand, which executes one
// acquisition workflow and prints the report.
func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Runs a single acquisition workflow",
		Long: `Discovers image locators for the given source and category, downloads
the images through the worker pool, renders an HTML gallery, and prints
the workflow report as JSON.`,

		RunE: runWorkflowCommand,
	}

	cmd.Flags().StringVar(&runSource, "source", "wikipedia", "locator source to scrape")
	cmd.Flags().StringVar(&runCategory, "category", "animals", "category to acquire")
	return cmd
}

func runWorkflowCommand(cmd *cobra.Command, _ []string) error {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}

	report, err := appInstance.RunWorkflow(cmd.Context(), runSource, runCategory)
	if err != nil {
		return fmt.Errorf("run workflow: %w", err)
	}

	out, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
	return nil
}
