// Package cmd defines and implements the CLI commands for the menagerie executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/myfishnameisqwerty/menagerie/internal/config"
	"github.com/myfishnameisqwerty/menagerie/internal/pipeline"
	"github.com/myfishnameisqwerty/menagerie/internal/server"
)

var cfgFile string

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// App defines the application surface that commands use.
// Keeping it an interface allows injecting a fake app during tests.
type App interface {
	Run(ctx context.Context) error
	RunWorkflow(ctx context.Context, source, category string) (pipeline.Report, error)
	Close(ctx context.Context) error
}

// buildApp is the application factory. It's a variable so tests can
// replace it with a fake factory.
var buildApp = func(ctx context.Context, cfg *config.Config) (App, error) {
	return server.Build(ctx, cfg)
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "menagerie",
		Short: "A concurrent animal image acquisition service.",
		Long: `menagerie scrapes animal listings, downloads their images through a
bounded worker pool, and renders the results into HTML galleries. It runs
either as a long-lived HTTP service or as a one-shot workflow.`,

		// This hook runs BEFORE the subcommand's RunE. Config is loaded and
		// the application is built here so every subcommand starts from the
		// same wired state.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			appInstance, err := buildApp(cmd.Context(), &cfg)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}

			// Store the app instance in the context for subcommands to use.
			ctx := context.WithValue(cmd.Context(), appKey, appInstance)
			cmd.SetContext(ctx)
			return nil
		},

		// This hook ensures services are shut down gracefully.
		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if appInstance, ok := cmd.Context().Value(appKey).(App); ok && appInstance != nil {
				_ = appInstance.Close(cmd.Context())
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (defaults come from built-ins and MENAGERIE_* env vars)")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newRunCmd())

	return cmd
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}

// Execute is the main entry point.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "menagerie: %v\n", err)
		os.Exit(1)
	}
}
