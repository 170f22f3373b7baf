package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		configPath   string
		workspaceDir string
		logLevel     string
		dryRun       bool
	)

	cmd := &cobra.Command{
		Use:   "evoagent",
		Short: "Long-running self-improving conversational agent",
		Long: `evoagent runs a conversational agent that reflects on every task,
detects improvement signals, and proposes changes to its own rules.

Without flags it starts the full service: channels, bus bridge, cron
jobs and heartbeat. With --dry-run it opens a local interactive console
instead (no channels, no schedulers).`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			// Best effort: API keys usually live in .env during development.
			_ = godotenv.Load()

			app, err := buildApp(configPath, workspaceDir, logLevel)
			if err != nil {
				return err
			}
			defer app.Close()

			if dryRun {
				return app.RunConsole(cmd.Context())
			}
			return app.Run(cmd.Context())
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "path to evo_config.yaml")
	cmd.Flags().StringVar(&workspaceDir, "workspace", "workspace", "agent workspace directory")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "debug, info, warn or error (overrides config)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "local interactive mode, no channels or schedulers")
	return cmd
}
