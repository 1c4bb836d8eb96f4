package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"grace/internal/app"

	"github.com/spf13/cobra"
)

var (
	serveDebug      bool
	serveSilent     bool
	serveConfigPath string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the core runtime",
	Long: `Starts the core runtime: the service registry and discovery sweep,
health monitoring, the mesh gateway, the event bus, the action gateway
with its playbook catalogue, the meta loop and the HTTP ingress.

Configuration is loaded from config.yaml in the current directory (or
--config-path), layered under defaults and environment overrides
(GRACE_PORT, OFFLINE_MODE, DRY_RUN, CI_MODE).

The process runs until interrupted. On SIGINT/SIGTERM it drains
pending approvals, stops the workers and shuts the ingress down
gracefully. If the ingress port is already bound the process exits
with code 3.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	application, err := app.NewApplication(app.Options{
		Debug:      serveDebug,
		Silent:     serveSilent,
		ConfigPath: serveConfigPath,
	})
	if err != nil {
		return fmt.Errorf("initializing runtime: %w", err)
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return application.Run(ctx)
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().BoolVar(&serveDebug, "debug", false, "Enable debug logging")
	serveCmd.Flags().BoolVar(&serveSilent, "silent", false, "Suppress all log output")
	serveCmd.Flags().StringVar(&serveConfigPath, "config-path", "", "Directory containing config.yaml (default: current directory)")
}
