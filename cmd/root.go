package cmd

import (
	"errors"
	"os"

	"grace/internal/api"
	"grace/internal/server"

	"github.com/spf13/cobra"
)

// Exit codes for CLI commands, stable for scripting.
const (
	// ExitCodeSuccess indicates successful execution.
	ExitCodeSuccess = 0
	// ExitCodeError indicates a general error.
	ExitCodeError = 1
	// ExitCodeConfig indicates a configuration error.
	ExitCodeConfig = 2
	// ExitCodePortInUse indicates the ingress port is already bound.
	ExitCodePortInUse = 3
	// ExitCodeDegraded indicates the runtime is reachable but reports
	// unhealthy or quarantined instances (grace check).
	ExitCodeDegraded = 4
)

// rootCmd is the base command for the grace core runtime.
var rootCmd = &cobra.Command{
	Use:   "grace",
	Short: "Self-managing core runtime: service mesh, event bus, governed actions",
	Long: `grace runs the core runtime of a self-managing agent platform:
a service registry with health-driven routing, a durable event bus,
and an action gateway that governs every state-changing operation
through tiered approval, snapshots and rollback.

Start the runtime with 'grace serve'; inspect a running instance with
'grace check', 'grace topology' and 'grace incidents'.`,
	SilenceUsage: true,
}

// SetVersion injects the build version from the main package.
func SetVersion(v string) {
	rootCmd.Version = v
}

// GetVersion returns the injected build version.
func GetVersion() string {
	return rootCmd.Version
}

// Execute runs the CLI and exits with a semantic code on error.
func Execute() {
	rootCmd.SetVersionTemplate(`{{printf "grace version %s\n" .Version}}`)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(getExitCode(err))
	}
}

// getExitCode maps error types onto exit codes.
func getExitCode(err error) int {
	if errors.Is(err, server.ErrPortInUse) {
		return ExitCodePortInUse
	}
	var cfgErr *api.ConfigError
	if errors.As(err, &cfgErr) {
		return ExitCodeConfig
	}
	var degraded *degradedError
	if errors.As(err, &degraded) {
		return ExitCodeDegraded
	}
	return ExitCodeError
}
