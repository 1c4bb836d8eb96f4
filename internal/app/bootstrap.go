package app

import (
	"context"
	"fmt"
	"io"
	"os"

	"grace/internal/api"
	"grace/internal/config"
	"grace/pkg/logging"
)

// Options carries the process-level switches decided by the CLI before
// configuration is loaded.
type Options struct {
	// Debug lowers the log level to debug.
	Debug bool

	// Silent discards all log output. Used by commands that render
	// their own output (tables, JSON).
	Silent bool

	// ConfigPath is the directory holding config.yaml. Empty means the
	// current directory.
	ConfigPath string
}

// Application is the bootstrapped core runtime.
type Application struct {
	cfg        config.CoreConfig
	components *components
}

// NewApplication loads configuration, initializes logging and builds
// every component. The locator is fully populated when this returns.
func NewApplication(opts Options) (*Application, error) {
	level := logging.LevelInfo
	if opts.Debug {
		level = logging.LevelDebug
	}
	var out io.Writer = os.Stdout
	if opts.Silent {
		out = io.Discard
	}
	logging.InitForCLI(level, out)

	cfg, err := config.LoadConfig(opts.ConfigPath)
	if err != nil {
		logging.Error("Bootstrap", err, "could not load configuration")
		// Typed so the CLI exits with the configuration-error code.
		return nil, fmt.Errorf("loading configuration: %w", api.NewConfigError("configuration", err.Error()))
	}

	components, err := buildComponents(cfg)
	if err != nil {
		logging.Error("Bootstrap", err, "could not build components")
		return nil, fmt.Errorf("building components: %w", err)
	}

	return &Application{cfg: cfg, components: components}, nil
}

// Config returns the effective configuration after defaults, file and
// environment layering.
func (a *Application) Config() config.CoreConfig {
	return a.cfg
}

// Run serves until ctx is done, then drains pending approvals and
// closes the bus.
func (a *Application) Run(ctx context.Context) error {
	return a.components.run(ctx)
}
