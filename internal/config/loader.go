package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"grace/pkg/logging"

	"gopkg.in/yaml.v3"
)

const configFileName = "config.yaml"

// Environment variable names consumed by the core. Collaborator-specific
// credentials (LLM keys, object-store endpoints) are deliberately not
// read here.
const (
	EnvPort           = "GRACE_PORT"
	EnvOfflineMode    = "OFFLINE_MODE"
	EnvDryRun         = "DRY_RUN"
	EnvCIMode         = "CI_MODE"
	EnvSearchProvider = "SEARCH_PROVIDER"
)

// LoadConfig loads configuration from the given directory, layering
// defaults <- config.yaml <- environment. A missing config.yaml is not an
// error; defaults plus environment apply.
func LoadConfig(configPath string) (CoreConfig, error) {
	cfg := GetDefaultConfig()

	configFilePath := filepath.Join(configPath, configFileName)
	data, err := os.ReadFile(configFilePath)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return CoreConfig{}, fmt.Errorf("error loading config from %s: %w", configFilePath, err)
		}
		logging.Info("Config", "Loaded configuration from %s", configFilePath)
	case errors.Is(err, os.ErrNotExist):
		logging.Info("Config", "No config.yaml found at %s, using defaults", configFilePath)
	default:
		return CoreConfig{}, fmt.Errorf("error reading %s: %w", configFilePath, err)
	}

	if err := cfg.ApplyEnv(); err != nil {
		return CoreConfig{}, err
	}
	if err := cfg.Validate(); err != nil {
		return CoreConfig{}, err
	}
	return cfg, nil
}

// ApplyEnv overlays environment variables onto the configuration.
// CI_MODE implies OFFLINE_MODE and DRY_RUN.
func (c *CoreConfig) ApplyEnv() error {
	if v := os.Getenv(EnvPort); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil || port < 1 || port > 65535 {
			return fmt.Errorf("invalid %s %q: must be a port number", EnvPort, v)
		}
		c.Server.Port = port
	}
	if truthy(os.Getenv(EnvOfflineMode)) {
		c.Modes.Offline = true
	}
	if truthy(os.Getenv(EnvDryRun)) {
		c.Modes.DryRun = true
	}
	if truthy(os.Getenv(EnvCIMode)) {
		c.Modes.CI = true
	}
	if c.Modes.CI {
		c.Modes.Offline = true
		c.Modes.DryRun = true
	}
	if v := os.Getenv(EnvSearchProvider); v != "" {
		c.Modes.SearchProvider = v
	}
	return nil
}

// truthy interprets common boolean spellings; empty is false.
func truthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}
