package app

import (
	"context"
	"os"
	"path/filepath"

	"grace/internal/api"
)

// registryStateCapturer snapshots the registry warm-start file. Restore
// rewrites it atomically; the registry's file watcher reconciles the
// restored instance set back into the live registry.
type registryStateCapturer struct {
	path string
}

func (c *registryStateCapturer) Capture(_ context.Context) ([]byte, error) {
	if c.path == "" {
		return nil, api.NewConfigError("registry", "no persist path configured")
	}
	data, err := os.ReadFile(c.path)
	if os.IsNotExist(err) {
		return []byte("{}"), nil
	}
	return data, err
}

func (c *registryStateCapturer) Restore(_ context.Context, blob []byte) error {
	if c.path == "" {
		return api.NewConfigError("registry", "no persist path configured")
	}
	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		return err
	}
	tmp := c.path + ".restore"
	if err := os.WriteFile(tmp, blob, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, c.path)
}

// policyCapturer snapshots the safety policy before tier-3 safety
// actions mutate it.
type policyCapturer struct {
	store *policyStore
}

func (c *policyCapturer) Capture(_ context.Context) ([]byte, error) {
	return c.store.marshal()
}

func (c *policyCapturer) Restore(_ context.Context, blob []byte) error {
	return c.store.restore(blob)
}
