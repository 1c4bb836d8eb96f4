package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"grace/internal/api"
	"grace/pkg/logging"

	"github.com/fsnotify/fsnotify"
)

// persister reads and writes the warm-start file (registry/services.json).
// The file is non-authoritative: discovery reconciles whatever it finds
// against live probes.
type persister struct {
	mu   sync.Mutex
	path string
}

func newPersister(path string) *persister {
	return &persister{path: path}
}

// serviceFile is the on-disk shape of the warm-start file.
type serviceFile struct {
	SavedAt  time.Time             `json:"savedAt"`
	Services []api.ServiceInstance `json:"services"`
}

// load reads the warm-start file. A missing file is an empty registry.
func (p *persister) load() ([]api.ServiceInstance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	data, err := os.ReadFile(p.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", p.path, err)
	}
	var file serviceFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", p.path, err)
	}
	return file.Services, nil
}

// store writes the instance set atomically (temp file + rename). Errors
// are logged, not returned: losing the warm-start file never blocks a
// registry mutation.
func (p *persister) store(instances []api.ServiceInstance) {
	p.mu.Lock()
	defer p.mu.Unlock()

	sort.Slice(instances, func(i, j int) bool { return instances[i].ID < instances[j].ID })
	data, err := json.MarshalIndent(serviceFile{SavedAt: time.Now().UTC(), Services: instances}, "", "  ")
	if err != nil {
		logging.Error("Registry", err, "could not encode warm-start file")
		return
	}

	dir := filepath.Dir(p.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		logging.Error("Registry", err, "could not create %s", dir)
		return
	}
	tmp := p.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		logging.Error("Registry", err, "could not write %s", tmp)
		return
	}
	if err := os.Rename(tmp, p.path); err != nil {
		logging.Error("Registry", err, "could not replace %s", p.path)
	}
}

// WatchPersistFile reconciles external edits of the warm-start file into
// the live registry: instances present in the file but unknown to the
// registry are registered with their file ids. Removal is left to
// discovery demotion, keeping operator-visible ids stable.
//
// Events are debounced because editors and atomic renames produce
// bursts.
func (r *Registry) WatchPersistFile(ctx context.Context) error {
	if r.persist == nil {
		return api.NewConfigError("registry", "no persist path configured")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}

	dir := filepath.Dir(r.persist.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		watcher.Close()
		return fmt.Errorf("creating %s: %w", dir, err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watching %s: %w", dir, err)
	}

	go func() {
		defer watcher.Close()
		var debounce *time.Timer
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(r.persist.path) {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
					continue
				}
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(200*time.Millisecond, r.reconcileFromFile)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logging.Warn("Registry", "watcher error: %v", err)
			}
		}
	}()
	return nil
}

// reconcileFromFile registers file entries the registry does not know.
// The registry's own store() writes produce no additions, so self-writes
// are naturally idempotent here.
func (r *Registry) reconcileFromFile() {
	services, err := r.persist.load()
	if err != nil {
		logging.Warn("Registry", "could not reconcile warm-start file: %v", err)
		return
	}

	added := 0
	for _, inst := range services {
		if _, known := r.HasEndpoint(inst.Kind, inst.Endpoint); known {
			continue
		}
		if _, err := r.register(inst, true); err != nil {
			logging.Warn("Registry", "reconcile skipped %s: %v", inst.Endpoint.String(), err)
			continue
		}
		added++
		r.publish(api.EventRegistryAdded, map[string]interface{}{
			"instance_id": inst.ID,
			"kind":        string(inst.Kind),
			"endpoint":    inst.Endpoint.String(),
			"reconciled":  true,
		})
	}
	if added > 0 {
		logging.Info("Registry", "reconciled %d instance(s) from warm-start file", added)
	}
}
