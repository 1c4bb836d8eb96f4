package snapshot

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"grace/internal/api"
	"grace/pkg/logging"
)

// manifest is the per-action index written next to the blobs.
type manifest struct {
	ActionID  string             `json:"action_id"`
	Pinned    bool               `json:"pinned"`
	Snapshots []api.SnapshotInfo `json:"snapshots"`
}

// writeManifestLocked rewrites the action's manifest atomically. Caller
// holds m.mu.
func (m *Manager) writeManifestLocked(actionID string) error {
	man := manifest{ActionID: actionID, Pinned: m.pinned[actionID]}
	for _, id := range m.byAction[actionID] {
		man.Snapshots = append(man.Snapshots, m.records[id].info)
	}

	data, err := json.MarshalIndent(man, "", "  ")
	if err != nil {
		return api.NewInternalError("snapshot manifest", err)
	}
	path := filepath.Join(m.dir, actionID, "manifest.json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return api.NewInternalError("snapshot manifest", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return api.NewInternalError("snapshot manifest", err)
	}
	return nil
}

// load warm-starts the in-memory index from on-disk manifests. Blobs
// whose manifest entry is missing are ignored; manifest entries whose
// blob vanished are dropped.
func (m *Manager) load() error {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return fmt.Errorf("reading snapshot dir: %w", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		path := filepath.Join(m.dir, entry.Name(), "manifest.json")
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var man manifest
		if err := json.Unmarshal(data, &man); err != nil {
			logging.Warn("Snapshot", "skipping unreadable manifest %s: %v", path, err)
			continue
		}
		if man.Pinned {
			m.pinned[man.ActionID] = true
		}
		for _, info := range man.Snapshots {
			blobPath := filepath.Join(m.dir, man.ActionID, info.ID+".blob")
			if _, err := os.Stat(blobPath); err != nil {
				continue
			}
			m.records[info.ID] = &record{info: info, path: blobPath}
			m.byAction[man.ActionID] = append(m.byAction[man.ActionID], info.ID)
			m.dedup.Add(man.ActionID+"|"+info.Kind+"|"+info.IntegrityHash, info.ID)
		}
	}
	return nil
}
