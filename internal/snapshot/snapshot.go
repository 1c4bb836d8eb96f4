package snapshot

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"grace/internal/api"
	"grace/internal/config"
	"grace/pkg/logging"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
)

// dedupCacheSize bounds the content-hash index used to collapse
// identical captures onto one stored snapshot.
const dedupCacheSize = 1024

// Capturer captures and restores one kind of scoped state. Implementations
// are registered per kind at startup; Capture must return a
// self-contained blob that Restore can reapply without other context.
type Capturer interface {
	Capture(ctx context.Context) ([]byte, error)
	Restore(ctx context.Context, blob []byte) error
}

// Manager stores snapshots under <dir>/<action_id>/ with a manifest per
// action. Content is addressed by sha256: capturing identical state
// twice yields the same stored snapshot.
type Manager struct {
	mu        sync.Mutex
	dir       string
	retention time.Duration
	capturers map[string]Capturer
	records   map[string]*record
	byAction  map[string][]string
	pinned    map[string]bool
	dedup     *lru.Cache[string, string]

	now func() time.Time
}

type record struct {
	info api.SnapshotInfo
	path string
}

// NewManager creates the snapshot store, warm-starting from manifests
// already on disk.
func NewManager(cfg config.SnapshotConfig) (*Manager, error) {
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating snapshot dir: %w", err)
	}
	cache, err := lru.New[string, string](dedupCacheSize)
	if err != nil {
		return nil, err
	}
	m := &Manager{
		dir:       cfg.Dir,
		retention: cfg.Retention,
		capturers: make(map[string]Capturer),
		records:   make(map[string]*record),
		byAction:  make(map[string][]string),
		pinned:    make(map[string]bool),
		dedup:     cache,
		now:       time.Now,
	}
	if err := m.load(); err != nil {
		return nil, err
	}
	return m, nil
}

// RegisterCapturer declares the capturer for a snapshot kind.
func (m *Manager) RegisterCapturer(kind string, c Capturer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.capturers[kind]; ok {
		return api.NewConfigError("snapshot kind", kind+" already registered")
	}
	m.capturers[kind] = c
	return nil
}

// Capture implements api.SnapshotHandler.
func (m *Manager) Capture(ctx context.Context, actionID, kind string) (api.SnapshotInfo, error) {
	m.mu.Lock()
	capturer, ok := m.capturers[kind]
	m.mu.Unlock()
	if !ok {
		return api.SnapshotInfo{}, api.NewNotFoundError("snapshot kind", kind)
	}

	blob, err := capturer.Capture(ctx)
	if err != nil {
		return api.SnapshotInfo{}, api.NewInternalError("snapshot capture", err)
	}
	sum := sha256.Sum256(blob)
	hash := hex.EncodeToString(sum[:])

	m.mu.Lock()
	defer m.mu.Unlock()

	// Identical content within the same action dedupes onto the prior
	// snapshot; the second capture is free.
	if id, ok := m.dedup.Get(actionID + "|" + kind + "|" + hash); ok {
		if rec, live := m.records[id]; live {
			return rec.info, nil
		}
	}

	info := api.SnapshotInfo{
		ID:            uuid.New().String(),
		ActionID:      actionID,
		Kind:          kind,
		CapturedAt:    m.now().UTC(),
		IntegrityHash: hash,
		Pinned:        m.pinned[actionID],
	}
	actionDir := filepath.Join(m.dir, actionID)
	if err := os.MkdirAll(actionDir, 0o755); err != nil {
		return api.SnapshotInfo{}, api.NewInternalError("snapshot store", err)
	}
	path := filepath.Join(actionDir, info.ID+".blob")
	if err := os.WriteFile(path, blob, 0o644); err != nil {
		return api.SnapshotInfo{}, api.NewInternalError("snapshot store", err)
	}

	m.records[info.ID] = &record{info: info, path: path}
	m.byAction[actionID] = append(m.byAction[actionID], info.ID)
	m.dedup.Add(actionID+"|"+kind+"|"+hash, info.ID)
	if err := m.writeManifestLocked(actionID); err != nil {
		return api.SnapshotInfo{}, err
	}
	logging.Debug("Snapshot", "captured %s kind=%s action=%s", info.ID, kind, actionID)
	return info, nil
}

// Restore implements api.SnapshotHandler. The blob's hash is verified
// before the capturer sees it.
func (m *Manager) Restore(ctx context.Context, snapshotID string) error {
	m.mu.Lock()
	rec, ok := m.records[snapshotID]
	if !ok {
		m.mu.Unlock()
		return api.NewNotFoundError("snapshot", snapshotID)
	}
	capturer, ok := m.capturers[rec.info.Kind]
	path, hash, kind := rec.path, rec.info.IntegrityHash, rec.info.Kind
	m.mu.Unlock()
	if !ok {
		return api.NewNotFoundError("snapshot kind", kind)
	}

	blob, err := os.ReadFile(path)
	if err != nil {
		return api.NewInternalError("snapshot read", err)
	}
	sum := sha256.Sum256(blob)
	if hex.EncodeToString(sum[:]) != hash {
		return api.NewInternalError("snapshot restore",
			fmt.Errorf("integrity hash mismatch for %s", snapshotID))
	}
	if err := capturer.Restore(ctx, blob); err != nil {
		return api.NewInternalError("snapshot restore", err)
	}
	logging.Info("Snapshot", "restored %s kind=%s", snapshotID, kind)
	return nil
}

// Get implements api.SnapshotHandler.
func (m *Manager) Get(snapshotID string) (api.SnapshotInfo, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[snapshotID]
	if !ok {
		return api.SnapshotInfo{}, false
	}
	return rec.info, true
}

// Pin implements api.SnapshotHandler: snapshots of the action survive
// retention until unpinned.
func (m *Manager) Pin(actionID string) {
	m.setPinned(actionID, true)
}

// Unpin implements api.SnapshotHandler.
func (m *Manager) Unpin(actionID string) {
	m.setPinned(actionID, false)
}

func (m *Manager) setPinned(actionID string, pinned bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if pinned {
		m.pinned[actionID] = true
	} else {
		delete(m.pinned, actionID)
	}
	for _, id := range m.byAction[actionID] {
		m.records[id].info.Pinned = pinned
	}
	if len(m.byAction[actionID]) > 0 {
		if err := m.writeManifestLocked(actionID); err != nil {
			logging.Warn("Snapshot", "could not persist pin for %s: %v", actionID, err)
		}
	}
}

// Run evicts expired snapshots periodically until ctx is done.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Evict()
		}
	}
}

// Evict removes snapshots older than the retention window. Pinned
// actions are exempt until released.
func (m *Manager) Evict() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.retention <= 0 {
		return
	}
	cutoff := m.now().Add(-m.retention)

	for actionID, ids := range m.byAction {
		if m.pinned[actionID] {
			continue
		}
		var kept []string
		for _, id := range ids {
			rec := m.records[id]
			if rec.info.CapturedAt.After(cutoff) {
				kept = append(kept, id)
				continue
			}
			if err := os.Remove(rec.path); err != nil && !os.IsNotExist(err) {
				logging.Warn("Snapshot", "could not remove %s: %v", rec.path, err)
			}
			delete(m.records, id)
		}
		if len(kept) == 0 {
			delete(m.byAction, actionID)
			if err := os.RemoveAll(filepath.Join(m.dir, actionID)); err != nil {
				logging.Warn("Snapshot", "could not remove action dir %s: %v", actionID, err)
			}
			continue
		}
		if len(kept) != len(ids) {
			m.byAction[actionID] = kept
			if err := m.writeManifestLocked(actionID); err != nil {
				logging.Warn("Snapshot", "could not rewrite manifest for %s: %v", actionID, err)
			}
		}
	}
}
