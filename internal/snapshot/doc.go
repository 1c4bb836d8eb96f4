// Package snapshot captures and restores scoped state around governed
// actions.
//
// Capturers are registered per kind; each capture is stored as a blob
// under <dir>/<action_id>/ with a manifest, addressed by sha256 so
// identical content is stored once. Restore verifies the integrity hash
// before handing the blob back to the capturer. Snapshots expire after
// the retention window unless their action is pinned by an open
// incident.
package snapshot
