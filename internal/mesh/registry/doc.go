// Package registry maintains the authoritative set of service instances
// and the capability index for the mesh.
//
// Instances are registered explicitly or found by the discovery sweep
// over configured address plans. The capability index maps each
// capability to the routable (healthy or degraded) instances declaring
// it and is rebuilt on every register, deregister and health transition.
//
// The registry warm-starts from registry/services.json and writes it
// back on every mutation. The file is non-authoritative; an optional
// fsnotify watcher reconciles external edits by adding unknown
// instances, while removals happen only through health demotion or an
// explicit Deregister.
package registry
