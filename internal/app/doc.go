// Package app assembles the core runtime: it builds every component in
// dependency order, registers them with the api locator and runs them
// under one errgroup until the context is cancelled.
//
// Construction is leaf-first: bus, incident log and snapshot manager
// come up before the mesh (registry, health, balancer, gateway), which
// comes up before the guardian layer (action gateway, playbooks) and
// the meta loop. The ingress server starts last so every handler it
// reaches through the locator is already registered.
//
// CI mode suppresses the background workers (discovery, probes,
// eviction, meta sampling); the synchronous surfaces stay available so
// tests can drive the system deterministically.
package app
