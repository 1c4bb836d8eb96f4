// Package config defines the CoreConfig structure and its loading rules.
//
// Configuration is layered: built-in defaults, then an optional
// config.yaml in the configured directory, then environment variables.
// The result is validated once at startup and never reloaded.
//
// Environment variables:
//
//   - GRACE_PORT       ingress port (default 8000)
//   - OFFLINE_MODE     disable external-network calls
//   - DRY_RUN          playbooks run dry_run instead of execute
//   - CI_MODE          implies OFFLINE_MODE + DRY_RUN, suppresses
//     background workers
//   - SEARCH_PROVIDER  external search collaborator ("mock" forces the
//     in-memory stub)
package config
