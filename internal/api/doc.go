// Package api provides the central handler registry and shared types for
// all grace components.
//
// # Architecture
//
// Components never hold direct references to each other. Each component
// implements one of the handler interfaces defined here, registers it at
// startup through the matching Register* function, and reaches its
// collaborators through the matching Get* function. Cross-component state
// flows by id and by event, never by shared memory.
//
// This keeps the dependency graph acyclic at compile time even though the
// runtime call graph is cyclic (mesh -> bus -> actions -> mesh): every
// package depends only on api, and api depends on nothing inside grace.
//
// # Registration order
//
// The assembler in internal/app registers handlers leaf-first: event bus,
// incident log, registry, health monitor, balancer, snapshot manager,
// action gateway, mesh gateway, playbook executor, meta loop. A Get* call
// before the matching Register* returns nil; callers that can run early
// must tolerate that.
//
// # Error taxonomy
//
// errors.go defines the error kinds surfaced to callers and recorded in
// events: NotFound, Busy, Timeout, Unavailable, ContractViolation,
// RollbackFailed, ConfigError, Denied, Internal. Components translate
// transport errors to this taxonomy at their boundary and never leak
// transport-specific error types.
package api
