// Package gateway routes every cross-service call through one pipeline:
// rate limit, circuit check, instance selection, HTTP dispatch, retry.
//
// Rate limits are token buckets per (caller, capability); a refused call
// is terminal and never consumes instance capacity. Circuit breakers are
// per (instance, capability): an open breaker on one instance does not
// condemn the capability, the retry loop simply picks again. Only
// idempotent requests retry, with exponential backoff under a deadline
// shared across attempts; the final attempt is skipped when less than
// the minimum useful call time remains.
//
// Every completed dispatch is reported to the health monitor so rolling
// error rates reflect real traffic.
package gateway
