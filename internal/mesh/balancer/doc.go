// Package balancer selects service instances for capability calls.
//
// Four strategies are supported: round_robin (per-capability cursor),
// least_outstanding (fewest in-flight calls, round-robin tiebreak),
// weighted (scored on load, health, latency and success rate) and
// sticky (fnv hash ring with bounded remap on membership change). The
// balancer only ever sees the routable set the registry's capability
// index exposes; health filtering happens upstream.
package balancer
