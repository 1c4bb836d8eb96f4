// Package health drives the per-instance health state machine.
//
// States: starting, healthy, degraded, unhealthy, quarantined. Probes
// (HTTP GET on the configured health path) and routed-call outcomes
// reported by the gateway feed rolling windows of the last 100 samples;
// transitions follow fixed thresholds from config.HealthConfig.
// Quarantine is entered only by explicit operator or playbook action and
// left only by explicit release.
//
// Every transition is pushed to the registry (which keeps the capability
// index consistent) and published as health.changed with the old and new
// state. Transitions to unhealthy additionally publish healing.needed.
package health
