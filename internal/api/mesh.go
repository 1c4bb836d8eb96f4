package api

import (
	"context"
	"time"
)

// RegistryHandler is the authoritative service registry surface.
type RegistryHandler interface {
	// RegisterInstance validates and stores a new instance, assigning
	// its id. Duplicate (kind, endpoint) pairs are rejected with a
	// ConfigError. The instance starts in HealthStarting.
	RegisterInstance(inst ServiceInstance) (ServiceInstance, error)

	// DeregisterInstance removes an instance and its capability index
	// entries. Idempotent: removing an unknown id is not an error.
	DeregisterInstance(id string) error

	// FindByCapability returns instances whose status is routable
	// (healthy or degraded) and that declare the capability. Ordering is
	// unspecified; callers defer selection to the balancer.
	FindByCapability(capability string) []ServiceInstance

	// FindByID returns the instance with the given id.
	FindByID(id string) (ServiceInstance, bool)

	// ListAll returns every registered instance with its health.
	ListAll() []InstanceStatus

	// Topology returns the mesh summary for the admin API.
	Topology() TopologySummary

	// HealthCounts returns the number of instances per health status.
	HealthCounts() map[HealthStatus]int
}

// HealthReporter receives per-call outcomes from the gateway so rolling
// error rates reflect real traffic, not only probes.
type HealthReporter interface {
	RecordResult(instanceID string, latency time.Duration, success bool)
}

// HealthMonitorHandler drives health state transitions.
type HealthMonitorHandler interface {
	HealthReporter

	// HealthOf returns the tracked health snapshot for an instance.
	HealthOf(instanceID string) (HealthSnapshot, bool)

	// Quarantine forces an instance into quarantined until explicitly
	// released. Used by operators and safety playbooks.
	Quarantine(instanceID string) error

	// Unquarantine releases a quarantined instance back to starting.
	Unquarantine(instanceID string) error
}

// BalancerHandler selects instances for capabilities.
type BalancerHandler interface {
	// Pick returns the id of one routable instance for the capability,
	// incrementing its in-flight counter. Fails with an Unavailable
	// error when the routable set is empty.
	Pick(capability string, strategy Strategy, stickyKey string) (string, error)

	// Release decrements the in-flight counter after a response or
	// timeout. The gateway calls this exactly once per successful Pick.
	Release(instanceID string)

	// InFlight returns the current in-flight count for an instance.
	InFlight(instanceID string) int
}

// GatewayHandler is the single path for cross-service calls.
type GatewayHandler interface {
	// Call routes one request through rate limiting, circuit breaking,
	// balancing, dispatch and retry. Errors are always taxonomy errors.
	Call(ctx context.Context, req CallRequest) (*CallResponse, error)

	// CircuitBreakers lists every (instance, capability) breaker.
	CircuitBreakers() []CircuitBreakerStatus
}
