package config

import (
	"fmt"
	"regexp"
)

// capabilityPattern is the kebab-case rule applied to capability strings
// throughout the system: lowercase segments separated by single hyphens,
// with an optional "kind:" prefix for namespaced capabilities.
var capabilityPattern = regexp.MustCompile(`^([a-z0-9]+:)?[a-z0-9]+(-[a-z0-9]+)*$`)

// ValidCapability reports whether name is an acceptable capability string.
func ValidCapability(name string) bool {
	return name != "" && capabilityPattern.MatchString(name)
}

// Validate checks cross-field consistency. It is called once after
// loading; components trust the configuration afterwards.
func (c *CoreConfig) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Gateway.CircuitFailureRatio <= 0 || c.Gateway.CircuitFailureRatio > 1 {
		return fmt.Errorf("gateway.circuitFailureRatio %v must be in (0, 1]", c.Gateway.CircuitFailureRatio)
	}
	if c.Gateway.CircuitMinSamples < 1 {
		return fmt.Errorf("gateway.circuitMinSamples must be >= 1")
	}
	if c.Gateway.CircuitWindowCalls < c.Gateway.CircuitMinSamples {
		return fmt.Errorf("gateway.circuitWindowCalls %d smaller than circuitMinSamples %d",
			c.Gateway.CircuitWindowCalls, c.Gateway.CircuitMinSamples)
	}
	if c.Gateway.MaxRetries < 0 {
		return fmt.Errorf("gateway.maxRetries must be >= 0")
	}
	if c.Gateway.RateLimit <= 0 || c.Gateway.RateBurst < 1 {
		return fmt.Errorf("gateway rate limit defaults must be positive")
	}
	if c.Health.DegradedErrorRate <= 0 || c.Health.DegradedErrorRate >= c.Health.UnhealthyErrorRate {
		return fmt.Errorf("health error-rate thresholds must satisfy 0 < degraded < unhealthy")
	}
	if c.Health.SuccessesToHealthy < 1 || c.Health.FailuresToUnhealthy < 1 {
		return fmt.Errorf("health probe counters must be >= 1")
	}
	if c.Bus.RingCapacity < 2 {
		return fmt.Errorf("bus.ringCapacity must be >= 2")
	}
	if c.Bus.LagWatermark < 1 || c.Bus.LagWatermark > c.Bus.RingCapacity {
		return fmt.Errorf("bus.lagWatermark must be in [1, ringCapacity]")
	}
	if c.Actions.PendingWatermark < 1 {
		return fmt.Errorf("actions.pendingWatermark must be >= 1")
	}
	if c.Snapshots.Retention <= 0 {
		return fmt.Errorf("snapshots.retention must be positive")
	}
	for _, plan := range c.Registry.AddressPlans {
		if plan.PortStart < 1 || plan.PortEnd > 65535 || plan.PortStart > plan.PortEnd {
			return fmt.Errorf("registry address plan for kind %q has invalid port range %d-%d",
				plan.Kind, plan.PortStart, plan.PortEnd)
		}
	}
	for cap, strategy := range c.Balancer.CapabilityStrategies {
		if !ValidCapability(cap) {
			return fmt.Errorf("balancer strategy override for invalid capability %q", cap)
		}
		switch strategy {
		case "round_robin", "least_outstanding", "weighted", "sticky":
		default:
			return fmt.Errorf("unknown balancer strategy %q for capability %q", strategy, cap)
		}
	}
	return nil
}
