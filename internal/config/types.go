package config

import "time"

// CoreConfig is the full configuration tree for the grace core runtime.
// Every configurable threshold lives here and is loaded once at startup;
// there is no hot reload.
type CoreConfig struct {
	Server    ServerConfig    `yaml:"server"`
	Registry  RegistryConfig  `yaml:"registry"`
	Health    HealthConfig    `yaml:"health"`
	Balancer  BalancerConfig  `yaml:"balancer"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	Bus       BusConfig       `yaml:"bus"`
	Actions   ActionsConfig   `yaml:"actions"`
	Snapshots SnapshotConfig  `yaml:"snapshots"`
	Incidents IncidentsConfig `yaml:"incidents"`
	Meta      MetaConfig      `yaml:"meta"`
	Modes     Modes           `yaml:"modes"`
}

// ServerConfig configures the ingress HTTP API.
type ServerConfig struct {
	Host string `yaml:"host,omitempty"` // Host to bind to (default: localhost)
	Port int    `yaml:"port,omitempty"` // Ingress port (default: 8000, overridden by GRACE_PORT)
}

// RegistryConfig configures the service registry and discovery sweep.
type RegistryConfig struct {
	// DiscoveryInterval is the period between discovery sweeps.
	DiscoveryInterval time.Duration `yaml:"discoveryInterval,omitempty"`

	// AddressPlans declares the host:port ranges probed per kind.
	AddressPlans []AddressPlan `yaml:"addressPlans,omitempty"`

	// PersistPath is the warm-start file (registry/services.json).
	PersistPath string `yaml:"persistPath,omitempty"`

	// WatchPersistFile reconciles external edits to the warm-start file
	// into the live registry.
	WatchPersistFile bool `yaml:"watchPersistFile,omitempty"`
}

// AddressPlan is one discovery range: probe Host ports [PortStart, PortEnd]
// and register responders as instances of Kind.
type AddressPlan struct {
	Kind      string `yaml:"kind"`
	Host      string `yaml:"host"`
	PortStart int    `yaml:"portStart"`
	PortEnd   int    `yaml:"portEnd"`
}

// HealthConfig configures the health monitor state machine.
type HealthConfig struct {
	// SuccessesToHealthy is K: consecutive successful probes to move
	// starting -> healthy and degraded -> healthy.
	SuccessesToHealthy int `yaml:"successesToHealthy,omitempty"`

	// DegradedErrorRate is T1: error rate above which healthy -> degraded.
	DegradedErrorRate float64 `yaml:"degradedErrorRate,omitempty"`

	// UnhealthyErrorRate is T2: error rate above which degraded -> unhealthy.
	UnhealthyErrorRate float64 `yaml:"unhealthyErrorRate,omitempty"`

	// FailuresToUnhealthy is N: consecutive probe failures forcing
	// degraded -> unhealthy (and, for discovery, candidate demotion).
	FailuresToUnhealthy int `yaml:"failuresToUnhealthy,omitempty"`

	// DegradedLatencyP95 is L1: p95 latency above which healthy -> degraded.
	DegradedLatencyP95 time.Duration `yaml:"degradedLatencyP95,omitempty"`

	// ProbeTimeout bounds each health probe.
	ProbeTimeout time.Duration `yaml:"probeTimeout,omitempty"`

	// ProbePath is the well-known health path probed per instance.
	ProbePath string `yaml:"probePath,omitempty"`

	// ProbeIntervals configures the probe period per instance kind.
	ProbeIntervals map[string]time.Duration `yaml:"probeIntervals,omitempty"`
}

// BalancerConfig configures instance selection.
type BalancerConfig struct {
	// DefaultStrategy applies when the caller does not pick one.
	DefaultStrategy string `yaml:"defaultStrategy,omitempty"`

	// CapabilityStrategies overrides the strategy per capability.
	CapabilityStrategies map[string]string `yaml:"capabilityStrategies,omitempty"`
}

// GatewayConfig configures circuit breakers, rate limits and retries.
type GatewayConfig struct {
	// Circuit breaker: closed -> open when the failure ratio over the
	// last WindowCalls exceeds FailureRatio with at least MinSamples.
	CircuitWindowCalls  int           `yaml:"circuitWindowCalls,omitempty"`  // W (default 20)
	CircuitFailureRatio float64       `yaml:"circuitFailureRatio,omitempty"` // F (default 0.5)
	CircuitMinSamples   int           `yaml:"circuitMinSamples,omitempty"`   // M (default 5)
	CircuitCooldown     time.Duration `yaml:"circuitCooldown,omitempty"`     // C (default 30s)
	CircuitCloseAfter   int           `yaml:"circuitCloseAfter,omitempty"`   // K (default 3)

	// Retries for idempotent calls; deadline is shared across attempts.
	MaxRetries      int           `yaml:"maxRetries,omitempty"`
	RetryBaseDelay  time.Duration `yaml:"retryBaseDelay,omitempty"`
	RetryMaxDelay   time.Duration `yaml:"retryMaxDelay,omitempty"`
	DispatchTimeout time.Duration `yaml:"dispatchTimeout,omitempty"`

	// MinRPCLatency gates the final retry attempt: it fires only if at
	// least this much deadline remains.
	MinRPCLatency time.Duration `yaml:"minRpcLatency,omitempty"`

	// Token bucket defaults per (caller, target, capability).
	RateLimit float64 `yaml:"rateLimit,omitempty"` // tokens per second
	RateBurst int     `yaml:"rateBurst,omitempty"`

	// RateOverrides refines limits for specific tuples, matched most
	// specific first: caller:target:capability, caller:capability,
	// capability.
	RateOverrides map[string]RateConfig `yaml:"rateOverrides,omitempty"`
}

// RateConfig is one token bucket configuration.
type RateConfig struct {
	Rate  float64 `yaml:"rate"`
	Burst int     `yaml:"burst"`
}

// BusConfig configures the event bus.
type BusConfig struct {
	// RingCapacity is the bounded in-memory buffer size; rounded up to a
	// power of two.
	RingCapacity int `yaml:"ringCapacity,omitempty"`

	// LagWatermark is how far an at_least_once cursor may trail the head
	// before publishers block (or receive Busy via TryPublish).
	LagWatermark int `yaml:"lagWatermark,omitempty"`
}

// ActionsConfig configures the action gateway.
type ActionsConfig struct {
	// IdempotencyWindow is T: re-submission with a known trace id inside
	// this window returns the prior result.
	IdempotencyWindow time.Duration `yaml:"idempotencyWindow,omitempty"`

	// ApprovalExpiry bounds how long a request may wait for approval.
	ApprovalExpiry time.Duration `yaml:"approvalExpiry,omitempty"`

	// PendingWatermark caps the pending-approval set; tier-2 submissions
	// beyond it are rejected with Busy.
	PendingWatermark int `yaml:"pendingWatermark,omitempty"`

	// ExecuteTimeout bounds each action handler invocation.
	ExecuteTimeout time.Duration `yaml:"executeTimeout,omitempty"`
}

// SnapshotConfig configures the snapshot manager.
type SnapshotConfig struct {
	Dir       string        `yaml:"dir,omitempty"`       // snapshots/<action_id>/ root
	Retention time.Duration `yaml:"retention,omitempty"` // eviction window (default 24h)
}

// IncidentsConfig configures the incident log.
type IncidentsConfig struct {
	Dir string `yaml:"dir,omitempty"` // incidents/YYYY-MM-DD.jsonl root
}

// MetaConfig configures the metrics collector and meta loop.
type MetaConfig struct {
	SampleInterval    time.Duration `yaml:"sampleInterval,omitempty"`    // default 30s
	AggregationWindow time.Duration `yaml:"aggregationWindow,omitempty"` // default 5m
	ReportPath        string        `yaml:"reportPath,omitempty"`        // reports/baseline_metrics_latest.json

	// Thresholds that emit directives when the windowed aggregate
	// crosses them.
	CPUPercent      float64       `yaml:"cpuPercent,omitempty"`
	MemoryPercent   float64       `yaml:"memoryPercent,omitempty"`
	QueueDepth      int           `yaml:"queueDepth,omitempty"`
	RollbackRate    float64       `yaml:"rollbackRate,omitempty"`
	ApprovalBacklog int           `yaml:"approvalBacklog,omitempty"`
	DirectiveExpiry time.Duration `yaml:"directiveExpiry,omitempty"`
}

// Modes carries process-wide mode switches, mostly driven by environment
// variables (see ApplyEnv).
type Modes struct {
	// Offline disables external-network calls (discovery of externals,
	// search providers).
	Offline bool `yaml:"offline,omitempty"`

	// DryRun makes playbooks invoke dry_run instead of execute.
	DryRun bool `yaml:"dryRun,omitempty"`

	// CI implies Offline and DryRun and suppresses background workers.
	CI bool `yaml:"ci,omitempty"`

	// SearchProvider selects the external search collaborator; "mock"
	// forces the in-memory stub.
	SearchProvider string `yaml:"searchProvider,omitempty"`
}
