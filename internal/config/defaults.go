package config

import "time"

const (
	// DefaultPort is the ingress port when GRACE_PORT is unset.
	DefaultPort = 8000

	// DefaultHost binds loopback only; the core assumes a single process
	// or loopback-reachable peers.
	DefaultHost = "localhost"

	// DefaultProbePath is the well-known health path probed on every
	// instance.
	DefaultProbePath = "/healthz"
)

// GetDefaultConfig returns the built-in configuration. File and
// environment values are layered on top of this.
func GetDefaultConfig() CoreConfig {
	return CoreConfig{
		Server: ServerConfig{
			Host: DefaultHost,
			Port: DefaultPort,
		},
		Registry: RegistryConfig{
			DiscoveryInterval: 30 * time.Second,
			PersistPath:       "registry/services.json",
			WatchPersistFile:  true,
		},
		Health: HealthConfig{
			SuccessesToHealthy:  2,
			DegradedErrorRate:   0.10,
			UnhealthyErrorRate:  0.50,
			FailuresToUnhealthy: 3,
			DegradedLatencyP95:  2 * time.Second,
			ProbeTimeout:        2 * time.Second,
			ProbePath:           DefaultProbePath,
			ProbeIntervals: map[string]time.Duration{
				"domain":   15 * time.Second,
				"kernel":   30 * time.Second,
				"external": 60 * time.Second,
			},
		},
		Balancer: BalancerConfig{
			DefaultStrategy: "round_robin",
		},
		Gateway: GatewayConfig{
			CircuitWindowCalls:  20,
			CircuitFailureRatio: 0.5,
			CircuitMinSamples:   5,
			CircuitCooldown:     30 * time.Second,
			CircuitCloseAfter:   3,
			MaxRetries:          3,
			RetryBaseDelay:      100 * time.Millisecond,
			RetryMaxDelay:       2 * time.Second,
			DispatchTimeout:     10 * time.Second,
			MinRPCLatency:       50 * time.Millisecond,
			RateLimit:           50,
			RateBurst:           100,
		},
		Bus: BusConfig{
			RingCapacity: 4096,
			LagWatermark: 1024,
		},
		Actions: ActionsConfig{
			IdempotencyWindow: 10 * time.Minute,
			ApprovalExpiry:    15 * time.Minute,
			PendingWatermark:  50,
			ExecuteTimeout:    30 * time.Second,
		},
		Snapshots: SnapshotConfig{
			Dir:       "snapshots",
			Retention: 24 * time.Hour,
		},
		Incidents: IncidentsConfig{
			Dir: "incidents",
		},
		Meta: MetaConfig{
			SampleInterval:    30 * time.Second,
			AggregationWindow: 5 * time.Minute,
			ReportPath:        "reports/baseline_metrics_latest.json",
			CPUPercent:        85,
			MemoryPercent:     90,
			QueueDepth:        100,
			RollbackRate:      0.10,
			ApprovalBacklog:   40,
			DirectiveExpiry:   30 * time.Minute,
		},
	}
}
