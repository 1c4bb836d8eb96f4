package gateway

import (
	"errors"
	"sync"
	"time"

	"grace/internal/api"
	"grace/internal/config"
	"grace/pkg/logging"

	"github.com/sony/gobreaker"
)

// errAttemptCanceled marks an attempt whose caller went away mid-call.
// IsSuccessful treats it as non-failure and the outcome window never
// records it, so cancellations move the breaker in neither direction.
var errAttemptCanceled = errors.New("attempt canceled by caller")

// breakerSet keeps one circuit breaker per (instance, capability) pair.
// Breakers are created lazily on first dispatch and survive until the
// process exits; a deregistered instance's breaker simply goes idle.
type breakerSet struct {
	mu       sync.Mutex
	cfg      config.GatewayConfig
	breakers map[string]*breaker
}

// breaker pairs gobreaker's state machine with the rolling outcome
// window the trip decision is made over, and a single-flight gate for
// half-open probes.
type breaker struct {
	cb         *gobreaker.CircuitBreaker
	instanceID string
	capability string
	openedAt   *time.Time

	// probeMu serializes calls whenever the breaker is not closed, so
	// half-open admits at most one in-flight probe at a time.
	probeMu sync.Mutex

	outMu    sync.Mutex
	outcomes []bool // newest last, capped at window
	failures int
	window   int
}

func newBreakerSet(cfg config.GatewayConfig) *breakerSet {
	return &breakerSet{cfg: cfg, breakers: make(map[string]*breaker)}
}

func (s *breakerSet) get(instanceID, capability string) *breaker {
	key := instanceID + "|" + capability

	s.mu.Lock()
	defer s.mu.Unlock()
	if br, ok := s.breakers[key]; ok {
		return br
	}

	window := s.cfg.CircuitWindowCalls
	if window < 1 {
		window = 1
	}
	br := &breaker{instanceID: instanceID, capability: capability, window: window}
	br.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name: key,
		// MaxRequests is the consecutive-success count required to close
		// from half-open; admission stays single-flight through probeMu.
		MaxRequests: uint32(s.cfg.CircuitCloseAfter),
		Timeout:     s.cfg.CircuitCooldown,
		ReadyToTrip: func(gobreaker.Counts) bool {
			samples, ratio := br.windowStats()
			return samples >= s.cfg.CircuitMinSamples && ratio >= s.cfg.CircuitFailureRatio
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, errAttemptCanceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			s.onStateChange(key, from, to)
		},
	})
	s.breakers[key] = br
	return br
}

// execute runs fn through the breaker. Outside the closed state every
// call takes the probe gate first, so an open refusal is cheap and a
// half-open probe is alone in flight.
func (br *breaker) execute(fn func() (interface{}, error)) (interface{}, error) {
	if br.cb.State() != gobreaker.StateClosed {
		br.probeMu.Lock()
		defer br.probeMu.Unlock()
	}
	return br.cb.Execute(fn)
}

// record pushes one counted outcome into the rolling window.
func (br *breaker) record(success bool) {
	br.outMu.Lock()
	defer br.outMu.Unlock()
	br.outcomes = append(br.outcomes, success)
	if !success {
		br.failures++
	}
	if len(br.outcomes) > br.window {
		if !br.outcomes[0] {
			br.failures--
		}
		br.outcomes = br.outcomes[1:]
	}
}

// windowStats returns the sample count and failure ratio over the
// retained window.
func (br *breaker) windowStats() (int, float64) {
	br.outMu.Lock()
	defer br.outMu.Unlock()
	if len(br.outcomes) == 0 {
		return 0, 0
	}
	return len(br.outcomes), float64(br.failures) / float64(len(br.outcomes))
}

// resetWindow clears the outcome window. Called when the breaker closes
// so failures from before the outage cannot re-trip it instantly.
func (br *breaker) resetWindow() {
	br.outMu.Lock()
	br.outcomes = nil
	br.failures = 0
	br.outMu.Unlock()
}

func (s *breakerSet) onStateChange(key string, from, to gobreaker.State) {
	// Invoked by gobreaker under its own lock; never take a gobreaker
	// call while holding s.mu.
	s.mu.Lock()
	br := s.breakers[key]
	if br == nil {
		s.mu.Unlock()
		return
	}
	switch to {
	case gobreaker.StateOpen:
		now := time.Now()
		br.openedAt = &now
	case gobreaker.StateClosed:
		br.openedAt = nil
	}
	instanceID, capability := br.instanceID, br.capability
	s.mu.Unlock()

	if to == gobreaker.StateClosed {
		br.resetWindow()
	}

	logging.Info("Gateway", "breaker %s: %s -> %s", key, from, to)
	switch to {
	case gobreaker.StateOpen:
		publish(api.Event{
			Type:   api.EventCircuitOpened,
			Source: source,
			Payload: map[string]interface{}{
				"instance_id": instanceID,
				"capability":  capability,
			},
		})
		publish(api.Event{
			Type:   api.EventHealingNeeded,
			Source: source,
			Payload: map[string]interface{}{
				"failure_kind": "circuit_open",
				"instance_id":  instanceID,
				"capability":   capability,
			},
		})
	case gobreaker.StateClosed:
		publish(api.Event{
			Type:   api.EventCircuitClosed,
			Source: source,
			Payload: map[string]interface{}{
				"instance_id": instanceID,
				"capability":  capability,
			},
		})
	}
}

func (s *breakerSet) statuses() []api.CircuitBreakerStatus {
	// Snapshot under the lock, then query gobreaker outside it: State()
	// may trigger an open -> half-open transition, which re-enters
	// onStateChange.
	s.mu.Lock()
	snap := make([]*breaker, 0, len(s.breakers))
	opened := make([]*time.Time, 0, len(s.breakers))
	for _, br := range s.breakers {
		snap = append(snap, br)
		opened = append(opened, br.openedAt)
	}
	s.mu.Unlock()

	out := make([]api.CircuitBreakerStatus, 0, len(snap))
	for i, br := range snap {
		counts := br.cb.Counts()
		out = append(out, api.CircuitBreakerStatus{
			InstanceID:          br.instanceID,
			Capability:          br.capability,
			State:               circuitState(br.cb.State()),
			Requests:            counts.Requests,
			TotalFailures:       counts.TotalFailures,
			ConsecutiveFailures: counts.ConsecutiveFailures,
			OpenedAt:            opened[i],
		})
	}
	return out
}

func circuitState(s gobreaker.State) api.CircuitState {
	switch s {
	case gobreaker.StateOpen:
		return api.CircuitOpen
	case gobreaker.StateHalfOpen:
		return api.CircuitHalfOpen
	default:
		return api.CircuitClosed
	}
}
