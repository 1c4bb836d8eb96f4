package health

import (
	"sort"
	"time"

	"grace/internal/api"
)

// windowSize is the rolling sample window per instance: last 100
// latency/outcome samples across probes and routed calls.
const windowSize = 100

// tracker holds the rolling windows and counters behind one instance's
// health state. Counters reset on every transition so they stay
// monotonic within a state.
type tracker struct {
	status api.HealthStatus

	consecProbeSucc int
	consecProbeFail int
	lastProbe       time.Time

	samples []sample // ring of the last windowSize samples
	next    int
	filled  bool
}

type sample struct {
	latency time.Duration
	success bool
}

func newTracker(status api.HealthStatus) *tracker {
	return &tracker{
		status:  status,
		samples: make([]sample, windowSize),
	}
}

// record adds one observation. Probe outcomes also drive the
// consecutive-success/failure counters; routed-call outcomes only feed
// the rolling windows.
func (t *tracker) record(latency time.Duration, success, isProbe bool) {
	t.samples[t.next] = sample{latency: latency, success: success}
	t.next = (t.next + 1) % windowSize
	if t.next == 0 {
		t.filled = true
	}

	if isProbe {
		t.lastProbe = time.Now()
		if success {
			t.consecProbeSucc++
			t.consecProbeFail = 0
		} else {
			t.consecProbeFail++
			t.consecProbeSucc = 0
		}
	}
}

// transition moves to a new status and resets the per-state counters.
func (t *tracker) transition(status api.HealthStatus) {
	t.status = status
	t.consecProbeSucc = 0
	t.consecProbeFail = 0
}

// reset clears everything, including the rolling windows. Used when an
// instance leaves quarantine and starts probation over.
func (t *tracker) reset(status api.HealthStatus) {
	*t = *newTracker(status)
}

func (t *tracker) size() int {
	if t.filled {
		return windowSize
	}
	return t.next
}

// errorRate returns the failure fraction over the rolling window; zero
// with no samples.
func (t *tracker) errorRate() float64 {
	n := t.size()
	if n == 0 {
		return 0
	}
	failures := 0
	for i := 0; i < n; i++ {
		if !t.samples[i].success {
			failures++
		}
	}
	return float64(failures) / float64(n)
}

// latencyP95 returns the 95th percentile latency over the rolling
// window; zero with no samples.
func (t *tracker) latencyP95() time.Duration {
	n := t.size()
	if n == 0 {
		return 0
	}
	lat := make([]time.Duration, n)
	for i := 0; i < n; i++ {
		lat[i] = t.samples[i].latency
	}
	sort.Slice(lat, func(i, j int) bool { return lat[i] < lat[j] })
	idx := (n*95 + 99) / 100
	if idx > 0 {
		idx--
	}
	return lat[idx]
}

func (t *tracker) snapshot() api.HealthSnapshot {
	return api.HealthSnapshot{
		Status:               t.status,
		LastProbe:            t.lastProbe,
		ConsecutiveSuccesses: t.consecProbeSucc,
		ConsecutiveFailures:  t.consecProbeFail,
		ErrorRate:            t.errorRate(),
		LatencyP95:           t.latencyP95(),
	}
}
