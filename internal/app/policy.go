package app

import (
	"encoding/json"
	"sync"

	"grace/internal/api"
)

// policySettings are the runtime safety knobs mutated by tier-3 safety
// actions. They feed the world state, so action contracts can refuse to
// run under a locked-down policy.
type policySettings struct {
	// AutonomyTier is the highest tier the system proposes for its own
	// remediation. Downgrading it makes self-healing more conservative.
	AutonomyTier api.Tier `json:"autonomyTier"`

	// RateScale multiplies configured rate limits for self-initiated
	// traffic. Tightening guardrails halves it.
	RateScale float64 `json:"rateScale"`

	// Supervised blocks autonomous capacity actions until an operator
	// clears it.
	Supervised bool `json:"supervised"`

	// Thresholds holds operator overrides of the meta-loop thresholds.
	Thresholds map[string]float64 `json:"thresholds,omitempty"`

	// AutoApprove lists tier-2 action types a standing policy resolves
	// without a human. Supervised mode suspends the whole set.
	AutoApprove map[string]bool `json:"autoApprove,omitempty"`
}

// policyStore holds the settings behind a lock. Snapshots of kind
// "policy" capture and restore the whole struct.
type policyStore struct {
	mu sync.RWMutex
	s  policySettings
}

func newPolicyStore() *policyStore {
	return &policyStore{s: policySettings{
		AutonomyTier: api.Tier2,
		RateScale:    1.0,
	}}
}

func (p *policyStore) State() policySettings {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s := p.s
	if s.Thresholds != nil {
		s.Thresholds = make(map[string]float64, len(p.s.Thresholds))
		for k, v := range p.s.Thresholds {
			s.Thresholds[k] = v
		}
	}
	if s.AutoApprove != nil {
		s.AutoApprove = make(map[string]bool, len(p.s.AutoApprove))
		for k, v := range p.s.AutoApprove {
			s.AutoApprove[k] = v
		}
	}
	return s
}

// Tighten halves the rate scale, floored at 0.1.
func (p *policyStore) Tighten() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.s.RateScale /= 2
	if p.s.RateScale < 0.1 {
		p.s.RateScale = 0.1
	}
	return p.s.RateScale
}

// Downgrade lowers the autonomy tier by one, floored at tier 1.
func (p *policyStore) Downgrade() api.Tier {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.s.AutonomyTier > api.Tier1 {
		p.s.AutonomyTier--
	}
	return p.s.AutonomyTier
}

// LockSupervised requires operator approval for capacity actions until
// Unlock.
func (p *policyStore) LockSupervised() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.s.Supervised = true
}

// Unlock clears supervised mode.
func (p *policyStore) Unlock() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.s.Supervised = false
}

// GrantAutoApproval adds an action type to the standing auto-approval
// set.
func (p *policyStore) GrantAutoApproval(actionType string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.s.AutoApprove == nil {
		p.s.AutoApprove = make(map[string]bool)
	}
	p.s.AutoApprove[actionType] = true
}

// RevokeAutoApproval removes an action type from the set.
func (p *policyStore) RevokeAutoApproval(actionType string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.s.AutoApprove, actionType)
}

// AutoApproves reports whether a standing policy resolves this action
// type. Supervised mode suspends auto-approval entirely.
func (p *policyStore) AutoApproves(actionType string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return !p.s.Supervised && p.s.AutoApprove[actionType]
}

// MergeThresholds overlays operator threshold overrides.
func (p *policyStore) MergeThresholds(overrides map[string]float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.s.Thresholds == nil {
		p.s.Thresholds = make(map[string]float64, len(overrides))
	}
	for k, v := range overrides {
		p.s.Thresholds[k] = v
	}
}

func (p *policyStore) marshal() ([]byte, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return json.Marshal(p.s)
}

func (p *policyStore) restore(blob []byte) error {
	var s policySettings
	if err := json.Unmarshal(blob, &s); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.s = s
	return nil
}
