package gateway

import (
	"sync"

	"grace/internal/config"

	"golang.org/x/time/rate"
)

// limiterSet keeps one token bucket per (caller, target, capability)
// tuple. Buckets are created on first use from the default rate or the
// most specific matching override; a zero default rate disables
// limiting.
type limiterSet struct {
	mu       sync.Mutex
	cfg      config.GatewayConfig
	limiters map[string]*rate.Limiter
}

func newLimiterSet(cfg config.GatewayConfig) *limiterSet {
	return &limiterSet{cfg: cfg, limiters: make(map[string]*rate.Limiter)}
}

func (s *limiterSet) allow(caller, target, capability string) bool {
	limit, burst := s.cfg.RateLimit, s.cfg.RateBurst
	if rc, ok := s.cfg.RateOverrides[caller+":"+target+":"+capability]; ok {
		limit, burst = rc.Rate, rc.Burst
	} else if rc, ok := s.cfg.RateOverrides[caller+":"+capability]; ok {
		limit, burst = rc.Rate, rc.Burst
	} else if rc, ok := s.cfg.RateOverrides[capability]; ok {
		limit, burst = rc.Rate, rc.Burst
	}
	if limit <= 0 {
		return true
	}

	key := caller + "|" + target + "|" + capability
	s.mu.Lock()
	lim, ok := s.limiters[key]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(limit), burst)
		s.limiters[key] = lim
	}
	s.mu.Unlock()
	return lim.Allow()
}
