package api

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ipRateLimiter keeps an independent token bucket per client IP.
// Entries idle longer than idleTTL are purged to bound memory.
type ipRateLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor

	r       rate.Limit
	b       int
	idleTTL time.Duration
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newIPRateLimiter(perSecond float64, burst int) *ipRateLimiter {
	return &ipRateLimiter{
		visitors: make(map[string]*visitor),
		r:        rate.Limit(perSecond),
		b:        burst,
		idleTTL:  10 * time.Minute,
	}
}

// Allow reports whether one more request from ip fits its budget. The
// caller extracts the IP; forwarding-header policy lives there.
func (rl *ipRateLimiter) Allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	v, ok := rl.visitors[ip]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(rl.r, rl.b)}
		rl.visitors[ip] = v
	}
	v.lastSeen = time.Now()

	if len(rl.visitors) > 10000 {
		rl.purge()
	}

	return v.limiter.Allow()
}

func (rl *ipRateLimiter) purge() {
	cutoff := time.Now().Add(-rl.idleTTL)
	for k, v := range rl.visitors {
		if v.lastSeen.Before(cutoff) {
			delete(rl.visitors, k)
		}
	}
}
