package escrow

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// callerLimiter holds one token bucket per caller. A bucket starts with a
// full day's quota and refills at quota per 24h.
type callerLimiter struct {
	mu       sync.Mutex
	quota    int
	limiters map[string]*rate.Limiter
}

func newCallerLimiter() *callerLimiter {
	return &callerLimiter{limiters: make(map[string]*rate.Limiter)}
}

// allow takes one token from caller's bucket at now. A quota of zero
// disables the check; a changed quota rebuilds every bucket.
func (l *callerLimiter) allow(caller string, quota int, now time.Time) bool {
	if quota <= 0 {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if quota != l.quota {
		l.quota = quota
		clear(l.limiters)
	}
	lim, ok := l.limiters[caller]
	if !ok {
		lim = rate.NewLimiter(rate.Every(24*time.Hour/time.Duration(quota)), quota)
		l.limiters[caller] = lim
	}
	return lim.AllowN(now, 1)
}
