package driftcron

import (
	"sync"

	"golang.org/x/time/rate"
)

// errorRateLimiter throttles how often the error hook fires per error
// kind, so a storage outage that fails every revolution cannot turn
// into an unbounded log/metric storm. Grounded on the token-bucket
// pattern of a per-key rate.Limiter map, generalized from tracking
// per-node/per-tenant keys to per ErrorKind.
type errorRateLimiter struct {
	mu       sync.Mutex
	limiters map[ErrorKind]*rate.Limiter
	r        rate.Limit
	b        int
}

func newErrorRateLimiter(eventsPerSecond float64, burst int) *errorRateLimiter {
	return &errorRateLimiter{
		limiters: make(map[ErrorKind]*rate.Limiter),
		r:        rate.Limit(eventsPerSecond),
		b:        burst,
	}
}

// allow reports whether this occurrence of kind should be surfaced.
// Suppressed occurrences are still worth counting by the caller.
func (l *errorRateLimiter) allow(kind ErrorKind) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	limiter, ok := l.limiters[kind]
	if !ok {
		limiter = rate.NewLimiter(l.r, l.b)
		l.limiters[kind] = limiter
	}
	return limiter.Allow()
}
