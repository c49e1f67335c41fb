package api

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// KeyLimiter applies a token bucket per caller key and evicts idle keys.
type KeyLimiter struct {
	limit   rate.Limit
	burst   int
	idleTTL time.Duration
	mu      sync.Mutex
	byKey   map[string]*limiterEntry
	hits    uint64
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewKeyLimiter returns nil, which allows everything, when rps or burst is not positive.
func NewKeyLimiter(rps float64, burst int, idleTTL time.Duration) *KeyLimiter {
	if rps <= 0 || burst <= 0 {
		return nil
	}
	if idleTTL <= 0 {
		idleTTL = 10 * time.Minute
	}
	return &KeyLimiter{
		limit:   rate.Limit(rps),
		burst:   burst,
		idleTTL: idleTTL,
		byKey:   make(map[string]*limiterEntry),
	}
}

func (l *KeyLimiter) Allow(key string, now time.Time) bool {
	if l == nil || key == "" {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.byKey[key]
	if !ok {
		e = &limiterEntry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.byKey[key] = e
	}
	e.lastSeen = now
	allowed := e.limiter.AllowN(now, 1)

	l.hits++
	if l.hits%512 == 0 {
		cutoff := now.Add(-l.idleTTL)
		for k, v := range l.byKey {
			if v.lastSeen.Before(cutoff) {
				delete(l.byKey, k)
			}
		}
	}
	return allowed
}
