package shared

import (
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// KeyedLimiter hands out one token bucket per key, e.g. per lead.
type KeyedLimiter struct {
	limiters sync.Map
	rate     rate.Limit
	burst    int
}

type keyedEntry struct {
	limiter  *rate.Limiter
	lastSeen atomic.Int64
}

// NewKeyedLimiter creates a limiter allowing perSecond events per key with the
// given burst.
func NewKeyedLimiter(perSecond float64, burst int) *KeyedLimiter {
	return &KeyedLimiter{rate: rate.Limit(perSecond), burst: burst}
}

// Allow reports whether an event for key may happen now.
func (l *KeyedLimiter) Allow(key string) bool {
	v, ok := l.limiters.Load(key)
	if !ok {
		v, _ = l.limiters.LoadOrStore(key, &keyedEntry{limiter: rate.NewLimiter(l.rate, l.burst)})
	}
	e := v.(*keyedEntry)
	e.lastSeen.Store(time.Now().UnixNano())
	return e.limiter.Allow()
}

// Prune drops buckets unused for longer than idle and returns how many went.
func (l *KeyedLimiter) Prune(idle time.Duration) int {
	cutoff := time.Now().Add(-idle).UnixNano()
	removed := 0
	l.limiters.Range(func(k, v any) bool {
		if v.(*keyedEntry).lastSeen.Load() < cutoff {
			l.limiters.Delete(k)
			removed++
		}
		return true
	})
	return removed
}
