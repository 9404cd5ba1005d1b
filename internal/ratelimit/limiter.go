// Package ratelimit keeps one token bucket per peer.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// pruneThreshold is the bucket count above which idle buckets are
	// swept on the next Allow.
	pruneThreshold = 1024

	// idleTTL is how long an untouched bucket survives a sweep.
	idleTTL = 10 * time.Minute
)

type entry struct {
	lim  *rate.Limiter
	seen time.Time
}

// Limiter admits at most perMinute events per key per minute with a
// burst of perMinute.  Safe for concurrent use.
type Limiter struct {
	mu        sync.Mutex
	perMinute int
	buckets   map[string]*entry

	now func() time.Time
}

// New returns a limiter allowing perMinute events per key.  A
// non-positive perMinute disables limiting.
func New(perMinute int) *Limiter {
	return &Limiter{
		perMinute: perMinute,
		buckets:   make(map[string]*entry),
		now:       time.Now,
	}
}

// Allow consumes one token from key's bucket and reports whether one
// was available.  A nil Limiter allows everything.
func (l *Limiter) Allow(key string) bool {
	if l == nil || l.perMinute <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	e, ok := l.buckets[key]
	if !ok {
		if len(l.buckets) >= pruneThreshold {
			l.pruneLocked(now)
		}
		e = &entry{lim: rate.NewLimiter(rate.Every(time.Minute/time.Duration(l.perMinute)), l.perMinute)}
		l.buckets[key] = e
	}
	e.seen = now
	return e.lim.AllowN(now, 1)
}

// Len reports how many keys currently hold a bucket.
func (l *Limiter) Len() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

func (l *Limiter) pruneLocked(now time.Time) {
	for k, e := range l.buckets {
		if now.Sub(e.seen) > idleTTL {
			delete(l.buckets, k)
		}
	}
}
