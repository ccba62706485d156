package tail

import (
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"
)

// limiterCacheSize bounds the number of per-file limiters kept in memory.
// Evicted files simply start again with a full bucket.
const limiterCacheSize = 1024

// reopenLimiter bounds how often one path may be reopened by rotation
// recovery. A nil *reopenLimiter allows everything.
type reopenLimiter struct {
	limit rate.Limit
	burst int
	cache *lru.Cache[string, *rate.Limiter]
}

// newReopenLimiter returns nil (unlimited) when limit is not positive or is
// rate.Inf.
func newReopenLimiter(limit rate.Limit, burst int) *reopenLimiter {
	if limit <= 0 || limit == rate.Inf {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	cache, err := lru.New[string, *rate.Limiter](limiterCacheSize)
	if err != nil {
		// Only returned for a non-positive size.
		panic(err)
	}
	return &reopenLimiter{limit: limit, burst: burst, cache: cache}
}

// Allow reports whether path may be reopened now, consuming a token if so.
func (l *reopenLimiter) Allow(path string) bool {
	if l == nil {
		return true
	}
	lim, ok := l.cache.Get(path)
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.cache.Add(path, lim)
	}
	return lim.Allow()
}
