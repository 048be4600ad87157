package tools

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// rateLimiter enforces a per-user sliding window over command
// executions. Windows live in an LRU so abandoned users age out.
type rateLimiter struct {
	perMinute int
	mu        sync.Mutex
	windows   *lru.Cache[string, []time.Time]
	now       func() time.Time
}

func newRateLimiter(perMinute int) *rateLimiter {
	cache, _ := lru.New[string, []time.Time](1024)
	return &rateLimiter{
		perMinute: perMinute,
		windows:   cache,
		now:       time.Now,
	}
}

// allow records one execution attempt and reports whether it fits the
// window.
func (l *rateLimiter) allow(userID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-time.Minute)

	window, _ := l.windows.Get(userID)
	kept := window[:0]
	for _, t := range window {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	if len(kept) >= l.perMinute {
		l.windows.Add(userID, kept)
		return false
	}
	kept = append(kept, now)
	l.windows.Add(userID, kept)
	return true
}
