// ABOUTME: Per-key time throttle used to rate-limit frame logging.
// ABOUTME: Allow reports true at most once per interval for each key.

package relay

import (
	"sync"
	"time"
)

// throttle remembers when each key was last allowed. Keys are bounded by
// agents times streams, so entries are never evicted.
type throttle struct {
	mu       sync.Mutex
	last     map[string]time.Time
	interval time.Duration
	now      func() time.Time
}

func newThrottle(interval time.Duration) *throttle {
	return &throttle{
		last:     make(map[string]time.Time),
		interval: interval,
		now:      time.Now,
	}
}

// Allow atomically checks and marks key. It returns true when key has not
// been allowed within the interval. A non-positive interval allows everything.
func (t *throttle) Allow(key string) bool {
	if t.interval <= 0 {
		return true
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	if last, ok := t.last[key]; ok && now.Sub(last) < t.interval {
		return false
	}
	t.last[key] = now
	return true
}
