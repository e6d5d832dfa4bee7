// Package throttle limits how often a key (typically a remote host) may
// perform an action within a time window.
package throttle

import (
	"time"

	"github.com/patrickmn/go-cache"
)

// Limiter decides whether an action identified by key may proceed.
type Limiter interface {
	// Allow records one attempt for key and reports whether it is within
	// the limit.
	//
	// Parameters:
	//   - key: The identity being limited (e.g. a remote IP)
	//
	// Returns:
	//   - true if the attempt is allowed
	Allow(key string) bool

	// Reset forgets all recorded attempts.
	Reset()
}

// MemoryLimiter is an in-memory fixed-window Limiter. Each key's counter is a
// go-cache entry whose expiration is the window length, so a window starts at
// a key's first attempt and counters for idle keys are swept automatically.
type MemoryLimiter struct {
	cache  *cache.Cache
	limit  int
	window time.Duration
}

// NewMemoryLimiter creates a limiter admitting at most limit attempts per key
// within window.
//
// Parameters:
//   - limit: Maximum attempts per window; values below 1 are treated as 1
//   - window: Length of a counting window
//
// Returns:
//   - A new *MemoryLimiter
func NewMemoryLimiter(limit int, window time.Duration) *MemoryLimiter {
	if limit < 1 {
		limit = 1
	}

	return &MemoryLimiter{
		cache:  cache.New(window, 2*window),
		limit:  limit,
		window: window,
	}
}

// Allow implements Limiter.
func (l *MemoryLimiter) Allow(key string) bool {
	// Add fails when the key exists, which makes the first attempt atomic.
	if err := l.cache.Add(key, 1, l.window); err == nil {
		return true
	}

	n, err := l.cache.IncrementInt(key, 1)
	if err != nil {
		// The entry expired between Add and IncrementInt; start a new window.
		l.cache.Set(key, 1, l.window)
		return true
	}

	return n <= l.limit
}

// Reset implements Limiter.
func (l *MemoryLimiter) Reset() {
	l.cache.Flush()
}
