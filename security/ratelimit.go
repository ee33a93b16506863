package security

import (
	"container/list"
	"log/slog"
	"sync"
	"time"
)

const (
	// DefaultCallbackLimit is how many OAuth requests one client key may make per window.
	DefaultCallbackLimit = 5

	// DefaultCallbackWindow is the sliding window length.
	DefaultCallbackWindow = time.Minute

	// DefaultLimiterCleanupInterval is how often idle keys are swept.
	DefaultLimiterCleanupInterval = 5 * time.Minute

	// DefaultLimiterMaxEntries caps the number of tracked client keys.
	DefaultLimiterMaxEntries = 10000
)

// windowEntry holds the request timestamps seen for one key inside the window.
type windowEntry struct {
	key        string
	hits       []time.Time
	lastAccess time.Time
}

// SlidingWindowLimiter allows at most limit hits per key in any window-long
// interval. Keys are tracked in an LRU list so memory stays bounded when many
// distinct clients appear.
type SlidingWindowLimiter struct {
	mu         sync.Mutex
	entries    map[string]*list.Element
	lru        *list.List
	limit      int
	window     time.Duration
	maxEntries int
	logger     *slog.Logger
	now        func() time.Time

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once

	totalAllowed   int64
	totalBlocked   int64
	totalEvictions int64
}

// LimiterStats is a snapshot of limiter counters.
type LimiterStats struct {
	TrackedKeys    int
	TotalAllowed   int64
	TotalBlocked   int64
	TotalEvictions int64
}

// NewSlidingWindowLimiter creates a limiter and starts its cleanup goroutine.
// Invalid arguments fall back to the defaults above. Call Stop when done.
func NewSlidingWindowLimiter(limit int, window time.Duration, maxEntries int, logger *slog.Logger) *SlidingWindowLimiter {
	return newSlidingWindowLimiter(limit, window, maxEntries, DefaultLimiterCleanupInterval, logger)
}

func newSlidingWindowLimiter(limit int, window time.Duration, maxEntries int, cleanupInterval time.Duration, logger *slog.Logger) *SlidingWindowLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	if limit <= 0 {
		logger.Warn("Invalid rate limit, using default", "limit", limit, "default", DefaultCallbackLimit)
		limit = DefaultCallbackLimit
	}
	if window <= 0 {
		logger.Warn("Invalid rate limit window, using default", "window", window, "default", DefaultCallbackWindow)
		window = DefaultCallbackWindow
	}
	if maxEntries < 0 {
		maxEntries = DefaultLimiterMaxEntries
	}
	if cleanupInterval <= 0 {
		cleanupInterval = DefaultLimiterCleanupInterval
	}

	l := &SlidingWindowLimiter{
		entries:         make(map[string]*list.Element),
		lru:             list.New(),
		limit:           limit,
		window:          window,
		maxEntries:      maxEntries,
		logger:          logger,
		now:             time.Now,
		cleanupInterval: cleanupInterval,
		stopCleanup:     make(chan struct{}),
	}

	go l.cleanupLoop()
	return l
}

// SetClock overrides the time source. Intended for tests.
func (l *SlidingWindowLimiter) SetClock(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
}

// Allow records a hit for key. When the key is throttled it returns false and
// how long until the oldest hit in the window expires.
func (l *SlidingWindowLimiter) Allow(key string) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	windowStart := now.Add(-l.window)

	elem, ok := l.entries[key]
	if !ok {
		if l.maxEntries > 0 && len(l.entries) >= l.maxEntries {
			l.evictOldest()
		}
		elem = l.lru.PushFront(&windowEntry{key: key})
		l.entries[key] = elem
	} else {
		l.lru.MoveToFront(elem)
	}

	entry := elem.Value.(*windowEntry)
	entry.lastAccess = now

	n := 0
	for _, t := range entry.hits {
		if t.After(windowStart) {
			entry.hits[n] = t
			n++
		}
	}
	entry.hits = entry.hits[:n]

	if len(entry.hits) >= l.limit {
		l.totalBlocked++
		retryAfter := entry.hits[0].Add(l.window).Sub(now)
		if retryAfter < time.Second {
			retryAfter = time.Second
		}
		l.logger.Debug("Sliding window limit reached",
			"hits_in_window", len(entry.hits),
			"limit", l.limit,
			"retry_after", retryAfter)
		return false, retryAfter
	}

	entry.hits = append(entry.hits, now)
	l.totalAllowed++
	return true, 0
}

// evictOldest drops the least recently used key. Caller holds mu.
func (l *SlidingWindowLimiter) evictOldest() {
	elem := l.lru.Back()
	if elem == nil {
		return
	}
	entry := elem.Value.(*windowEntry)
	delete(l.entries, entry.key)
	l.lru.Remove(elem)
	l.totalEvictions++
}

func (l *SlidingWindowLimiter) cleanupLoop() {
	ticker := time.NewTicker(l.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.Cleanup()
		case <-l.stopCleanup:
			return
		}
	}
}

// Cleanup removes keys whose hits have all left the window.
func (l *SlidingWindowLimiter) Cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()

	windowStart := l.now().Add(-l.window)
	removed := 0
	for elem := l.lru.Back(); elem != nil; {
		prev := elem.Prev()
		entry := elem.Value.(*windowEntry)
		if !entry.lastAccess.After(windowStart) {
			delete(l.entries, entry.key)
			l.lru.Remove(elem)
			removed++
		}
		elem = prev
	}

	if removed > 0 {
		l.logger.Debug("Sliding window limiter cleanup", "removed", removed, "remaining", len(l.entries))
	}
}

// Stats returns current counters.
func (l *SlidingWindowLimiter) Stats() LimiterStats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return LimiterStats{
		TrackedKeys:    len(l.entries),
		TotalAllowed:   l.totalAllowed,
		TotalBlocked:   l.totalBlocked,
		TotalEvictions: l.totalEvictions,
	}
}

// Stop terminates the cleanup goroutine. Safe to call more than once.
func (l *SlidingWindowLimiter) Stop() {
	l.stopOnce.Do(func() {
		close(l.stopCleanup)
	})
}
