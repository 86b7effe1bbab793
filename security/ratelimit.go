package security

import (
	"container/list"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// limiterEntry tracks a per-identifier limiter and its last access time.
type limiterEntry struct {
	identifier string
	limiter    *rate.Limiter
	lastAccess time.Time
}

// RateLimiter provides per-identifier rate limiting using a token bucket,
// with LRU eviction to bound memory under distributed abuse.
type RateLimiter struct {
	limiters map[string]*list.Element // identifier -> list element
	lruList  *list.List               // LRU list of *limiterEntry

	mu         sync.Mutex
	limit      rate.Limit
	burst      int
	maxEntries int
	logger     *slog.Logger

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once

	totalEvictions int64
	totalCleanups  int64
}

// DefaultMaxEntries bounds the number of identifiers tracked simultaneously.
const DefaultMaxEntries = 10000

// NewRateLimiter creates a rate limiter allowing maxRequests per window for
// each identifier, with bursts up to maxRequests. A background goroutine
// sweeps idle entries; call Stop when done.
func NewRateLimiter(maxRequests int, window time.Duration, logger *slog.Logger) *RateLimiter {
	return NewRateLimiterWithConfig(maxRequests, window, DefaultMaxEntries, logger)
}

// NewRateLimiterWithConfig creates a rate limiter with a custom cap on tracked
// identifiers. When the cap is reached, the least recently used entry is
// evicted. maxEntries of 0 means unlimited (not recommended in production).
func NewRateLimiterWithConfig(maxRequests int, window time.Duration, maxEntries int, logger *slog.Logger) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	if maxRequests <= 0 {
		maxRequests = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	if maxEntries < 0 {
		maxEntries = DefaultMaxEntries
	}

	rl := &RateLimiter{
		limiters:        make(map[string]*list.Element),
		lruList:         list.New(),
		limit:           rate.Limit(float64(maxRequests) / window.Seconds()),
		burst:           maxRequests,
		maxEntries:      maxEntries,
		logger:          logger,
		cleanupInterval: 5 * time.Minute,
		stopCleanup:     make(chan struct{}),
	}

	go rl.cleanupLoop()

	return rl
}

// Allow reports whether a request from the given identifier is within limits.
// The check never blocks; callers deny the request immediately on false.
func (rl *RateLimiter) Allow(identifier string) bool {
	now := time.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	if elem, exists := rl.limiters[identifier]; exists {
		rl.lruList.MoveToFront(elem)
		entry := elem.Value.(*limiterEntry)
		entry.lastAccess = now
		return entry.limiter.Allow()
	}

	if rl.maxEntries > 0 && len(rl.limiters) >= rl.maxEntries {
		rl.evictLRU()
	}

	entry := &limiterEntry{
		identifier: identifier,
		limiter:    rate.NewLimiter(rl.limit, rl.burst),
		lastAccess: now,
	}
	rl.limiters[identifier] = rl.lruList.PushFront(entry)

	return entry.limiter.Allow()
}

// evictLRU removes the least recently used entry. Caller holds the lock.
func (rl *RateLimiter) evictLRU() {
	elem := rl.lruList.Back()
	if elem == nil {
		return
	}
	entry := elem.Value.(*limiterEntry)
	delete(rl.limiters, entry.identifier)
	rl.lruList.Remove(elem)
	rl.totalEvictions++

	rl.logger.Debug("Rate limiter LRU eviction",
		"identifier", entry.identifier,
		"total_evictions", rl.totalEvictions,
		"current_entries", len(rl.limiters))
}

func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.Cleanup(30 * time.Minute)
		case <-rl.stopCleanup:
			return
		}
	}
}

// Cleanup removes limiters that have not been accessed for maxIdleTime.
// Runs on the background timer, never on the request path.
func (rl *RateLimiter) Cleanup(maxIdleTime time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	removed := 0

	var next *list.Element
	for elem := rl.lruList.Front(); elem != nil; elem = next {
		next = elem.Next()
		entry := elem.Value.(*limiterEntry)

		if now.Sub(entry.lastAccess) > maxIdleTime {
			delete(rl.limiters, entry.identifier)
			rl.lruList.Remove(elem)
			removed++
		}
	}

	if removed > 0 {
		rl.totalCleanups++
		rl.logger.Debug("Rate limiter cleanup completed",
			"removed", removed,
			"remaining", len(rl.limiters),
			"total_cleanups", rl.totalCleanups)
	}
}

// Stop terminates the cleanup goroutine. Safe to call more than once.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stopCleanup) })
}

// Stats holds rate limiter statistics for monitoring.
type Stats struct {
	CurrentEntries int
	MaxEntries     int
	TotalEvictions int64
	TotalCleanups  int64
	MemoryPressure float64 // percentage of max capacity used (0-100)
}

// GetStats returns current statistics for monitoring and capacity tuning.
func (rl *RateLimiter) GetStats() Stats {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	stats := Stats{
		CurrentEntries: len(rl.limiters),
		MaxEntries:     rl.maxEntries,
		TotalEvictions: rl.totalEvictions,
		TotalCleanups:  rl.totalCleanups,
	}
	if rl.maxEntries > 0 {
		stats.MemoryPressure = float64(stats.CurrentEntries) / float64(rl.maxEntries) * 100.0
	}
	return stats
}

// EndpointLimit configures the window for one guarded endpoint.
type EndpointLimit struct {
	MaxRequests int
	Window      time.Duration
}

// EndpointLimiter guards a set of endpoints with independent per-identifier
// limits. Keys are (identifier, endpoint): an identifier that exhausts its
// budget on the token endpoint is still admitted on the authorize endpoint.
type EndpointLimiter struct {
	limiters map[string]*RateLimiter
	logger   *slog.Logger
}

// NewEndpointLimiter builds one limiter per configured endpoint.
func NewEndpointLimiter(limits map[string]EndpointLimit, logger *slog.Logger) *EndpointLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	el := &EndpointLimiter{
		limiters: make(map[string]*RateLimiter, len(limits)),
		logger:   logger,
	}
	for endpoint, limit := range limits {
		el.limiters[endpoint] = NewRateLimiter(limit.MaxRequests, limit.Window, logger)
	}
	return el
}

// Allow reports whether the identifier may hit the endpoint. Endpoints with
// no configured limit are always admitted.
func (el *EndpointLimiter) Allow(endpoint, identifier string) bool {
	rl, ok := el.limiters[endpoint]
	if !ok {
		return true
	}
	return rl.Allow(identifier)
}

// Stop terminates all per-endpoint cleanup goroutines.
func (el *EndpointLimiter) Stop() {
	for _, rl := range el.limiters {
		rl.Stop()
	}
}
