package security

import (
	"sync"
	"time"
)

// RateLimiter is a per-client sliding window limiter with a one second
// burst cap
type RateLimiter struct {
	clients  map[string][]time.Time
	mu       sync.Mutex
	limit    int
	window   time.Duration
	burstMax int
	now      func() time.Time
	stop     chan struct{}
	stopOnce sync.Once
}

// RateLimitConfig holds rate limiter configuration
type RateLimitConfig struct {
	RequestsPerWindow int
	WindowDuration    time.Duration
	BurstMax          int // requests allowed within any one second
}

// DefaultRateLimitConfig returns the default limits for run creation
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerWindow: 30,
		WindowDuration:    time.Minute,
		BurstMax:          5,
	}
}

// NewRateLimiter creates a rate limiter and starts its janitor
func NewRateLimiter(config RateLimitConfig) *RateLimiter {
	def := DefaultRateLimitConfig()
	if config.RequestsPerWindow <= 0 {
		config.RequestsPerWindow = def.RequestsPerWindow
	}
	if config.WindowDuration <= 0 {
		config.WindowDuration = def.WindowDuration
	}
	if config.BurstMax <= 0 {
		config.BurstMax = config.RequestsPerWindow
	}

	rl := &RateLimiter{
		clients:  make(map[string][]time.Time),
		limit:    config.RequestsPerWindow,
		window:   config.WindowDuration,
		burstMax: config.BurstMax,
		now:      time.Now,
		stop:     make(chan struct{}),
	}

	go rl.janitor()

	return rl
}

// Allow records a request for key and reports whether it is within limits
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	hits := rl.prune(key, now)

	if len(hits) >= rl.limit {
		return false
	}

	burst := 0
	for _, t := range hits {
		if t.After(now.Add(-time.Second)) {
			burst++
		}
	}
	if burst >= rl.burstMax {
		return false
	}

	rl.clients[key] = append(hits, now)
	return true
}

// prune drops hits of key older than the window. Caller holds mu.
func (rl *RateLimiter) prune(key string, now time.Time) []time.Time {
	hits := rl.clients[key]
	cutoff := now.Add(-rl.window)

	i := 0
	for i < len(hits) && !hits[i].After(cutoff) {
		i++
	}
	hits = hits[i:]

	if len(hits) == 0 {
		delete(rl.clients, key)
		return nil
	}
	rl.clients[key] = hits
	return hits
}

// RateLimitInfo contains rate limit information for response headers
type RateLimitInfo struct {
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"reset_at"`
}

// Info returns the current limit state of key
func (rl *RateLimiter) Info(key string) RateLimitInfo {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	hits := rl.prune(key, now)

	info := RateLimitInfo{
		Limit:     rl.limit,
		Remaining: rl.limit - len(hits),
		ResetAt:   now,
	}
	if info.Remaining < 0 {
		info.Remaining = 0
	}
	if len(hits) > 0 {
		info.ResetAt = hits[0].Add(rl.window)
	}
	return info
}

// Reset forgets all requests of key
func (rl *RateLimiter) Reset(key string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.clients, key)
}

// Stop stops the janitor goroutine
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stop) })
}

func (rl *RateLimiter) janitor() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-rl.stop:
			return
		case <-ticker.C:
			rl.mu.Lock()
			now := rl.now()
			for key := range rl.clients {
				rl.prune(key, now)
			}
			rl.mu.Unlock()
		}
	}
}
