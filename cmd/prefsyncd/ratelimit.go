// ABOUTME: Per-caller rate limiting using a token bucket per key.
// ABOUTME: Protects the preferences endpoint from runaway sync loops.
package main

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimitConfig holds rate limiter settings.
type RateLimitConfig struct {
	Interval time.Duration // time between allowed requests
	Burst    int           // max burst size
}

// DefaultRateLimitConfig allows ~60 req/min with a burst of 10, enough for
// an aggressive sync interval with headroom for force-syncs.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Interval: time.Second,
		Burst:    10,
	}
}

// AuthRateLimitConfig is stricter: login brute force gets 1 req/2s.
func AuthRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Interval: 2 * time.Second,
		Burst:    5,
	}
}

// rateLimiterStore manages one limiter per key (user ID or client IP).
type rateLimiterStore struct {
	mu       sync.RWMutex
	limiters map[string]*rate.Limiter
	config   RateLimitConfig
}

func newRateLimiterStore(config RateLimitConfig) *rateLimiterStore {
	return &rateLimiterStore{
		limiters: make(map[string]*rate.Limiter),
		config:   config,
	}
}

func (s *rateLimiterStore) get(key string) *rate.Limiter {
	s.mu.RLock()
	limiter, ok := s.limiters[key]
	s.mu.RUnlock()
	if ok {
		return limiter
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// Double-check after acquiring write lock
	if limiter, ok := s.limiters[key]; ok {
		return limiter
	}
	limiter = rate.NewLimiter(rate.Every(s.config.Interval), s.config.Burst)
	s.limiters[key] = limiter
	return limiter
}

func (s *rateLimiterStore) allow(key string) bool {
	return s.get(key).Allow()
}
