package provider

import (
	"sync"

	"golang.org/x/time/rate"
)

// LimiterSet holds one token-bucket rate.Limiter per provider, shared
// across every task that calls that adapter. rate.Limiter is already
// concurrency-safe, so the set only needs a mutex to guard the map of
// limiters itself, not each call.
type LimiterSet struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewLimiterSet creates an empty LimiterSet.
func NewLimiterSet() *LimiterSet {
	return &LimiterSet{limiters: make(map[string]*rate.Limiter)}
}

// Configure installs or replaces the limiter for a provider (requests per
// second and burst). ProviderConfig carries no rate fields: each adapter
// constructor passes its own fixed values.
func (s *LimiterSet) Configure(provider string, requestsPerSecond float64, burst int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.limiters[provider] = rate.NewLimiter(rate.Limit(requestsPerSecond), burst)
}

// For returns the limiter for provider, creating a conservative default
// (5 req/s, burst 5) if none was configured.
func (s *LimiterSet) For(provider string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.limiters[provider]
	if !ok {
		l = rate.NewLimiter(5, 5)
		s.limiters[provider] = l
	}
	return l
}
