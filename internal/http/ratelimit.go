package http

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// maxTrackedKeys caps the number of tracked limiter keys to prevent
// memory exhaustion from attackers rotating source IPs.
const maxTrackedKeys = 4096

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// WebhookRateLimiter applies a per-source token bucket to webhook
// deliveries. Safe for concurrent use.
type WebhookRateLimiter struct {
	mu      sync.Mutex
	entries map[string]*limiterEntry
	limit   rate.Limit
	burst   int
}

// NewWebhookRateLimiter allows rpm requests per minute per key, with a
// burst of rpm/6 (at least 1).
func NewWebhookRateLimiter(rpm int) *WebhookRateLimiter {
	if rpm <= 0 {
		rpm = 60
	}
	burst := rpm / 6
	if burst < 1 {
		burst = 1
	}
	return &WebhookRateLimiter{
		entries: make(map[string]*limiterEntry),
		limit:   rate.Limit(float64(rpm) / 60.0),
		burst:   burst,
	}
}

// Allow returns true if the key is within its rate limit.
func (r *WebhookRateLimiter) Allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()

	if len(r.entries) >= maxTrackedKeys {
		for k, e := range r.entries {
			if now.Sub(e.lastSeen) >= time.Minute {
				delete(r.entries, k)
			}
		}
		// Hard eviction if still at cap.
		for len(r.entries) >= maxTrackedKeys {
			for k := range r.entries {
				delete(r.entries, k)
				break
			}
		}
	}

	e, ok := r.entries[key]
	if !ok {
		e = &limiterEntry{limiter: rate.NewLimiter(r.limit, r.burst)}
		r.entries[key] = e
	}
	e.lastSeen = now
	return e.limiter.Allow()
}
