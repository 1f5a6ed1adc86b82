package channels

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// maxTrackedKeys caps the number of tracked rate-limit keys to prevent
	// memory exhaustion from attackers rotating source IPs/keys.
	maxTrackedKeys = 4096

	// webhookRatePerMinute is the sustained per-key webhook request rate.
	webhookRatePerMinute = 30
)

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// WebhookRateLimiter applies a per-key token bucket to webhook ingress,
// with a hard cap on tracked keys so rotating source keys cannot exhaust
// memory. Safe for concurrent use.
type WebhookRateLimiter struct {
	mu      sync.Mutex
	entries map[string]*limiterEntry
}

// NewWebhookRateLimiter creates a bounded webhook rate limiter.
func NewWebhookRateLimiter() *WebhookRateLimiter {
	return &WebhookRateLimiter{entries: make(map[string]*limiterEntry)}
}

// Allow returns true if the key is within rate limits.
// Prunes idle entries when approaching the cap.
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
		// Hard eviction if still at cap (arbitrary victim via map iteration)
		for len(r.entries) >= maxTrackedKeys {
			for k := range r.entries {
				delete(r.entries, k)
				break
			}
		}
	}

	e, ok := r.entries[key]
	if !ok {
		e = &limiterEntry{
			limiter: rate.NewLimiter(rate.Limit(webhookRatePerMinute)/rate.Limit(time.Minute.Seconds()), webhookRatePerMinute),
		}
		r.entries[key] = e
	}
	e.lastSeen = now

	return e.limiter.Allow()
}
