// Package ratelimit implements the protocol's per-client token-bucket
// policy: a (streamPath, clientID) predicate that allows or rejects a
// request, backed by golang.org/x/time/rate. Buckets are created lazily and
// never pruned within a process lifetime; a long-running deployment bounds
// this by clientID cardinality, which is expected to be small (service
// credentials or tenant IDs, not arbitrary visitors).
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// HeaderClientID is the header clients use to identify themselves for rate
// limiting. It has no bearing on authentication; it's an opaque label the
// limiter buckets on.
const HeaderClientID = "X-Client-Id"

// Decision is the result of a Limiter check.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

// Limiter is the policy interface handleRequest-style callers depend on.
// It lets a no-op implementation stand in when rate limiting is disabled.
type Limiter interface {
	Allow(streamPath, clientID string) Decision
}

// Noop allows every request. It's the default policy: the protocol requires
// rate limiting to be opt-in, not assumed.
type Noop struct{}

// Allow always permits the request.
func (Noop) Allow(string, string) Decision { return Decision{Allowed: true} }

// TokenBucket is a per-clientID token bucket limiter. Capacity is the burst
// size; RefillPerSecond is the sustained rate. The streamPath argument is
// accepted for interface symmetry with a future per-stream policy but the
// reference implementation buckets on clientID alone, matching the core
// reference design in the protocol's policy section.
type TokenBucket struct {
	capacity int
	refill   rate.Limit

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewTokenBucket builds a TokenBucket with the given burst capacity and
// sustained refill rate in tokens per second.
func NewTokenBucket(capacity int, refillPerSecond float64) *TokenBucket {
	return &TokenBucket{
		capacity: capacity,
		refill:   rate.Limit(refillPerSecond),
		limiters: make(map[string]*rate.Limiter),
	}
}

// Allow checks and consumes one token from clientID's bucket, creating it
// with the configured capacity and refill rate on first use.
func (b *TokenBucket) Allow(streamPath, clientID string) Decision {
	if clientID == "" {
		// No client identity presented; the policy has nothing to key on,
		// so every anonymous request shares one bucket, kept apart from
		// every named client's bucket.
		clientID = "\x00anonymous"
	}

	limiter := b.limiterFor(clientID)
	if limiter.Allow() {
		return Decision{Allowed: true}
	}

	reservation := limiter.Reserve()
	delay := reservation.Delay()
	reservation.Cancel()
	return Decision{Allowed: false, RetryAfter: delay}
}

func (b *TokenBucket) limiterFor(clientID string) *rate.Limiter {
	b.mu.Lock()
	defer b.mu.Unlock()

	l, ok := b.limiters[clientID]
	if !ok {
		l = rate.NewLimiter(b.refill, b.capacity)
		b.limiters[clientID] = l
	}
	return l
}
