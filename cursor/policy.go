// Package cursor implements the protocol's anti-collapse cursor: a
// monotonic, jittered, decimal token that CDNs use to distinguish long-poll
// responses that would otherwise look identical and get collapsed into one
// cached entry. It has no bearing on stream correctness — only on cache
// behavior.
package cursor

import (
	"crypto/rand"
	"math/big"
	"strconv"
	"sync"
	"time"
)

// DefaultEpoch and DefaultInterval match the reference recurrence in the
// protocol spec.
var (
	DefaultEpoch    = time.Date(2024, 10, 9, 0, 0, 0, 0, time.UTC)
	DefaultInterval = 20 * time.Second
)

const (
	minJitterSeconds = 1
	maxJitterSeconds = 3600
)

// Policy generates cursors for one process. It holds the only piece of
// process-wide mutable state in this repo; every stream shares one Policy.
type Policy struct {
	epoch    time.Time
	interval time.Duration

	mu         sync.Mutex
	lastIssued int64
}

// NewPolicy builds a Policy with a custom epoch and interval, mainly for
// tests that want to control the clock math without waiting real seconds.
func NewPolicy(epoch time.Time, interval time.Duration) *Policy {
	return &Policy{epoch: epoch, interval: interval, lastIssued: -1}
}

// NewDefaultPolicy builds a Policy using the protocol's reference epoch and
// interval.
func NewDefaultPolicy() *Policy {
	return NewPolicy(DefaultEpoch, DefaultInterval)
}

// uniformJitter draws a uniform integer in [0, n) using crypto/rand. n must
// be positive; a draw failure (practically impossible on any real OS) falls
// back to the midpoint of the range rather than panicking a request path.
func uniformJitter(n int64) int {
	v, err := rand.Int(rand.Reader, big.NewInt(n))
	if err != nil {
		return int(n / 2)
	}
	return int(v.Int64())
}

func (p *Policy) nowInterval() int64 {
	elapsed := time.Since(p.epoch)
	n := int64(elapsed / p.interval)
	if n < 0 {
		return 0
	}
	return n
}

// Next implements the cursor recurrence: c starts at max(now_interval,
// lastIssued); if the client echoed a cursor that has caught up to (or
// passed) c, c jumps forward by a jittered amount so a wave of clients
// polling in lockstep don't all advance to the same next cursor. The
// result is always >= every cursor this Policy has ever returned, and
// strictly greater than an echoed cursor that triggered the jitter branch.
func (p *Policy) Next(clientEchoed string) string {
	p.mu.Lock()
	defer p.mu.Unlock()

	c := p.nowInterval()
	if c < p.lastIssued {
		c = p.lastIssued
	}

	if x, err := strconv.ParseInt(clientEchoed, 10, 64); err == nil && x >= c {
		jitterSeconds := minJitterSeconds + uniformJitter(maxJitterSeconds-minJitterSeconds+1)
		advance := int64(jitterSeconds) / int64(p.interval/time.Second)
		if advance < 1 {
			advance = 1
		}
		c = x + advance
	}

	if c < p.lastIssued {
		c = p.lastIssued
	}
	p.lastIssued = c
	return strconv.FormatInt(c, 10)
}
