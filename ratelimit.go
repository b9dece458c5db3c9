package tandem

import (
	"sync"
	"time"
)

// TokenBucket is a simple token-bucket rate limiter. Tokens refill
// continuously at a fixed rate up to the bucket capacity. It is safe for
// concurrent use.
type TokenBucket struct {
	mu       sync.Mutex
	capacity float64
	tokens   float64
	rate     float64 // tokens per second
	last     time.Time
	now      func() time.Time
}

// NewTokenBucket creates a bucket that starts full.
func NewTokenBucket(capacity float64, ratePerSecond float64) *TokenBucket {
	if capacity <= 0 {
		capacity = 1
	}
	if ratePerSecond <= 0 {
		ratePerSecond = 1
	}
	tb := &TokenBucket{
		capacity: capacity,
		tokens:   capacity,
		rate:     ratePerSecond,
		now:      time.Now,
	}
	tb.last = tb.now()
	return tb
}

// Allow consumes one token if available.
func (tb *TokenBucket) Allow() bool {
	return tb.AllowN(1)
}

// AllowN consumes n tokens if available, all-or-nothing.
func (tb *TokenBucket) AllowN(n float64) bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.refillLocked()
	if tb.tokens < n {
		return false
	}
	tb.tokens -= n
	return true
}

// Tokens returns the current token count, for observability.
func (tb *TokenBucket) Tokens() float64 {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.refillLocked()
	return tb.tokens
}

func (tb *TokenBucket) refillLocked() {
	now := tb.now()
	elapsed := now.Sub(tb.last).Seconds()
	if elapsed <= 0 {
		return
	}
	tb.tokens += elapsed * tb.rate
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
	tb.last = now
}

// peerLimiter tracks per-peer rate limits and auth-failure penalties on
// the listening side of the transport.
type peerLimiter struct {
	mu          sync.Mutex
	buckets     map[string]*TokenBucket
	failures    map[string]int
	penaltyTill map[string]time.Time
	capacity    float64
	rate        float64
	basePenalty time.Duration
	maxPenalty  time.Duration
	now         func() time.Time
}

func newPeerLimiter(capacity, ratePerSecond float64, basePenalty, maxPenalty time.Duration) *peerLimiter {
	return &peerLimiter{
		buckets:     make(map[string]*TokenBucket),
		failures:    make(map[string]int),
		penaltyTill: make(map[string]time.Time),
		capacity:    capacity,
		rate:        ratePerSecond,
		basePenalty: basePenalty,
		maxPenalty:  maxPenalty,
		now:         time.Now,
	}
}

// allow consumes one request token for the peer. Peers serving an
// auth-failure penalty are refused outright.
func (pl *peerLimiter) allow(peerID string) bool {
	pl.mu.Lock()
	if till, ok := pl.penaltyTill[peerID]; ok && pl.now().Before(till) {
		pl.mu.Unlock()
		return false
	}
	bucket, ok := pl.buckets[peerID]
	if !ok {
		bucket = NewTokenBucket(pl.capacity, pl.rate)
		pl.buckets[peerID] = bucket
	}
	pl.mu.Unlock()
	return bucket.Allow()
}

// recordAuthFailure extends the peer's penalty window exponentially.
func (pl *peerLimiter) recordAuthFailure(peerID string) time.Duration {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	pl.failures[peerID]++
	penalty := computeBackoff(pl.failures[peerID], pl.basePenalty, pl.maxPenalty, 2.0)
	pl.penaltyTill[peerID] = pl.now().Add(penalty)
	return penalty
}

// recordAuthSuccess clears any penalty state for the peer.
func (pl *peerLimiter) recordAuthSuccess(peerID string) {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	delete(pl.failures, peerID)
	delete(pl.penaltyTill, peerID)
}

// authFailures returns the consecutive auth failure count for a peer.
func (pl *peerLimiter) authFailures(peerID string) int {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	return pl.failures[peerID]
}
