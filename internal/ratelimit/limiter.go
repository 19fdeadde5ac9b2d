// Package ratelimit provides per-tool token bucket rate limiting.
package ratelimit

import (
	"sync"
	"time"
)

// Policy describes one bucket: PerWindow requests refill over Window, with
// at most Burst consumed back to back.
type Policy struct {
	PerWindow int
	Window    time.Duration
	Burst     int
}

// DefaultPolicy is the baseline for most tools.
func DefaultPolicy() Policy {
	return Policy{PerWindow: 30, Window: time.Minute, Burst: 10}
}

// ShellPolicy is the stricter bucket applied to shell execution.
func ShellPolicy() Policy {
	return Policy{PerWindow: 10, Window: time.Minute, Burst: 3}
}

func (p Policy) refillRate() float64 {
	if p.PerWindow <= 0 || p.Window <= 0 {
		d := DefaultPolicy()
		return float64(d.PerWindow) / d.Window.Seconds()
	}
	return float64(p.PerWindow) / p.Window.Seconds()
}

func (p Policy) burst() float64 {
	if p.Burst <= 0 {
		return float64(DefaultPolicy().Burst)
	}
	return float64(p.Burst)
}

// Bucket implements token bucket rate limiting.
type Bucket struct {
	mu         sync.Mutex
	tokens     float64
	maxTokens  float64
	refillRate float64 // tokens per second
	lastRefill time.Time
}

// NewBucket creates a bucket for the policy, starting full.
func NewBucket(p Policy) *Bucket {
	return &Bucket{
		tokens:     p.burst(),
		maxTokens:  p.burst(),
		refillRate: p.refillRate(),
		lastRefill: time.Now(),
	}
}

// Allow consumes a token when one is available.
func (b *Bucket) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill()

	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

// refill adds tokens based on time elapsed (must be called with lock held).
func (b *Bucket) refill() {
	now := time.Now()
	elapsed := now.Sub(b.lastRefill).Seconds()
	b.lastRefill = now

	b.tokens += elapsed * b.refillRate
	if b.tokens > b.maxTokens {
		b.tokens = b.maxTokens
	}
}

// Tokens returns the current number of available tokens.
func (b *Bucket) Tokens() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill()
	return b.tokens
}

// WaitTime returns how long until the next request would be allowed.
func (b *Bucket) WaitTime() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill()

	if b.tokens >= 1 {
		return 0
	}

	needed := 1 - b.tokens
	seconds := needed / b.refillRate
	return time.Duration(seconds * float64(time.Second))
}

// Limiter keeps one bucket per tool, each with its own policy.
type Limiter struct {
	mu       sync.RWMutex
	buckets  map[string]*Bucket
	policies map[string]Policy
	fallback Policy
}

// NewLimiter creates a limiter with the given fallback policy for tools
// without an explicit one.
func NewLimiter(fallback Policy) *Limiter {
	if fallback.PerWindow <= 0 {
		fallback = DefaultPolicy()
	}
	return &Limiter{
		buckets:  make(map[string]*Bucket),
		policies: make(map[string]Policy),
		fallback: fallback,
	}
}

// SetPolicy assigns a policy to a tool. The tool's bucket is rebuilt on its
// next use.
func (l *Limiter) SetPolicy(tool string, p Policy) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.policies[tool] = p
	delete(l.buckets, tool)
}

// Allow consumes a token for the tool. On denial it returns the time until
// the next token, which callers surface as retry_after.
func (l *Limiter) Allow(tool string) (bool, time.Duration) {
	b := l.bucket(tool)
	if b.Allow() {
		return true, 0
	}
	return false, b.WaitTime()
}

// WaitTime returns how long until the tool's next request would be allowed.
func (l *Limiter) WaitTime(tool string) time.Duration {
	return l.bucket(tool).WaitTime()
}

// Reset clears the tool's bucket, refilling it to burst.
func (l *Limiter) Reset(tool string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.buckets, tool)
}

func (l *Limiter) bucket(tool string) *Bucket {
	l.mu.RLock()
	b, ok := l.buckets[tool]
	l.mu.RUnlock()
	if ok {
		return b
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	// Double-check after acquiring write lock.
	if b, ok = l.buckets[tool]; ok {
		return b
	}

	policy, ok := l.policies[tool]
	if !ok {
		policy = l.fallback
	}
	b = NewBucket(policy)
	l.buckets[tool] = b
	return b
}

// Status reports the limiter state for a tool.
type Status struct {
	Tool            string        `json:"tool"`
	AllowedNow      bool          `json:"allowed_now"`
	TokensRemaining float64       `json:"tokens_remaining"`
	WaitTime        time.Duration `json:"wait_time"`
}

// GetStatus returns the current status for a tool without consuming tokens.
func (l *Limiter) GetStatus(tool string) Status {
	b := l.bucket(tool)
	tokens := b.Tokens()
	return Status{
		Tool:            tool,
		AllowedNow:      tokens >= 1,
		TokensRemaining: tokens,
		WaitTime:        b.WaitTime(),
	}
}
