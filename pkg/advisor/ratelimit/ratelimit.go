// Package ratelimit gates outbound provider calls with one token bucket per
// provider. Refill is computed lazily from elapsed time on every attempt, so no
// background timer runs per provider.
package ratelimit

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// Limit configures a provider's bucket.
type Limit struct {
	// Capacity is the bucket size (burst).
	Capacity int

	// RefillPerSecond is the continuous refill rate.
	RefillPerSecond float64
}

// DefaultLimit is used for providers without an explicit limit.
func DefaultLimit() Limit {
	return Limit{Capacity: 10, RefillPerSecond: 1}
}

// Bucket is a snapshot of a provider's bucket.
type Bucket struct {
	Provider        string
	Tokens          float64
	Capacity        int
	RefillPerSecond float64
	LastRefillAt    time.Time
	Allowed         int64
	Rejected        int64
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithDefaultLimit sets the limit for providers without an override.
func WithDefaultLimit(l Limit) Option {
	return func(rl *Limiter) {
		if l.valid() {
			rl.defaults = l
		}
	}
}

// WithProviderLimit overrides the limit for one provider.
func WithProviderLimit(provider string, l Limit) Option {
	return func(rl *Limiter) {
		if l.valid() {
			rl.overrides[provider] = l
		}
	}
}

// WithClock sets a custom clock function (for testing).
func WithClock(fn func() time.Time) Option {
	return func(rl *Limiter) { rl.now = fn }
}

// Limiter holds per-provider buckets. Buckets are created on first use and
// each one is synchronized independently.
type Limiter struct {
	mu        sync.RWMutex
	buckets   map[string]*bucket
	defaults  Limit
	overrides map[string]Limit
	now       func() time.Time
}

type bucket struct {
	lim      *rate.Limiter
	limit    Limit
	last     atomic.Int64 // unix nanos of the last attempt
	allowed  atomic.Int64
	rejected atomic.Int64
}

// New creates a Limiter.
func New(opts ...Option) *Limiter {
	rl := &Limiter{
		buckets:   make(map[string]*bucket),
		defaults:  DefaultLimit(),
		overrides: make(map[string]Limit),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(rl)
	}
	return rl
}

// TryAcquire takes one token for provider. It never blocks; false means the
// bucket is empty and the caller should back off.
func (rl *Limiter) TryAcquire(provider string) bool {
	b := rl.bucket(provider)
	now := rl.now()
	ok := b.lim.AllowN(now, 1)
	b.last.Store(now.UnixNano())
	if ok {
		b.allowed.Add(1)
	} else {
		b.rejected.Add(1)
	}
	return ok
}

// Bucket returns the current state of provider's bucket.
func (rl *Limiter) Bucket(provider string) Bucket {
	return rl.bucket(provider).snapshot(provider, rl.now())
}

// Snapshot returns all buckets created so far, ordered by provider.
func (rl *Limiter) Snapshot() []Bucket {
	now := rl.now()
	rl.mu.RLock()
	out := make([]Bucket, 0, len(rl.buckets))
	for name, b := range rl.buckets {
		out = append(out, b.snapshot(name, now))
	}
	rl.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Provider < out[j].Provider })
	return out
}

func (rl *Limiter) bucket(provider string) *bucket {
	rl.mu.RLock()
	b, ok := rl.buckets[provider]
	rl.mu.RUnlock()
	if ok {
		return b
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()
	if b, ok := rl.buckets[provider]; ok {
		return b
	}
	l, ok := rl.overrides[provider]
	if !ok {
		l = rl.defaults
	}
	b = &bucket{
		lim:   rate.NewLimiter(rate.Limit(l.RefillPerSecond), l.Capacity),
		limit: l,
	}
	rl.buckets[provider] = b
	return b
}

func (b *bucket) snapshot(provider string, now time.Time) Bucket {
	var last time.Time
	if ns := b.last.Load(); ns != 0 {
		last = time.Unix(0, ns)
	}
	return Bucket{
		Provider:        provider,
		Tokens:          b.lim.TokensAt(now),
		Capacity:        b.limit.Capacity,
		RefillPerSecond: b.limit.RefillPerSecond,
		LastRefillAt:    last,
		Allowed:         b.allowed.Load(),
		Rejected:        b.rejected.Load(),
	}
}

func (l Limit) valid() bool {
	return l.Capacity > 0 && l.RefillPerSecond > 0
}
