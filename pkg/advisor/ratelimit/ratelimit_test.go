package ratelimit

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestLimiter_CapacityThenRefill(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	rl := New(
		WithProviderLimit("anthropic", Limit{Capacity: 3, RefillPerSecond: 2}),
		WithClock(clock.Now),
	)

	for i := 0; i < 3; i++ {
		require.True(t, rl.TryAcquire("anthropic"), "call %d should pass", i)
	}
	assert.False(t, rl.TryAcquire("anthropic"), "bucket should be empty")

	clock.Advance(500 * time.Millisecond) // 1/refillRatePerSecond
	assert.True(t, rl.TryAcquire("anthropic"))
	assert.False(t, rl.TryAcquire("anthropic"))

	b := rl.Bucket("anthropic")
	assert.Equal(t, 3, b.Capacity)
	assert.Equal(t, 2.0, b.RefillPerSecond)
	assert.Equal(t, int64(4), b.Allowed)
	assert.Equal(t, int64(2), b.Rejected)
	assert.Equal(t, clock.Now(), b.LastRefillAt)
}

func TestLimiter_RefillCappedAtCapacity(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	rl := New(WithDefaultLimit(Limit{Capacity: 2, RefillPerSecond: 10}), WithClock(clock.Now))

	require.True(t, rl.TryAcquire("p"))
	clock.Advance(time.Hour)

	assert.InDelta(t, 2.0, rl.Bucket("p").Tokens, 0.0001)
}

func TestLimiter_ProvidersAreIndependent(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	rl := New(WithDefaultLimit(Limit{Capacity: 1, RefillPerSecond: 0.1}), WithClock(clock.Now))

	assert.True(t, rl.TryAcquire("a"))
	assert.False(t, rl.TryAcquire("a"))
	assert.True(t, rl.TryAcquire("b"))

	snap := rl.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "a", snap[0].Provider)
	assert.Equal(t, "b", snap[1].Provider)
}

func TestLimiter_InvalidLimitIgnored(t *testing.T) {
	rl := New(WithProviderLimit("p", Limit{Capacity: 0, RefillPerSecond: 5}))
	assert.Equal(t, DefaultLimit().Capacity, rl.Bucket("p").Capacity)
}

func TestLimiter_ConcurrentNeverExceedsCapacity(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	rl := New(WithDefaultLimit(Limit{Capacity: 5, RefillPerSecond: 1}), WithClock(clock.Now))

	var granted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if rl.TryAcquire("p") {
				granted.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(5), granted.Load())
}
