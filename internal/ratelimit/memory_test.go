package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func closeLimiter(t *testing.T, m *MemoryLimiter) {
	t.Helper()
	require.NoError(t, m.Close())
}

// fakeClock pins the limiter's notion of now.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newClockedLimiter(t *testing.T, rps float64, burst int) (*MemoryLimiter, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	m := NewMemoryLimiter(rps, burst)
	m.now = clock.Now
	t.Cleanup(func() { _ = m.Close() })
	return m, clock
}

func allowN(t *testing.T, m *MemoryLimiter, key string, n int) int {
	t.Helper()
	allowed := 0
	for i := 0; i < n; i++ {
		ok, err := m.Allow(context.Background(), key)
		require.NoError(t, err)
		if ok {
			allowed++
		}
	}
	return allowed
}

func TestMemoryLimiterBurstThenDeny(t *testing.T) {
	m, _ := newClockedLimiter(t, 10, 3)
	assert.Equal(t, 3, allowN(t, m, "k1", 5))
}

func TestMemoryLimiterRefill(t *testing.T) {
	m, clock := newClockedLimiter(t, 10, 2)
	assert.Equal(t, 2, allowN(t, m, "k1", 3))

	clock.Advance(100 * time.Millisecond)
	assert.Equal(t, 1, allowN(t, m, "k1", 2))
}

func TestMemoryLimiterTokensCapAtBurst(t *testing.T) {
	m, clock := newClockedLimiter(t, 1000, 3)
	allowN(t, m, "k1", 1)

	clock.Advance(time.Hour)
	assert.Equal(t, 3, allowN(t, m, "k1", 4))
}

func TestMemoryLimiterIndependentKeys(t *testing.T) {
	m, _ := newClockedLimiter(t, 10, 1)
	assert.Equal(t, 1, allowN(t, m, "a", 2))
	assert.Equal(t, 1, allowN(t, m, "b", 2))
}

func TestMemoryLimiterConcurrent(t *testing.T) {
	m, _ := newClockedLimiter(t, 100, 50)

	var (
		wg      sync.WaitGroup
		allowed atomic.Int64
	)
	for g := 0; g < 10; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				ok, err := m.Allow(context.Background(), "shared")
				if err == nil && ok {
					allowed.Add(1)
				}
			}
		}()
	}
	wg.Wait()

	// The clock is frozen, so exactly the burst gets through.
	assert.Equal(t, int64(50), allowed.Load())
}

func TestMemoryLimiterEvictStale(t *testing.T) {
	m, clock := newClockedLimiter(t, 10, 5)
	allowN(t, m, "stale", 1)
	clock.Advance(5 * time.Minute)
	allowN(t, m, "recent", 1)
	clock.Advance(6 * time.Minute)

	m.evictStale()

	m.mu.Lock()
	defer m.mu.Unlock()
	assert.NotContains(t, m.buckets, "stale")
	assert.Contains(t, m.buckets, "recent")
}

func TestMemoryLimiterCloseIdempotent(t *testing.T) {
	m := NewMemoryLimiter(10, 5)
	require.NoError(t, m.Close())
	require.NoError(t, m.Close())
}

func TestNoopLimiterAlwaysAllows(t *testing.T) {
	var l NoopLimiter
	for i := 0; i < 1000; i++ {
		ok, err := l.Allow(context.Background(), "anything")
		require.NoError(t, err)
		require.True(t, ok)
	}
	assert.NoError(t, l.Close())
}
