package bars

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func cacheKey(sym string) CacheKey {
	return CacheKey{Symbol: sym, Start: "2025-01-01", End: "2025-06-01", Interval: Interval1d}
}

func TestCache_RoundTrip(t *testing.T) {
	c, err := NewCache(4, time.Minute)
	require.NoError(t, err)

	rows := testBars("US.AAPL", day(2025, 1, 2), day(2025, 1, 3))
	require.NoError(t, c.Put(cacheKey("US.AAPL"), rows))

	got, ok := c.Get(cacheKey("US.AAPL"))
	require.True(t, ok)
	require.Len(t, got, 2)
	assert.Equal(t, rows[0].Close, got[0].Close)
	assert.Equal(t, rows[1].Time, got[1].Time)

	_, ok = c.Get(cacheKey("US.MSFT"))
	assert.False(t, ok)

	hits, misses, size := c.Stats()
	assert.EqualValues(t, 1, hits)
	assert.EqualValues(t, 1, misses)
	assert.Equal(t, 1, size)
}

func TestCache_AccessOrderEviction(t *testing.T) {
	c, err := NewCache(2, 0)
	require.NoError(t, err)

	require.NoError(t, c.Put(cacheKey("A"), testBars("A", day(2025, 1, 2))))
	require.NoError(t, c.Put(cacheKey("B"), testBars("B", day(2025, 1, 2))))

	// Touch A so B becomes the eviction candidate.
	_, ok := c.Get(cacheKey("A"))
	require.True(t, ok)

	require.NoError(t, c.Put(cacheKey("C"), testBars("C", day(2025, 1, 2))))

	_, ok = c.Get(cacheKey("A"))
	assert.True(t, ok, "recently used entry survives")
	_, ok = c.Get(cacheKey("B"))
	assert.False(t, ok, "least recently used entry evicted")
	_, ok = c.Get(cacheKey("C"))
	assert.True(t, ok)
}

func TestCache_TTLExpiry(t *testing.T) {
	c, err := NewCache(4, 10*time.Millisecond)
	require.NoError(t, err)

	require.NoError(t, c.Put(cacheKey("A"), testBars("A", day(2025, 1, 2))))
	time.Sleep(20 * time.Millisecond)

	_, ok := c.Get(cacheKey("A"))
	assert.False(t, ok, "expired entry is a miss")
	_, _, size := c.Stats()
	assert.Zero(t, size, "expired entry is removed")
}

func TestCache_Invalidate(t *testing.T) {
	c, err := NewCache(4, 0)
	require.NoError(t, err)

	require.NoError(t, c.Put(cacheKey("A"), testBars("A", day(2025, 1, 2))))
	other := CacheKey{Symbol: "A", Start: "2025-02-01", End: "2025-03-01", Interval: Interval1d}
	require.NoError(t, c.Put(other, testBars("A", day(2025, 2, 2))))
	require.NoError(t, c.Put(cacheKey("B"), testBars("B", day(2025, 1, 2))))

	c.Invalidate("A")

	_, ok := c.Get(cacheKey("A"))
	assert.False(t, ok)
	_, ok = c.Get(other)
	assert.False(t, ok)
	_, ok = c.Get(cacheKey("B"))
	assert.True(t, ok)
}

func TestCache_InvalidCapacity(t *testing.T) {
	_, err := NewCache(0, time.Minute)
	assert.Error(t, err)
}
