package activity

import (
	"testing"
	"time"

	"github.com/lumapix/lumapix/internal/clock"
	"github.com/stretchr/testify/require"
)

func TestTTLCacheExpiry(t *testing.T) {
	clk := clock.NewFakeClock(time.Now().UTC())
	cache := NewTTLCache[string, int](clk)
	cache.Set("a", 1, 50*time.Millisecond)
	cache.Set("b", 2, time.Hour)

	got, ok := cache.Get("a")
	require.True(t, ok)
	require.Equal(t, 1, got)

	clk.Advance(60 * time.Millisecond)
	_, ok = cache.Get("a")
	require.False(t, ok)

	// Expired entries linger until a sweep.
	require.Equal(t, 2, cache.Len())
	cache.Evict(clk.Now())
	require.Equal(t, 1, cache.Len())

	_, ok = cache.Get("b")
	require.True(t, ok)
}

func TestTrackerActiveWithin(t *testing.T) {
	clk := clock.NewFakeClock(time.Now().UTC())
	tr := &tracker{
		cache:  NewTTLCache[int64, time.Time](clk),
		clock:  clk,
		window: 10 * time.Minute,
	}

	tr.Touch(1)
	clk.Advance(5 * time.Minute)
	tr.Touch(2)

	recent := tr.ActiveWithin(2 * time.Minute)
	require.Equal(t, []int64{2}, recent)

	all := tr.ActiveWithin(10 * time.Minute)
	require.Len(t, all, 2)
	require.Equal(t, 2, tr.ActiveCount())

	// Advancing the injected clock past both windows drops the entries.
	clk.Advance(11 * time.Minute)
	require.Equal(t, 0, tr.ActiveCount())
}
