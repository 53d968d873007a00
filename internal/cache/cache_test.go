package cache

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Frunin/diario-oficial/internal/gazette"
)

type fakeClock struct{ now time.Time }

func (f *fakeClock) Now() time.Time { return f.now }

const listingURL = "https://saojoaodelrei.mg.gov.br/pagina/9837/Diario%20Oficial"

func rawResult() gazette.AcquisitionResult {
	return gazette.AcquisitionResult{Mode: gazette.ModeRaw, Content: "<html></html>", Strategy: "direct"}
}

func TestCacheHitWithinTTL(t *testing.T) {
	t.Parallel()

	clk := &fakeClock{now: time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC)}
	c := New(10*time.Minute, clk, nil)
	c.Put(listingURL, rawResult())

	clk.now = clk.now.Add(9 * time.Minute)
	got, ok := c.Get(listingURL, nil)
	require.True(t, ok)
	require.Equal(t, "direct", got.Strategy)

	hits, misses := c.Stats()
	require.EqualValues(t, 1, hits)
	require.Zero(t, misses)
}

func TestCacheExpiresAtTTL(t *testing.T) {
	t.Parallel()

	clk := &fakeClock{now: time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC)}
	c := New(10*time.Minute, clk, nil)
	c.Put(listingURL, rawResult())

	clk.now = clk.now.Add(10 * time.Minute)
	_, ok := c.Get(listingURL, nil)
	require.False(t, ok)

	// Expired entries are evicted, not resurrected by moving the clock back.
	clk.now = clk.now.Add(-5 * time.Minute)
	_, ok = c.Get(listingURL, nil)
	require.False(t, ok)
}

func TestCacheValidatorEvicts(t *testing.T) {
	t.Parallel()

	clk := &fakeClock{now: time.Now()}
	c := New(0, clk, nil)
	c.Put(listingURL, rawResult())

	_, ok := c.Get(listingURL, func(gazette.AcquisitionResult) error { return errors.New("marker missing") })
	require.False(t, ok)

	_, ok = c.Get(listingURL, nil)
	require.False(t, ok, "rejected entry must be gone")
}

func TestCacheKeyMismatchAndOverwrite(t *testing.T) {
	t.Parallel()

	clk := &fakeClock{now: time.Now()}
	c := New(time.Minute, clk, nil)
	c.Put(listingURL, rawResult())

	_, ok := c.Get("https://other.example", nil)
	require.False(t, ok)

	next := rawResult()
	next.Strategy = "proxied"
	c.Put(listingURL, next)
	got, ok := c.Get(listingURL, nil)
	require.True(t, ok)
	require.Equal(t, "proxied", got.Strategy)

	c.Invalidate()
	_, ok = c.Get(listingURL, nil)
	require.False(t, ok)
}
