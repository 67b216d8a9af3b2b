package secrets

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingProvider tracks resolve calls and can be made slow to force
// concurrent callers into the same flight.
type countingProvider struct {
	values map[string]string
	calls  atomic.Int64
	delay  time.Duration
}

func (p *countingProvider) Resolve(_ context.Context, ref string) (string, error) {
	p.calls.Add(1)
	if p.delay > 0 {
		time.Sleep(p.delay)
	}
	v, ok := p.values[ref]
	if !ok {
		return "", errors.New("no such ref")
	}
	return v, nil
}

func TestCache_HitDoesNotTouchProvider(t *testing.T) {
	p := &countingProvider{values: map[string]string{"whsec/ep_1": "s3cret"}}
	c := NewCache(p, time.Minute)

	for i := 0; i < 5; i++ {
		v, err := c.Get(context.Background(), "whsec/ep_1")
		require.NoError(t, err)
		assert.Equal(t, "s3cret", v)
	}
	assert.Equal(t, int64(1), p.calls.Load())
}

func TestCache_TTLExpiryRefreshes(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	p := &countingProvider{values: map[string]string{"ref": "v1"}}
	c := NewCache(p, time.Minute).WithClock(func() time.Time { return now })

	_, err := c.Get(context.Background(), "ref")
	require.NoError(t, err)

	// Still fresh just before the TTL boundary.
	now = now.Add(59 * time.Second)
	_, err = c.Get(context.Background(), "ref")
	require.NoError(t, err)
	assert.Equal(t, int64(1), p.calls.Load())

	// Rotated upstream; the refresh after expiry picks it up.
	p.values["ref"] = "v2"
	now = now.Add(2 * time.Second)
	v, err := c.Get(context.Background(), "ref")
	require.NoError(t, err)
	assert.Equal(t, "v2", v)
	assert.Equal(t, int64(2), p.calls.Load())
}

func TestCache_InvalidateForcesRefresh(t *testing.T) {
	p := &countingProvider{values: map[string]string{"ref": "v1"}}
	c := NewCache(p, time.Hour)

	_, err := c.Get(context.Background(), "ref")
	require.NoError(t, err)

	p.values["ref"] = "v2"
	c.Invalidate("ref")

	v, err := c.Get(context.Background(), "ref")
	require.NoError(t, err)
	assert.Equal(t, "v2", v)
	assert.Equal(t, int64(2), p.calls.Load())
}

func TestCache_ConcurrentMissesShareOneFlight(t *testing.T) {
	p := &countingProvider{values: map[string]string{"ref": "v"}, delay: 50 * time.Millisecond}
	c := NewCache(p, time.Minute)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := c.Get(context.Background(), "ref")
			assert.NoError(t, err)
			assert.Equal(t, "v", v)
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, p.calls.Load(), int64(2))
}

func TestCache_ErrorNotCached(t *testing.T) {
	p := &countingProvider{values: map[string]string{}}
	c := NewCache(p, time.Minute)

	_, err := c.Get(context.Background(), "missing")
	require.Error(t, err)
	_, err = c.Get(context.Background(), "missing")
	require.Error(t, err)
	assert.Equal(t, int64(2), p.calls.Load())
}

func TestInlineProvider(t *testing.T) {
	p := InlineProvider{"a": "1"}
	v, err := p.Resolve(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, "1", v)

	_, err = p.Resolve(context.Background(), "b")
	require.Error(t, err)
}
