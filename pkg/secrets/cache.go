// Package secrets resolves webhook and signer secrets by reference. The
// cache is read-mostly: hits return a copy without touching the provider,
// misses and expiries refresh single-flight so a burst of readers costs
// one provider call.
package secrets

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Provider resolves a secret reference to its value.
type Provider interface {
	Resolve(ctx context.Context, ref string) (string, error)
}

// InlineProvider serves secrets from a fixed map. Dev and test only; the
// server refuses to use it unless PROXY_ALLOW_INLINE_SECRETS is set.
type InlineProvider map[string]string

func (p InlineProvider) Resolve(_ context.Context, ref string) (string, error) {
	v, ok := p[ref]
	if !ok {
		return "", fmt.Errorf("secrets: unknown ref %q", ref)
	}
	return v, nil
}

type entry struct {
	value     string
	expiresAt time.Time
}

type flight struct {
	done  chan struct{}
	value string
	err   error
}

// Cache is a per-ref TTL cache over a Provider.
type Cache struct {
	provider Provider
	ttl      time.Duration
	clock    func() time.Time

	mu      sync.Mutex
	entries map[string]entry
	flights map[string]*flight
}

// NewCache wires a cache. TTL defaults to 5 minutes.
func NewCache(p Provider, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Cache{
		provider: p,
		ttl:      ttl,
		clock:    time.Now,
		entries:  make(map[string]entry),
		flights:  make(map[string]*flight),
	}
}

// WithClock overrides the clock for tests.
func (c *Cache) WithClock(clock func() time.Time) *Cache {
	c.clock = clock
	return c
}

// Get returns the secret for ref, refreshing through the provider when the
// cached value is absent or expired. Concurrent misses for the same ref
// share one provider call.
func (c *Cache) Get(ctx context.Context, ref string) (string, error) {
	now := c.clock()

	c.mu.Lock()
	if e, ok := c.entries[ref]; ok && now.Before(e.expiresAt) {
		c.mu.Unlock()
		return e.value, nil
	}
	if f, ok := c.flights[ref]; ok {
		c.mu.Unlock()
		select {
		case <-f.done:
			return f.value, f.err
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	f := &flight{done: make(chan struct{})}
	c.flights[ref] = f
	c.mu.Unlock()

	value, err := c.provider.Resolve(ctx, ref)
	f.value, f.err = value, err
	close(f.done)

	c.mu.Lock()
	delete(c.flights, ref)
	if err == nil {
		c.entries[ref] = entry{value: value, expiresAt: now.Add(c.ttl)}
	}
	c.mu.Unlock()
	return value, err
}

// Invalidate drops a cached ref.
func (c *Cache) Invalidate(ref string) {
	c.mu.Lock()
	delete(c.entries, ref)
	c.mu.Unlock()
}
