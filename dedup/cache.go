package dedup

import (
	"context"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

// DefaultCapacity bounds the number of resolved instances a Cache keeps.
const DefaultCapacity = 100

type config struct {
	capacity int
	limit    rate.Limit
	burst    int
}

// Option configures a Cache.
type Option func(*config)

// WithCapacity sets the LRU bound for resolved instances.
func WithCapacity(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.capacity = n
		}
	}
}

// WithSpawnLimit paces new spawns with a token bucket. Joining an in-flight
// creation or hitting the cache never consumes a token.
func WithSpawnLimit(limit rate.Limit, burst int) Option {
	return func(c *config) {
		c.limit = limit
		c.burst = burst
	}
}

// Cache maps creation keys to live instances.
//
// The in-flight table is unbounded and an entry lives exactly as long as its
// spawn. Resolved instances live in a bounded LRU and are checked with alive
// on every lookup.
type Cache[V comparable] struct {
	mu       sync.Mutex
	group    singleflight.Group
	resolved *lru.Cache[string, V]
	alive    func(V) bool
	limiter  *rate.Limiter
}

// New creates a Cache. alive reports whether a cached instance may still be
// handed out; nil treats every instance as alive.
func New[V comparable](alive func(V) bool, opts ...Option) *Cache[V] {
	cfg := config{capacity: DefaultCapacity}
	for _, opt := range opts {
		opt(&cfg)
	}
	resolved, err := lru.New[string, V](cfg.capacity)
	if err != nil {
		// Only reachable with a non-positive size, which WithCapacity rejects.
		panic(fmt.Sprintf("dedup: %v", err))
	}
	c := &Cache[V]{resolved: resolved, alive: alive}
	if cfg.limit > 0 {
		c.limiter = rate.NewLimiter(cfg.limit, cfg.burst)
	}
	return c
}

// Acquire returns the instance for key, creating it with spawn if neither a
// live cached instance nor an in-flight creation exists.
//
// The in-flight entry is registered under the cache lock before spawn starts,
// so concurrent callers for the same key always observe it. spawn runs
// detached from the cancellation of the caller that started it; a caller
// whose ctx ends stops waiting but the creation completes for the others.
func (c *Cache[V]) Acquire(ctx context.Context, key string, spawn func(context.Context) (V, error)) (V, error) {
	var zero V

	c.mu.Lock()
	if v, ok := c.resolved.Get(key); ok {
		if c.alive == nil || c.alive(v) {
			c.mu.Unlock()
			return v, nil
		}
		c.resolved.Remove(key)
	}
	spawnCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(key, func() (any, error) {
		if c.limiter != nil {
			if err := c.limiter.Wait(spawnCtx); err != nil {
				return zero, err
			}
		}
		v, err := spawn(spawnCtx)
		if err != nil {
			return zero, err
		}
		c.mu.Lock()
		c.resolved.Add(key, v)
		c.mu.Unlock()
		return v, nil
	})
	c.mu.Unlock()

	select {
	case res := <-ch:
		if res.Err != nil {
			return zero, res.Err
		}
		return res.Val.(V), nil
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// Forget drops key if it still maps to v.
func (c *Cache[V]) Forget(key string, v V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.resolved.Peek(key); ok && cur == v {
		c.resolved.Remove(key)
	}
}

// Reset drops every resolved instance. In-flight creations are unaffected.
func (c *Cache[V]) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resolved.Purge()
}

// Len returns the number of resolved instances.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resolved.Len()
}
