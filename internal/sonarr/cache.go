package sonarr

import (
	"sync"
	"time"
)

// ttlCache is a small TTL cache with one in-flight fetch per key so
// concurrent readers do not stampede the backend.
type ttlCache[K comparable, V any] struct {
	ttl time.Duration

	mu       sync.Mutex
	entries  map[K]cacheEntry[V]
	inflight map[K]*call[V]
}

type cacheEntry[V any] struct {
	value   V
	expires time.Time
}

type call[V any] struct {
	done  chan struct{}
	value V
	err   error
}

func newTTLCache[K comparable, V any](ttl time.Duration) *ttlCache[K, V] {
	return &ttlCache[K, V]{
		ttl:      ttl,
		entries:  make(map[K]cacheEntry[V]),
		inflight: make(map[K]*call[V]),
	}
}

// getOrFetch returns the cached value for key or runs fetch, sharing the
// result with concurrent callers. Errors are not cached.
func (c *ttlCache[K, V]) getOrFetch(key K, fetch func() (V, error)) (V, error) {
	c.mu.Lock()
	if e, ok := c.entries[key]; ok && time.Now().Before(e.expires) {
		c.mu.Unlock()
		return e.value, nil
	}
	if inflight, ok := c.inflight[key]; ok {
		c.mu.Unlock()
		<-inflight.done
		return inflight.value, inflight.err
	}

	cl := &call[V]{done: make(chan struct{})}
	c.inflight[key] = cl
	c.mu.Unlock()

	cl.value, cl.err = fetch()

	c.mu.Lock()
	delete(c.inflight, key)
	if cl.err == nil {
		c.entries[key] = cacheEntry[V]{value: cl.value, expires: time.Now().Add(c.ttl)}
	}
	c.mu.Unlock()

	close(cl.done)
	return cl.value, cl.err
}

// invalidate drops every cached entry.
func (c *ttlCache[K, V]) invalidate() {
	c.mu.Lock()
	c.entries = make(map[K]cacheEntry[V])
	c.mu.Unlock()
}
