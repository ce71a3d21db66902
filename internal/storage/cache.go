package storage

import (
	"context"
	"sync"
	"time"
)

type cacheEntry struct {
	data    []byte
	expires time.Time
}

// CachingResolver wraps another BlobResolver with a TTL-based in-memory cache.
// Only successful fetches are cached.
type CachingResolver struct {
	base BlobResolver
	ttl  time.Duration
	now  func() time.Time

	mu    sync.RWMutex
	items map[string]cacheEntry
}

// NewCachingResolver returns a resolver that caches fetched blobs for ttl.
func NewCachingResolver(base BlobResolver, ttl time.Duration) *CachingResolver {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &CachingResolver{
		base:  base,
		ttl:   ttl,
		now:   time.Now,
		items: make(map[string]cacheEntry),
	}
}

// Fetch returns cached bytes when fresh, otherwise it delegates and stores the
// result. A cached blob larger than maxBytes is re-fetched so the base resolver
// applies the cap.
func (c *CachingResolver) Fetch(ctx context.Context, ref string, maxBytes int64) ([]byte, error) {
	if c == nil || c.base == nil {
		return nil, ErrBlobStorageUnavailable
	}

	now := c.now()

	c.mu.RLock()
	entry, ok := c.items[ref]
	c.mu.RUnlock()
	if ok && now.Before(entry.expires) && (maxBytes <= 0 || int64(len(entry.data)) <= maxBytes) {
		return entry.data, nil
	}

	data, err := c.base.Fetch(ctx, ref, maxBytes)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.items[ref] = cacheEntry{data: data, expires: now.Add(c.ttl)}
	for key, e := range c.items {
		if !now.Before(e.expires) {
			delete(c.items, key)
		}
	}
	c.mu.Unlock()

	return data, nil
}

var _ BlobResolver = (*CachingResolver)(nil)
