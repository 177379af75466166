package trust

import (
	"context"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"
)

// CachedSource memoizes secondary readings per tag and hour, and collapses
// concurrent fetches for the same key into one call.
type CachedSource struct {
	next  SecondarySource
	cache *cache.Cache
	group singleflight.Group
	now   func() time.Time
}

func NewCachedSource(next SecondarySource, ttl time.Duration) *CachedSource {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &CachedSource{
		next:  next,
		cache: cache.New(ttl, 2*ttl),
		now:   time.Now,
	}
}

func (c *CachedSource) key(tag string) string {
	return tag + "@" + c.now().Format("2006010215")
}

func (c *CachedSource) Fetch(ctx context.Context, tag string) (*Reading, error) {
	key := c.key(tag)
	if v, ok := c.cache.Get(key); ok {
		return v.(*Reading), nil
	}
	v, err, _ := c.group.Do(key, func() (any, error) {
		r, err := c.next.Fetch(ctx, tag)
		if err != nil {
			return nil, err
		}
		// absent readings are not cached so the next call tries again
		if r != nil {
			c.cache.SetDefault(key, r)
		}
		return r, nil
	})
	if err != nil {
		return nil, err
	}
	r, _ := v.(*Reading)
	return r, nil
}

// Invalidate drops every cached reading, e.g. after a recrawl.
func (c *CachedSource) Invalidate() { c.cache.Flush() }
