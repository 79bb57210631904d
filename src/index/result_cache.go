package index

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// generationStamp holds the generations of the six buckets a lookup reads:
// value and wildcard for symbol, tier and pattern type.
type generationStamp [6]uint64

type cachedResult struct {
	stamp generationStamp
	users []string
}

// resultCache memoises lookups by fingerprint. An entry is served only while
// its stamp still matches the live buckets, and expires after the TTL either way.
type resultCache struct {
	lru *expirable.LRU[string, cachedResult]
}

// -----------------------------------------------------------------------------

func newResultCache(size int, ttl time.Duration) *resultCache {
	return &resultCache{lru: expirable.NewLRU[string, cachedResult](size, nil, ttl)}
}

func (c *resultCache) get(key string, stamp generationStamp) ([]string, bool) {
	r, ok := c.lru.Get(key)
	if !ok || r.stamp != stamp {
		return nil, false
	}
	return r.users, true
}

func (c *resultCache) put(key string, stamp generationStamp, users []string) {
	c.lru.Add(key, cachedResult{stamp: stamp, users: users})
}

func (c *resultCache) purge() {
	c.lru.Purge()
}
