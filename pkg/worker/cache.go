package worker

import (
	"time"

	"github.com/cuemby/perpetual/pkg/types"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	defaultCacheTTL  = 30 * time.Minute
	defaultCacheSize = 10000
)

// ResponseCache remembers the last response reported for each task. An
// entry expires after its TTL so an unchanged response is still reported
// now and then.
type ResponseCache struct {
	lru *expirable.LRU[string, types.TaskResponse]
}

// NewResponseCache creates a cache holding up to size entries for ttl
func NewResponseCache(size int, ttl time.Duration) *ResponseCache {
	if size <= 0 {
		size = defaultCacheSize
	}
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	return &ResponseCache{
		lru: expirable.NewLRU[string, types.TaskResponse](size, nil, ttl),
	}
}

// Unchanged reports whether resp equals the live cached response for taskID
func (c *ResponseCache) Unchanged(taskID string, resp types.TaskResponse) bool {
	cached, ok := c.lru.Get(taskID)
	return ok && cached == resp
}

// Store records resp as the last reported response for taskID
func (c *ResponseCache) Store(taskID string, resp types.TaskResponse) {
	c.lru.Add(taskID, resp)
}

// Remove forgets taskID
func (c *ResponseCache) Remove(taskID string) {
	c.lru.Remove(taskID)
}

// Len returns the number of cached entries
func (c *ResponseCache) Len() int {
	return c.lru.Len()
}
