package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"odin/internal/metrics"
)

// ResponseCache keeps upstream response bodies in memory, bounded by entry
// count and age. A nil *ResponseCache is valid and never hits.
type ResponseCache struct {
	name   string
	lru    *expirable.LRU[string, []byte]
	hits   atomic.Int64
	misses atomic.Int64
}

// Stats is a snapshot of a cache's counters
type Stats struct {
	Entries int   `json:"entries"`
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
}

// New creates a cache holding at most size entries for ttl each.
// It returns nil when size is not positive.
func New(name string, size int, ttl time.Duration) *ResponseCache {
	if size <= 0 {
		return nil
	}
	return &ResponseCache{
		name: name,
		lru:  expirable.NewLRU[string, []byte](size, nil, ttl),
	}
}

// Key builds a cache key from its parts
func Key(parts ...string) string {
	hash := sha256.Sum256([]byte(strings.Join(parts, "\x00")))
	return hex.EncodeToString(hash[:])
}

// Get returns the cached body for key
func (c *ResponseCache) Get(key string) ([]byte, bool) {
	if c == nil {
		return nil, false
	}
	data, ok := c.lru.Get(key)
	if ok {
		c.hits.Add(1)
		metrics.CacheLookups.WithLabelValues(c.name, "hit").Inc()
	} else {
		c.misses.Add(1)
		metrics.CacheLookups.WithLabelValues(c.name, "miss").Inc()
	}
	return data, ok
}

// Put stores body under key. Callers must not modify body afterwards.
func (c *ResponseCache) Put(key string, body []byte) {
	if c == nil {
		return
	}
	c.lru.Add(key, body)
}

// Purge drops every entry
func (c *ResponseCache) Purge() {
	if c == nil {
		return
	}
	c.lru.Purge()
}

// Stats returns the current counters
func (c *ResponseCache) Stats() Stats {
	if c == nil {
		return Stats{}
	}
	return Stats{
		Entries: c.lru.Len(),
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
	}
}
