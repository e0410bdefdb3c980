// Package querycache layers a client-side response cache over apiclient.
// Reads are cached per resolved URL for a configurable staleness window and,
// optionally, identical in-flight reads are coalesced. Writes evict by path prefix.
package querycache

import (
	"strings"
	"sync/atomic"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/drfirst/go-mar/pkg/apiclient"
)

// Policy is the staleness and de-duplication policy of a Cache
type Policy struct {
	// StaleAfter is how long a successful read is served from the cache
	StaleAfter time.Duration
	// CleanupInterval is how often expired entries are purged
	CleanupInterval time.Duration
	// Dedupe coalesces concurrent reads of the same key into one request. The
	// request runs with the options of the caller that started it, so a joining
	// caller's OnResponse and Silent are not applied.
	Dedupe bool
}

// DefaultPolicy returns the policy used by the MAR service
func DefaultPolicy() Policy {
	return Policy{
		StaleAfter:      30 * time.Second,
		CleanupInterval: 5 * time.Minute,
		Dedupe:          true,
	}
}

// Recorder observes cache lookups
type Recorder interface {
	ObserveCache(route string, hit bool)
}

// Stats is a snapshot of cache counters
type Stats struct {
	Hits    int64
	Misses  int64
	Shared  int64
	Entries int
}

// Cache stores successful read results keyed by resolved URL
type Cache struct {
	store    *gocache.Cache
	group    singleflight.Group
	policy   Policy
	logger   *zap.Logger
	recorder Recorder

	hits   atomic.Int64
	misses atomic.Int64
	shared atomic.Int64
}

// New creates a cache with the given policy
func New(policy Policy, logger *zap.Logger, recorder Recorder) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	if policy.CleanupInterval <= 0 {
		policy.CleanupInterval = DefaultPolicy().CleanupInterval
	}
	return &Cache{
		store:    gocache.New(policy.StaleAfter, policy.CleanupInterval),
		policy:   policy,
		logger:   logger,
		recorder: recorder,
	}
}

// Policy returns the active policy
func (c *Cache) Policy() Policy { return c.policy }

// Key builds the cache key of a read. A non-empty token makes the key private
// to one query instance.
func Key(path string, pathParams map[string]any, query apiclient.Query, token string) string {
	key := apiclient.MakeURL(path, query, pathParams)
	if token != "" {
		key += "#" + token
	}
	return key
}

// Invalidate evicts every entry whose key starts with prefix and returns how many were removed
func (c *Cache) Invalidate(prefix string) int {
	removed := 0
	for key := range c.store.Items() {
		if strings.HasPrefix(key, prefix) {
			c.store.Delete(key)
			removed++
		}
	}
	if removed > 0 {
		c.logger.Debug("cache invalidated",
			zap.String("prefix", prefix),
			zap.Int("entries", removed))
	}
	return removed
}

// Stats returns current counters
func (c *Cache) Stats() Stats {
	return Stats{
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
		Shared:  c.shared.Load(),
		Entries: c.store.ItemCount(),
	}
}

func (c *Cache) lookup(route, key string) (interface{}, bool) {
	if c.policy.StaleAfter <= 0 {
		c.observe(route, false)
		return nil, false
	}
	v, ok := c.store.Get(key)
	c.observe(route, ok)
	return v, ok
}

func (c *Cache) observe(route string, hit bool) {
	if hit {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}
	if c.recorder != nil {
		c.recorder.ObserveCache(route, hit)
	}
}

func (c *Cache) put(key string, v interface{}, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	c.store.Set(key, v, ttl)
}
