package rules

import (
	"sync"
	"time"
)

// RulesCache caches the active rule list of one store so evaluation does
// not hit the RuleStore on every cart.
// Get returns nil on a miss; an empty non-nil slice is a hit.
//
// Every Invalidate advances the generation. A caller that fills the cache
// after a miss reads Generation before loading from the store and passes
// it to Fill, which drops the list if an invalidation happened meanwhile.
type RulesCache interface {
	Get() []*Rule
	Set(rules []*Rule)
	Generation() uint64
	Fill(gen uint64, rules []*Rule) bool
	Invalidate()
	IsValid() bool
}

type CacheConfig struct {
	// TTL is the time-to-live for cached entries.
	// Zero means entries live until invalidated by a rule mutation.
	TTL time.Duration
}

// DefaultCacheConfig invalidates on mutations only
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{TTL: 0}
}

// InMemoryRulesCache is a RulesCache local to the process.
type InMemoryRulesCache struct {
	mu       sync.RWMutex
	config   CacheConfig
	rules    []*Rule // nil when invalid
	gen      uint64
	cachedAt time.Time
	now      func() time.Time
}

func NewInMemoryRulesCache(config CacheConfig) *InMemoryRulesCache {
	return &InMemoryRulesCache{config: config, now: time.Now}
}

func (c *InMemoryRulesCache) fresh() bool {
	if c.rules == nil {
		return false
	}
	return c.config.TTL <= 0 || c.now().Sub(c.cachedAt) <= c.config.TTL
}

// Get returns copies of the cached rules, or nil on a miss.
func (c *InMemoryRulesCache) Get() []*Rule {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if !c.fresh() {
		return nil
	}
	return cloneRules(c.rules)
}

// Set stores copies of rules. An empty list is a valid cache entry.
func (c *InMemoryRulesCache) Set(rules []*Rule) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.rules = cloneRules(rules)
	c.cachedAt = c.now()
}

// Generation returns the number of invalidations so far.
func (c *InMemoryRulesCache) Generation() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.gen
}

// Fill stores rules if the cache has not been invalidated since gen.
func (c *InMemoryRulesCache) Fill(gen uint64, rules []*Rule) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.gen != gen {
		return false
	}
	c.rules = cloneRules(rules)
	c.cachedAt = c.now()
	return true
}

func (c *InMemoryRulesCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.rules = nil
	c.gen++
}

func (c *InMemoryRulesCache) IsValid() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.fresh()
}

// cloneRules never returns nil, so an empty cached list is not a miss.
func cloneRules(rules []*Rule) []*Rule {
	out := make([]*Rule, len(rules))
	for i, r := range rules {
		out[i] = r.Clone()
	}
	return out
}
