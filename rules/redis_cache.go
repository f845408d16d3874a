package rules

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/liamcoop/cartrules/internal/logger"
)

// redisOpTimeout bounds every cache round trip; on timeout the engine
// falls back to the RuleStore.
const redisOpTimeout = 250 * time.Millisecond

// RedisRulesCache shares the active rule list of one store between
// instances. Any instance mutating rules deletes the list and increments
// the generation key in one transaction, so every instance reloads from
// the RuleStore on its next evaluation and no instance can put back a list
// it read before the mutation.
type RedisRulesCache struct {
	client redis.UniversalClient
	key    string
	genKey string
	ttl    time.Duration
}

// NewRedisRulesCache creates a cache under the keys "cartrules:{storeID}:rules"
// and "cartrules:{storeID}:gen". The braces keep both keys in one cluster
// slot.
func NewRedisRulesCache(client redis.UniversalClient, storeID string, config CacheConfig) *RedisRulesCache {
	prefix := "cartrules:{" + storeID + "}:"
	return &RedisRulesCache{
		client: client,
		key:    prefix + "rules",
		genKey: prefix + "gen",
		ttl:    config.TTL,
	}
}

func (c *RedisRulesCache) ctx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), redisOpTimeout)
}

// Get returns the cached rules, or nil on a miss or any Redis failure.
func (c *RedisRulesCache) Get() []*Rule {
	ctx, cancel := c.ctx()
	defer cancel()

	data, err := c.client.Get(ctx, c.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		logger.Warn("rules cache read failed", "key", c.key, "error", err)
		return nil
	}

	rules := []*Rule{}
	if err := json.Unmarshal(data, &rules); err != nil {
		logger.Warn("rules cache entry is corrupt", "key", c.key, "error", err)
		return nil
	}
	return rules
}

func encodeRules(rules []*Rule) ([]byte, error) {
	if rules == nil {
		rules = []*Rule{}
	}
	return json.Marshal(rules)
}

// Set stores rules with the configured TTL (zero keeps the key until it is
// invalidated).
func (c *RedisRulesCache) Set(rules []*Rule) {
	data, err := encodeRules(rules)
	if err != nil {
		logger.Warn("failed to encode rules for cache", "key", c.key, "error", err)
		return
	}

	ctx, cancel := c.ctx()
	defer cancel()
	if err := c.client.Set(ctx, c.key, data, c.ttl).Err(); err != nil {
		logger.Warn("rules cache write failed", "key", c.key, "error", err)
	}
}

type stringGetter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func readGeneration(ctx context.Context, cmd stringGetter, key string) (uint64, error) {
	gen, err := cmd.Get(ctx, key).Uint64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return gen, err
}

// Generation returns the shared invalidation counter. On a Redis failure it
// returns 0, which Fill will not match once any invalidation happened.
func (c *RedisRulesCache) Generation() uint64 {
	ctx, cancel := c.ctx()
	defer cancel()

	gen, err := readGeneration(ctx, c.client, c.genKey)
	if err != nil {
		logger.Warn("rules cache generation read failed", "key", c.genKey, "error", err)
		return 0
	}
	return gen
}

// Fill stores rules only if the generation key still holds gen. The key is
// watched, so an Invalidate racing with the write aborts it.
func (c *RedisRulesCache) Fill(gen uint64, rules []*Rule) bool {
	data, err := encodeRules(rules)
	if err != nil {
		logger.Warn("failed to encode rules for cache", "key", c.key, "error", err)
		return false
	}

	ctx, cancel := c.ctx()
	defer cancel()

	var stale bool
	err = c.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := readGeneration(ctx, tx, c.genKey)
		if err != nil {
			return err
		}
		if current != gen {
			stale = true
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, c.key, data, c.ttl)
			return nil
		})
		return err
	}, c.genKey)

	switch {
	case errors.Is(err, redis.TxFailedErr):
		return false
	case err != nil:
		logger.Warn("rules cache write failed", "key", c.key, "error", err)
		return false
	}
	return !stale
}

// Invalidate deletes the shared entry and advances the generation.
func (c *RedisRulesCache) Invalidate() {
	ctx, cancel := c.ctx()
	defer cancel()
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, c.key)
		pipe.Incr(ctx, c.genKey)
		return nil
	})
	if err != nil {
		logger.Warn("rules cache invalidation failed", "key", c.key, "error", err)
	}
}

// IsValid reports whether the shared entry exists.
func (c *RedisRulesCache) IsValid() bool {
	ctx, cancel := c.ctx()
	defer cancel()
	n, err := c.client.Exists(ctx, c.key).Result()
	return err == nil && n == 1
}
