package embedding

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/synaptica-ai/trialmatch/pkg/common/logger"
)

// Cache stores encoded vectors by key.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

type RedisCache struct {
	client *redis.Client
}

func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	value, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return c.client.Set(ctx, key, value, ttl).Err()
}

// CachedProvider fronts a Provider with a read-through cache. Cache failures
// degrade to a direct call and are never returned to the caller.
type CachedProvider struct {
	next  Provider
	cache Cache
	ttl   time.Duration
}

func NewCachedProvider(next Provider, cache Cache, ttl time.Duration) *CachedProvider {
	return &CachedProvider{next: next, cache: cache, ttl: ttl}
}

func cacheKey(subject Subject, id string) string {
	return fmt.Sprintf("trialmatch:embedding:%s:%s", subject, id)
}

func (p *CachedProvider) Embed(ctx context.Context, subject Subject, id string) ([]float64, error) {
	key := cacheKey(subject, id)
	if raw, ok, err := p.cache.Get(ctx, key); err != nil {
		logger.Log.WithError(err).WithField("key", key).Warn("Embedding cache read failed")
	} else if ok {
		var vector []float64
		if err := json.Unmarshal(raw, &vector); err == nil && len(vector) > 0 {
			return vector, nil
		}
	}

	vector, err := p.next.Embed(ctx, subject, id)
	if err != nil {
		return nil, err
	}

	if raw, err := json.Marshal(vector); err == nil {
		if err := p.cache.Set(ctx, key, raw, p.ttl); err != nil {
			logger.Log.WithError(err).WithField("key", key).Warn("Embedding cache write failed")
		}
	}
	return vector, nil
}
