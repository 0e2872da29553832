package mapmatch

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisCache keeps successful matches so overlapping rebuilds do not resubmit
// the same trace. Redis failures degrade to cache misses.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
	log    *zap.Logger
}

func NewRedisCache(client *redis.Client, ttl time.Duration, log *zap.Logger) *RedisCache {
	if log == nil {
		log = zap.NewNop()
	}
	return &RedisCache{client: client, ttl: ttl, log: log}
}

func (c *RedisCache) Get(ctx context.Context, key string) (*Result, bool) {
	data, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false
	}
	if err != nil {
		c.log.Warn("match cache read failed", zap.Error(err))
		return nil, false
	}
	var r Result
	if err := json.Unmarshal(data, &r); err != nil {
		c.log.Warn("match cache entry corrupt", zap.String("key", key), zap.Error(err))
		return nil, false
	}
	return &r, true
}

func (c *RedisCache) Set(ctx context.Context, key string, r *Result) {
	data, err := json.Marshal(r)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, key, data, c.ttl).Err(); err != nil {
		c.log.Warn("match cache write failed", zap.Error(err))
	}
}

// cacheKey is a deterministic hash of the request body.
func cacheKey(req *traceRequest) string {
	data, _ := json.Marshal(req)
	hash := sha256.Sum256(data)
	return fmt.Sprintf("mapmatch:%x", hash[:16])
}
