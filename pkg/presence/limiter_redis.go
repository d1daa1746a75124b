package presence

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisSignalBucketScript handles the signal window atomically in Redis.
// KEYS[1] = bucket key ("presence:<entity>")
// ARGV[1] = window in milliseconds
// ARGV[2] = current unix time in milliseconds
var redisSignalBucketScript = redis.NewScript(`
local key = KEYS[1]
local window = tonumber(ARGV[1])
local now = tonumber(ARGV[2])

local last = tonumber(redis.call("GET", key))
if last and (now - last) < window then
    return 0
end

redis.call("SET", key, now, "PX", window * 2)
return 1
`)

// RedisLimiterStore implements LimiterStore using Redis, so every replica
// fronting the same kernel observes one signal window per entity.
type RedisLimiterStore struct {
	client *redis.Client
}

// NewRedisLimiterStore creates a store backed by Redis.
func NewRedisLimiterStore(addr, password string, db int) *RedisLimiterStore {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &RedisLimiterStore{client: rdb}
}

// Allow executes the Lua script to check and advance the signal window.
func (s *RedisLimiterStore) Allow(ctx context.Context, entityID string, window time.Duration) (bool, error) {
	key := fmt.Sprintf("presence:%s", entityID)
	now := time.Now().UnixMilli()

	res, err := redisSignalBucketScript.Run(ctx, s.client, []string{key}, window.Milliseconds(), now).Result()
	if err != nil {
		return false, fmt.Errorf("redis presence limiter: %w", err)
	}
	allowed, ok := res.(int64)
	if !ok {
		return false, fmt.Errorf("invalid response from lua script")
	}
	return allowed == 1, nil
}
