package ratelimit

import (
	"context"
	"fmt"
	"time"

	redisv9 "github.com/redis/go-redis/v9"
)

// Counter increments a windowed counter and reports the new count. The
// first increment of a key starts its window.
type Counter interface {
	Incr(ctx context.Context, key string, window time.Duration) (int64, error)
}

// incrScript bumps the counter and backfills the window expiry whenever
// the key has none. Running both in one script keeps the invariant that a
// counter key always carries a TTL; a key stranded without one would
// accumulate across windows and never reset.
var incrScript = redisv9.NewScript(`
local count = redis.call("INCR", KEYS[1])
if redis.call("TTL", KEYS[1]) == -1 then
	redis.call("EXPIRE", KEYS[1], ARGV[1])
end
return count
`)

// RedisCounter is the shared counting backend. Counters live in Redis so
// every connection of a user shares one bucket and idle keys expire on
// their own.
type RedisCounter struct {
	client *redisv9.Client
}

func NewRedisCounter(client *redisv9.Client) *RedisCounter {
	return &RedisCounter{client: client}
}

func (c *RedisCounter) Incr(ctx context.Context, key string, window time.Duration) (int64, error) {
	count, err := incrScript.Run(ctx, c.client, []string{key}, int(window.Seconds())).Int64()
	if err != nil {
		return 0, fmt.Errorf("redis incr rate counter failed: %w", err)
	}
	return count, nil
}
