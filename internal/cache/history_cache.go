package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	redisv9 "github.com/redis/go-redis/v9"

	"github.com/abhinavkale-dev/ChatPulse/internal/model"
)

const historyKeyPrefix = "chat:history:"

// appendScript extends an existing history list and refreshes its TTL in
// one atomic step, so concurrent appends to the same room never lose an
// entry. A missing key is left alone: the store already holds the message
// and the next read rebuilds a complete entry.
var appendScript = redisv9.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
	return 0
end
redis.call("RPUSH", KEYS[1], ARGV[1])
redis.call("EXPIRE", KEYS[1], ARGV[2])
return 1
`)

// HistoryCache is a read-through accelerator over the durable message
// store. Each room's history is a Redis list holding one JSON document per
// message. It is never authoritative: every entry is rebuilt from MySQL on
// miss and expires on its own TTL.
type HistoryCache struct {
	client     *redisv9.Client
	historyTTL time.Duration
}

func NewHistoryCache(client *redisv9.Client, historyTTL time.Duration) *HistoryCache {
	if historyTTL <= 0 {
		historyTTL = 24 * time.Hour
	}
	return &HistoryCache{
		client:     client,
		historyTTL: historyTTL,
	}
}

func (c *HistoryCache) Get(ctx context.Context, room string) ([]model.Message, bool, error) {
	items, err := c.client.LRange(ctx, historyKey(room), 0, -1).Result()
	if err != nil {
		return nil, false, fmt.Errorf("redis get history failed: %w", err)
	}
	if len(items) == 0 {
		// Redis drops empty lists, so no items means no entry.
		return nil, false, nil
	}

	messages := make([]model.Message, 0, len(items))
	for _, raw := range items {
		var msg model.Message
		if err := json.Unmarshal([]byte(raw), &msg); err != nil {
			return nil, false, fmt.Errorf("unmarshal cached history failed: %w", err)
		}
		messages = append(messages, msg)
	}
	return messages, true, nil
}

// Set replaces a room's cached history. An empty history has no entry;
// setting no messages just clears the key.
func (c *HistoryCache) Set(ctx context.Context, room string, messages []model.Message) error {
	payloads := make([]interface{}, 0, len(messages))
	for _, msg := range messages {
		raw, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("marshal history cache failed: %w", err)
		}
		payloads = append(payloads, raw)
	}

	key := historyKey(room)
	pipe := c.client.TxPipeline()
	pipe.Del(ctx, key)
	if len(payloads) > 0 {
		pipe.RPush(ctx, key, payloads...)
		pipe.Expire(ctx, key, c.historyTTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis set history failed: %w", err)
	}
	return nil
}

// Append extends an existing cache entry with a freshly persisted message
// and refreshes its TTL. A miss is a no-op.
func (c *HistoryCache) Append(ctx context.Context, room string, msg model.Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal history cache failed: %w", err)
	}
	err = appendScript.Run(ctx, c.client, []string{historyKey(room)}, payload, int(c.historyTTL.Seconds())).Err()
	if err != nil {
		return fmt.Errorf("redis append history failed: %w", err)
	}
	return nil
}

func (c *HistoryCache) Delete(ctx context.Context, room string) error {
	if err := c.client.Del(ctx, historyKey(room)).Err(); err != nil {
		return fmt.Errorf("redis delete history failed: %w", err)
	}
	return nil
}

// Flush drops every room history entry. Used by the retention sweeper
// after a wholesale message purge.
func (c *HistoryCache) Flush(ctx context.Context) error {
	var cursor uint64
	for {
		keys, next, err := c.client.Scan(ctx, cursor, historyKeyPrefix+"*", 100).Result()
		if err != nil {
			return fmt.Errorf("redis scan history keys failed: %w", err)
		}
		if len(keys) > 0 {
			if err := c.client.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("redis flush history failed: %w", err)
			}
		}
		if next == 0 {
			return nil
		}
		cursor = next
	}
}

func historyKey(room string) string {
	return historyKeyPrefix + room
}
