package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"orgchat/internal/domain"
)

const redisGetScript = `
local version = redis.call("GET", KEYS[2]) or "0"
local data = redis.call("GET", KEYS[1]) or ""
return {version, data}
`

const redisPutScript = `
local version = redis.call("GET", KEYS[2]) or "0"
if version ~= ARGV[1] then
  return 0
end
redis.call("SET", KEYS[1], ARGV[2], "EX", ARGV[3])
return 1
`

const redisInvalidateScript = `
redis.call("DEL", KEYS[1])
local version = redis.call("INCR", KEYS[2])
redis.call("EXPIRE", KEYS[2], ARGV[1])
return version
`

type scripter interface {
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd
}

// RedisMessageCache guarda la ventana como JSON con TTL.
type RedisMessageCache struct {
	client scripter
	ttl    time.Duration
}

func NewRedisMessageCache(client *redis.Client, ttl time.Duration) *RedisMessageCache {
	return newRedisMessageCache(client, ttl)
}

func newRedisMessageCache(client scripter, ttl time.Duration) *RedisMessageCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisMessageCache{client: client, ttl: ttl}
}

func (c *RedisMessageCache) Get(ctx context.Context, roomID string) (Lookup, error) {
	res, err := c.client.Eval(ctx, redisGetScript, []string{messagesKey(roomID), versionKey(roomID)}).Slice()
	if err != nil {
		return Lookup{}, domain.Transient(fmt.Errorf("cache get %s: %w", roomID, err))
	}
	if len(res) != 2 {
		return Lookup{}, fmt.Errorf("cache get %s: unexpected reply %v", roomID, res)
	}
	lookup := Lookup{Version: fmt.Sprint(res[0])}
	data, _ := res[1].(string)
	if data == "" {
		return lookup, nil
	}
	var messages []domain.Message
	if err := json.Unmarshal([]byte(data), &messages); err != nil {
		// Entrada corrupta: se trata como miss y se reescribe en el proximo Put.
		return lookup, nil
	}
	lookup.Messages = messages
	lookup.Hit = true
	return lookup, nil
}

func (c *RedisMessageCache) Put(ctx context.Context, roomID, version string, messages []domain.Message) (bool, error) {
	if messages == nil {
		messages = []domain.Message{}
	}
	data, err := json.Marshal(messages)
	if err != nil {
		return false, fmt.Errorf("encode window %s: %w", roomID, err)
	}
	seconds := int(c.ttl.Seconds())
	if seconds <= 0 {
		seconds = int(DefaultTTL.Seconds())
	}
	stored, err := c.client.Eval(ctx, redisPutScript,
		[]string{messagesKey(roomID), versionKey(roomID)},
		version, string(data), seconds,
	).Int()
	if err != nil {
		return false, domain.Transient(fmt.Errorf("cache put %s: %w", roomID, err))
	}
	return stored == 1, nil
}

func (c *RedisMessageCache) Invalidate(ctx context.Context, roomID string) error {
	err := c.client.Eval(ctx, redisInvalidateScript,
		[]string{messagesKey(roomID), versionKey(roomID)},
		int(versionTTL.Seconds()),
	).Err()
	if err != nil {
		return domain.Transient(fmt.Errorf("cache invalidate %s: %w", roomID, err))
	}
	return nil
}
