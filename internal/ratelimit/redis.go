package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// fixedWindowScript resets the hash at KEYS[1] when its window has ended,
// increments the counter and lets Redis expire the key at the window end.
// Running it as one script keeps concurrent hits from undercounting.
var fixedWindowScript = redis.NewScript(`
	local key = KEYS[1]
	local now_ms = tonumber(ARGV[1])
	local window_ms = tonumber(ARGV[2])

	local state = redis.call('HMGET', key, 'count', 'reset_ms')
	local count = tonumber(state[1])
	local reset_ms = tonumber(state[2])

	if count == nil or reset_ms == nil or now_ms >= reset_ms then
		count = 0
		reset_ms = now_ms + window_ms
	end

	count = count + 1
	redis.call('HSET', key, 'count', count, 'reset_ms', reset_ms)
	redis.call('PEXPIRE', key, math.max(1, reset_ms - now_ms))

	return { count, reset_ms }
`)

// RedisStore keeps buckets in Redis so several processes share limits.
type RedisStore struct {
	rdb redis.Scripter
}

// NewRedisStore returns a RedisStore on rdb.
func NewRedisStore(rdb redis.Scripter) *RedisStore {
	return &RedisStore{rdb: rdb}
}

// Hit implements Store.
func (s *RedisStore) Hit(ctx context.Context, key string, window time.Duration, now time.Time) (int64, time.Time, error) {
	vals, err := fixedWindowScript.Run(ctx, s.rdb, []string{key}, now.UnixMilli(), window.Milliseconds()).Result()
	if err != nil {
		return 0, time.Time{}, err
	}
	arr, ok := vals.([]interface{})
	if !ok || len(arr) != 2 {
		return 0, time.Time{}, fmt.Errorf("unexpected script result %#v", vals)
	}
	return asInt64(arr[0]), time.UnixMilli(asInt64(arr[1])), nil
}

func asInt64(v interface{}) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int:
		return int64(t)
	case float64:
		return int64(t)
	case string:
		if n, err := strconv.ParseInt(t, 10, 64); err == nil {
			return n
		}
	}
	return 0
}
