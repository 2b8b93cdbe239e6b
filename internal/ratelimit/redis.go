package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "ratelimit:"

// allowScript runs the prune-check-append sequence server-side so it is
// atomic across all nodes sharing the Redis instance.
//
// KEYS[1] window sorted set
// ARGV[1] cutoff score (prune everything at or below)
// ARGV[2] max requests
// ARGV[3] score for the new admission
// ARGV[4] unique member for the new admission
// ARGV[5] key expiry in milliseconds
var allowScript = redis.NewScript(`
redis.call('ZREMRANGEBYSCORE', KEYS[1], 0, ARGV[1])
if redis.call('ZCARD', KEYS[1]) < tonumber(ARGV[2]) then
	redis.call('ZADD', KEYS[1], ARGV[3], ARGV[4])
	redis.call('PEXPIRE', KEYS[1], ARGV[5])
	return 1
end
return 0
`)

// RedisStore keeps admission windows in a shared Redis instance so multiple
// nodes enforce one combined budget. Each window is a sorted set of
// admission timestamps scored in unix nanoseconds.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore constructs a RedisStore over an existing client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// Allow implements Store.
func (s *RedisStore) Allow(ctx context.Context, key string, limit Limit, now time.Time) (bool, error) {
	cutoff := now.Add(-limit.Window).UnixNano()
	res, err := allowScript.Run(ctx, s.client, []string{redisKeyPrefix + key},
		strconv.FormatInt(cutoff, 10),
		strconv.Itoa(limit.MaxRequests),
		strconv.FormatInt(now.UnixNano(), 10),
		uuid.NewString(),
		strconv.FormatInt(limit.Window.Milliseconds(), 10),
	).Int()
	if err != nil {
		return false, fmt.Errorf("ratelimit: redis window %q: %w", key, err)
	}
	return res == 1, nil
}

var _ Store = (*RedisStore)(nil)
