package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// incrExpireScript atomically increments key and, only on the increment that
// creates the key (value becomes 1), sets its expiry. Doing this as two
// separate round trips risks leaving a counter with no TTL if the process
// crashes between them, which would make the window permanent.
var incrExpireScript = redis.NewScript(`
local key = KEYS[1]
local ttl = tonumber(ARGV[1])
local count = redis.call("INCR", key)
if count == 1 then
    redis.call("EXPIRE", key, ttl)
end
return count
`)

// IncrWithExpire atomically increments the counter at key and ensures it
// expires after window if this call created it. Used by internal/ratelimit
// for both the sustained and burst sliding windows and by the loop guard's
// payload-fingerprint counter.
func (b *Broker) IncrWithExpire(ctx context.Context, key string, window time.Duration) (int64, error) {
	res, err := incrExpireScript.Run(ctx, b.client, []string{key}, int(window.Seconds())).Result()
	if err != nil {
		return 0, fmt.Errorf("broker: incr with expire %s: %w", key, err)
	}
	count, ok := res.(int64)
	if !ok {
		return 0, fmt.Errorf("broker: incr with expire %s: unexpected result type %T", key, res)
	}
	return count, nil
}

// TTL returns the remaining time-to-live of key, used to populate the
// X-RateLimit-Reset response header.
func (b *Broker) TTL(ctx context.Context, key string) (time.Duration, error) {
	d, err := b.client.TTL(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("broker: ttl %s: %w", key, err)
	}
	return d, nil
}
