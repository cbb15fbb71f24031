package counters

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

var incrementScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return current
`)

// Redis buckets successes into per-minute keys. Buckets self-expire after
// Retention, which bounds the widest rate-limit window a rule may use.
type Redis struct {
	Client    *redis.Client
	Prefix    string
	Retention time.Duration
	now       func() time.Time
}

func NewRedis(client *redis.Client) *Redis {
	return &Redis{
		Client:    client,
		Prefix:    "rc:",
		Retention: 24 * time.Hour,
		now:       time.Now,
	}
}

func (r *Redis) key(scope string, start time.Time) string {
	return r.Prefix + scope + ":" + strconv.FormatInt(start.Unix(), 10)
}

func (r *Redis) Value(ctx context.Context, scope string, window time.Duration) (int, error) {
	now := r.now().UTC()
	cutoff := now.Add(-window).Add(-bucketSize)
	keys := []string{}
	for start := bucketStart(now); start.After(cutoff); start = start.Add(-bucketSize) {
		keys = append(keys, r.key(scope, start))
	}
	if len(keys) == 0 {
		return 0, nil
	}
	vals, err := r.Client.MGet(ctx, keys...).Result()
	if err != nil {
		return 0, fmt.Errorf("counter value %q: %w", scope, err)
	}
	total := 0
	for _, v := range vals {
		switch t := v.(type) {
		case string:
			if n, err := strconv.Atoi(t); err == nil {
				total += n
			}
		case int64:
			total += int(t)
		}
	}
	return total, nil
}

func (r *Redis) RecordSuccess(ctx context.Context, scopes ...string) error {
	start := bucketStart(r.now())
	ttl := r.Retention
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	for _, scope := range scopes {
		if err := incrementScript.Run(ctx, r.Client, []string{r.key(scope, start)}, ttl.Milliseconds()).Err(); err != nil {
			return fmt.Errorf("counter increment %q: %w", scope, err)
		}
	}
	return nil
}
