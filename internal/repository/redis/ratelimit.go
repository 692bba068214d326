// Package redis carries the shared-store rate-limit backing used when
// more than one delivery worker runs at a time.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/rueidis"

	"github.com/daybook-hq/daybook/internal/ratelimit"
)

// The whole check-and-consume must be atomic across workers, hence Lua.
// A window key is created with its TTL in the same script invocation, so
// a crash can never leave a counter without an expiry.
const consumeScript = `
local c = tonumber(redis.call('GET', KEYS[1]) or '0')
if c >= tonumber(ARGV[2]) then
  return {0, c, redis.call('PTTL', KEYS[1])}
end
c = redis.call('INCR', KEYS[1])
if c == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return {1, c, redis.call('PTTL', KEYS[1])}
`

// RateLimiter implements ratelimit.Limiter on top of Redis.
type RateLimiter struct {
	client   rueidis.Client
	script   *rueidis.Lua
	limit    int
	duration time.Duration
	prefix   string
	now      func() time.Time
}

var _ ratelimit.Limiter = (*RateLimiter)(nil)

func NewRateLimiter(client rueidis.Client, limit int, duration time.Duration) *RateLimiter {
	return &RateLimiter{
		client:   client,
		script:   rueidis.NewLuaScript(consumeScript),
		limit:    limit,
		duration: duration,
		prefix:   "digest:ratelimit:",
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (r *RateLimiter) key(subjectID int64) string {
	return fmt.Sprintf("%s%d", r.prefix, subjectID)
}

func (r *RateLimiter) TryConsume(ctx context.Context, subjectID int64, bypass bool) (bool, error) {
	if bypass {
		return true, nil
	}

	res := r.script.Exec(ctx, r.client,
		[]string{r.key(subjectID)},
		[]string{
			fmt.Sprintf("%d", r.duration.Milliseconds()),
			fmt.Sprintf("%d", r.limit),
		},
	)
	vals, err := res.AsIntSlice()
	if err != nil {
		return false, fmt.Errorf("ratelimit consume: %w", err)
	}
	if len(vals) != 3 {
		return false, fmt.Errorf("ratelimit consume: unexpected reply of %d values", len(vals))
	}
	return vals[0] == 1, nil
}

func (r *RateLimiter) Usage(ctx context.Context, subjectID int64) (ratelimit.Usage, error) {
	key := r.key(subjectID)

	count, err := r.client.Do(ctx, r.client.B().Get().Key(key).Build()).AsInt64()
	if err != nil {
		if rueidis.IsRedisNil(err) {
			return ratelimit.Usage{}, nil
		}
		return ratelimit.Usage{}, fmt.Errorf("ratelimit usage: %w", err)
	}

	ttl, err := r.client.Do(ctx, r.client.B().Pttl().Key(key).Build()).AsInt64()
	if err != nil {
		return ratelimit.Usage{}, fmt.Errorf("ratelimit pttl: %w", err)
	}
	if ttl < 0 {
		// key vanished between the two calls
		return ratelimit.Usage{}, nil
	}
	return ratelimit.Usage{
		Count:   int(count),
		ResetAt: r.now().Add(time.Duration(ttl) * time.Millisecond),
	}, nil
}
