package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RateLimiter decides per caller key whether one more API request fits the budget.
type RateLimiter interface {
	Allow(ctx context.Context, key string) (bool, error)
	Limit() int
}

// slidingWindow admits a request and records it only when the window still
// has room, so rejected requests do not extend a caller's penalty.
//
// KEYS[1] window set, ARGV[1] now (ms), ARGV[2] window (ms), ARGV[3] limit,
// ARGV[4] unique member.
var slidingWindow = redis.NewScript(`
redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[1] - ARGV[2])
if redis.call("ZCARD", KEYS[1]) >= tonumber(ARGV[3]) then
	return 0
end
redis.call("ZADD", KEYS[1], ARGV[1], ARGV[4])
redis.call("PEXPIRE", KEYS[1], ARGV[2])
return 1
`)

type windowLimiter struct {
	client *redis.Client
	limit  int
	window time.Duration
	now    func() time.Time
}

// NewRateLimiter allows limit requests per key in any window-long span.
func NewRateLimiter(client *redis.Client, limit int, window time.Duration) RateLimiter {
	if window <= 0 {
		window = time.Second
	}
	return &windowLimiter{client: client, limit: limit, window: window, now: time.Now}
}

func (l *windowLimiter) Limit() int { return l.limit }

func (l *windowLimiter) Allow(ctx context.Context, key string) (bool, error) {
	rkey := keyPrefix + "ratelimit:" + key
	n, err := slidingWindow.Run(ctx, l.client, []string{rkey},
		l.now().UnixMilli(), l.window.Milliseconds(), l.limit, uuid.NewString(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("redis rate limit %s: %w", key, err)
	}
	return n == 1, nil
}
