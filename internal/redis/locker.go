package redis

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Locker is a distributed keyed lock built on SET NX PX. It satisfies
// statemachine.Locker, so engine replicas serialize on the same task.
type Locker struct {
	client *redis.Client
	ttl    time.Duration
	poll   time.Duration
	logger *slog.Logger
}

// NewLocker returns a Locker whose locks expire after ttl if never released.
// ttl must outlast the longest locked section; provider calls run unlocked.
func NewLocker(client *redis.Client, ttl time.Duration, logger *slog.Logger) *Locker {
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Locker{client: client, ttl: ttl, poll: 25 * time.Millisecond, logger: logger}
}

func lockKey(key string) string { return keyPrefix + "lock:" + key }

// Lock blocks until key is acquired or ctx is done.
func (l *Locker) Lock(ctx context.Context, key string) (func(), error) {
	rkey := lockKey(key)
	token := uuid.NewString()

	ticker := time.NewTicker(l.poll)
	defer ticker.Stop()
	for {
		ok, err := l.client.SetNX(ctx, rkey, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("redis lock %s: %w", key, err)
		}
		if ok {
			return func() { l.unlock(rkey, token) }, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("lock %s: %w", key, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (l *Locker) unlock(rkey, token string) {
	// The caller's ctx may already be cancelled; release regardless.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := compareAndDelete.Run(ctx, l.client, []string{rkey}, token).Err(); err != nil {
		l.logger.Error("redis unlock failed",
			slog.String("key", rkey),
			slog.String("error", err.Error()),
		)
	}
}
