package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Elector holds a single leadership lease per name. The holder refreshes the
// lease on every TryAcquire; a crashed holder loses it after ttl.
type Elector struct {
	client *redis.Client
	key    string
	id     string
	ttl    time.Duration
}

// NewElector returns an Elector competing for name as instance id.
func NewElector(client *redis.Client, name, id string, ttl time.Duration) *Elector {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Elector{client: client, key: keyPrefix + "leader:" + name, id: id, ttl: ttl}
}

// ID returns this instance's id.
func (e *Elector) ID() string { return e.id }

// TryAcquire takes or renews the lease and reports whether this instance
// leads.
func (e *Elector) TryAcquire(ctx context.Context) (bool, error) {
	ok, err := e.client.SetNX(ctx, e.key, e.id, e.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis acquire %s: %w", e.key, err)
	}
	if ok {
		return true, nil
	}
	n, err := compareAndExpire.Run(ctx, e.client, []string{e.key}, e.id, e.ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("redis renew %s: %w", e.key, err)
	}
	return n == 1, nil
}

// Resign gives up the lease if held.
func (e *Elector) Resign(ctx context.Context) error {
	if err := compareAndDelete.Run(ctx, e.client, []string{e.key}, e.id).Err(); err != nil {
		return fmt.Errorf("redis resign %s: %w", e.key, err)
	}
	return nil
}
