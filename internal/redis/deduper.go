package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

func deliveryKey(id string) string { return keyPrefix + "delivery:" + id }

// Deduper remembers webhook delivery ids with SET NX EX. It satisfies
// events.Deduper.
type Deduper struct {
	client *redis.Client
	ttl    time.Duration
}

// NewDeduper returns a Deduper keeping ids for ttl.
func NewDeduper(client *redis.Client, ttl time.Duration) *Deduper {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Deduper{client: client, ttl: ttl}
}

func (d *Deduper) Claim(ctx context.Context, id string) (bool, error) {
	ok, err := d.client.SetNX(ctx, deliveryKey(id), time.Now().UTC().Format(time.RFC3339), d.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis claim delivery %s: %w", id, err)
	}
	return ok, nil
}

func (d *Deduper) Release(ctx context.Context, id string) error {
	if err := d.client.Del(ctx, deliveryKey(id)).Err(); err != nil {
		return fmt.Errorf("redis release delivery %s: %w", id, err)
	}
	return nil
}
