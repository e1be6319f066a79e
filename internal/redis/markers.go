package redis

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Markers records one-shot facts such as "reminder sent", each expiring
// after ttl.
type Markers struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewMarkers returns markers under namespace, each kept for ttl.
func NewMarkers(client *redis.Client, namespace string, ttl time.Duration) *Markers {
	return &Markers{client: client, prefix: keyPrefix + namespace + ":", ttl: ttl}
}

// Mark sets the marker and reports whether it was newly set.
func (m *Markers) Mark(ctx context.Context, parts ...string) (bool, error) {
	key := m.prefix + strings.Join(parts, ":")
	ok, err := m.client.SetNX(ctx, key, 1, m.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis mark %s: %w", key, err)
	}
	return ok, nil
}

// Unmark clears a marker so the fact can be recorded again.
func (m *Markers) Unmark(ctx context.Context, parts ...string) error {
	key := m.prefix + strings.Join(parts, ":")
	if err := m.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis unmark %s: %w", key, err)
	}
	return nil
}
