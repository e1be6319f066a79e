package events

import (
	"context"
	"sync"
	"time"
)

// DefaultDedupWindow is how long a delivery id is remembered.
const DefaultDedupWindow = 24 * time.Hour

// Deduper remembers delivery ids for a retention window.
type Deduper interface {
	// Claim returns true the first time id is seen within the window.
	Claim(ctx context.Context, id string) (bool, error)
	// Release forgets id so a redelivery is processed again.
	Release(ctx context.Context, id string) error
}

// MemoryDeduper is a TTL map for tests and single-replica runs.
type MemoryDeduper struct {
	mu   sync.Mutex
	seen map[string]time.Time
	ttl  time.Duration
	now  func() time.Time
}

func NewMemoryDeduper(ttl time.Duration) *MemoryDeduper {
	if ttl <= 0 {
		ttl = DefaultDedupWindow
	}
	return &MemoryDeduper{seen: make(map[string]time.Time), ttl: ttl, now: time.Now}
}

func (d *MemoryDeduper) Claim(_ context.Context, id string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now()
	for k, exp := range d.seen {
		if !now.Before(exp) {
			delete(d.seen, k)
		}
	}
	if _, ok := d.seen[id]; ok {
		return false, nil
	}
	d.seen[id] = now.Add(d.ttl)
	return true, nil
}

func (d *MemoryDeduper) Release(_ context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.seen, id)
	return nil
}

// UseClock replaces the clock used for expiry.
func (d *MemoryDeduper) UseClock(now func() time.Time) *MemoryDeduper {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.now = now
	return d
}
