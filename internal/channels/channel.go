// Package channels delivers rendered transition notices to people.
package channels

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/CookPiu/Bot/internal/notify"
)

// Channel delivers one transition on a single medium.
type Channel interface {
	Deliver(ctx context.Context, t notify.Transition) error
	Name() string
}

// UnknownChannelError is returned when a configured channel was never registered.
type UnknownChannelError struct {
	Name string
}

func (e *UnknownChannelError) Error() string {
	return fmt.Sprintf("unknown notification channel: %q", e.Name)
}

// Registry maps channel names to channels.
type Registry struct {
	mu       sync.RWMutex
	channels map[string]Channel
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{channels: make(map[string]Channel)}
}

// Register adds a channel, replacing any with the same name. Safe to call concurrently.
func (r *Registry) Register(c Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.channels[c.Name()] = c
}

// Get returns the channel registered under name.
func (r *Registry) Get(name string) (Channel, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.channels[name]
	if !ok {
		return nil, &UnknownChannelError{Name: name}
	}
	return c, nil
}

// Select resolves names in order. An empty list selects every channel,
// sorted by name.
func (r *Registry) Select(names []string) ([]Channel, error) {
	if len(names) == 0 {
		r.mu.RLock()
		defer r.mu.RUnlock()
		all := make([]Channel, 0, len(r.channels))
		for _, c := range r.channels {
			all = append(all, c)
		}
		sort.Slice(all, func(i, j int) bool { return all[i].Name() < all[j].Name() })
		return all, nil
	}
	out := make([]Channel, 0, len(names))
	for _, n := range names {
		c, err := r.Get(n)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}
