package kafka

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	segkafka "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ── mocks ──────────────────────────────────────────────────────────────────────

type fakeReader struct {
	mu        sync.Mutex
	msgs      []segkafka.Message
	committed []int64
	done      chan struct{}
}

func (f *fakeReader) FetchMessage(ctx context.Context) (segkafka.Message, error) {
	f.mu.Lock()
	if len(f.msgs) > 0 {
		m := f.msgs[0]
		f.msgs = f.msgs[1:]
		f.mu.Unlock()
		return m, nil
	}
	f.mu.Unlock()
	close(f.done)
	<-ctx.Done()
	return segkafka.Message{}, ctx.Err()
}

func (f *fakeReader) CommitMessages(_ context.Context, msgs ...segkafka.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range msgs {
		f.committed = append(f.committed, m.Offset)
	}
	return nil
}

func (f *fakeReader) Close() error { return nil }

// ── tests ──────────────────────────────────────────────────────────────────────

func runConsumer(t *testing.T, r *fakeReader, attempts int, handler HandlerFunc) {
	t.Helper()
	c := newConsumer(r, ConsumerConfig{HandlerAttempts: attempts, RetryBaseDelay: time.Millisecond}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- c.Subscribe(ctx, handler) }()

	select {
	case <-r.done:
	case <-time.After(2 * time.Second):
		t.Fatal("consumer did not drain messages")
	}
	cancel()
	require.NoError(t, <-errCh)
}

func TestSubscribe_CommitsAfterSuccess(t *testing.T) {
	r := &fakeReader{done: make(chan struct{}), msgs: []segkafka.Message{
		{Topic: "tasks.transitions", Offset: 1, Value: []byte("a")},
		{Topic: "tasks.transitions", Offset: 2, Value: []byte("b")},
	}}
	var seen []string
	runConsumer(t, r, 3, func(_ context.Context, m Message) error {
		seen = append(seen, string(m.Value))
		return nil
	})
	assert.Equal(t, []string{"a", "b"}, seen)
	assert.Equal(t, []int64{1, 2}, r.committed)
}

func TestSubscribe_RetriesThenCommits(t *testing.T) {
	r := &fakeReader{done: make(chan struct{}), msgs: []segkafka.Message{{Offset: 7}}}
	calls := 0
	runConsumer(t, r, 3, func(context.Context, Message) error {
		calls++
		if calls < 2 {
			return errors.New("smtp down")
		}
		return nil
	})
	assert.Equal(t, 2, calls)
	assert.Equal(t, []int64{7}, r.committed)
}

func TestSubscribe_PoisonMessageDoesNotStall(t *testing.T) {
	r := &fakeReader{done: make(chan struct{}), msgs: []segkafka.Message{{Offset: 1}, {Offset: 2}}}
	calls := 0
	runConsumer(t, r, 2, func(context.Context, Message) error {
		calls++
		return errors.New("always fails")
	})
	assert.Equal(t, 4, calls)
	assert.Equal(t, []int64{1, 2}, r.committed)
}

func TestHeaderCarrier_SetOverwrites(t *testing.T) {
	var c HeaderCarrier
	c.Set("traceparent", "a")
	c.Set(HeaderEventType, "transition")
	c.Set("traceparent", "b")

	assert.Equal(t, "b", c.Get("traceparent"))
	assert.Equal(t, []string{"traceparent", HeaderEventType}, c.Keys())
	assert.Equal(t, "transition", Message{Headers: c}.Header(HeaderEventType))
	assert.Empty(t, c.Get("missing"))
}
