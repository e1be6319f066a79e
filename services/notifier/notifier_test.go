package notifier_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	segkafka "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CookPiu/Bot/internal/channels"
	"github.com/CookPiu/Bot/internal/domain"
	"github.com/CookPiu/Bot/internal/kafka"
	"github.com/CookPiu/Bot/internal/notify"
	"github.com/CookPiu/Bot/services/notifier"
)

// ── mocks ──────────────────────────────────────────────────────────────────────

// sliceConsumer hands each queued message to the handler once, then returns.
type sliceConsumer struct {
	msgs    []kafka.Message
	results []error
}

func (c *sliceConsumer) Subscribe(ctx context.Context, h kafka.HandlerFunc) error {
	for _, m := range c.msgs {
		c.results = append(c.results, h(ctx, m))
	}
	return nil
}

func (c *sliceConsumer) Close() error { return nil }

type fakeChannel struct {
	name     string
	failures int32 // calls that fail before the first success; -1 fails forever
	calls    atomic.Int32

	mu  sync.Mutex
	got []notify.Transition
}

func (f *fakeChannel) Name() string { return f.name }

func (f *fakeChannel) Deliver(_ context.Context, t notify.Transition) error {
	n := f.calls.Add(1)
	if f.failures < 0 || n <= f.failures {
		return errors.New(f.name + " unavailable")
	}
	f.mu.Lock()
	f.got = append(f.got, t)
	f.mu.Unlock()
	return nil
}

type capturingProducer struct {
	mu   sync.Mutex
	sent []segkafka.Message
}

func (p *capturingProducer) Publish(_ context.Context, topic, key string, value []byte, headers ...segkafka.Header) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, segkafka.Message{Topic: topic, Key: []byte(key), Value: value, Headers: headers})
	return nil
}

func (p *capturingProducer) Close() error { return nil }

func transitionMsg(t *testing.T, tr notify.Transition) kafka.Message {
	t.Helper()
	raw, err := json.Marshal(tr)
	require.NoError(t, err)
	return kafka.Message{
		Topic:   notify.TopicTransitions,
		Key:     []byte(tr.TaskID),
		Value:   raw,
		Headers: []segkafka.Header{{Key: kafka.HeaderEventType, Value: []byte(notify.EventTransition)}},
	}
}

func header(m segkafka.Message, key string) string {
	return kafka.HeaderCarrier(m.Headers).Get(key)
}

// ── tests ──────────────────────────────────────────────────────────────────────

func TestNotifier_DeliversOnEveryChannel(t *testing.T) {
	chat := &fakeChannel{name: "chat"}
	email := &fakeChannel{name: "email"}
	tr := notify.Transition{TaskID: "TASK1", Title: "Login", From: domain.StatusPending, To: domain.StatusAssigned, Trigger: "assign", Assignee: "alice"}
	cons := &sliceConsumer{msgs: []kafka.Message{transitionMsg(t, tr)}}
	dlq := &capturingProducer{}

	n := notifier.New(cons, []channels.Channel{chat, email},
		notifier.WithBaseDelay(time.Millisecond),
		notifier.WithDeadLetter(dlq, "dlq"),
	)
	require.NoError(t, n.Run(context.Background()))
	n.Wait()

	require.Equal(t, []error{nil}, cons.results)
	require.Len(t, chat.got, 1)
	require.Len(t, email.got, 1)
	assert.Equal(t, "alice", chat.got[0].Assignee)
	assert.Empty(t, dlq.sent)
}

func TestNotifier_RetriesThenSucceeds(t *testing.T) {
	chat := &fakeChannel{name: "chat", failures: 2}
	n := notifier.New(&sliceConsumer{}, []channels.Channel{chat},
		notifier.WithAttempts(3),
		notifier.WithBaseDelay(time.Millisecond),
	)

	results := n.Deliver(context.Background(), notify.Transition{TaskID: "TASK1", To: domain.StatusCompleted})
	require.Len(t, results, 1)
	assert.NoError(t, results[0].Err)
	assert.Equal(t, 3, results[0].Attempts)
	assert.Len(t, chat.got, 1)
}

func TestNotifier_ExhaustedChannelIsDeadLettered(t *testing.T) {
	chat := &fakeChannel{name: "chat", failures: -1}
	email := &fakeChannel{name: "email"}
	tr := notify.Transition{TaskID: "TASK9", To: domain.StatusRejected, Trigger: "evaluate"}
	cons := &sliceConsumer{msgs: []kafka.Message{transitionMsg(t, tr)}}
	dlq := &capturingProducer{}

	n := notifier.New(cons, []channels.Channel{chat, email},
		notifier.WithAttempts(2),
		notifier.WithBaseDelay(time.Millisecond),
		notifier.WithDeadLetter(dlq, "tasks.transitions.dlq"),
	)
	require.NoError(t, n.Run(context.Background()))

	assert.Equal(t, []error{nil}, cons.results, "offset is committed after the channel is exhausted")
	assert.Equal(t, int32(2), chat.calls.Load())
	assert.Len(t, email.got, 1, "other channels are unaffected")

	require.Len(t, dlq.sent, 1)
	assert.Equal(t, "tasks.transitions.dlq", dlq.sent[0].Topic)
	assert.Equal(t, "TASK9", string(dlq.sent[0].Key))
	assert.Equal(t, "chat", header(dlq.sent[0], notifier.HeaderChannel))
	assert.Equal(t, cons.msgs[0].Value, dlq.sent[0].Value)
}

func TestNotifier_SkipsMalformedAndForeignMessages(t *testing.T) {
	chat := &fakeChannel{name: "chat"}
	cons := &sliceConsumer{msgs: []kafka.Message{
		{Value: []byte("{not json")},
		{Value: []byte(`{"title":"no id"}`)},
		{
			Value:   []byte(`{"task_id":"TASK1"}`),
			Headers: []segkafka.Header{{Key: kafka.HeaderEventType, Value: []byte("something_else")}},
		},
	}}

	n := notifier.New(cons, []channels.Channel{chat})
	require.NoError(t, n.Run(context.Background()))

	assert.Equal(t, []error{nil, nil, nil}, cons.results)
	assert.Zero(t, chat.calls.Load())
}

func TestNotifier_DeliversDailyReportWithoutTaskID(t *testing.T) {
	chat := &fakeChannel{name: "chat"}
	cons := &sliceConsumer{msgs: []kafka.Message{
		{Value: []byte(`{"trigger":"daily_report","title":"Daily report 2026-06-01","reason":"completed: 3"}`)},
	}}

	n := notifier.New(cons, []channels.Channel{chat})
	require.NoError(t, n.Run(context.Background()))
	n.Wait()

	assert.Equal(t, int32(1), chat.calls.Load())
}

func TestNotifier_DeliverBoundsConcurrency(t *testing.T) {
	var (
		active, peak atomic.Int32
		chans        []channels.Channel
	)
	for _, name := range []string{"a", "b", "c", "d", "e", "f"} {
		chans = append(chans, &slowChannel{name: name, active: &active, peak: &peak})
	}
	n := notifier.New(&sliceConsumer{}, chans, notifier.WithParallelism(2))

	results := n.Deliver(context.Background(), notify.Transition{TaskID: "TASK1"})
	require.Len(t, results, 6)
	for i, r := range results {
		assert.Equal(t, chans[i].Name(), r.Channel, "results keep channel order")
		assert.NoError(t, r.Err)
	}
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

type slowChannel struct {
	name         string
	active, peak *atomic.Int32
}

func (s *slowChannel) Name() string { return s.name }

func (s *slowChannel) Deliver(context.Context, notify.Transition) error {
	cur := s.active.Add(1)
	for {
		p := s.peak.Load()
		if cur <= p || s.peak.CompareAndSwap(p, cur) {
			break
		}
	}
	time.Sleep(5 * time.Millisecond)
	s.active.Add(-1)
	return nil
}
