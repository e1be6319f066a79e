// Package notifier turns transition events from Kafka into chat and mail
// notices.
package notifier

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	segkafka "github.com/segmentio/kafka-go"
	"github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/CookPiu/Bot/internal/channels"
	"github.com/CookPiu/Bot/internal/kafka"
	"github.com/CookPiu/Bot/internal/notify"
	"github.com/CookPiu/Bot/pkg/retry"
	"github.com/CookPiu/Bot/pkg/telemetry"
)

// HeaderChannel names the channel a dead-lettered notice failed on.
const HeaderChannel = "taskbot-channel"

// Delivery is the outcome of one transition on one channel.
type Delivery struct {
	Channel  string
	Attempts int
	Err      error
}

// Notifier consumes transitions and delivers each on every configured channel.
type Notifier struct {
	consumer kafka.Consumer
	channels []channels.Channel

	attempts    int
	baseDelay   time.Duration
	timeout     time.Duration
	parallelism int
	dlq         kafka.Producer
	dlqTopic    string
	logger      *slog.Logger

	wg sync.WaitGroup
}

// Option configures a Notifier.
type Option func(*Notifier)

func WithAttempts(a int) Option            { return func(n *Notifier) { n.attempts = a } }
func WithBaseDelay(d time.Duration) Option { return func(n *Notifier) { n.baseDelay = d } }
func WithTimeout(d time.Duration) Option   { return func(n *Notifier) { n.timeout = d } }
func WithParallelism(p int) Option         { return func(n *Notifier) { n.parallelism = p } }
func WithLogger(l *slog.Logger) Option     { return func(n *Notifier) { n.logger = l } }

// WithDeadLetter publishes notices a channel could not deliver to topic.
func WithDeadLetter(p kafka.Producer, topic string) Option {
	return func(n *Notifier) { n.dlq, n.dlqTopic = p, topic }
}

// New constructs a Notifier delivering on chans.
func New(consumer kafka.Consumer, chans []channels.Channel, opts ...Option) *Notifier {
	n := &Notifier{
		consumer:    consumer,
		channels:    chans,
		attempts:    3,
		baseDelay:   time.Second,
		timeout:     15 * time.Second,
		parallelism: 4,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Run consumes until ctx is cancelled.
func (n *Notifier) Run(ctx context.Context) error {
	return n.consumer.Subscribe(ctx, n.handle)
}

// Wait blocks until in-flight deliveries finish. Call after Run returns.
func (n *Notifier) Wait() { n.wg.Wait() }

// handle always returns nil: channel failures are retried here and then
// dead-lettered, so the offset is committed once every channel is settled.
func (n *Notifier) handle(consumerCtx context.Context, msg kafka.Message) error {
	if ev := msg.Header(kafka.HeaderEventType); ev != "" && ev != notify.EventTransition {
		n.logger.Debug("ignoring message", slog.String("event", ev), slog.Int64("offset", msg.Offset))
		return nil
	}
	var t notify.Transition
	if err := json.Unmarshal(msg.Value, &t); err != nil || (t.TaskID == "" && t.Trigger != notify.TriggerDailyReport) {
		attrs := []any{slog.Int64("offset", msg.Offset), slog.String("raw", string(msg.Value))}
		if err != nil {
			attrs = append(attrs, slog.String("error", err.Error()))
		}
		n.logger.Error("malformed transition message, discarding", attrs...)
		return nil
	}

	n.wg.Add(1)
	defer n.wg.Done()

	ctx, span := otel.Tracer("notifier").Start(consumerCtx, "notifier.deliver")
	defer span.End()
	span.SetAttributes(
		attribute.String("task.id", t.TaskID),
		attribute.String("transition.to", string(t.To)),
		attribute.String("transition.trigger", t.Trigger),
	)

	// Deliveries outlive consumer shutdown so a notice is never half sent.
	results := n.Deliver(trace.ContextWithSpan(context.Background(), span), t)
	for _, d := range results {
		if d.Err == nil {
			continue
		}
		span.RecordError(d.Err)
		span.SetStatus(codes.Error, "channel delivery failed")
		n.deadLetter(ctx, t, d, msg.Value)
	}
	return nil
}

// Deliver sends t on every channel concurrently, retrying each with backoff.
// Results are in channel order.
func (n *Notifier) Deliver(ctx context.Context, t notify.Transition) []Delivery {
	results := make([]Delivery, len(n.channels))
	p := pool.New().WithMaxGoroutines(max(n.parallelism, 1))
	for i, ch := range n.channels {
		p.Go(func() {
			results[i] = n.deliverOne(ctx, ch, t)
		})
	}
	p.Wait()
	return results
}

func (n *Notifier) deliverOne(ctx context.Context, ch channels.Channel, t notify.Transition) Delivery {
	log := n.logger.With(slog.String("task_id", t.TaskID), slog.String("channel", ch.Name()))
	attempts, err := retry.DoCount(ctx, retry.Config{
		MaxAttempts: n.attempts,
		BaseDelay:   n.baseDelay,
		MaxDelay:    30 * time.Second,
		OnRetry: func(attempt int, err error) {
			log.Warn("delivery failed, retrying",
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()),
			)
		},
	}, func() error {
		callCtx, cancel := context.WithTimeout(ctx, n.timeout)
		defer cancel()
		return ch.Deliver(callCtx, t)
	})

	if err != nil {
		telemetry.NotificationsTotal.WithLabelValues(ch.Name(), "failed").Inc()
		log.Error("delivery exhausted retries",
			slog.Int("attempts", attempts),
			slog.String("error", err.Error()),
		)
		return Delivery{Channel: ch.Name(), Attempts: attempts, Err: err}
	}
	telemetry.NotificationsTotal.WithLabelValues(ch.Name(), "delivered").Inc()
	log.Info("notice delivered", slog.String("to", string(t.To)), slog.Int("attempts", attempts))
	return Delivery{Channel: ch.Name(), Attempts: attempts}
}

func (n *Notifier) deadLetter(ctx context.Context, t notify.Transition, d Delivery, raw []byte) {
	if n.dlq == nil {
		return
	}
	err := n.dlq.Publish(context.WithoutCancel(ctx), n.dlqTopic, t.TaskID, raw,
		segkafka.Header{Key: kafka.HeaderEventType, Value: []byte(notify.EventTransition)},
		segkafka.Header{Key: HeaderChannel, Value: []byte(d.Channel)},
	)
	if err != nil {
		n.logger.Error("failed to publish to DLQ",
			slog.String("task_id", t.TaskID),
			slog.String("channel", d.Channel),
			slog.String("error", err.Error()),
		)
	}
}
