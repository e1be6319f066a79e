package kafka

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"

	"github.com/CookPiu/Bot/pkg/retry"
)

// Message is the part of a Kafka message handlers see.
type Message struct {
	Topic   string
	Key     []byte
	Value   []byte
	Offset  int64
	Headers []kafka.Header
}

// Header returns the value of the first header named key.
func (m Message) Header(key string) string {
	return HeaderCarrier(m.Headers).Get(key)
}

// HandlerFunc processes a single message. A non-nil error triggers a retry.
type HandlerFunc func(ctx context.Context, msg Message) error

// Consumer reads messages from a Kafka topic.
type Consumer interface {
	Subscribe(ctx context.Context, handler HandlerFunc) error
	Close() error
}

// ConsumerConfig describes one consumer group subscription.
type ConsumerConfig struct {
	Brokers []string
	Topic   string
	GroupID string
	// HandlerAttempts bounds calls per message before the offset is committed anyway.
	HandlerAttempts int
	RetryBaseDelay  time.Duration
}

// fetcher is the subset of *kafka.Reader the consumer uses.
type fetcher interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type consumer struct {
	reader   fetcher
	attempts int
	delay    time.Duration
	logger   *slog.Logger
}

// NewConsumer creates a consumer that commits offsets manually.
func NewConsumer(cfg ConsumerConfig, logger *slog.Logger) Consumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		Topic:          cfg.Topic,
		GroupID:        cfg.GroupID,
		MinBytes:       1,
		MaxBytes:       10e6,
		MaxWait:        500 * time.Millisecond,
		CommitInterval: 0,
		StartOffset:    kafka.FirstOffset,
	})
	return newConsumer(r, cfg, logger)
}

func newConsumer(r fetcher, cfg ConsumerConfig, logger *slog.Logger) *consumer {
	if cfg.HandlerAttempts <= 0 {
		cfg.HandlerAttempts = 3
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = 500 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &consumer{reader: r, attempts: cfg.HandlerAttempts, delay: cfg.RetryBaseDelay, logger: logger}
}

// Subscribe reads messages until ctx is cancelled. Each message is handed to
// handler with exponential backoff between failed attempts; its offset is
// committed once the handler succeeds or the attempts are used up, so a
// poison message never stalls the partition.
func (c *consumer) Subscribe(ctx context.Context, handler HandlerFunc) error {
	for {
		m, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("kafka fetch: %w", err)
		}

		msg := Message{Topic: m.Topic, Key: m.Key, Value: m.Value, Offset: m.Offset, Headers: m.Headers}
		carrier := HeaderCarrier(m.Headers)
		msgCtx := otel.GetTextMapPropagator().Extract(ctx, &carrier)

		err = retry.Do(ctx, retry.Config{
			MaxAttempts: c.attempts,
			BaseDelay:   c.delay,
			OnRetry: func(attempt int, err error) {
				c.logger.Warn("message handler failed, retrying",
					slog.String("topic", m.Topic),
					slog.Int64("offset", m.Offset),
					slog.Int("attempt", attempt),
					slog.String("error", err.Error()),
				)
			},
		}, func() error { return handler(msgCtx, msg) })
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			c.logger.Error("message handler exhausted retries, committing anyway",
				slog.String("topic", m.Topic),
				slog.Int64("offset", m.Offset),
				slog.String("error", err.Error()),
			)
		}

		if err := c.reader.CommitMessages(ctx, m); err != nil {
			c.logger.Error("failed to commit kafka offset",
				slog.String("topic", m.Topic),
				slog.Int64("offset", m.Offset),
				slog.String("error", err.Error()),
			)
		}
	}
}

func (c *consumer) Close() error {
	return c.reader.Close()
}
