package notify

import (
	"context"

	"github.com/CookPiu/Bot/internal/kafka"
)

// TopicTransitions carries every applied transition, keyed by task id.
// Daily reports go out unkeyed.
const TopicTransitions = "tasks.transitions"

// EventTransition is the event type header value for Transition payloads.
const EventTransition = "transition"

// Kafka publishes transitions for the notifier service to deliver.
type Kafka struct {
	producer kafka.Producer
	topic    string
}

// NewKafka returns a Notifier publishing to topic (TopicTransitions when empty).
func NewKafka(p kafka.Producer, topic string) *Kafka {
	if topic == "" {
		topic = TopicTransitions
	}
	return &Kafka{producer: p, topic: topic}
}

func (k *Kafka) Notify(ctx context.Context, t Transition) error {
	return kafka.PublishJSON(ctx, k.producer, k.topic, t.TaskID, EventTransition, t)
}
