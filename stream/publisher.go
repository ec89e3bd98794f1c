package stream

import (
	"context"

	"github.com/twmb/franz-go/pkg/kgo"
)

// DefaultEventTopic carries stream lifecycle events.
const DefaultEventTopic = "stream-events"

// EventPublisher pushes lifecycle events to the bus. Publishing is
// best-effort on the End path; the Coordinator logs failures and lets the
// reconcile sweep retry.
type EventPublisher interface {
	Publish(ctx context.Context, key string, payload []byte) error
}

// KafkaPublisher is the production EventPublisher.
type KafkaPublisher struct {
	client *kgo.Client
	topic  string
}

// NewKafkaPublisher builds a publisher for the given brokers. Topic falls
// back to DefaultEventTopic when empty.
func NewKafkaPublisher(brokers []string, clientID, topic string) (*KafkaPublisher, error) {
	if topic == "" {
		topic = DefaultEventTopic
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ClientID(clientID),
		kgo.ProducerLinger(0),
	)
	if err != nil {
		return nil, err
	}
	return &KafkaPublisher{client: client, topic: topic}, nil
}

// Publish sends one event keyed by session id, waiting for the ack.
func (p *KafkaPublisher) Publish(ctx context.Context, key string, payload []byte) error {
	rec := &kgo.Record{Topic: p.topic, Key: []byte(key), Value: payload}
	return p.client.ProduceSync(ctx, rec).FirstErr()
}

// Close flushes and shuts the producer down.
func (p *KafkaPublisher) Close() {
	p.client.Close()
}
