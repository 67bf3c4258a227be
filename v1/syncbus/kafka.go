package syncbus

import (
	"context"
	"sync"

	sarama "github.com/IBM/sarama"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// KafkaBus implements Bus with a single Kafka topic. Hints for every key
// share the topic; the message key carries the hint key.
type KafkaBus struct {
	*fanout
	producer sarama.SyncProducer
	consumer sarama.Consumer
	topic    string

	startOnce sync.Once
	pc        sarama.PartitionConsumer
	startErr  error
}

// NewKafkaBus creates a new KafkaBus connecting to the given brokers and
// publishing hints on topic.
func NewKafkaBus(brokers []string, topic string, cfg *sarama.Config) (*KafkaBus, error) {
	if cfg == nil {
		cfg = sarama.NewConfig()
	}
	cfg.Producer.Return.Successes = true
	client, err := sarama.NewClient(brokers, cfg)
	if err != nil {
		return nil, err
	}
	producer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	consumer, err := sarama.NewConsumerFromClient(client)
	if err != nil {
		_ = producer.Close()
		_ = client.Close()
		return nil, err
	}
	if topic == "" {
		topic = "colink-hints"
	}
	return &KafkaBus{fanout: newFanout(), producer: producer, consumer: consumer, topic: topic}, nil
}

// Publish implements Bus.Publish.
func (b *KafkaBus) Publish(ctx context.Context, key string) error {
	_, span := tracer.Start(ctx, "KafkaBus.Publish", trace.WithAttributes(attribute.String("colink.bus.key", key)))
	defer span.End()
	if err := ctx.Err(); err != nil {
		return timeoutErr(err)
	}
	msg := &sarama.ProducerMessage{Topic: b.topic, Key: sarama.StringEncoder(key), Value: sarama.ByteEncoder(nil)}
	if _, _, err := b.producer.SendMessage(msg); err != nil {
		return err
	}
	b.published.Add(1)
	return nil
}

// Subscribe implements Bus.Subscribe. The topic consumer starts with the
// first subscription and only sees hints published after it.
func (b *KafkaBus) Subscribe(ctx context.Context, key string) (chan struct{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, timeoutErr(err)
	}
	b.startOnce.Do(func() {
		b.pc, b.startErr = b.consumer.ConsumePartition(b.topic, 0, sarama.OffsetNewest)
		if b.startErr == nil {
			go b.dispatch()
		}
	})
	if b.startErr != nil {
		return nil, b.startErr
	}
	ch := make(chan struct{}, 1)
	b.add(key, ch)
	unsubscribeOnDone(ctx, b, key, ch)
	return ch, nil
}

func (b *KafkaBus) dispatch() {
	for msg := range b.pc.Messages() {
		b.deliver(string(msg.Key))
	}
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *KafkaBus) Unsubscribe(ctx context.Context, key string, ch chan struct{}) error {
	b.remove(key, ch)
	return nil
}

// Metrics returns the published and delivered counts.
func (b *KafkaBus) Metrics() Metrics { return b.metrics() }

// Close releases resources used by the KafkaBus.
func (b *KafkaBus) Close() {
	if b.pc != nil {
		_ = b.pc.Close()
	}
	_ = b.producer.Close()
	_ = b.consumer.Close()
}
