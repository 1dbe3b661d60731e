package signal

import (
	"context"
	"sync"

	sarama "github.com/IBM/sarama"
)

// DefaultKafkaTopic is the topic used when none is configured.
const DefaultKafkaTopic = "storelock-changes"

// KafkaBus implements Bus using a single-partition Kafka topic. The value of
// each message is the publishing origin.
type KafkaBus struct {
	topic    string
	client   sarama.Client
	producer sarama.SyncProducer
	consumer sarama.Consumer

	mu  sync.Mutex
	pc  sarama.PartitionConsumer
	out fanout
}

// NewKafkaBus creates a new KafkaBus connecting to the given brokers.
func NewKafkaBus(brokers []string, topic string, cfg *sarama.Config) (*KafkaBus, error) {
	if topic == "" {
		topic = DefaultKafkaTopic
	}
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
	return &KafkaBus{topic: topic, client: client, producer: producer, consumer: consumer}, nil
}

// Publish implements Bus.Publish.
func (b *KafkaBus) Publish(ctx context.Context, origin string) error {
	msg := &sarama.ProducerMessage{Topic: b.topic, Value: sarama.StringEncoder(origin)}
	if _, _, err := b.producer.SendMessage(msg); err != nil {
		return err
	}
	b.out.published.Add(1)
	return nil
}

// Subscribe implements Bus.Subscribe. Only messages produced after the first
// subscription are observed.
func (b *KafkaBus) Subscribe(ctx context.Context, origin string) (chan struct{}, error) {
	b.mu.Lock()
	if b.pc == nil {
		pc, err := b.consumer.ConsumePartition(b.topic, 0, sarama.OffsetNewest)
		if err != nil {
			b.mu.Unlock()
			return nil, err
		}
		b.pc = pc
		go b.dispatch(pc)
	}
	ch, _ := b.out.add(origin)
	b.mu.Unlock()

	unsubscribeOnDone(ctx, b, ch)
	return ch, nil
}

func (b *KafkaBus) dispatch(pc sarama.PartitionConsumer) {
	for msg := range pc.Messages() {
		b.out.deliver(string(msg.Value))
	}
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *KafkaBus) Unsubscribe(ctx context.Context, ch chan struct{}) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	removed, left := b.out.remove(ch)
	if removed && left == 0 && b.pc != nil {
		err := b.pc.Close()
		b.pc = nil
		return err
	}
	return nil
}

// Metrics returns the published and delivered counts.
func (b *KafkaBus) Metrics() Metrics { return b.out.metrics() }

// Close releases resources used by the KafkaBus.
func (b *KafkaBus) Close() error {
	b.mu.Lock()
	b.out.closeAll()
	if b.pc != nil {
		_ = b.pc.Close()
		b.pc = nil
	}
	b.mu.Unlock()
	_ = b.producer.Close()
	_ = b.consumer.Close()
	return b.client.Close()
}
