package relay

import (
	"context"

	"github.com/IBM/sarama"
)

// SaramaPublisher writes messages with an IBM/sarama SyncProducer.
type SaramaPublisher struct {
	producer sarama.SyncProducer
}

func NewSaramaPublisher(brokers []string) (*SaramaPublisher, error) {
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 5
	cfg.Producer.Partitioner = sarama.NewHashPartitioner

	producer, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, err
	}
	return NewSaramaPublisherWithProducer(producer), nil
}

// NewSaramaPublisherWithProducer wraps an existing producer (a mock in tests).
func NewSaramaPublisherWithProducer(p sarama.SyncProducer) *SaramaPublisher {
	return &SaramaPublisher{producer: p}
}

// Publish sends synchronously. The producer has no context support, so ctx is
// only checked before sending.
func (p *SaramaPublisher) Publish(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, _, err := p.producer.SendMessage(&sarama.ProducerMessage{
		Topic: msg.Topic,
		Key:   sarama.ByteEncoder(msg.Key),
		Value: sarama.ByteEncoder(msg.Value),
	})
	return err
}

func (p *SaramaPublisher) Close() error {
	return p.producer.Close()
}
