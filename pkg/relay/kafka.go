package relay

import (
	"context"
	"errors"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// kafkaWriter is the part of *kafka.Writer the publisher uses.
type kafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// kafkaReader is the part of *kafka.Reader the consumer uses.
type kafkaReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes messages with segmentio/kafka-go. The topic is taken
// from each Message. Publish blocks until the brokers ack, so it belongs behind
// a Bus subscription (see Forward), never on the matching goroutine.
type KafkaPublisher struct {
	writer kafkaWriter
}

func NewKafkaPublisher(brokers []string) *KafkaPublisher {
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Balancer:               &kafka.Hash{}, // same market -> same partition
			RequiredAcks:           kafka.RequireAll,
			Async:                  false,
			MaxAttempts:            3,
			WriteTimeout:           5 * time.Second,
			BatchTimeout:           10 * time.Millisecond,
			AllowAutoTopicCreation: true,
		},
	}
}

func newKafkaPublisherWithWriter(w kafkaWriter) *KafkaPublisher {
	return &KafkaPublisher{writer: w}
}

func (p *KafkaPublisher) Publish(ctx context.Context, msg Message) error {
	return p.writer.WriteMessages(ctx, kafka.Message{
		Topic: msg.Topic,
		Key:   msg.Key,
		Value: msg.Value,
	})
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// KafkaConsumer reads one topic as part of a consumer group and commits each
// offset after the handler returns, giving at-least-once delivery.
type KafkaConsumer struct {
	reader kafkaReader
	log    *zap.SugaredLogger
}

func NewKafkaConsumer(brokers []string, groupID, topic string, log *zap.SugaredLogger) *KafkaConsumer {
	return newKafkaConsumerWithReader(kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		GroupID:  groupID,
		Topic:    topic,
		MinBytes: 1,
		MaxBytes: 10 << 20, // 10MB
		MaxWait:  250 * time.Millisecond,
	}), log)
}

func newKafkaConsumerWithReader(r kafkaReader, log *zap.SugaredLogger) *KafkaConsumer {
	return &KafkaConsumer{reader: r, log: log}
}

// Run delivers messages to handler until ctx is done. Handler errors are logged
// and the offset is still committed so one bad record cannot wedge the group.
func (c *KafkaConsumer) Run(ctx context.Context, handler Handler) error {
	for {
		m, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return err
		}
		if err := handler(ctx, Message{Topic: m.Topic, Key: m.Key, Value: m.Value}); err != nil {
			c.log.Warnw("kafka_handler_failed", "topic", m.Topic, "partition", m.Partition, "offset", m.Offset, "err", err)
		}
		if err := c.reader.CommitMessages(ctx, m); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

func (c *KafkaConsumer) Close() error {
	return c.reader.Close()
}
