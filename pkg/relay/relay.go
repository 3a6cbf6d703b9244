// Package relay moves encoded events from the matching core to downstream
// consumers: in-process subscribers, Kafka via kafka-go, or Kafka via sarama.
package relay

import (
	"context"
	"errors"
)

var (
	ErrQueueFull = errors.New("subscriber queue full")
	ErrClosed    = errors.New("relay closed")
)

// Message is one encoded event. Key is the market symbol so a partitioned log
// keeps per-market order.
type Message struct {
	Topic string
	Key   []byte
	Value []byte
}

// Publisher delivers messages to a transport. Implementations are injected
// handles owned by the caller, which must Close them.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
	Close() error
}

// Handler consumes one message. A returned error is logged by the caller and
// never propagates back to the producer.
type Handler func(ctx context.Context, msg Message) error

// Nop discards every message.
type Nop struct{}

func (Nop) Publish(context.Context, Message) error { return nil }
func (Nop) Close() error                           { return nil }

// Forward returns a Handler that republishes every message to p. Subscribed on
// a Bus it moves a blocking transport off the producer's goroutine.
func Forward(p Publisher) Handler {
	return func(ctx context.Context, msg Message) error {
		return p.Publish(ctx, msg)
	}
}

// Fanout calls each handler in order and returns the joined errors.
func Fanout(handlers ...Handler) Handler {
	return func(ctx context.Context, msg Message) error {
		var errs []error
		for _, h := range handlers {
			if err := h(ctx, msg); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	}
}
