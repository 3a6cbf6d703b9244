package relay

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/uhyunpark/hyperspot/pkg/metrics"
)

// Bus is an in-process Publisher. Every subscriber owns a bounded queue drained
// by its own goroutine, so a slow consumer never stalls the producer; when a
// queue is full the message is dropped for that subscriber only.
type Bus struct {
	log     *zap.SugaredLogger
	metrics *metrics.Metrics

	mu     sync.RWMutex
	subs   map[string][]*subscriber // topic -> subscribers
	closed bool
	wg     sync.WaitGroup
}

type subscriber struct {
	name    string
	ch      chan Message
	handler Handler
}

func NewBus(log *zap.SugaredLogger, m *metrics.Metrics) *Bus {
	return &Bus{
		log:     log,
		metrics: m,
		subs:    make(map[string][]*subscriber),
	}
}

// Subscribe registers handler for topic and starts its consumer goroutine,
// which runs until ctx is done or the bus is closed.
func (b *Bus) Subscribe(ctx context.Context, topic, name string, capacity int, handler Handler) error {
	if capacity <= 0 {
		capacity = 1
	}
	s := &subscriber{name: name, ch: make(chan Message, capacity), handler: handler}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	b.subs[topic] = append(b.subs[topic], s)
	b.wg.Add(1)
	b.mu.Unlock()

	go func() {
		defer b.wg.Done()
		b.consume(ctx, topic, s)
	}()
	return nil
}

func (b *Bus) consume(ctx context.Context, topic string, s *subscriber) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-s.ch:
			if !ok {
				return
			}
			if err := s.handler(ctx, msg); err != nil {
				b.log.Warnw("relay_handler_failed", "subscriber", s.name, "topic", topic, "err", err)
			}
		}
	}
}

// Publish enqueues msg for every subscriber of its topic without blocking.
// Drops are counted and reported as ErrQueueFull.
func (b *Bus) Publish(_ context.Context, msg Message) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}

	var dropped []string
	for _, s := range b.subs[msg.Topic] {
		select {
		case s.ch <- msg:
		default:
			dropped = append(dropped, s.name)
			b.metrics.RelayDropped(s.name)
		}
	}
	if len(dropped) > 0 {
		return fmt.Errorf("%w: topic=%s subscribers=%v", ErrQueueFull, msg.Topic, dropped)
	}
	return nil
}

// Close stops accepting messages, lets consumers drain what is queued and waits
// for them to exit.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	for _, subs := range b.subs {
		for _, s := range subs {
			close(s.ch)
		}
	}
	b.mu.Unlock()

	b.wg.Wait()
	return nil
}
