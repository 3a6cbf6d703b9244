package relay

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeWriter struct {
	mu     sync.Mutex
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { w.closed = true; return nil }

func (w *fakeWriter) written() []kafka.Message {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]kafka.Message(nil), w.msgs...)
}

// fakeReader serves queued messages, then blocks until ctx is done.
type fakeReader struct {
	queue     []kafka.Message
	committed []int64
	commitErr error
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	if len(r.queue) == 0 {
		<-ctx.Done()
		return kafka.Message{}, ctx.Err()
	}
	m := r.queue[0]
	r.queue = r.queue[1:]
	return m, nil
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	if r.commitErr != nil {
		return r.commitErr
	}
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error { return nil }

func TestKafkaPublisherWritesTopicKeyValue(t *testing.T) {
	w := &fakeWriter{}
	p := newKafkaPublisherWithWriter(w)

	require.NoError(t, p.Publish(context.Background(), Message{Topic: "trades", Key: []byte("BTC_USDC"), Value: []byte(`{"id":"7"}`)}))
	got := w.written()
	require.Len(t, got, 1)
	assert.Equal(t, "trades", got[0].Topic)
	assert.Equal(t, "BTC_USDC", string(got[0].Key))
	assert.Equal(t, `{"id":"7"}`, string(got[0].Value))

	w.err = errors.New("leader not available")
	assert.EqualError(t, p.Publish(context.Background(), Message{Topic: "trades"}), "leader not available")

	require.NoError(t, p.Close())
	assert.True(t, w.closed)
}

func TestKafkaConsumerCommitsAfterHandler(t *testing.T) {
	r := &fakeReader{queue: []kafka.Message{
		{Topic: "commands", Key: []byte("a"), Value: []byte("1"), Offset: 10},
		{Topic: "commands", Key: []byte("b"), Value: []byte("bad"), Offset: 11},
		{Topic: "commands", Key: []byte("c"), Value: []byte("3"), Offset: 12},
	}}
	c := newKafkaConsumerWithReader(r, zap.NewNop().Sugar())

	ctx, cancel := context.WithCancel(context.Background())
	var seen []string
	handler := func(_ context.Context, m Message) error {
		seen = append(seen, string(m.Key))
		if len(seen) == 3 {
			cancel()
		}
		if string(m.Value) == "bad" {
			return errors.New("decode")
		}
		return nil
	}

	require.NoError(t, c.Run(ctx, handler))
	assert.Equal(t, []string{"a", "b", "c"}, seen)
	// the failing record is committed too
	assert.Equal(t, []int64{10, 11, 12}, r.committed)
}

func TestKafkaConsumerReturnsCommitError(t *testing.T) {
	r := &fakeReader{
		queue:     []kafka.Message{{Topic: "trades", Offset: 1}},
		commitErr: errors.New("rebalance in progress"),
	}
	c := newKafkaConsumerWithReader(r, zap.NewNop().Sugar())
	err := c.Run(context.Background(), func(context.Context, Message) error { return nil })
	assert.EqualError(t, err, "rebalance in progress")
}

func TestForwardKeepsSlowTransportOffProducer(t *testing.T) {
	ctx := context.Background()
	bus := NewBus(zap.NewNop().Sugar(), nil)

	release := make(chan struct{})
	w := &blockingWriter{fakeWriter: &fakeWriter{}, release: release}
	require.NoError(t, bus.Subscribe(ctx, "trades", "kafka-trades", 8, Forward(newKafkaPublisherWithWriter(w))))

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 3; i++ {
			_ = bus.Publish(ctx, Message{Topic: "trades", Key: []byte("BTC_USDC")})
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("bus publish blocked on the kafka writer")
	}

	close(release)
	require.NoError(t, bus.Close())
	assert.Len(t, w.written(), 3)
}

type blockingWriter struct {
	*fakeWriter
	release chan struct{}
}

func (w *blockingWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	<-w.release
	return w.fakeWriter.WriteMessages(ctx, msgs...)
}

func TestFanoutCallsEveryHandler(t *testing.T) {
	var a, b collector
	h := Fanout(a.handle, func(context.Context, Message) error { return errors.New("late trade") }, b.handle)
	err := h(context.Background(), Message{Topic: "trades"})
	assert.EqualError(t, err, "late trade")
	assert.Equal(t, 1, a.len())
	assert.Equal(t, 1, b.len())
}
