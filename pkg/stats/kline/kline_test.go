package kline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/uhyunpark/hyperspot/pkg/event"
	"github.com/uhyunpark/hyperspot/pkg/relay"
	"github.com/uhyunpark/hyperspot/pkg/storage"
	"github.com/uhyunpark/hyperspot/pkg/util"
)

const btc = "BTC_USDC"

func at(hh, mm, ss int) time.Time {
	return time.Date(2024, 3, 1, hh, mm, ss, 0, time.UTC)
}

func trade(id uint64, price, qty int64, ts time.Time) event.Trade {
	return event.Trade{Market: btc, ID: id, Price: price, Quantity: qty, QuoteQuantity: price * qty, Timestamp: ts.UnixMilli()}
}

func TestBucketAlignment(t *testing.T) {
	m1, _ := ParseInterval("1m")
	s1, e1 := m1.Bucket(at(12, 0, 59).UnixMilli())
	s2, _ := m1.Bucket(at(12, 1, 1).UnixMilli())
	assert.Equal(t, at(12, 0, 0).UnixMilli(), s1)
	assert.Equal(t, at(12, 1, 0).UnixMilli(), e1)
	assert.Equal(t, e1, s2)

	d1, _ := ParseInterval("1d")
	start, end := d1.Bucket(at(23, 59, 59).UnixMilli())
	assert.Equal(t, at(0, 0, 0).UnixMilli(), start)
	assert.Equal(t, at(0, 0, 0).Add(24*time.Hour).UnixMilli(), end)

	m15, _ := ParseInterval("15m")
	start, _ = m15.Bucket(at(12, 29, 0).UnixMilli())
	assert.Equal(t, at(12, 15, 0).UnixMilli(), start)

	start, end = m1.Bucket(-1)
	assert.EqualValues(t, -60_000, start)
	assert.EqualValues(t, 0, end)

	_, err := ParseInterval("2m")
	assert.ErrorIs(t, err, ErrUnknownInterval)
}

func TestLiveStartsNewCandleAtBoundary(t *testing.T) {
	m1, _ := ParseInterval("1m")
	l := NewLive(zap.NewNop().Sugar(), nil, m1)

	l.Update(trade(1, 100, 1, at(12, 0, 59)))
	c, ok := l.Current(btc, "1m")
	require.True(t, ok)
	assert.Equal(t, at(12, 0, 0).UnixMilli(), c.Start)

	l.Update(trade(2, 110, 2, at(12, 1, 1)))
	c, _ = l.Current(btc, "1m")
	assert.Equal(t, at(12, 1, 0).UnixMilli(), c.Start)
	assert.EqualValues(t, 110, c.Open)
	assert.EqualValues(t, 2, c.Volume)
	assert.EqualValues(t, 1, c.Trades)
}

func TestLiveExtendsAndIgnoresLateTrades(t *testing.T) {
	l := NewLive(zap.NewNop().Sugar(), nil)

	l.Update(trade(1, 100, 1, at(12, 0, 10)))
	l.Update(trade(2, 120, 1, at(12, 0, 20)))
	l.Update(trade(3, 90, 2, at(12, 0, 30)))

	c, _ := l.Current(btc, "1m")
	assert.Equal(t, event.Candle{
		Market: btc, Interval: "1m",
		Open: 100, High: 120, Low: 90, Close: 90,
		Volume: 4, QuoteVolume: 100 + 120 + 180, Trades: 3,
		Start: at(12, 0, 0).UnixMilli(), End: at(12, 1, 0).UnixMilli(),
	}, c)

	l.Update(trade(4, 95, 1, at(12, 1, 5)))
	changed := l.Update(trade(5, 500, 1, at(12, 0, 50))) // late for 1m, inside 5m..1d
	assert.Len(t, changed, len(Intervals)-1)

	c, _ = l.Current(btc, "1m")
	assert.EqualValues(t, 95, c.High)
	c, _ = l.Current(btc, "5m")
	assert.EqualValues(t, 500, c.High)
	assert.EqualValues(t, 5, c.Trades)
}

func TestLiveDropsRedeliveredTrades(t *testing.T) {
	m1, _ := ParseInterval("1m")
	l := NewLive(zap.NewNop().Sugar(), nil, m1)

	l.Update(trade(1, 100, 1, at(12, 0, 10)))
	l.Update(trade(2, 120, 1, at(12, 0, 20)))
	assert.Empty(t, l.Update(trade(2, 120, 1, at(12, 0, 20))))
	assert.Empty(t, l.Update(trade(1, 100, 1, at(12, 0, 10))))

	c, _ := l.Current(btc, "1m")
	assert.EqualValues(t, 2, c.Trades)
	assert.EqualValues(t, 2, c.Volume)

	other := trade(1, 50, 3, at(12, 0, 30))
	other.Market = "ETH_USDC"
	assert.Len(t, l.Update(other), 1)
}

type recorder struct {
	mu  sync.Mutex
	got map[string][]event.Candle
}

func (r *recorder) Broadcast(channel string, v any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.got == nil {
		r.got = make(map[string][]event.Candle)
	}
	r.got[channel] = append(r.got[channel], v.(event.Candle))
}

func TestLiveHandleBroadcastsEveryInterval(t *testing.T) {
	hub := &recorder{}
	l := NewLive(zap.NewNop().Sugar(), hub)

	b, err := event.Encode(event.TypeTradeAdded, trade(1, 100, 1, at(12, 0, 0)))
	require.NoError(t, err)
	require.NoError(t, l.Handle(context.Background(), relay.Message{Value: b}))

	for _, iv := range Intervals {
		got := hub.got[event.KlineChannel(btc, iv.Name)]
		require.Len(t, got, 1, iv.Name)
		assert.EqualValues(t, 100, got[0].Close)
	}

	bad, _ := event.Encode(event.TypeDepth, event.DepthUpdate{})
	assert.Error(t, l.Handle(context.Background(), relay.Message{Value: bad}))
}

func openStore(t *testing.T) *storage.PebbleStore {
	t.Helper()
	s, err := storage.NewPebbleStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestBatchConvergesWithLive(t *testing.T) {
	store := openStore(t)
	clock := util.NewManualClock(at(12, 2, 30))
	live := NewLive(zap.NewNop().Sugar(), nil)
	batch := NewBatch(zap.NewNop().Sugar(), store, clock)

	feed := func(trades ...event.Trade) {
		require.NoError(t, store.AppendTrades(trades...))
		for _, tr := range trades {
			live.Update(tr)
		}
	}

	feed(trade(1, 100, 1, at(12, 0, 10)), trade(2, 105, 2, at(12, 0, 59)))
	first, _ := live.Current(btc, "1m")
	feed(trade(3, 99, 1, at(12, 1, 1)))
	second, _ := live.Current(btc, "1m")
	feed(trade(4, 101, 1, at(12, 2, 10))) // current minute, not yet folded

	n, err := batch.RunOnce(btc)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	got, err := batch.Candles(btc, "1m", 0, 1<<62)
	require.NoError(t, err)
	assert.Equal(t, []event.Candle{first, second}, got)

	// 5m bucket is still open
	got, err = batch.Candles(btc, "5m", 0, 1<<62)
	require.NoError(t, err)
	assert.Empty(t, got)

	cursor, err := store.Cursor(btc)
	require.NoError(t, err)
	assert.EqualValues(t, 3, cursor)

	n, err = batch.RunOnce(btc)
	require.NoError(t, err)
	assert.Zero(t, n)

	// once the 5m bucket closes, batch and live agree on it
	clock.Set(at(12, 6, 0))
	n, err = batch.RunOnce(btc)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err = batch.Candles(btc, "5m", 0, 1<<62)
	require.NoError(t, err)
	require.Len(t, got, 1)
	want, _ := live.Current(btc, "5m")
	assert.Equal(t, want, got[0])
	assert.EqualValues(t, 4, got[0].Trades)
	assert.EqualValues(t, 100, got[0].Open)
	assert.EqualValues(t, 101, got[0].Close)
	assert.EqualValues(t, 5, got[0].Volume)

	_, err = batch.Candles(btc, "7m", 0, 1)
	assert.ErrorIs(t, err, ErrUnknownInterval)
}

func TestBatchRunStopsOnCancel(t *testing.T) {
	store := openStore(t)
	clock := util.NewManualClock(at(13, 0, 0))
	batch := NewBatch(zap.NewNop().Sugar(), store, clock)
	require.NoError(t, store.AppendTrades(trade(1, 100, 1, at(12, 0, 0))))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- batch.Run(ctx, func() []string { return []string{btc} }, time.Minute) }()

	require.Eventually(t, func() bool {
		c, err := store.Cursor(btc)
		return err == nil && c == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return")
	}
}
