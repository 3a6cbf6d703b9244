package kline

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/uhyunpark/hyperspot/pkg/event"
	"github.com/uhyunpark/hyperspot/pkg/relay"
)

type key struct {
	market   string
	interval string
}

// Live keeps the current candle per (market, interval) and broadcasts it after
// every trade. A trade older than the live candle is ignored here; the batch
// aggregator covers it once the bucket closes. Trade ids rise per market, so a
// redelivered trade (id at or below the last applied) is dropped.
type Live struct {
	log       *zap.SugaredLogger
	hub       event.Broadcaster
	intervals []Interval

	mu      sync.Mutex
	candles map[key]*event.Candle
	lastID  map[string]uint64
}

func NewLive(log *zap.SugaredLogger, hub event.Broadcaster, intervals ...Interval) *Live {
	if len(intervals) == 0 {
		intervals = Intervals
	}
	if hub == nil {
		hub = event.NopBroadcaster{}
	}
	return &Live{log: log, hub: hub, intervals: intervals, candles: make(map[key]*event.Candle), lastID: make(map[string]uint64)}
}

// Update folds t into every interval and returns the candles it changed.
func (l *Live) Update(t event.Trade) []event.Candle {
	l.mu.Lock()
	if last, ok := l.lastID[t.Market]; ok && t.ID <= last {
		l.mu.Unlock()
		l.log.Debugw("kline_duplicate_trade", "market", t.Market, "trade_id", t.ID, "last_id", last)
		return nil
	}
	l.lastID[t.Market] = t.ID

	var changed []event.Candle
	for _, iv := range l.intervals {
		k := key{t.Market, iv.Name}
		c, ok := l.candles[k]
		switch {
		case !ok || t.Timestamp >= c.End:
			start, end := iv.Bucket(t.Timestamp)
			c = newCandle(t, iv.Name, start, end)
			l.candles[k] = c
		case t.Timestamp < c.Start:
			l.log.Debugw("kline_late_trade", "market", t.Market, "interval", iv.Name, "trade_id", t.ID,
				"ts", t.Timestamp, "candle_start", c.Start)
			continue
		default:
			c.Extend(t.Price, t.Quantity, t.QuoteQuantity)
		}
		changed = append(changed, *c)
	}
	l.mu.Unlock()

	for _, c := range changed {
		l.hub.Broadcast(event.KlineChannel(c.Market, c.Interval), c)
	}
	return changed
}

// Current returns the live candle for market and interval.
func (l *Live) Current(market, interval string) (event.Candle, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.candles[key{market, interval}]
	if !ok {
		return event.Candle{}, false
	}
	return *c, true
}

// Handle consumes one TRADE_ADDED relay message.
func (l *Live) Handle(_ context.Context, msg relay.Message) error {
	t, err := event.DecodeTrade(msg.Value)
	if err != nil {
		return fmt.Errorf("kline: %w", err)
	}
	l.Update(t)
	return nil
}

func newCandle(t event.Trade, interval string, start, end int64) *event.Candle {
	return &event.Candle{
		Market:      t.Market,
		Interval:    interval,
		Open:        t.Price,
		High:        t.Price,
		Low:         t.Price,
		Close:       t.Price,
		Volume:      t.Quantity,
		QuoteVolume: t.QuoteQuantity,
		Trades:      1,
		Start:       start,
		End:         end,
	}
}
