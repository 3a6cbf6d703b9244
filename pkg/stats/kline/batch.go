package kline

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/uhyunpark/hyperspot/pkg/event"
	"github.com/uhyunpark/hyperspot/pkg/util"
)

// Store is the trade log plus candle storage the batch aggregator works on.
type Store interface {
	ScanTrades(market string, afterID uint64, fn func(event.Trade) bool) error
	Cursor(market string) (uint64, error)
	Candle(market, interval string, start int64) (event.Candle, bool, error)
	SaveCandles(market string, cursor uint64, candles ...event.Candle) error
	Candles(market, interval string, from, to int64) ([]event.Candle, error)
}

// Batch derives candles from the persisted trade log. Each run folds trades
// after the market's cursor, in id order, up to the start of the current
// minute, merging into stored candles. Candles and cursor are saved in one
// batch so a crash never double counts. A stored candle is final once its
// bucket has ended.
type Batch struct {
	log       *zap.SugaredLogger
	store     Store
	clock     util.Clock
	intervals []Interval
	maxTrades int
}

func NewBatch(log *zap.SugaredLogger, store Store, clock util.Clock, intervals ...Interval) *Batch {
	if len(intervals) == 0 {
		intervals = Intervals
	}
	if clock == nil {
		clock = util.RealClock{}
	}
	return &Batch{log: log, store: store, clock: clock, intervals: intervals, maxTrades: 10_000}
}

// RunOnce folds pending trades of one market and returns how many it consumed.
func (b *Batch) RunOnce(market string) (int, error) {
	cursor, err := b.store.Cursor(market)
	if err != nil {
		return 0, fmt.Errorf("read cursor of %s: %w", market, err)
	}
	cutoff, _ := Intervals[0].Bucket(b.clock.Now().UnixMilli())

	pending := make(map[bucket]*event.Candle)
	var order []bucket
	var loadErr error
	n := 0
	err = b.store.ScanTrades(market, cursor, func(t event.Trade) bool {
		if t.Timestamp >= cutoff || n >= b.maxTrades {
			return false
		}
		for _, iv := range b.intervals {
			start, end := iv.Bucket(t.Timestamp)
			k := bucket{iv.Name, start}
			if c, ok := pending[k]; ok {
				c.Extend(t.Price, t.Quantity, t.QuoteQuantity)
				continue
			}
			stored, found, err := b.store.Candle(market, iv.Name, start)
			if err != nil {
				loadErr = err
				return false
			}
			c := newCandle(t, iv.Name, start, end)
			if found {
				stored.Extend(t.Price, t.Quantity, t.QuoteQuantity)
				c = &stored
			}
			pending[k] = c
			order = append(order, k)
		}
		cursor = t.ID
		n++
		return true
	})
	if err == nil {
		err = loadErr
	}
	if err != nil {
		return 0, fmt.Errorf("scan trades of %s: %w", market, err)
	}
	if n == 0 {
		return 0, nil
	}

	candles := make([]event.Candle, 0, len(order))
	for _, k := range order {
		candles = append(candles, *pending[k])
	}
	if err := b.store.SaveCandles(market, cursor, candles...); err != nil {
		return 0, fmt.Errorf("save candles of %s: %w", market, err)
	}
	b.log.Debugw("kline_batch_saved", "market", market, "trades", n, "candles", len(candles), "cursor", cursor)
	return n, nil
}

type bucket struct {
	interval string
	start    int64
}

// Candles returns finalized candles with from <= Start < to.
func (b *Batch) Candles(market, interval string, from, to int64) ([]event.Candle, error) {
	if _, err := ParseInterval(interval); err != nil {
		return nil, err
	}
	all, err := b.store.Candles(market, interval, from, to)
	if err != nil {
		return nil, err
	}
	now := b.clock.Now().UnixMilli()
	out := all[:0]
	for _, c := range all {
		if c.End <= now {
			out = append(out, c)
		}
	}
	return out, nil
}

// Run calls RunOnce for every market each period until ctx is done.
func (b *Batch) Run(ctx context.Context, markets func() []string, period time.Duration) error {
	for {
		for _, m := range markets() {
			for {
				n, err := b.RunOnce(m)
				if err != nil {
					b.log.Errorw("kline_batch_failed", "market", m, "err", err)
					break
				}
				if n < b.maxTrades {
					break
				}
			}
		}
		select {
		case <-ctx.Done():
			return nil
		case <-b.clock.After(period):
		}
	}
}
