// Package ticker keeps per-market running statistics and a rolling 24h window
// built from trade events.
package ticker

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/uhyunpark/hyperspot/pkg/event"
	"github.com/uhyunpark/hyperspot/pkg/relay"
	"github.com/uhyunpark/hyperspot/pkg/util"
)

const Window = 24 * time.Hour

// Data is the ticker snapshot served on ticker@{market}.
type Data struct {
	Market string `json:"market"`

	// all time
	High   int64 `json:"high,string"`
	Low    int64 `json:"low,string"`
	Last   int64 `json:"last,string"`
	Volume int64 `json:"volume,string"`

	High24h        int64  `json:"high24h,string"`
	Low24h         int64  `json:"low24h,string"`
	Open24h        int64  `json:"open24h,string"`
	Volume24h      int64  `json:"volume24h,string"`
	QuoteVolume24h int64  `json:"quoteVolume24h,string"`
	Trades24h      int64  `json:"trades24h"`
	Change24h      string `json:"change24h"` // percent, 2 decimals
	UpdatedAt      int64  `json:"updatedAt"`
}

type entry struct {
	id    uint64
	ts    int64
	price int64
	qty   int64
	quote int64
}

type state struct {
	high, low, last, volume int64
	lastTs                  int64

	history []entry // sorted by ts, then id
	ids     map[uint64]struct{}
}

// Aggregator owns ticker state for every market it has seen.
type Aggregator struct {
	log   *zap.SugaredLogger
	clock util.Clock
	hub   event.Broadcaster

	mu      sync.Mutex
	markets map[string]*state
}

func NewAggregator(log *zap.SugaredLogger, clock util.Clock, hub event.Broadcaster) *Aggregator {
	if clock == nil {
		clock = util.RealClock{}
	}
	if hub == nil {
		hub = event.NopBroadcaster{}
	}
	return &Aggregator{log: log, clock: clock, hub: hub, markets: make(map[string]*state)}
}

// UpdateTicker folds one trade into the market's statistics. A trade id
// already inside the window is ignored, so redelivered events do not double
// count. It reports whether the trade was applied.
func (a *Aggregator) UpdateTicker(market string, t event.Trade) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	s, ok := a.markets[market]
	if !ok {
		s = &state{high: t.Price, low: t.Price, ids: make(map[uint64]struct{})}
		a.markets[market] = s
	}
	cutoff := a.clock.Now().Add(-Window).UnixMilli()
	s.prune(cutoff)

	if _, dup := s.ids[t.ID]; dup {
		return false
	}

	s.high = max(s.high, t.Price)
	s.low = min(s.low, t.Price)
	s.volume += t.Quantity
	if t.Timestamp >= s.lastTs {
		s.last, s.lastTs = t.Price, t.Timestamp
	}

	if t.Timestamp < cutoff {
		return true // counts all time, too old for the window
	}
	e := entry{id: t.ID, ts: t.Timestamp, price: t.Price, qty: t.Quantity, quote: t.QuoteQuantity}
	i := sort.Search(len(s.history), func(i int) bool {
		h := s.history[i]
		return h.ts > e.ts || (h.ts == e.ts && h.id > e.id)
	})
	s.history = append(s.history, entry{})
	copy(s.history[i+1:], s.history[i:])
	s.history[i] = e
	s.ids[e.id] = struct{}{}
	return true
}

func (s *state) prune(cutoff int64) {
	n := sort.Search(len(s.history), func(i int) bool { return s.history[i].ts >= cutoff })
	if n == 0 {
		return
	}
	for _, e := range s.history[:n] {
		delete(s.ids, e.id)
	}
	s.history = append(s.history[:0], s.history[n:]...)
}

// GetTicker returns the market's snapshot, or (nil, false) before its first trade.
func (a *Aggregator) GetTicker(market string) (*Data, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	s, ok := a.markets[market]
	if !ok {
		return nil, false
	}
	now := a.clock.Now()
	s.prune(now.Add(-Window).UnixMilli())

	d := &Data{
		Market:    market,
		High:      s.high,
		Low:       s.low,
		Last:      s.last,
		Volume:    s.volume,
		Change24h: "0.00",
		UpdatedAt: now.UnixMilli(),
	}
	if len(s.history) == 0 {
		return d, true
	}

	d.Open24h = s.history[0].price
	d.High24h, d.Low24h = d.Open24h, d.Open24h
	for _, e := range s.history {
		d.High24h = max(d.High24h, e.price)
		d.Low24h = min(d.Low24h, e.price)
		d.Volume24h += e.qty
		d.QuoteVolume24h += e.quote
		d.Trades24h++
	}
	d.Change24h = change(d.Open24h, s.history[len(s.history)-1].price)
	return d, true
}

// change renders (last-open)/open as a percentage with two decimals, truncated
// to whole basis points.
func change(open, last int64) string {
	if open <= 0 {
		return "0.00"
	}
	bps := decimal.NewFromInt(last - open).
		Mul(decimal.NewFromInt(10_000)).
		Div(decimal.NewFromInt(open)).
		Truncate(0)
	return bps.Shift(-2).StringFixed(2)
}

// Markets lists markets with ticker state.
func (a *Aggregator) Markets() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.markets))
	for m := range a.markets {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// Handle consumes one TRADE_ADDED relay message and broadcasts the new ticker.
func (a *Aggregator) Handle(_ context.Context, msg relay.Message) error {
	t, err := event.DecodeTrade(msg.Value)
	if err != nil {
		return fmt.Errorf("ticker: %w", err)
	}
	if !a.UpdateTicker(t.Market, t) {
		a.log.Debugw("ticker_duplicate_trade", "market", t.Market, "trade_id", t.ID)
		return nil
	}
	if d, ok := a.GetTicker(t.Market); ok {
		a.hub.Broadcast(event.TickerChannel(t.Market), d)
	}
	return nil
}
