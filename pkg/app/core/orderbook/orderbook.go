package orderbook

import (
	"container/heap"
	"fmt"
	"sort"
	"sync"
)

// OrderBook holds the resting orders of one spot market and matches incoming
// orders by price-time priority. It is driven by a single writer (the engine
// sequencer); the RWMutex only protects concurrent readers.
type OrderBook struct {
	mu sync.RWMutex

	BaseAsset  string
	QuoteAsset string

	// Heap-based best price tracking (O(1) peek)
	bidHeap *priceHeap
	askHeap *priceHeap

	// Price level queues (FIFO matching at each price)
	bids map[int64][]*Order
	asks map[int64][]*Order

	// Order index for O(1) lookup on cancel
	orderIndex map[string]*Order

	lastTradeID uint64
	lastPrice   int64
}

func NewOrderBook(baseAsset, quoteAsset string) *OrderBook {
	return &OrderBook{
		BaseAsset:  baseAsset,
		QuoteAsset: quoteAsset,
		bidHeap:    newBidHeap(),
		askHeap:    newAskHeap(),
		bids:       make(map[int64][]*Order),
		asks:       make(map[int64][]*Order),
		orderIndex: make(map[string]*Order),
	}
}

// Ticker returns the market symbol in base_quote form.
func (ob *OrderBook) Ticker() string {
	return ob.BaseAsset + "_" + ob.QuoteAsset
}

// AddOrder matches o against the opposite side and rests any residual when o is a
// non-IOC limit order. o.Filled is updated in place; the book keeps its own copy of
// a resting order.
func (ob *OrderBook) AddOrder(o *Order) (Result, error) {
	if err := o.validate(); err != nil {
		return Result{}, err
	}

	ob.mu.Lock()
	defer ob.mu.Unlock()

	if _, exists := ob.orderIndex[o.ID]; exists {
		return Result{}, fmt.Errorf("%w: %s", ErrDuplicateOrderID, o.ID)
	}
	if o.PostOnly && ob.wouldMatch(o) {
		return Result{}, ErrPostOnlyWouldCross
	}

	levels, prices := ob.opposite(o.Side)
	budget := newBudget(o)
	start := o.Filled

	var fills []Fill
	for _, price := range prices.ordered() {
		if o.Remaining() == 0 || budget.exhausted(price) {
			break
		}
		if !crosses(o, price) {
			break
		}
		fills = ob.matchLevel(o, levels, prices, price, budget, fills)
	}

	res := Result{ExecutedQty: o.Filled - start, Fills: fills}
	if o.Remaining() > 0 && o.Type == Limit && !o.IOC {
		cp := *o
		ob.rest(&cp)
		res.Rested = true
	}
	return res, nil
}

// matchLevel walks one price level in arrival order. Makers owned by the taker's
// user are skipped and keep their queue position.
func (ob *OrderBook) matchLevel(o *Order, levels map[int64][]*Order, prices *priceHeap, price int64, budget *quoteBudget, fills []Fill) []Fill {
	level := levels[price]
	kept := level[:0]
	for _, maker := range level {
		if o.Remaining() == 0 || maker.UserID == o.UserID {
			kept = append(kept, maker)
			continue
		}
		match := budget.clamp(price, min(o.Remaining(), maker.Remaining()))
		if match == 0 {
			kept = append(kept, maker)
			continue
		}

		o.Filled += match
		maker.Filled += match
		budget.spend(price, match)

		ob.lastTradeID++
		ob.lastPrice = price
		fills = append(fills, Fill{
			TradeID:      ob.lastTradeID,
			Price:        price,
			Qty:          match,
			MakerOrderID: maker.ID,
			MakerUserID:  maker.UserID,
			Timestamp:    o.CreatedAt,

			MakerRemaining: maker.Remaining(),
		})

		if maker.Remaining() > 0 {
			kept = append(kept, maker)
		} else {
			delete(ob.orderIndex, maker.ID)
		}
	}

	// clear dropped tail pointers so filled makers can be collected
	for i := len(kept); i < len(level); i++ {
		level[i] = nil
	}
	if len(kept) == 0 {
		delete(levels, price)
		prices.remove(price)
	} else {
		levels[price] = kept
	}
	return fills
}

// wouldMatch reports whether o would take any liquidity if submitted.
func (ob *OrderBook) wouldMatch(o *Order) bool {
	levels, prices := ob.opposite(o.Side)
	for _, price := range prices.ordered() {
		if !crosses(o, price) {
			return false
		}
		for _, maker := range levels[price] {
			if maker.UserID != o.UserID {
				return true
			}
		}
	}
	return false
}

func crosses(o *Order, price int64) bool {
	if o.Type == Market {
		return true
	}
	if o.Side == Buy {
		return price <= o.Price
	}
	return price >= o.Price
}

func (ob *OrderBook) opposite(s Side) (map[int64][]*Order, *priceHeap) {
	if s == Buy {
		return ob.asks, ob.askHeap
	}
	return ob.bids, ob.bidHeap
}

func (ob *OrderBook) same(s Side) (map[int64][]*Order, *priceHeap) {
	if s == Buy {
		return ob.bids, ob.bidHeap
	}
	return ob.asks, ob.askHeap
}

func (ob *OrderBook) rest(o *Order) {
	levels, prices := ob.same(o.Side)
	if len(levels[o.Price]) == 0 {
		// New price level - add to heap
		heap.Push(prices, o.Price)
	}
	levels[o.Price] = append(levels[o.Price], o)
	ob.orderIndex[o.ID] = o
}

// CancelBid removes a resting bid and returns its price.
func (ob *OrderBook) CancelBid(id string) (int64, bool) {
	return ob.cancel(id, Buy)
}

// CancelAsk removes a resting ask and returns its price.
func (ob *OrderBook) CancelAsk(id string) (int64, bool) {
	return ob.cancel(id, Sell)
}

func (ob *OrderBook) cancel(id string, side Side) (int64, bool) {
	ob.mu.Lock()
	defer ob.mu.Unlock()

	o, ok := ob.orderIndex[id]
	if !ok || o.Side != side {
		return 0, false
	}
	levels, prices := ob.same(side)
	arr := levels[o.Price]
	for i, r := range arr {
		if r.ID != id {
			continue
		}
		levels[o.Price] = append(arr[:i], arr[i+1:]...)
		if len(levels[o.Price]) == 0 {
			delete(levels, o.Price)
			prices.remove(o.Price)
		}
		delete(ob.orderIndex, id)
		return o.Price, true
	}
	return 0, false
}

// Find returns a copy of a resting order.
func (ob *OrderBook) Find(id string) (Order, bool) {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	o, ok := ob.orderIndex[id]
	if !ok {
		return Order{}, false
	}
	return *o, true
}

// OpenOrders returns copies of the user's resting bids and asks in arrival order.
func (ob *OrderBook) OpenOrders(userID string) []Order {
	ob.mu.RLock()
	defer ob.mu.RUnlock()

	var out []Order
	for _, o := range ob.orderIndex {
		if o.UserID == userID {
			out = append(out, *o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

// Depth aggregates open quantity per price: bids high to low, asks low to high.
func (ob *OrderBook) Depth() Depth {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	return Depth{
		Bids: aggregate(ob.bids, ob.bidHeap),
		Asks: aggregate(ob.asks, ob.askHeap),
	}
}

func aggregate(levels map[int64][]*Order, prices *priceHeap) []PriceLevel {
	out := make([]PriceLevel, 0, prices.Len())
	for _, price := range prices.ordered() {
		var total int64
		for _, o := range levels[price] {
			total += o.Remaining()
		}
		if total == 0 {
			continue
		}
		out = append(out, PriceLevel{Price: price, Qty: total})
	}
	return out
}

// DepthAt returns the open quantity resting at one price on one side.
func (ob *OrderBook) DepthAt(side Side, price int64) int64 {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	levels, _ := ob.same(side)
	var total int64
	for _, o := range levels[price] {
		total += o.Remaining()
	}
	return total
}

// BestBid returns the highest bid price
func (ob *OrderBook) BestBid() (int64, bool) {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	return ob.bidHeap.Peek()
}

// BestAsk returns the lowest ask price
func (ob *OrderBook) BestAsk() (int64, bool) {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	return ob.askHeap.Peek()
}

// LastTradeID returns the id of the most recent fill (0 if none).
func (ob *OrderBook) LastTradeID() uint64 {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	return ob.lastTradeID
}

// ResumeTradeIDs continues trade numbering after last, so ids stay unique across
// restarts. It only moves the counter forward.
func (ob *OrderBook) ResumeTradeIDs(last uint64) {
	ob.mu.Lock()
	defer ob.mu.Unlock()
	if last > ob.lastTradeID {
		ob.lastTradeID = last
	}
}

// LastPrice returns the price of the most recent fill (0 if none).
func (ob *OrderBook) LastPrice() int64 {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	return ob.lastPrice
}

// quoteBudget limits the quote a market buy may spend, in whole lots.
type quoteBudget struct {
	bounded bool
	left    int64
	lot     int64
}

func newBudget(o *Order) *quoteBudget {
	if o.Type == Market && o.Side == Buy && o.QuoteBudget > 0 {
		return &quoteBudget{bounded: true, left: o.QuoteBudget, lot: max(o.Lot, 1)}
	}
	return &quoteBudget{}
}

// affordable is the largest lot multiple the remaining budget buys at price.
func (b *quoteBudget) affordable(price int64) int64 {
	n := b.left / price
	return n - n%b.lot
}

func (b *quoteBudget) exhausted(price int64) bool {
	return b.bounded && b.affordable(price) == 0
}

func (b *quoteBudget) clamp(price, qty int64) int64 {
	if !b.bounded {
		return qty
	}
	return min(qty, b.affordable(price))
}

func (b *quoteBudget) spend(price, qty int64) {
	if b.bounded {
		b.left -= price * qty
	}
}
